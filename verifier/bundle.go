// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

package verifier

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Artifact file names inside a bundle directory.
const (
	SigningKeyFile     = "signing_key"
	QuoteSignatureFile = "quote_signature"
	QuoteMessageFile   = "quote_message"
	PCRBufferFile      = "pcr_buffer"
	BootLogFile        = "boot_event_log"
	MeasurementLogFile = "measurement_log"
	AuditLogFile       = "audit_log"
)

// bootLogNames are tried in order. The structured form may carry an
// extension.
var bootLogNames = []string{BootLogFile, BootLogFile + ".yaml", BootLogFile + ".yml", BootLogFile + ".json"}

// Bundle holds the artifacts of one verification run.
type Bundle struct {
	SigningKey     []byte
	QuoteSignature []byte
	QuoteMessage   []byte
	PCRBuffer      []byte
	BootLog        []byte
	MeasurementLog []byte
	// AuditLogPath is the local copy of the audit log. The log is streamed
	// rather than loaded.
	AuditLogPath string
}

// LoadBundle reads the artifacts in dir. The audit log is optional.
func LoadBundle(dir string) (*Bundle, error) {
	b := &Bundle{}
	required := []struct {
		name string
		dst  *[]byte
	}{
		{SigningKeyFile, &b.SigningKey},
		{QuoteSignatureFile, &b.QuoteSignature},
		{QuoteMessageFile, &b.QuoteMessage},
		{PCRBufferFile, &b.PCRBuffer},
		{MeasurementLogFile, &b.MeasurementLog},
	}
	for _, r := range required {
		data, err := os.ReadFile(filepath.Join(dir, r.name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", r.name, err)
		}
		*r.dst = data
	}

	for _, name := range bootLogNames {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		b.BootLog = data
		break
	}
	if b.BootLog == nil {
		return nil, fmt.Errorf("read %s: %w", BootLogFile, fs.ErrNotExist)
	}

	audit := filepath.Join(dir, AuditLogFile)
	if _, err := os.Stat(audit); err == nil {
		b.AuditLogPath = audit
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat %s: %w", AuditLogFile, err)
	}
	return b, nil
}
