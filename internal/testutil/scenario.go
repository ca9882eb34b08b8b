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

package testutil

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tmb-project/go-attest/register"
	"github.com/tmb-project/go-attest/tcg"
)

// Scenario geometry.
const (
	// IMAPCR is the register the measurement log extends.
	IMAPCR = 10
	// AuditPath is the measured path of the audit log.
	AuditPath = "/var/log/attest/audit.log"
	// AuditLines is the number of lines in the scenario audit log.
	AuditLines = 100
	// AuditMatchLine is the audit log prefix length the IMA log attests.
	AuditMatchLine = 42
)

// Scenario is a complete, consistent artifact bundle: 10 static registers
// reproduced by the boot log and 3 dynamic registers reached by the 3rd, 5th
// and 7th of 9 IMA records.
type Scenario struct {
	Key   *ecdsa.PrivateKey
	Nonce []byte

	StaticPCRs  []int
	DynamicPCRs []int
	QuotedPCRs  []int

	BootEntries []tcg.Entry
	IMARecords  []IMARecord
	// MatchAt gives, per dynamic position, the 1-based record count after
	// which its expected value is reached.
	MatchAt []int

	SigningKey     []byte
	QuoteSignature []byte
	QuoteMessage   []byte
	PCRBuffer      []byte
	BootLog        []byte
	MeasurementLog []byte
	AuditLog       []byte
}

// AuditLog returns n lines of audit records.
func AuditLog(n int) []byte {
	var sb strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&sb, "type=SYSCALL msg=audit(1700000000.%03d:%d): arch=c000003e syscall=59 success=yes exe=\"/usr/bin/app\"\n", i%1000, i)
	}
	return []byte(sb.String())
}

// AuditPrefixDigest returns sha256 of the first n lines of log.
func AuditPrefixDigest(log []byte, n int) []byte {
	lines := strings.SplitAfter(string(log), "\n")
	h := sha256.New()
	for _, l := range lines[:n] {
		h.Write([]byte(l))
	}
	return h.Sum(nil)
}

// NewScenario builds a Scenario signed by a fresh ECDSA key.
func NewScenario(t testing.TB) *Scenario {
	t.Helper()
	s := &Scenario{
		Key:         ECDSAKey(t),
		Nonce:       []byte("scenario-nonce"),
		StaticPCRs:  []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
		DynamicPCRs: []int{10, 11, 12},
		MatchAt:     []int{3, 5, 7},
	}
	s.QuotedPCRs = append(append([]int(nil), s.StaticPCRs...), s.DynamicPCRs...)

	s.BootEntries = BootEntries(s.StaticPCRs, 2)
	s.BootLog = BinaryBootLog(t, s.BootEntries)
	bank := ReplayEntries(t, s.BootEntries)

	s.AuditLog = AuditLog(AuditLines)
	auditDigest := AuditPrefixDigest(s.AuditLog, AuditMatchLine)
	fileDigest := func(name string) []byte {
		d := sha256.Sum256([]byte(name))
		return d[:]
	}
	s.IMARecords = []IMARecord{
		NGRecord(IMAPCR, "sha1", make([]byte, 20), "boot_aggregate"),
		NGRecord(IMAPCR, "sha256", fileDigest("app v1"), "/usr/bin/app"),
		NGRecord(IMAPCR, "sha256", fileDigest("x v1"), "/etc/x"),
		ZeroRecord(IMAPCR, "/var/lib/violation"),
		NGRecord(IMAPCR, "sha256", fileDigest("x v2"), "/etc/x"),
		NGRecord(IMAPCR, "sha256", fileDigest("libfoo"), "/usr/lib/libfoo.so"),
		NGRecord(IMAPCR, "sha256", auditDigest, AuditPath),
		NGRecord(IMAPCR, "sha256", fileDigest("late"), "/usr/bin/late"),
		NGRecord(IMAPCR, "sha256", fileDigest("late config"), "/etc/late"),
	}
	s.MeasurementLog = IMALog(s.IMARecords...)

	// The quoted dynamic registers hold the running IMA register value at
	// each match point.
	running := make([]byte, 20)
	var dynamic [][]byte
	for i, r := range s.IMARecords {
		next, err := register.ExtendDigest(register.HashSHA1, running, IMAExtendValue(r))
		if err != nil {
			t.Fatalf("ExtendDigest() failed: %v", err)
		}
		running = next
		for _, at := range s.MatchAt {
			if at == i+1 {
				dynamic = append(dynamic, running)
			}
		}
	}
	s.PCRBuffer = PCRBuffer(t, bank, register.HashSHA1, s.StaticPCRs)
	for _, d := range dynamic {
		s.PCRBuffer = append(s.PCRBuffer, d...)
	}

	s.SigningKey = PublicKeyPEM(t, s.Key.Public())
	s.Resign(t)
	return s
}

// Resign rebuilds the quote message over the current PCRBuffer and signs it.
func (s *Scenario) Resign(t testing.TB) {
	t.Helper()
	s.QuoteMessage = AttestMessage(register.HashSHA1, s.QuotedPCRs, s.PCRBuffer, s.Nonce)
	s.QuoteSignature = Sign(t, s.Key, s.QuoteMessage)
}

// TruncateIMA keeps the first n measurement records.
func (s *Scenario) TruncateIMA(n int) {
	s.IMARecords = s.IMARecords[:n]
	s.MeasurementLog = IMALog(s.IMARecords...)
}

// Artifact file names of a bundle directory.
const (
	SigningKeyFile     = "signing_key"
	QuoteSignatureFile = "quote_signature"
	QuoteMessageFile   = "quote_message"
	PCRBufferFile      = "pcr_buffer"
	BootLogFile        = "boot_event_log"
	MeasurementLogFile = "measurement_log"
	AuditLogFile       = "audit_log"
)

// WriteBundle writes the artifacts into dir.
func (s *Scenario) WriteBundle(t testing.TB, dir string) {
	t.Helper()
	files := map[string][]byte{
		SigningKeyFile:     s.SigningKey,
		QuoteSignatureFile: s.QuoteSignature,
		QuoteMessageFile:   s.QuoteMessage,
		PCRBufferFile:      s.PCRBuffer,
		BootLogFile:        s.BootLog,
		MeasurementLogFile: s.MeasurementLog,
		AuditLogFile:       s.AuditLog,
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatalf("WriteFile(%s) failed: %v", name, err)
		}
	}
}
