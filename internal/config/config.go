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

// Package config loads and validates verification policies.
package config

import (
	"crypto"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/tmb-project/go-attest/common"
	"github.com/tmb-project/go-attest/register"
)

// Policy describes what a verification run expects of an artifact bundle.
type Policy struct {
	// StaticPCRs are reproduced by the boot event log.
	StaticPCRs []int `json:"static_pcrs" yaml:"static_pcrs" toml:"static_pcrs"`
	// DynamicPCRs hold the values the measurement log must reach.
	DynamicPCRs []int `json:"dynamic_pcrs" yaml:"dynamic_pcrs" toml:"dynamic_pcrs"`
	// QuotedPCRs names the register of each PCR buffer segment. When empty
	// the quote decides.
	QuotedPCRs []int `json:"quoted_pcrs,omitempty" yaml:"quoted_pcrs,omitempty" toml:"quoted_pcrs,omitempty"`

	PCRAlgorithm     string `json:"pcr_algorithm" yaml:"pcr_algorithm" toml:"pcr_algorithm"`
	BindingAlgorithm string `json:"binding_algorithm" yaml:"binding_algorithm" toml:"binding_algorithm"`
	SignatureHash    string `json:"signature_hash" yaml:"signature_hash" toml:"signature_hash"`

	// AuditLogPath is the path under which the audit log was measured.
	AuditLogPath string `json:"audit_log_path" yaml:"audit_log_path" toml:"audit_log_path"`
	RequireAudit bool   `json:"require_audit" yaml:"require_audit" toml:"require_audit"`

	StrictTail   bool `json:"strict_tail" yaml:"strict_tail" toml:"strict_tail"`
	AllowPadding bool `json:"allow_padding" yaml:"allow_padding" toml:"allow_padding"`
	// Nonce is the hex encoded qualifying data the quote must carry.
	Nonce string `json:"nonce,omitempty" yaml:"nonce,omitempty" toml:"nonce,omitempty"`

	// BootLogFormat is auto, binary or structured.
	BootLogFormat string `json:"boot_log_format" yaml:"boot_log_format" toml:"boot_log_format"`
	// MeasurementFormat is binary or ascii.
	MeasurementFormat string `json:"measurement_format" yaml:"measurement_format" toml:"measurement_format"`
	// Bootloader selects the boot log diagnostics, grub or none.
	Bootloader string `json:"bootloader" yaml:"bootloader" toml:"bootloader"`
}

// DefaultPolicy returns the policy for 10 static and 3 dynamic registers.
func DefaultPolicy() *Policy {
	return &Policy{
		StaticPCRs:        []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
		DynamicPCRs:       []int{10, 11, 12},
		PCRAlgorithm:      "sha1",
		BindingAlgorithm:  "sha256",
		SignatureHash:     "sha256",
		AuditLogPath:      "/var/log/attest/audit.log",
		RequireAudit:      true,
		BootLogFormat:     "auto",
		MeasurementFormat: "binary",
		Bootloader:        "grub",
	}
}

// Clone returns a deep copy of p.
func (p *Policy) Clone() *Policy {
	c := *p
	c.StaticPCRs = append([]int(nil), p.StaticPCRs...)
	c.DynamicPCRs = append([]int(nil), p.DynamicPCRs...)
	c.QuotedPCRs = append([]int(nil), p.QuotedPCRs...)
	return &c
}

// PCRAlg is the bank the quote and the static replay use.
func (p *Policy) PCRAlg() (register.HashAlg, error) {
	return register.ParseHashAlg(p.PCRAlgorithm)
}

// BindingAlg hashes the PCR buffer into the quote message.
func (p *Policy) BindingAlg() (register.HashAlg, error) {
	return register.ParseHashAlg(p.BindingAlgorithm)
}

// SigHash is the digest signed over the quote message.
func (p *Policy) SigHash() (crypto.Hash, error) {
	alg, err := register.ParseHashAlg(p.SignatureHash)
	if err != nil {
		return 0, err
	}
	return alg.CryptoHash(), nil
}

// NonceBytes decodes Nonce. An empty nonce is nil.
func (p *Policy) NonceBytes() ([]byte, error) {
	if p.Nonce == "" {
		return nil, nil
	}
	return hex.DecodeString(p.Nonce)
}

// Loader returns the configured bootloader.
func (p *Policy) Loader() (common.Bootloader, error) {
	return common.ParseBootloader(p.Bootloader)
}

// Validate reports every problem with p.
func (p *Policy) Validate() error {
	var errs []error
	check := func(name string, idx []int) map[int]bool {
		seen := map[int]bool{}
		for _, i := range idx {
			if i < 0 || i >= register.NumPCRs {
				errs = append(errs, fmt.Errorf("%s: %w", name, &register.IndexError{Index: i}))
			}
			if seen[i] {
				errs = append(errs, fmt.Errorf("%s: PCR %d listed twice", name, i))
			}
			seen[i] = true
		}
		return seen
	}
	static := check("static_pcrs", p.StaticPCRs)
	dynamic := check("dynamic_pcrs", p.DynamicPCRs)
	quoted := check("quoted_pcrs", p.QuotedPCRs)
	if len(p.StaticPCRs) == 0 {
		errs = append(errs, errors.New("static_pcrs: at least one register is required"))
	}
	if len(p.DynamicPCRs) == 0 {
		errs = append(errs, errors.New("dynamic_pcrs: at least one register is required"))
	}
	for i := range dynamic {
		if static[i] {
			errs = append(errs, fmt.Errorf("PCR %d is both static and dynamic", i))
		}
	}
	if len(p.QuotedPCRs) > 0 {
		for _, set := range []map[int]bool{static, dynamic} {
			for i := range set {
				if !quoted[i] {
					errs = append(errs, fmt.Errorf("quoted_pcrs: PCR %d is not quoted", i))
				}
			}
		}
	}
	if alg, err := p.PCRAlg(); err != nil {
		errs = append(errs, fmt.Errorf("pcr_algorithm: %w", err))
	} else if alg != register.HashSHA1 && len(p.DynamicPCRs) > 0 {
		// Measurement logs carry SHA-1 template hashes only.
		errs = append(errs, fmt.Errorf("pcr_algorithm: dynamic registers are replayed in the SHA1 bank, got %v", alg))
	}
	if _, err := p.BindingAlg(); err != nil {
		errs = append(errs, fmt.Errorf("binding_algorithm: %w", err))
	}
	if _, err := p.SigHash(); err != nil {
		errs = append(errs, fmt.Errorf("signature_hash: %w", err))
	}
	if _, err := p.NonceBytes(); err != nil {
		errs = append(errs, fmt.Errorf("nonce: %w", err))
	}
	if _, err := p.Loader(); err != nil {
		errs = append(errs, fmt.Errorf("bootloader: %w", err))
	}
	if p.RequireAudit && p.AuditLogPath == "" {
		errs = append(errs, errors.New("require_audit is set but audit_log_path is empty"))
	}
	switch p.BootLogFormat {
	case "", "auto", "binary", "structured", "yaml", "json":
	default:
		errs = append(errs, fmt.Errorf("boot_log_format: unknown format %q", p.BootLogFormat))
	}
	switch p.MeasurementFormat {
	case "", "binary", "ascii":
	default:
		errs = append(errs, fmt.Errorf("measurement_format: unknown format %q", p.MeasurementFormat))
	}
	return errors.Join(errs...)
}

// ApplyEnvOverrides replaces policy fields with ATTEST_* environment
// variables.
func (p *Policy) ApplyEnvOverrides() error {
	var errs []error
	list := func(key string, dst *[]int) {
		v, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		idx, err := ParseIndexList(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = idx
	}
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	flag := func(key string, dst *bool) {
		v, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}

	list("ATTEST_STATIC_PCRS", &p.StaticPCRs)
	list("ATTEST_DYNAMIC_PCRS", &p.DynamicPCRs)
	list("ATTEST_QUOTED_PCRS", &p.QuotedPCRs)
	str("ATTEST_PCR_ALGORITHM", &p.PCRAlgorithm)
	str("ATTEST_BINDING_ALGORITHM", &p.BindingAlgorithm)
	str("ATTEST_SIGNATURE_HASH", &p.SignatureHash)
	str("ATTEST_AUDIT_LOG_PATH", &p.AuditLogPath)
	flag("ATTEST_REQUIRE_AUDIT", &p.RequireAudit)
	flag("ATTEST_STRICT_TAIL", &p.StrictTail)
	flag("ATTEST_ALLOW_PADDING", &p.AllowPadding)
	str("ATTEST_NONCE", &p.Nonce)
	str("ATTEST_BOOT_LOG_FORMAT", &p.BootLogFormat)
	str("ATTEST_MEASUREMENT_FORMAT", &p.MeasurementFormat)
	str("ATTEST_BOOTLOADER", &p.Bootloader)
	return errors.Join(errs...)
}

// ParseIndexList parses a comma separated register list. Ranges such as
// "0-9" are expanded. The result is sorted.
func ParseIndexList(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("invalid register %q", part)
		}
		last := first
		if isRange {
			if last, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil || last < first {
				return nil, fmt.Errorf("invalid register range %q", part)
			}
		}
		for i := first; i <= last; i++ {
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out, nil
}
