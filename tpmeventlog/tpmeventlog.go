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

// Package tpmeventlog replays a PC Client boot event log into a PCR bank and
// checks the static registers against quoted values.
// It supports the SHA-1 only and crypto agile binary formats as well as the
// structured document form.
package tpmeventlog

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/tmb-project/go-attest/register"
	"github.com/tmb-project/go-attest/tcg"
)

// Format selects the boot log decoder.
type Format int

// Boot log formats.
const (
	FormatAuto Format = iota
	FormatBinary
	FormatStructured
)

func (f Format) String() string {
	switch f {
	case FormatBinary:
		return "binary"
	case FormatStructured:
		return "structured"
	}
	return "auto"
}

// ParseFormat maps "binary", "structured", "yaml", "json" or "auto" to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "auto":
		return FormatAuto, nil
	case "binary", "bin":
		return FormatBinary, nil
	case "structured", "yaml", "json":
		return FormatStructured, nil
	}
	return FormatAuto, fmt.Errorf("unknown boot log format %q", s)
}

// ParseBootLog decodes raw with the decoder chosen by format.
func ParseBootLog(raw []byte, format Format, opts tcg.ParseOpts) (*tcg.EventLog, error) {
	if format == FormatAuto {
		format = FormatBinary
		if tcg.LooksStructured(raw) {
			format = FormatStructured
		}
	}
	if format == FormatStructured {
		return tcg.ParseStructuredLog(raw)
	}
	return tcg.ParseEventLog(raw, opts)
}

// Replay extends bank with every entry in order. EV_NO_ACTION entries never
// extend, and digests of algorithms the bank does not simulate are skipped.
func Replay(entries []tcg.Entry, bank *register.Bank) error {
	for _, e := range entries {
		if e.Type == tcg.NoAction {
			continue
		}
		for _, d := range e.Digests {
			if !d.Alg.Valid() {
				continue
			}
			if err := bank.Extend(e.Index, d.Alg, d.Data); err != nil {
				return &tcg.MalformedRecordError{
					Offset: e.Offset,
					Reason: fmt.Sprintf("event %d cannot be replayed", e.Sequence),
					Err:    err,
				}
			}
		}
	}
	return nil
}

// VerifyStatic compares the replayed registers in indices against the quoted
// bank, in ascending index order, and reports the first disagreement. Every
// register of quoted must carry the bank's algorithm.
func VerifyStatic(bank *register.Bank, quoted register.MRBank, indices []int) error {
	h, err := quoted.CryptoHash()
	if err != nil {
		return err
	}
	alg, err := register.FromCryptoHash(h)
	if err != nil {
		return err
	}
	want := make(map[int][]byte)
	for _, mr := range quoted.MRs() {
		want[mr.Idx()] = mr.Dgst()
	}
	sorted := append([]int(nil), indices...)
	sort.Ints(sorted)
	for _, idx := range sorted {
		w, ok := want[idx]
		if !ok {
			return fmt.Errorf("static PCR %d is not covered by the quote", idx)
		}
		got, err := bank.Read(idx, alg)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, w) {
			return &tcg.StaticPCRMismatchError{Index: idx, Got: got, Want: w}
		}
	}
	return nil
}

// Opts configures ReplayAndVerify.
type Opts struct {
	Format     Format
	Parse      tcg.ParseOpts
	StaticPCRs []int
	Extract    ExtractOpts
}

// Result is the outcome of a successful boot log replay.
type Result struct {
	Log *tcg.EventLog
	// State is the diagnostic boot summary. StateErr collects the problems
	// found while building it; neither affects verification.
	State    *BootState
	StateErr error
}

// ReplayAndVerify parses raw, replays it into bank and checks the static
// registers against quoted. The caller owns bank and should pass a fresh one.
func ReplayAndVerify(bank *register.Bank, raw []byte, quoted register.PCRBank, opts Opts) (*Result, error) {
	el, err := ParseBootLog(raw, opts.Format, opts.Parse)
	if err != nil {
		return nil, fmt.Errorf("failed to parse boot log: %w", err)
	}
	if err := Replay(el.Entries, bank); err != nil {
		return nil, fmt.Errorf("failed to replay boot log: %w", err)
	}
	if err := VerifyStatic(bank, quoted, opts.StaticPCRs); err != nil {
		return nil, err
	}
	state, stateErr := ExtractBootState(el, quoted.Alg, opts.Extract)
	return &Result{Log: el, State: state, StateErr: stateErr}, nil
}
