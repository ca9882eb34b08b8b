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

package ima

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/tmb-project/go-attest/register"
	"github.com/tmb-project/go-attest/tcg"
)

// FileMap maps a measured path to the content digest of its most recent
// measurement.
type FileMap map[string]FileDigest

// Upsert records d for path, replacing any earlier digest.
func (m FileMap) Upsert(path string, d FileDigest) {
	m[path] = d
}

// MatchSet is the set of dynamic positions whose expected value the replay
// has reached. It only grows.
type MatchSet struct {
	matched []bool
	n       int
}

// NewMatchSet returns an empty set over positions [0, size).
func NewMatchSet(size int) *MatchSet {
	return &MatchSet{matched: make([]bool, size)}
}

// Add marks pos as reached.
func (m *MatchSet) Add(pos int) {
	if pos < 0 || pos >= len(m.matched) || m.matched[pos] {
		return
	}
	m.matched[pos] = true
	m.n++
}

// Has reports whether pos was reached.
func (m *MatchSet) Has(pos int) bool {
	return pos >= 0 && pos < len(m.matched) && m.matched[pos]
}

// Len is the number of reached positions.
func (m *MatchSet) Len() int { return m.n }

// Complete reports whether every position was reached.
func (m *MatchSet) Complete() bool { return m.n == len(m.matched) }

// Positions lists the reached positions in ascending order.
func (m *MatchSet) Positions() []int {
	return m.filter(true)
}

// Missing lists the positions not yet reached in ascending order.
func (m *MatchSet) Missing() []int {
	return m.filter(false)
}

func (m *MatchSet) filter(want bool) []int {
	out := []int{}
	for i, ok := range m.matched {
		if ok == want {
			out = append(out, i)
		}
	}
	return out
}

// IncompleteError is returned when the log ends before every expected value
// was reached.
type IncompleteError struct {
	// Missing holds positions within the dynamic range.
	Missing []int
	// Registers holds the quoted register index of each missing position.
	Registers []int
	// Records is the number of records replayed.
	Records int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("measurement log incomplete after %d records: dynamic positions %v (PCRs %v) never reached", e.Records, e.Missing, e.Registers)
}

// TrailingExtensionError is returned in strict tail mode when the log keeps
// extending the register after every expected value was reached.
type TrailingExtensionError struct {
	Offset int64
	// Record is the 1-based number of the trailing record.
	Record int
	Index  int
}

func (e *TrailingExtensionError) Error() string {
	return fmt.Sprintf("record %d at offset %d extends PCR %d after the quoted state was reached", e.Record, e.Offset, e.Index)
}

// Opts configures Replay.
type Opts struct {
	// Expected holds the quoted value of each dynamic position. With no
	// expected values the whole log is replayed.
	Expected [][]byte
	// Registers names the quoted register of each position, for reporting.
	Registers []int
	// StrictTail rejects any record following the point where every
	// expected value was reached.
	StrictTail bool
	// Bank receives the extensions in its SHA1 bank. The register starts
	// from its current value. A fresh bank is used when nil.
	Bank *register.Bank
}

// Result is the outcome of a replay.
type Result struct {
	// Register is the PCR the log extends.
	Register int
	// Value is the running register value where the replay stopped.
	Value   []byte
	Matched *MatchSet
	Files   FileMap
	// Records is the number of records replayed.
	Records int
	// MatchedAt maps each reached position to the record count at which it
	// was reached.
	MatchedAt map[int]int

	bank *register.Bank
}

var zeroTemplateHash = make([]byte, TemplateHashSize)

// ExtendValue returns the digest a record extends into its register.
//
// An all-zero template hash marks a record whose content was intentionally
// not measured. The kernel extends such records with all ones rather than
// the zero sentinel, and the replay does the same.
func ExtendValue(rec *Record) []byte {
	if bytes.Equal(rec.TemplateHash, zeroTemplateHash) {
		return bytes.Repeat([]byte{0xff}, TemplateHashSize)
	}
	return rec.TemplateHash
}

// checkRecord verifies the template hash of rec. The all-zero sentinel is
// accepted without recomputation.
func checkRecord(rec *Record) error {
	if len(rec.TemplateHash) != TemplateHashSize {
		return &tcg.MalformedRecordError{Offset: rec.Offset, Reason: fmt.Sprintf("template hash of %d bytes", len(rec.TemplateHash))}
	}
	if bytes.Equal(rec.TemplateHash, zeroTemplateHash) {
		return nil
	}
	if want := TemplateHash(rec.TemplateName, rec.TemplateData); !bytes.Equal(rec.TemplateHash, want) {
		return &tcg.MalformedRecordError{
			Offset: rec.Offset,
			Reason: fmt.Sprintf("template hash %x does not match template data hash %x", rec.TemplateHash, want),
		}
	}
	return nil
}

// Replay extends a SHA-1 register with every record of rr. After each record
// the running value is compared with every unreached expected value, and
// content-addressed records update the file map. Replay stops once every
// expected value is reached; if rr ends first an *IncompleteError reports
// the missing positions.
//
// Every record must extend the register of the first record.
func Replay(rr RecordReader, opts Opts) (*Result, error) {
	if len(opts.Registers) != 0 && len(opts.Registers) != len(opts.Expected) {
		return nil, fmt.Errorf("%d registers named for %d expected values", len(opts.Registers), len(opts.Expected))
	}
	for i, want := range opts.Expected {
		if len(want) != TemplateHashSize {
			return nil, fmt.Errorf("expected value %d: %w", i, &register.InvalidDigestLengthError{Alg: register.HashSHA1, Got: len(want), Want: TemplateHashSize})
		}
	}
	bank := opts.Bank
	if bank == nil {
		bank = register.NewBank()
	}
	res := &Result{
		Register:  -1,
		Value:     make([]byte, TemplateHashSize),
		Matched:   NewMatchSet(len(opts.Expected)),
		Files:     FileMap{},
		MatchedAt: map[int]int{},
		bank:      bank,
	}
	done := func() bool { return len(opts.Expected) > 0 && res.Matched.Complete() }

	for !done() {
		rec, err := rr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if err := res.apply(rec, opts.Expected); err != nil {
			return nil, err
		}
	}

	if !done() {
		if len(opts.Expected) == 0 {
			return res, nil
		}
		missing := res.Matched.Missing()
		regs := make([]int, len(missing))
		for i, pos := range missing {
			regs[i] = pos
			if len(opts.Registers) != 0 {
				regs[i] = opts.Registers[pos]
			}
		}
		return nil, &IncompleteError{Missing: missing, Registers: regs, Records: res.Records}
	}

	if opts.StrictTail {
		rec, err := rr.Next()
		if err == nil {
			return nil, &TrailingExtensionError{Offset: rec.Offset, Record: res.Records + 1, Index: rec.Index}
		}
		if err != io.EOF {
			return nil, err
		}
	}
	return res, nil
}

func (res *Result) apply(rec *Record, expected [][]byte) error {
	if res.Register < 0 {
		res.Register = rec.Index
	}
	if rec.Index != res.Register {
		return &tcg.MalformedRecordError{
			Offset: rec.Offset,
			Reason: fmt.Sprintf("record extends PCR %d, log extends PCR %d", rec.Index, res.Register),
		}
	}
	if err := checkRecord(rec); err != nil {
		return err
	}
	if err := res.bank.Extend(rec.Index, register.HashSHA1, ExtendValue(rec)); err != nil {
		return &tcg.MalformedRecordError{Offset: rec.Offset, Reason: "record cannot be replayed", Err: err}
	}
	value, err := res.bank.Read(rec.Index, register.HashSHA1)
	if err != nil {
		return err
	}
	res.Value = value
	res.Records++

	for pos, want := range expected {
		if !res.Matched.Has(pos) && bytes.Equal(res.Value, want) {
			res.Matched.Add(pos)
			res.MatchedAt[pos] = res.Records
		}
	}

	if ContentAddressed(rec.TemplateName) {
		e, err := DecodeTemplate(rec.TemplateName, rec.TemplateData)
		if err != nil {
			return &tcg.MalformedRecordError{Offset: rec.Offset, Reason: "decode " + rec.TemplateName + " template", Err: err}
		}
		res.Files.Upsert(e.Path, e.File)
	}
	return nil
}

// ReadAll reads every record of rr into a slice.
func ReadAll(rr RecordReader) ([]*Record, error) {
	var out []*Record
	for {
		rec, err := rr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
}

// Paths returns the paths of m in sorted order.
func (m FileMap) Paths() []string {
	out := make([]string, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
