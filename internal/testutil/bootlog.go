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
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/tmb-project/go-attest/register"
	"github.com/tmb-project/go-attest/tcg"
)

// Measure hashes data with every simulated algorithm in algs.
func Measure(data []byte, algs ...register.HashAlg) []tcg.Digest {
	out := make([]tcg.Digest, 0, len(algs))
	for _, alg := range algs {
		h := alg.CryptoHash().New()
		h.Write(data)
		out = append(out, tcg.Digest{Alg: alg, Data: h.Sum(nil)})
	}
	return out
}

// BootEntries returns perIndex EV_IPL events followed by one EV_SEPARATOR for
// every register in indices, measured with SHA-1 and SHA-256.
func BootEntries(indices []int, perIndex int) []tcg.Entry {
	var entries []tcg.Entry
	for _, idx := range indices {
		for i := 0; i < perIndex; i++ {
			data := []byte(fmt.Sprintf("pcr%d-event%d", idx, i))
			entries = append(entries, tcg.Entry{
				Index:   idx,
				Type:    tcg.Ipl,
				Digests: Measure(data, register.HashSHA1, register.HashSHA256),
				Data:    data,
			})
		}
		sep := []byte{0, 0, 0, 0}
		entries = append(entries, tcg.Entry{
			Index:   idx,
			Type:    tcg.Separator,
			Digests: Measure(sep, register.HashSHA1, register.HashSHA256),
			Data:    sep,
		})
	}
	for i := range entries {
		entries[i].Sequence = i
	}
	return entries
}

// ReplayEntries extends a fresh Bank with the digests of entries, skipping
// EV_NO_ACTION events.
func ReplayEntries(t testing.TB, entries []tcg.Entry) *register.Bank {
	t.Helper()
	bank := register.NewBank()
	for _, e := range entries {
		if e.Type == tcg.NoAction {
			continue
		}
		for _, d := range e.Digests {
			if err := bank.Extend(e.Index, d.Alg, d.Data); err != nil {
				t.Fatalf("Extend() failed: %v", err)
			}
		}
	}
	return bank
}

// BinaryBootLog marshals entries as a crypto agile event log.
func BinaryBootLog(t testing.TB, entries []tcg.Entry) []byte {
	t.Helper()
	el, err := tcg.NewEventLog(entries)
	if err != nil {
		t.Fatalf("NewEventLog() failed: %v", err)
	}
	raw, err := tcg.MarshalEventLog(el)
	if err != nil {
		t.Fatalf("MarshalEventLog() failed: %v", err)
	}
	return raw
}

// StructuredBootLog renders entries as a tpm2_eventlog style YAML document,
// led by a Spec ID event.
func StructuredBootLog(entries []tcg.Entry) []byte {
	var b strings.Builder
	b.WriteString("---\nversion: 1\nevents:\n")
	b.WriteString("- EventNum: 0\n  PCRIndex: 0\n  EventType: EV_NO_ACTION\n  Digest: \"0000000000000000000000000000000000000000\"\n  EventSize: 37\n  SpecID:\n  - Signature: Spec ID Event03\n")
	for i, e := range entries {
		fmt.Fprintf(&b, "- EventNum: %d\n  PCRIndex: %d\n  EventType: %s\n  DigestCount: %d\n  Digests:\n", i+1, e.Index, e.Type, len(e.Digests))
		for _, d := range e.Digests {
			fmt.Fprintf(&b, "  - AlgorithmId: %s\n    Digest: \"%s\"\n", strings.ToLower(d.Alg.String()), hex.EncodeToString(d.Data))
		}
		fmt.Fprintf(&b, "  EventSize: %d\n  Event: %q\n", len(e.Data), hex.EncodeToString(e.Data))
	}
	return []byte(b.String())
}
