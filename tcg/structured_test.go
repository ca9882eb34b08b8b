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

package tcg

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tmb-project/go-attest/register"
)

func structuredDoc(entries []Entry) string {
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
	return b.String()
}

func TestStructuredMatchesBinary(t *testing.T) {
	entries := []Entry{
		testEntry(0, SCRTMVersion, "firmware v1"),
		testEntry(7, EFIVariableDriverConfig, "SecureBoot"),
		testEntry(4, Separator, "\x00\x00\x00\x00"),
	}
	el, err := NewEventLog(entries)
	if err != nil {
		t.Fatalf("NewEventLog: %v", err)
	}
	raw, err := MarshalEventLog(el)
	if err != nil {
		t.Fatalf("MarshalEventLog: %v", err)
	}
	fromBinary, err := ParseEventLog(raw, ParseOpts{})
	if err != nil {
		t.Fatalf("ParseEventLog: %v", err)
	}
	doc := structuredDoc(entries)
	if !LooksStructured([]byte(doc)) {
		t.Error("LooksStructured(yaml) = false")
	}
	if LooksStructured(raw) {
		t.Error("LooksStructured(binary) = true")
	}
	fromDoc, err := ParseStructuredLog([]byte(doc))
	if err != nil {
		t.Fatalf("ParseStructuredLog: %v", err)
	}
	if diff := cmp.Diff(fromBinary.Entries, fromDoc.Entries, ignorePosition); diff != "" {
		t.Errorf("structured entries differ from binary (-binary +structured):\n%s", diff)
	}
	if diff := cmp.Diff(fromBinary.Algs, fromDoc.Algs); diff != "" {
		t.Errorf("Algs mismatch (-binary +structured):\n%s", diff)
	}
}

func TestStructuredSingleDigestAndJSON(t *testing.T) {
	d := sha1.Sum([]byte("grub_cmd: linux"))
	doc := fmt.Sprintf(`{"events": [
  {"PCRIndex": 8, "EventType": 13, "Digest": %q, "Event": {"String": "grub_cmd: linux"}},
  {"PCRIndex": 9, "EventType": "EV_IPL", "Digest": %q, "Algorithm": "sm3_256"},
  {"PCRIndex": 10, "Digests": [{"AlgorithmId": 4, "Digest": %q}, {"AlgorithmId": "sm3_256", "Digest": "00"}]}
]}`, hex.EncodeToString(d[:]), hex.EncodeToString(d[:]), hex.EncodeToString(d[:]))
	el, err := ParseStructuredLog([]byte(doc))
	if err != nil {
		t.Fatalf("ParseStructuredLog: %v", err)
	}
	want := []Entry{
		{Index: 8, Type: Ipl, Data: []byte("grub_cmd: linux"), Digests: []Digest{{Alg: register.HashSHA1, Data: d[:]}}},
		{Sequence: 1, Index: 9, Type: Ipl},
		{Sequence: 2, Index: 10, Digests: []Digest{{Alg: register.HashSHA1, Data: d[:]}}},
	}
	for i := range want {
		want[i].Offset = -1
	}
	if diff := cmp.Diff(want, el.Entries); diff != "" {
		t.Errorf("Entries mismatch (-want +got):\n%s", diff)
	}
}

func TestStructuredErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		doc  string
	}{
		{"missing events", "version: 1\n"},
		{"missing pcr index", "events:\n- Digest: \"00\"\n"},
		{"no digest", "events:\n- PCRIndex: 1\n"},
		{"count mismatch", "events:\n- PCRIndex: 1\n  DigestCount: 2\n  Digests:\n  - AlgorithmId: sha1\n    Digest: \"" + strings.Repeat("00", 20) + "\"\n"},
		{"short digest", "events:\n- PCRIndex: 1\n  Digest: \"0011\"\n"},
		{"bad hex", "events:\n- PCRIndex: 1\n  Digest: \"zz\"\n"},
		{"bad event type", "events:\n- PCRIndex: 1\n  EventType: EV_BOGUS\n  Digest: \"" + strings.Repeat("00", 20) + "\"\n"},
		{"not yaml", "events: [\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseStructuredLog([]byte(tc.doc))
			var mErr *MalformedRecordError
			if !errors.As(err, &mErr) {
				t.Fatalf("ParseStructuredLog() = %v, want MalformedRecordError", err)
			}
		})
	}
}

func TestStructuredNumericDigestKeepsZeros(t *testing.T) {
	// An unquoted all-digit digest is a YAML integer; its text must survive.
	digits := strings.Repeat("0123456789", 4)
	doc := "events:\n- PCRIndex: 3\n  Digest: " + digits + "\n"
	el, err := ParseStructuredLog([]byte(doc))
	if err != nil {
		t.Fatalf("ParseStructuredLog: %v", err)
	}
	got, _ := el.Entries[0].Digest(register.HashSHA1)
	if hex.EncodeToString(got) != digits {
		t.Errorf("digest = %x, want %s", got, digits)
	}
}
