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
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/tmb-project/go-attest/register"
)

const algSM3 = register.HashAlg(0x0012)

func testEntry(index int, typ EventType, data string) Entry {
	s1 := sha1.Sum([]byte(data))
	s256 := sha256.Sum256([]byte(data))
	return Entry{
		Index: index,
		Type:  typ,
		Data:  []byte(data),
		Digests: []Digest{
			{Alg: register.HashSHA1, Data: s1[:]},
			{Alg: register.HashSHA256, Data: s256[:]},
		},
	}
}

var ignorePosition = cmpopts.IgnoreFields(Entry{}, "Sequence", "Offset")

func TestMarshalParseRoundTrip(t *testing.T) {
	entries := []Entry{
		testEntry(0, SCRTMVersion, "firmware v1"),
		testEntry(4, EFIBootServicesApplication, "shim"),
		testEntry(8, Ipl, "grub_cmd: linux /vmlinuz"),
		testEntry(0, Separator, "\x00\x00\x00\x00"),
	}
	el, err := NewEventLog(entries)
	if err != nil {
		t.Fatalf("NewEventLog: %v", err)
	}
	raw, err := MarshalEventLog(el)
	if err != nil {
		t.Fatalf("MarshalEventLog: %v", err)
	}
	got, err := ParseEventLog(raw, ParseOpts{})
	if err != nil {
		t.Fatalf("ParseEventLog: %v", err)
	}
	if !got.CryptoAgile() {
		t.Error("parsed log is not crypto agile")
	}
	if diff := cmp.Diff([]register.HashAlg{register.HashSHA1, register.HashSHA256}, got.Algs); diff != "" {
		t.Errorf("Algs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(entries, got.Entries, ignorePosition); diff != "" {
		t.Errorf("Entries mismatch (-want +got):\n%s", diff)
	}
	for i, e := range got.Entries {
		if e.Sequence != i+1 {
			t.Errorf("entry %d has sequence %d", i, e.Sequence)
		}
	}
}

func TestParseSkipsUndeclaredReplayAlgorithm(t *testing.T) {
	sm3 := bytes.Repeat([]byte{0x5a}, 32)
	first := testEntry(1, EFIVariableBoot, "Boot0001")
	first.Digests = append(first.Digests, Digest{Alg: algSM3, Data: sm3})
	second := testEntry(1, EFIVariableBoot, "BootOrder")
	spec := &specIDEvent{algs: []AlgSize{{ID: 0x0004, Size: 20}, {ID: 0x000B, Size: 32}, {ID: 0x0012, Size: 32}}}
	el := &EventLog{specIDEvent: spec, Entries: []Entry{first, second}}
	raw, err := MarshalEventLog(el)
	if err != nil {
		t.Fatalf("MarshalEventLog: %v", err)
	}
	got, err := ParseEventLog(raw, ParseOpts{})
	if err != nil {
		t.Fatalf("ParseEventLog: %v", err)
	}
	if diff := cmp.Diff([]register.HashAlg{register.HashSHA1, register.HashSHA256}, got.Algs); diff != "" {
		t.Errorf("Algs mismatch (-want +got):\n%s", diff)
	}
	if len(got.SpecAlgs) != 3 {
		t.Errorf("SpecAlgs = %v, want 3 declarations", got.SpecAlgs)
	}
	// The SM3 digest is consumed but not kept.
	want := testEntry(1, EFIVariableBoot, "Boot0001")
	if diff := cmp.Diff([]Entry{want, second}, got.Entries, ignorePosition); diff != "" {
		t.Errorf("Entries mismatch (-want +got):\n%s", diff)
	}

	doc := []byte(`events:
- EventNum: 1
  PCRIndex: 1
  EventType: EV_EFI_VARIABLE_BOOT
  DigestCount: 3
  Digests:
  - AlgorithmId: sha1
    Digest: "` + hex.EncodeToString(want.Digests[0].Data) + `"
  - AlgorithmId: sha256
    Digest: "` + hex.EncodeToString(want.Digests[1].Data) + `"
  - AlgorithmId: sm3_256
    Digest: "` + hex.EncodeToString(sm3) + `"
`)
	structured, err := ParseStructuredLog(doc)
	if err != nil {
		t.Fatalf("ParseStructuredLog: %v", err)
	}
	if diff := cmp.Diff(got.Entries[0].Digests, structured.Entries[0].Digests); diff != "" {
		t.Errorf("binary and structured digests differ (-binary +structured):\n%s", diff)
	}
}

// specIDRecordLen is the size of a SHA1-format Spec ID record declaring n
// algorithms: the 32 byte header plus a 28 byte spec header, 4 bytes per
// algorithm and the vendor info size.
func specIDRecordLen(n int) int {
	return 32 + 28 + 4*n + 1
}

func TestParseMalformed(t *testing.T) {
	el, err := NewEventLog([]Entry{testEntry(0, PostCode, "a"), testEntry(0, PostCode, "bb")})
	if err != nil {
		t.Fatalf("NewEventLog: %v", err)
	}
	raw, err := MarshalEventLog(el)
	if err != nil {
		t.Fatalf("MarshalEventLog: %v", err)
	}
	firstOff := int64(specIDRecordLen(2))
	// pcr, type, count, (alg, sha1), (alg, sha256), size, data
	firstLen := 4 + 4 + 4 + 2 + 20 + 2 + 32 + 4 + 1
	secondOff := firstOff + int64(firstLen)

	undeclared := append([]byte(nil), raw...)
	binary.LittleEndian.PutUint16(undeclared[firstOff+12:], 0x0012)

	hugeSize := append([]byte(nil), raw...)
	binary.LittleEndian.PutUint32(hugeSize[secondOff+12+22+34:], 0xffff)

	for _, tc := range []struct {
		name    string
		raw     []byte
		wantOff int64
	}{
		{"undeclared algorithm", undeclared, firstOff},
		{"truncated data", raw[:len(raw)-1], secondOff},
		{"truncated digest", raw[:secondOff+20], secondOff},
		{"truncated header", raw[:secondOff+3], secondOff},
		{"oversize event", hugeSize, secondOff},
		{"truncated spec id", raw[:40], 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseEventLog(tc.raw, ParseOpts{})
			var mErr *MalformedRecordError
			if !errors.As(err, &mErr) {
				t.Fatalf("ParseEventLog() = %v, want MalformedRecordError", err)
			}
			if mErr.Offset != tc.wantOff {
				t.Errorf("Offset = %d, want %d (%v)", mErr.Offset, tc.wantOff, err)
			}
		})
	}
}

func TestParseSHA1Log(t *testing.T) {
	var entries []Entry
	for i, s := range []string{"one", "two", "three"} {
		d := sha1.Sum([]byte(s))
		entries = append(entries, Entry{Index: i % 2, Type: Action, Data: []byte(s), Digests: []Digest{{Alg: register.HashSHA1, Data: d[:]}}})
	}
	raw, err := MarshalEventLog(&EventLog{Entries: entries})
	if err != nil {
		t.Fatalf("MarshalEventLog: %v", err)
	}
	got, err := ParseEventLog(raw, ParseOpts{})
	if err != nil {
		t.Fatalf("ParseEventLog: %v", err)
	}
	if got.CryptoAgile() {
		t.Error("SHA1 log parsed as crypto agile")
	}
	if diff := cmp.Diff(entries, got.Entries, ignorePosition); diff != "" {
		t.Errorf("Entries mismatch (-want +got):\n%s", diff)
	}
	if got.Entries[0].Offset != 0 || got.Entries[1].Offset != int64(32+3) {
		t.Errorf("offsets = %d, %d", got.Entries[0].Offset, got.Entries[1].Offset)
	}
}

func TestParsePadding(t *testing.T) {
	el, err := NewEventLog([]Entry{testEntry(2, EFIBootServicesDriver, "driver")})
	if err != nil {
		t.Fatalf("NewEventLog: %v", err)
	}
	raw, err := MarshalEventLog(el)
	if err != nil {
		t.Fatalf("MarshalEventLog: %v", err)
	}
	padded := append(raw, bytes.Repeat([]byte{0xff}, 64)...)
	if _, err := ParseEventLog(padded, ParseOpts{}); err == nil {
		t.Error("ParseEventLog(padded) succeeded without AllowPadding")
	}
	got, err := ParseEventLog(padded, ParseOpts{AllowPadding: true})
	if err != nil {
		t.Fatalf("ParseEventLog(AllowPadding): %v", err)
	}
	if len(got.Entries) != 1 {
		t.Errorf("got %d entries, want 1", len(got.Entries))
	}
}

func TestAppendEvents(t *testing.T) {
	base, err := NewEventLog([]Entry{testEntry(0, PostCode, "base")})
	if err != nil {
		t.Fatalf("NewEventLog: %v", err)
	}
	more, err := NewEventLog([]Entry{testEntry(9, Ipl, "/boot/vmlinuz")})
	if err != nil {
		t.Fatalf("NewEventLog: %v", err)
	}
	baseRaw, _ := MarshalEventLog(base)
	moreRaw, _ := MarshalEventLog(more)
	combined, err := AppendEvents(baseRaw, moreRaw)
	if err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}
	got, err := ParseEventLog(combined, ParseOpts{})
	if err != nil {
		t.Fatalf("ParseEventLog: %v", err)
	}
	want := append(append([]Entry{}, base.Entries...), more.Entries...)
	if diff := cmp.Diff(want, got.Entries, ignorePosition); diff != "" {
		t.Errorf("Entries mismatch (-want +got):\n%s", diff)
	}
}

func TestEventsView(t *testing.T) {
	el, err := NewEventLog([]Entry{testEntry(0, SCRTMVersion, "v1")})
	if err != nil {
		t.Fatalf("NewEventLog: %v", err)
	}
	evs := el.Events(register.HashSHA256)
	if len(evs) != 1 || !evs[0].DigestVerified() {
		t.Errorf("Events(SHA256) = %+v, want one verified event", evs)
	}
	if evs := el.Events(register.HashSHA384); evs[0].DigestVerified() {
		t.Error("event without a SHA384 digest reported as verified")
	}
}

func TestParseEventType(t *testing.T) {
	for in, want := range map[string]EventType{
		"EV_SEPARATOR":          Separator,
		"ev_efi_action":         EFIAction,
		"0x80000003":            EFIBootServicesApplication,
		"13":                    Ipl,
		"EV_EFI_VARIABLE_BOOT2": EFIVariableBoot2,
	} {
		got, err := ParseEventType(in)
		if err != nil || got != want {
			t.Errorf("ParseEventType(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
	if _, err := ParseEventType("EV_BOGUS"); err == nil {
		t.Error("ParseEventType(EV_BOGUS) succeeded")
	}
}
