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

// Package tcg exposes utilities and constants that correspond to TCG specs
// including TPM 2.0 and the PC Client Platform Firmware Profile. It decodes
// boot event logs from their binary and structured forms into one Entry type.
package tcg

import (
	"bytes"
	"crypto"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tmb-project/go-attest/register"
)

// Digest is one (algorithm, digest) pair of an entry. Alg holds the raw TCG
// algorithm ID, which may name an algorithm the Bank does not simulate.
type Digest struct {
	Alg  register.HashAlg
	Data []byte
}

// Entry is a single boot event, independent of the encoding it was read from.
// Data is opaque and only ever inspected for diagnostics.
type Entry struct {
	// Sequence gives the order of the entry in the log.
	Sequence int
	// Offset is the byte offset of the record in a binary log, or -1 for
	// entries decoded from a structured document.
	Offset  int64
	Index   int
	Type    EventType
	// Digests holds one digest per simulated algorithm the record carried.
	Digests []Digest
	Data    []byte
}

// Digest returns the entry digest for alg, if present.
func (e Entry) Digest(alg register.HashAlg) ([]byte, bool) {
	for _, d := range e.Digests {
		if d.Alg == alg {
			return d.Data, true
		}
	}
	return nil, false
}

// Event is a view of an Entry restricted to one digest algorithm.
//
// There are many pitfalls for using event log events correctly to determine the
// state of a machine[1]. In general it's much safer to only rely on the raw PCR
// values and use the event log for debugging.
//
// [1] https://github.com/google/go-attestation/blob/master/docs/event-log-disclosure.md
type Event struct {
	sequence int
	// Index of the PCR that this event was replayed against.
	Index int
	// Untrusted type of the event. This value is not verified by event log
	// replays and can be tampered with.
	Type EventType
	Data []byte
	// Digest is the event digest for the algorithm the view was built for.
	Digest []byte

	hash crypto.Hash
}

// Num is the event number.
func (e Event) Num() uint32 {
	return uint32(e.sequence)
}

// MRIndex is the event measurement register index.
func (e Event) MRIndex() uint32 {
	return uint32(e.Index)
}

// UntrustedType gives the unmeasured event type.
func (e Event) UntrustedType() EventType {
	return e.Type
}

// RawData gives the event data.
func (e Event) RawData() []byte {
	return e.Data
}

// ReplayedDigest gives the event's digest
func (e Event) ReplayedDigest() []byte {
	return e.Digest
}

// DigestVerified returns whether the event's data hashes to its digest.
func (e Event) DigestVerified() bool {
	if e.hash == 0 || len(e.Digest) == 0 {
		return false
	}
	hasher := e.hash.New()
	hasher.Write(e.Data)
	return bytes.Equal(hasher.Sum(nil), e.Digest)
}

// ParseOpts gives options for parsing the event log.
type ParseOpts struct {
	AllowPadding bool
}

// AlgSize is one algorithm declaration from the Spec ID event.
type AlgSize struct {
	ID   uint16
	Size uint16
}

// EventLog is a parsed boot event log. Entries are unverified until they
// are replayed and compared against quoted PCR values.
type EventLog struct {
	// Algs holds the set of simulated algorithms that the event log uses.
	Algs []register.HashAlg
	// SpecAlgs holds every digest size declared by a crypto agile log,
	// including algorithms the Bank does not simulate.
	SpecAlgs []AlgSize
	Entries  []Entry

	specIDEvent *specIDEvent
}

// CryptoAgile reports whether the log carries a Spec ID event.
func (e *EventLog) CryptoAgile() bool {
	return e.specIDEvent != nil
}

// ParseEventLog parses a binary TCG event log. The first record uses the
// SHA1 header; when it is a Spec ID event the remaining records are parsed in
// the crypto agile format. Any record that cannot be decoded aborts the parse
// with a *MalformedRecordError.
func ParseEventLog(measurementLog []byte, parseOpts ParseOpts) (*EventLog, error) {
	var specID *specIDEvent
	r := bytes.NewBuffer(measurementLog)
	parseFn := parseRawEvent
	var el EventLog
	if len(measurementLog) == 0 {
		return &el, nil
	}
	e, err := parseFn(r, specID)
	if err != nil {
		return nil, &MalformedRecordError{Offset: 0, Reason: "parse first event", Err: err}
	}
	if e.Type == NoAction && len(e.Data) >= binary.Size(specIDEventHeader{}) {
		specID, err = parseSpecIDEvent(e.Data)
		if err != nil {
			return nil, &MalformedRecordError{Offset: 0, Reason: "parse spec ID event", Err: err}
		}
		for _, alg := range specID.algs {
			el.SpecAlgs = append(el.SpecAlgs, alg)
			if h := register.HashAlg(alg.ID); h.Valid() {
				el.Algs = append(el.Algs, h)
			}
		}
		// Switch to parsing crypto agile events. Don't include this in the
		// entries since it intentionally doesn't extend the PCRs.
		parseFn = parseRawEvent2
		el.specIDEvent = specID
	} else {
		el.Algs = []register.HashAlg{register.HashSHA1}
		el.Entries = append(el.Entries, e)
	}
	sequence := 1
	for r.Len() != 0 {
		offset := int64(len(measurementLog) - r.Len())
		e, err := parseFn(r, specID)
		if errors.Is(err, errEventLogPadding) && parseOpts.AllowPadding {
			break
		}
		if err != nil {
			return nil, &MalformedRecordError{Offset: offset, Reason: fmt.Sprintf("event %d", sequence), Err: err}
		}
		e.Sequence = sequence
		e.Offset = offset
		sequence++
		el.Entries = append(el.Entries, e)
	}
	return &el, nil
}

// NewEventLog builds a crypto agile log around entries, declaring every
// simulated algorithm the entries use. It is the inverse of the decoders and
// lets a structured log be re-emitted in binary form.
func NewEventLog(entries []Entry) (*EventLog, error) {
	seen := map[register.HashAlg]bool{}
	el := &EventLog{}
	for i, e := range entries {
		for _, d := range e.Digests {
			if !d.Alg.Valid() {
				return nil, fmt.Errorf("entry %d: %w: %s", i, register.ErrUnsupportedAlgorithm, d.Alg)
			}
			if len(d.Data) != d.Alg.Size() {
				return nil, fmt.Errorf("entry %d: %w", i, &register.InvalidDigestLengthError{Alg: d.Alg, Got: len(d.Data), Want: d.Alg.Size()})
			}
			seen[d.Alg] = true
		}
	}
	for _, alg := range register.SupportedAlgs {
		if !seen[alg] {
			continue
		}
		el.Algs = append(el.Algs, alg)
		el.SpecAlgs = append(el.SpecAlgs, AlgSize{ID: uint16(alg), Size: uint16(alg.Size())})
	}
	if len(el.SpecAlgs) == 0 {
		el.Algs = []register.HashAlg{register.HashSHA1}
		el.SpecAlgs = []AlgSize{{ID: uint16(register.HashSHA1), Size: uint16(register.HashSHA1.Size())}}
	}
	el.specIDEvent = &specIDEvent{algs: el.SpecAlgs}
	el.Entries = make([]Entry, len(entries))
	copy(el.Entries, entries)
	return el, nil
}

// Events returns a single-algorithm view of the entries. Entries without a
// digest for hash keep an empty Digest.
//
// This method is insecure and should only be used for debugging.
func (e *EventLog) Events(hash register.HashAlg) []Event {
	events := make([]Event, 0, len(e.Entries))
	for _, re := range e.Entries {
		ev := Event{
			sequence: re.Sequence,
			Index:    re.Index,
			Type:     re.Type,
			Data:     re.Data,
			hash:     hash.CryptoHash(),
		}
		if d, ok := re.Digest(hash); ok {
			ev.Digest = d
		}
		events = append(events, ev)
	}
	return events
}

// EV_NO_ACTION is a special event type that indicates information to the parser
// instead of holding a measurement. For TPM 2.0, this event type is used to signal
// switching from SHA1 format to a variable length digest.
//
// https://trustedcomputinggroup.org/wp-content/uploads/TCG_PCClientSpecPlat_TPM_2p0_1p04_pub.pdf#page=110
type specIDEvent struct {
	algs []AlgSize
}

// Expected values for various Spec ID Event fields.
// https://trustedcomputinggroup.org/wp-content/uploads/EFI-Protocol-Specification-rev13-160330final.pdf#page=19
var wantSignature = [16]byte{0x53, 0x70,
	0x65, 0x63, 0x20, 0x49,
	0x44, 0x20, 0x45, 0x76,
	0x65, 0x6e, 0x74, 0x30,
	0x33, 0x00} // "Spec ID Event03\0"

const (
	wantMajor  = 2
	wantMinor  = 0
	wantErrata = 0
)

type specIDEventHeader struct {
	Signature     [16]byte
	PlatformClass uint32
	VersionMinor  uint8
	VersionMajor  uint8
	Errata        uint8
	UintnSize     uint8
	NumAlgs       uint32
}

// parseSpecIDEvent parses a TCG_EfiSpecIDEventStruct structure from the reader.
//
// https://trustedcomputinggroup.org/wp-content/uploads/EFI-Protocol-Specification-rev13-160330final.pdf#page=18
func parseSpecIDEvent(b []byte) (*specIDEvent, error) {
	r := bytes.NewReader(b)
	var header specIDEventHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("reading event header: %w: %X", err, b)
	}
	if header.Signature != wantSignature {
		return nil, fmt.Errorf("invalid spec id signature: %x", header.Signature)
	}
	if header.VersionMajor != wantMajor {
		return nil, fmt.Errorf("invalid spec major version, got %02x, wanted %02x",
			header.VersionMajor, wantMajor)
	}
	if header.VersionMinor != wantMinor {
		return nil, fmt.Errorf("invalid spec minor version, got %02x, wanted %02x",
			header.VersionMinor, wantMinor)
	}
	// Each declaration takes four bytes, bound the count before allocating.
	if int64(header.NumAlgs)*4 > int64(r.Len()) {
		return nil, fmt.Errorf("spec id declares %d algorithms but only %d bytes remain", header.NumAlgs, r.Len())
	}

	e := specIDEvent{}
	for i := 0; i < int(header.NumAlgs); i++ {
		var specAlg AlgSize
		if err := binary.Read(r, binary.LittleEndian, &specAlg); err != nil {
			return nil, fmt.Errorf("reading algorithm: %v", err)
		}
		if h := register.HashAlg(specAlg.ID); h.Valid() && int(specAlg.Size) != h.Size() {
			return nil, fmt.Errorf("spec id declares %d byte digests for %s", specAlg.Size, h)
		}
		if specAlg.Size == 0 {
			return nil, fmt.Errorf("spec id declares empty digests for algorithm 0x%04x", specAlg.ID)
		}
		e.algs = append(e.algs, specAlg)
	}
	if len(e.algs) == 0 {
		return nil, errors.New("spec id declares no algorithms")
	}

	var vendorInfoSize uint8
	if err := binary.Read(r, binary.LittleEndian, &vendorInfoSize); err != nil {
		return nil, fmt.Errorf("reading vender info size: %v", err)
	}
	if r.Len() != int(vendorInfoSize) {
		return nil, fmt.Errorf("reading vendor info, expected %d remaining bytes, got %d", vendorInfoSize, r.Len())
	}
	return &e, nil
}

func marshalSpecIDEvent(s *specIDEvent) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, specIDEventHeader{
		Signature:    wantSignature,
		VersionMinor: wantMinor,
		VersionMajor: wantMajor,
		Errata:       wantErrata,
		UintnSize:    2,
		NumAlgs:      uint32(len(s.algs)),
	})
	for _, alg := range s.algs {
		binary.Write(&b, binary.LittleEndian, alg)
	}
	b.WriteByte(0) // vendorInfoSize
	return b.Bytes()
}

// MarshalEventLog serializes the log back into its binary form. Crypto agile
// logs are prefixed by a Spec ID event in the SHA1 format.
func MarshalEventLog(el *EventLog) ([]byte, error) {
	out := &bytes.Buffer{}
	if el.specIDEvent == nil {
		for i, e := range el.Entries {
			d, ok := e.Digest(register.HashSHA1)
			if !ok || len(e.Digests) != 1 || len(d) != 20 {
				return nil, fmt.Errorf("entry %d: SHA1 format requires exactly one SHA1 digest", i)
			}
			h := rawEventHeader{PCRIndex: uint32(e.Index), Type: uint32(e.Type), EventSize: uint32(len(e.Data))}
			copy(h.Digest[:], d)
			binary.Write(out, binary.LittleEndian, h)
			out.Write(e.Data)
		}
		return out.Bytes(), nil
	}
	specData := marshalSpecIDEvent(el.specIDEvent)
	binary.Write(out, binary.LittleEndian, rawEventHeader{Type: uint32(NoAction), EventSize: uint32(len(specData))})
	out.Write(specData)
	if err := writeEvents2(out, el.specIDEvent, el.Entries); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func writeEvents2(out *bytes.Buffer, specID *specIDEvent, entries []Entry) error {
	for x, e := range entries {
		// Serialize header (PCR index, event type, number of digests)
		binary.Write(out, binary.LittleEndian, rawEvent2Header{
			PCRIndex: uint32(e.Index),
			Type:     uint32(e.Type),
		})
		binary.Write(out, binary.LittleEndian, uint32(len(e.Digests)))

		// Serialize digests
		for _, d := range e.Digests {
			size, ok := specID.size(uint16(d.Alg))
			if !ok {
				return fmt.Errorf("event %d: digest %s not declared by spec id event", x, d.Alg)
			}
			if len(d.Data) != size {
				return fmt.Errorf("event %d: digest %s has %d bytes, declared %d", x, d.Alg, len(d.Data), size)
			}
			binary.Write(out, binary.LittleEndian, uint16(d.Alg))
			out.Write(d.Data)
		}

		// Serialize event data
		binary.Write(out, binary.LittleEndian, uint32(len(e.Data)))
		out.Write(e.Data)
	}
	return nil
}

func (s *specIDEvent) size(id uint16) (int, bool) {
	for _, alg := range s.algs {
		if alg.ID == id {
			return int(alg.Size), true
		}
	}
	return 0, false
}

// AppendEvents takes a series of TPM 2.0 event logs and combines
// them into a single sequence of events with a single header.
//
// Additional logs must not use a digest algorithm which was not
// present in the original log.
func AppendEvents(base []byte, additional ...[]byte) ([]byte, error) {
	baseLog, err := ParseEventLog(base, ParseOpts{})
	if err != nil {
		return nil, fmt.Errorf("base: %v", err)
	}
	if baseLog.specIDEvent == nil {
		return nil, errors.New("tpm 1.2 event logs cannot be combined")
	}

	outBuff := make([]byte, len(base))
	copy(outBuff, base)
	out := bytes.NewBuffer(outBuff)

	for i, l := range additional {
		log, err := ParseEventLog(l, ParseOpts{})
		if err != nil {
			return nil, fmt.Errorf("log %d: %v", i, err)
		}
		if log.specIDEvent == nil {
			return nil, fmt.Errorf("log %d: cannot use tpm 1.2 event log as a source", i)
		}

	algCheck:
		for _, alg := range log.specIDEvent.algs {
			for _, baseAlg := range baseLog.specIDEvent.algs {
				if baseAlg == alg {
					continue algCheck
				}
			}
			return nil, fmt.Errorf("log %d: cannot use digest (%+v) not present in base log", i, alg)
		}
		if err := writeEvents2(out, baseLog.specIDEvent, log.Entries); err != nil {
			return nil, fmt.Errorf("log %d: %v", i, err)
		}
	}

	return out.Bytes(), nil
}

// SHA1 event log format. See "5.1 SHA1 Event Log Entry Format"
// https://trustedcomputinggroup.org/wp-content/uploads/EFI-Protocol-Specification-rev13-160330final.pdf#page=15
type rawEventHeader struct {
	PCRIndex  uint32
	Type      uint32
	Digest    [20]byte
	EventSize uint32
}

func parseRawEvent(r *bytes.Buffer, _ *specIDEvent) (event Entry, err error) {
	var h rawEventHeader
	if err = binary.Read(r, binary.LittleEndian, &h); err != nil {
		return event, fmt.Errorf("header deserialization error: %w", err)
	}
	if h.EventSize > uint32(r.Len()) {
		return event, &eventSizeErr{h.EventSize, r.Len()}
	}

	data := make([]byte, int(h.EventSize))
	if _, err := io.ReadFull(r, data); err != nil {
		return event, fmt.Errorf("reading data error: %w", err)
	}

	digest := make([]byte, len(h.Digest))
	copy(digest, h.Digest[:])
	return Entry{
		Type:    EventType(h.Type),
		Data:    data,
		Index:   int(h.PCRIndex),
		Digests: []Digest{{Alg: register.HashSHA1, Data: digest}},
	}, nil
}

// Crypto Agile event log format. See "5.2 Crypto Agile Log Entry Format"
// https://trustedcomputinggroup.org/wp-content/uploads/EFI-Protocol-Specification-rev13-160330final.pdf#page=15
type rawEvent2Header struct {
	PCRIndex uint32
	Type     uint32
}

func parseRawEvent2(r *bytes.Buffer, specID *specIDEvent) (event Entry, err error) {
	var h rawEvent2Header

	if err = binary.Read(r, binary.LittleEndian, &h); err != nil {
		return event, fmt.Errorf("header deserialization error: %w", err)
	}
	if h.PCRIndex == 0xFFFFFFFF {
		return event, errEventLogPadding
	}
	event.Type = EventType(h.Type)
	event.Index = int(h.PCRIndex)

	// parse the event digests
	var numDigests uint32
	if err := binary.Read(r, binary.LittleEndian, &numDigests); err != nil {
		return event, fmt.Errorf("reading digest count: %w", err)
	}
	// Every digest is at least an algorithm ID and one byte.
	if int64(numDigests)*3 > int64(r.Len()) {
		return event, fmt.Errorf("digest count %d exceeds remaining log (%d bytes)", numDigests, r.Len())
	}

	for i := 0; i < int(numDigests); i++ {
		var algID uint16
		if err := binary.Read(r, binary.LittleEndian, &algID); err != nil {
			return event, fmt.Errorf("reading digest algorithm: %w", err)
		}
		// The Spec ID event fixes the digest size of every algorithm, so
		// digests of algorithms we cannot replay are consumed and dropped.
		size, ok := specID.size(algID)
		if !ok {
			return event, fmt.Errorf("unknown algorithm ID %x", algID)
		}
		if r.Len() < size {
			return event, fmt.Errorf("reading digest: %w", io.ErrUnexpectedEOF)
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return event, fmt.Errorf("reading digest: %w", err)
		}
		if alg := register.HashAlg(algID); alg.Valid() {
			event.Digests = append(event.Digests, Digest{Alg: alg, Data: data})
		}
	}

	// parse event data
	var eventSize uint32
	if err = binary.Read(r, binary.LittleEndian, &eventSize); err != nil {
		return event, fmt.Errorf("reading event size: %w", err)
	}
	if eventSize > uint32(r.Len()) {
		return event, &eventSizeErr{eventSize, r.Len()}
	}
	event.Data = make([]byte, int(eventSize))
	if _, err := io.ReadFull(r, event.Data); err != nil {
		return event, fmt.Errorf("reading data error: %w", err)
	}
	return event, nil
}
