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

// Package ima reads and replays Linux IMA runtime measurement logs.
package ima

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ccoveille/go-safecast"
	"github.com/tmb-project/go-attest/tcg"
)

// Limits applied while reading records.
const (
	// TemplateHashSize is the length of the SHA-1 template hash of a record.
	TemplateHashSize = 20
	// MaxNameLen bounds the template name.
	MaxNameLen = 255
	// MaxDataLen bounds the template data of a single record.
	MaxDataLen = 16 << 20
)

// Record is one measurement log entry.
type Record struct {
	// Offset is the position of the record in its stream.
	Offset       int64
	Index        int
	TemplateHash []byte
	TemplateName string
	TemplateData []byte
}

// RecordReader yields records in log order. Next returns io.EOF once the
// stream ends cleanly between records.
type RecordReader interface {
	Next() (*Record, error)
}

// Reader decodes the kernel binary_runtime_measurements format:
//
//	pcr u32 LE | template hash [20] | name len u32 LE | name | data len u32 LE | data
//
// The stream has no overall length prefix and is read until exhausted.
type Reader struct {
	r      *bufio.Reader
	offset int64
}

// NewReader returns a Reader consuming r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

type recordHeader struct {
	PCR          uint32
	TemplateHash [TemplateHashSize]byte
	NameLen      uint32
}

func malformed(offset int64, reason string, err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return &tcg.MalformedRecordError{Offset: offset, Reason: reason, Err: err}
}

// Next reads the next record.
func (r *Reader) Next() (*Record, error) {
	start := r.offset
	var hdr recordHeader
	if err := binary.Read(r.r, binary.LittleEndian, &hdr); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, malformed(start, "record header", err)
	}
	if hdr.NameLen == 0 || hdr.NameLen > MaxNameLen {
		return nil, malformed(start, fmt.Sprintf("template name length %d outside [1, %d]", hdr.NameLen, MaxNameLen), nil)
	}
	index, err := safecast.ToInt(hdr.PCR)
	if err != nil {
		return nil, malformed(start, "PCR index", err)
	}
	name := make([]byte, hdr.NameLen)
	if _, err := io.ReadFull(r.r, name); err != nil {
		return nil, malformed(start, "template name", err)
	}
	var dataLen uint32
	if err := binary.Read(r.r, binary.LittleEndian, &dataLen); err != nil {
		return nil, malformed(start, "template data length", err)
	}
	if dataLen > MaxDataLen {
		return nil, malformed(start, fmt.Sprintf("template data length %d exceeds %d", dataLen, MaxDataLen), nil)
	}
	n, err := safecast.ToInt(dataLen)
	if err != nil {
		return nil, malformed(start, "template data length", err)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return nil, malformed(start, "template data", err)
	}
	r.offset += int64(binary.Size(hdr)) + int64(len(name)) + 4 + int64(len(data))
	return &Record{
		Offset:       start,
		Index:        index,
		TemplateHash: hdr.TemplateHash[:],
		TemplateName: string(name),
		TemplateData: data,
	}, nil
}

// ASCIIReader decodes the ascii_runtime_measurements format:
//
//	10 <template hash> ima-ng sha256:<file digest> <path>
//
// Template data is rebuilt in its binary form, so both readers feed the same
// replay. Only the ima, ima-ng and ima-sig templates can be rebuilt.
type ASCIIReader struct {
	s      *bufio.Scanner
	offset int64
}

// NewASCIIReader returns an ASCIIReader consuming r.
func NewASCIIReader(r io.Reader) *ASCIIReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), MaxDataLen)
	return &ASCIIReader{s: s}
}

// Next reads the next non-empty line.
func (r *ASCIIReader) Next() (*Record, error) {
	for r.s.Scan() {
		start := r.offset
		line := r.s.Text()
		r.offset += int64(len(r.s.Bytes())) + 1
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := parseASCIILine(line)
		if err != nil {
			return nil, malformed(start, "ascii record", err)
		}
		rec.Offset = start
		return rec, nil
	}
	if err := r.s.Err(); err != nil {
		return nil, malformed(r.offset, "ascii record", err)
	}
	return nil, io.EOF
}

func parseASCIILine(line string) (*Record, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return nil, fmt.Errorf("expected at least 5 fields, got %d", len(fields))
	}
	index, err := strconv.Atoi(fields[0])
	if err != nil || index < 0 {
		return nil, fmt.Errorf("invalid PCR index %q", fields[0])
	}
	th, err := hex.DecodeString(fields[1])
	if err != nil || len(th) != TemplateHashSize {
		return nil, fmt.Errorf("invalid template hash %q", fields[1])
	}
	rec := &Record{Index: index, TemplateHash: th, TemplateName: fields[2]}

	switch rec.TemplateName {
	case TemplateNG:
		d, err := ParseFileDigest(fields[3])
		if err != nil {
			return nil, err
		}
		rec.TemplateData = EncodeNG(d, strings.Join(fields[4:], " "))
	case TemplateSig:
		d, err := ParseFileDigest(fields[3])
		if err != nil {
			return nil, err
		}
		rec.TemplateData = EncodeSig(d, strings.Join(fields[4:], " "), nil)
		if len(fields) <= 5 {
			break
		}
		sig, err := hex.DecodeString(fields[len(fields)-1])
		if err != nil {
			break
		}
		// A path may end in a word that reads as hex. The signature split
		// wins unless only the unsigned rebuild matches the template hash.
		signed := EncodeSig(d, strings.Join(fields[4:len(fields)-1], " "), sig)
		if bytes.Equal(TemplateHash(rec.TemplateName, signed), th) || !bytes.Equal(TemplateHash(rec.TemplateName, rec.TemplateData), th) {
			rec.TemplateData = signed
		}
	case TemplateIMA:
		d, err := hex.DecodeString(fields[3])
		if err != nil || len(d) != TemplateHashSize {
			return nil, fmt.Errorf("invalid ima file digest %q", fields[3])
		}
		rec.TemplateData = EncodeIMA(d, strings.Join(fields[4:], " "))
	default:
		return nil, fmt.Errorf("template %q cannot be rebuilt from the ascii log", rec.TemplateName)
	}
	return rec, nil
}

// Marshal encodes rec in the binary format read by Reader.
func (rec *Record) Marshal() []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, uint32(rec.Index))
	b.Write(rec.TemplateHash)
	binary.Write(&b, binary.LittleEndian, uint32(len(rec.TemplateName)))
	b.WriteString(rec.TemplateName)
	binary.Write(&b, binary.LittleEndian, uint32(len(rec.TemplateData)))
	b.Write(rec.TemplateData)
	return b.Bytes()
}
