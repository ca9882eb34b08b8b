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
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ccoveille/go-safecast"
)

// Template names.
const (
	TemplateIMA = "ima"
	TemplateNG  = "ima-ng"
	TemplateSig = "ima-sig"
	TemplateBuf = "ima-buf"
)

// Legacy ima templates hash the file name padded to this length.
const imaEventNameLenMax = 255

// FileDigest is a file content hash as recorded by a d-ng field.
type FileDigest struct {
	Alg    string
	Digest []byte
}

// ParseFileDigest parses "<alg>:<hex>".
func ParseFileDigest(s string) (FileDigest, error) {
	alg, digest, ok := strings.Cut(s, ":")
	if !ok || alg == "" {
		return FileDigest{}, fmt.Errorf("file digest %q is not <alg>:<hex>", s)
	}
	b, err := hex.DecodeString(digest)
	if err != nil {
		return FileDigest{}, fmt.Errorf("file digest %q: %w", s, err)
	}
	return FileDigest{Alg: alg, Digest: b}, nil
}

func (d FileDigest) String() string {
	return d.Alg + ":" + hex.EncodeToString(d.Digest)
}

// Equal reports whether d and o name the same algorithm and digest.
func (d FileDigest) Equal(o FileDigest) bool {
	return d.Alg == o.Alg && bytes.Equal(d.Digest, o.Digest)
}

// TemplateEntry is the decoded content of a content-addressed template.
type TemplateEntry struct {
	File      FileDigest
	Path      string
	Signature []byte
	// Buffer holds the measured buffer of an ima-buf entry.
	Buffer []byte
}

// ContentAddressed reports whether records of the named template carry a file
// digest and path.
func ContentAddressed(name string) bool {
	switch name {
	case TemplateIMA, TemplateNG, TemplateSig, TemplateBuf:
		return true
	}
	return false
}

// DecodeTemplate splits the template data of a content-addressed template.
func DecodeTemplate(name string, data []byte) (*TemplateEntry, error) {
	if name == TemplateIMA {
		return decodeIMA(data)
	}
	if !ContentAddressed(name) {
		return nil, fmt.Errorf("template %q is not content addressed", name)
	}
	fields, err := splitFields(data)
	if err != nil {
		return nil, err
	}
	want := 2
	if name == TemplateSig || name == TemplateBuf {
		want = 3
	}
	if len(fields) != want {
		return nil, fmt.Errorf("template %q has %d fields, want %d", name, len(fields), want)
	}
	d, err := decodeDigestNG(fields[0])
	if err != nil {
		return nil, err
	}
	e := &TemplateEntry{File: d, Path: strings.TrimRight(string(fields[1]), "\x00")}
	switch name {
	case TemplateSig:
		e.Signature = fields[2]
	case TemplateBuf:
		e.Buffer = fields[2]
	}
	return e, nil
}

// decodeDigestNG parses a d-ng field: "<alg>:\0" followed by the digest.
func decodeDigestNG(f []byte) (FileDigest, error) {
	alg, digest, ok := bytes.Cut(f, []byte(":\x00"))
	if !ok || len(alg) == 0 {
		return FileDigest{}, errors.New("d-ng field lacks an algorithm prefix")
	}
	return FileDigest{Alg: string(alg), Digest: digest}, nil
}

func decodeIMA(data []byte) (*TemplateEntry, error) {
	if len(data) < TemplateHashSize+4 {
		return nil, errors.New("ima template too short")
	}
	n := binary.LittleEndian.Uint32(data[TemplateHashSize:])
	rest := data[TemplateHashSize+4:]
	if uint64(n) != uint64(len(rest)) || n > imaEventNameLenMax {
		return nil, fmt.Errorf("ima template name length %d does not match %d remaining bytes", n, len(rest))
	}
	return &TemplateEntry{
		File: FileDigest{Alg: "sha1", Digest: data[:TemplateHashSize]},
		Path: string(rest),
	}, nil
}

// splitFields cuts template data into its length-prefixed fields.
func splitFields(data []byte) ([][]byte, error) {
	var fields [][]byte
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, errors.New("truncated template field length")
		}
		n, err := safecast.ToInt(binary.LittleEndian.Uint32(data))
		if err != nil {
			return nil, err
		}
		data = data[4:]
		if n > len(data) {
			return nil, fmt.Errorf("template field of %d bytes exceeds %d remaining", n, len(data))
		}
		fields = append(fields, data[:n])
		data = data[n:]
	}
	return fields, nil
}

func appendField(b, f []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(f)))
	return append(b, f...)
}

// EncodeNG encodes the d-ng and n-ng fields of an ima-ng template.
func EncodeNG(d FileDigest, path string) []byte {
	dng := append([]byte(d.Alg+":\x00"), d.Digest...)
	out := appendField(nil, dng)
	return appendField(out, append([]byte(path), 0))
}

// EncodeSig encodes an ima-sig template. sig may be empty.
func EncodeSig(d FileDigest, path string, sig []byte) []byte {
	return appendField(EncodeNG(d, path), sig)
}

// EncodeIMA encodes a legacy ima template.
func EncodeIMA(digest []byte, path string) []byte {
	out := append([]byte(nil), digest...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(path)))
	return append(out, path...)
}

// TemplateHash computes the SHA-1 template hash the kernel records for data.
// The legacy ima template hashes the file digest followed by the name padded
// with NULs, without any length prefix.
func TemplateHash(name string, data []byte) []byte {
	if name == TemplateIMA {
		if e, err := decodeIMA(data); err == nil {
			padded := make([]byte, imaEventNameLenMax+1)
			copy(padded, e.Path)
			h := sha1.New()
			h.Write(e.File.Digest)
			h.Write(padded)
			return h.Sum(nil)
		}
	}
	sum := sha1.Sum(data)
	return sum[:]
}
