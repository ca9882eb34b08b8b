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
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// IMARecord is one binary measurement log record.
type IMARecord struct {
	PCR          uint32
	TemplateHash []byte
	Name         string
	Data         []byte

	// Set by NGRecord, used by ASCII.
	fileAlg    string
	fileDigest []byte
	path       string
}

// Marshal encodes r in the kernel binary_runtime_measurements layout.
func (r IMARecord) Marshal() []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, r.PCR)
	b.Write(r.TemplateHash)
	binary.Write(&b, binary.LittleEndian, uint32(len(r.Name)))
	b.WriteString(r.Name)
	binary.Write(&b, binary.LittleEndian, uint32(len(r.Data)))
	b.Write(r.Data)
	return b.Bytes()
}

// ASCII renders r as an ascii_runtime_measurements line. Only records built
// by NGRecord can be rendered.
func (r IMARecord) ASCII() string {
	return fmt.Sprintf("%d %s %s %s:%s %s\n", r.PCR, hex.EncodeToString(r.TemplateHash),
		r.Name, r.fileAlg, hex.EncodeToString(r.fileDigest), r.path)
}

// NGTemplateData encodes the d-ng and n-ng fields of an ima-ng template.
func NGTemplateData(alg string, digest []byte, path string) []byte {
	var b bytes.Buffer
	dng := append([]byte(alg+":\x00"), digest...)
	binary.Write(&b, binary.LittleEndian, uint32(len(dng)))
	b.Write(dng)
	nng := append([]byte(path), 0)
	binary.Write(&b, binary.LittleEndian, uint32(len(nng)))
	b.Write(nng)
	return b.Bytes()
}

// NGRecord builds an ima-ng record with a correct template hash.
func NGRecord(pcr uint32, alg string, digest []byte, path string) IMARecord {
	data := NGTemplateData(alg, digest, path)
	th := sha1.Sum(data)
	return IMARecord{
		PCR:          pcr,
		TemplateHash: th[:],
		Name:         "ima-ng",
		Data:         data,
		fileAlg:      alg,
		fileDigest:   digest,
		path:         path,
	}
}

// ZeroRecord builds an ima-ng record whose template hash is the all-zero
// sentinel the kernel logs for measurement violations.
func ZeroRecord(pcr uint32, path string) IMARecord {
	r := NGRecord(pcr, "sha256", make([]byte, 32), path)
	r.TemplateHash = make([]byte, sha1.Size)
	return r
}

// IMALog concatenates the binary encoding of recs.
func IMALog(recs ...IMARecord) []byte {
	var out []byte
	for _, r := range recs {
		out = append(out, r.Marshal()...)
	}
	return out
}

// IMAExtendValue returns the digest the kernel extends for r.
func IMAExtendValue(r IMARecord) []byte {
	if bytes.Equal(r.TemplateHash, make([]byte, sha1.Size)) {
		return bytes.Repeat([]byte{0xff}, sha1.Size)
	}
	return r.TemplateHash
}
