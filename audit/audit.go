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

// Package audit checks that a prefix of an append-only audit log matches the
// content digest recorded for it in a measurement log.
package audit

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tmb-project/go-attest/ima"
	"github.com/tmb-project/go-attest/register"
)

// ErrNotAttested is returned when no prefix of the audit log hashes to the
// attested digest.
var ErrNotAttested = errors.New("audit log not attested")

// Match locates the end of the attested prefix.
type Match struct {
	// Line is the 1-based number of the last attested line.
	Line int
	// Offset is the byte length of the attested prefix.
	Offset int64
}

// Verify feeds r into a running hash one line at a time, newline included,
// and returns the first point at which the hash equals want. The hash
// algorithm is taken from want.Alg and defaults to SHA256.
func Verify(r io.Reader, want ima.FileDigest) (*Match, error) {
	alg := register.HashSHA256
	if want.Alg != "" {
		a, err := register.ParseHashAlg(want.Alg)
		if err != nil {
			return nil, err
		}
		alg = a
	}
	if len(want.Digest) != alg.Size() {
		return nil, &register.InvalidDigestLengthError{Alg: alg, Got: len(want.Digest), Want: alg.Size()}
	}

	h := alg.CryptoHash().New()
	br := bufio.NewReader(r)
	m := &Match{}
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			h.Write(line)
			m.Line++
			m.Offset += int64(len(line))
			if bytes.Equal(h.Sum(nil), want.Digest) {
				return m, nil
			}
		}
		if err == io.EOF {
			return nil, fmt.Errorf("%w: %d lines read without reaching %s", ErrNotAttested, m.Line, want)
		}
		if err != nil {
			return nil, fmt.Errorf("reading audit log: %w", err)
		}
	}
}

// VerifyFile checks the audit log at path against the digest files records
// for measuredPath. A path missing from files is not attested.
func VerifyFile(path, measuredPath string, files ima.FileMap) (*Match, error) {
	want, ok := files[measuredPath]
	if !ok {
		return nil, fmt.Errorf("%w: %s was never measured", ErrNotAttested, measuredPath)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Verify(f, want)
}
