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

package register

import (
	// Register the hash implementations behind crypto.Hash.New.
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"errors"
	"fmt"
)

// NumPCRs is the number of registers per algorithm in a Bank.
const NumPCRs = 24

// ErrUnsupportedAlgorithm is returned for an algorithm outside SupportedAlgs.
var ErrUnsupportedAlgorithm = errors.New("unsupported hash algorithm")

// InvalidDigestLengthError is returned when a digest does not match the
// length of its algorithm.
type InvalidDigestLengthError struct {
	Alg  HashAlg
	Got  int
	Want int
}

func (e *InvalidDigestLengthError) Error() string {
	return fmt.Sprintf("invalid digest length %d for %s, expected %d", e.Got, e.Alg, e.Want)
}

// IndexError is returned for a register index outside [0, NumPCRs).
type IndexError struct {
	Index int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("PCR index %d out of range [0, %d)", e.Index, NumPCRs)
}

// ExtendDigest computes Hash(alg, prev || in), the one-way update applied to a
// register on every measurement.
func ExtendDigest(alg HashAlg, prev, in []byte) ([]byte, error) {
	h := alg.CryptoHash()
	if h == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
	if len(prev) != h.Size() {
		return nil, &InvalidDigestLengthError{Alg: alg, Got: len(prev), Want: h.Size()}
	}
	if len(in) != h.Size() {
		return nil, &InvalidDigestLengthError{Alg: alg, Got: len(in), Want: h.Size()}
	}
	hasher := h.New()
	hasher.Write(prev)
	hasher.Write(in)
	return hasher.Sum(nil), nil
}

// Bank simulates NumPCRs registers for each of the SupportedAlgs. A Bank is
// owned by a single verification run and is not safe for concurrent use.
type Bank struct {
	regs map[HashAlg][][]byte
}

// NewBank returns a Bank with every register zeroed.
func NewBank() *Bank {
	b := &Bank{}
	b.Reset()
	return b
}

// Reset zeroes all registers of all algorithms.
func (b *Bank) Reset() {
	b.regs = make(map[HashAlg][][]byte, len(SupportedAlgs))
	for _, alg := range SupportedAlgs {
		bank := make([][]byte, NumPCRs)
		for i := range bank {
			bank[i] = make([]byte, alg.Size())
		}
		b.regs[alg] = bank
	}
}

func (b *Bank) bank(index int, alg HashAlg) ([][]byte, error) {
	bank, ok := b.regs[alg]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
	if index < 0 || index >= NumPCRs {
		return nil, &IndexError{Index: index}
	}
	return bank, nil
}

// Extend replaces register index of bank alg with Hash(alg, old || digest).
func (b *Bank) Extend(index int, alg HashAlg, digest []byte) error {
	bank, err := b.bank(index, alg)
	if err != nil {
		return err
	}
	next, err := ExtendDigest(alg, bank[index], digest)
	if err != nil {
		return fmt.Errorf("failed to extend PCR %d in bank %s: %w", index, alg, err)
	}
	bank[index] = next
	return nil
}

// Read returns a copy of the current value of register index in bank alg.
func (b *Bank) Read(index int, alg HashAlg) ([]byte, error) {
	bank, err := b.bank(index, alg)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), bank[index]...), nil
}

// Snapshot copies the selected registers of one algorithm into a PCRBank.
func (b *Bank) Snapshot(alg HashAlg, indices []int) (PCRBank, error) {
	out := PCRBank{Alg: alg, PCRs: make([]PCR, 0, len(indices))}
	for _, idx := range indices {
		dgst, err := b.Read(idx, alg)
		if err != nil {
			return PCRBank{}, err
		}
		out.PCRs = append(out.PCRs, PCR{Index: idx, Digest: dgst, DigestAlg: alg.CryptoHash()})
	}
	return out, nil
}
