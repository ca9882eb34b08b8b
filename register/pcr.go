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

// Package register contains the PCR bank simulator and the digest chain
// extender used by every replay stage.
package register

import (
	"crypto"
	"fmt"
	"strings"

	"github.com/google/go-tpm/legacy/tpm2"
)

// PCRBank is a bank of PCRs that all correspond to the same hash algorithm.
type PCRBank struct {
	Alg  HashAlg
	PCRs []PCR
}

// CryptoHash returns the crypto.Hash algorithm related to the PCR bank.
func (b PCRBank) CryptoHash() (crypto.Hash, error) {
	cryptoHash := b.Alg.CryptoHash()
	if cryptoHash == 0 {
		return crypto.Hash(0), fmt.Errorf("received a bad PCR bank of type %s: %w", b.Alg, ErrUnsupportedAlgorithm)
	}
	var invalidPCRs []int
	for _, pcr := range b.PCRs {
		if pcr.DgstAlg() != cryptoHash {
			invalidPCRs = append(invalidPCRs, pcr.Idx())
		}
	}
	if len(invalidPCRs) != 0 {
		return crypto.Hash(0), fmt.Errorf("found an invalid hash algorithm in PCRs %v for bank of algorithm type %s", invalidPCRs, b.Alg)
	}
	return cryptoHash, nil
}

// MRs returns a slice of MR from the PCR implementation.
func (b PCRBank) MRs() []MR {
	mrs := make([]MR, len(b.PCRs))
	for i, v := range b.PCRs {
		mrs[i] = v
	}
	return mrs
}

// Get returns the PCR with the given index, if the bank holds it.
func (b PCRBank) Get(index int) (PCR, bool) {
	for _, p := range b.PCRs {
		if p.Index == index {
			return p, true
		}
	}
	return PCR{}, false
}

// PCR encapsulates the value of a PCR at a point in time.
type PCR struct {
	Index     int
	Digest    []byte
	DigestAlg crypto.Hash
}

// Idx gives the PCR index.
func (p PCR) Idx() int {
	return p.Index
}

// Dgst gives the PCR digest.
func (p PCR) Dgst() []byte {
	return p.Digest
}

// DgstAlg gives the PCR digest algorithm as a crypto.Hash.
func (p PCR) DgstAlg() crypto.Hash {
	return p.DigestAlg
}

// HashAlg identifies a hashing algorithm by its TCG Algorithm Registry ID.
type HashAlg uint16

// Valid hash algorithms.
const (
	HashSHA1   = HashAlg(tpm2.AlgSHA1)
	HashSHA256 = HashAlg(tpm2.AlgSHA256)
	HashSHA384 = HashAlg(tpm2.AlgSHA384)
	HashSHA512 = HashAlg(tpm2.AlgSHA512)
)

// SupportedAlgs lists every algorithm a Bank simulates, in registry order.
var SupportedAlgs = []HashAlg{HashSHA1, HashSHA256, HashSHA384, HashSHA512}

// ParseHashAlg maps a human-readable algorithm name ("sha1", "SHA-256",
// "sha384", ...) to its HashAlg.
func ParseHashAlg(name string) (HashAlg, error) {
	n := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "")
	n = strings.ReplaceAll(n, "_", "")
	switch n {
	case "sha1":
		return HashSHA1, nil
	case "sha256":
		return HashSHA256, nil
	case "sha384":
		return HashSHA384, nil
	case "sha512":
		return HashSHA512, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
}

// FromCryptoHash returns the simulated algorithm matching h.
func FromCryptoHash(h crypto.Hash) (HashAlg, error) {
	for _, a := range SupportedAlgs {
		if a.CryptoHash() == h {
			return a, nil
		}
	}
	return 0, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, h)
}

// Valid reports whether a is one of the simulated algorithms.
func (a HashAlg) Valid() bool {
	return a.CryptoHash() != 0
}

// CryptoHash turns the hash algo into a crypto.Hash
func (a HashAlg) CryptoHash() crypto.Hash {
	switch a {
	case HashSHA1:
		return crypto.SHA1
	case HashSHA256:
		return crypto.SHA256
	case HashSHA384:
		return crypto.SHA384
	case HashSHA512:
		return crypto.SHA512
	}
	return 0
}

// Size returns the digest length in bytes, or 0 for an unknown algorithm.
func (a HashAlg) Size() int {
	h := a.CryptoHash()
	if h == 0 {
		return 0
	}
	return h.Size()
}

// String returns a human-friendly representation of the hash algorithm.
func (a HashAlg) String() string {
	switch a {
	case HashSHA1:
		return "SHA1"
	case HashSHA256:
		return "SHA256"
	case HashSHA384:
		return "SHA384"
	case HashSHA512:
		return "SHA512"
	}
	return fmt.Sprintf("HashAlg<%d>", int(a))
}
