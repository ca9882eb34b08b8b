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

// Package quote verifies a signed snapshot of PCR values. A verified quote is
// the only source of expected register state for the replay stages.
package quote

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/go-tpm/tpm2"
	"github.com/tmb-project/go-attest/register"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

var (
	// ErrInvalidSignature is returned when the quote signature does not verify
	// over the quote message.
	ErrInvalidSignature = errors.New("invalid quote signature")
	// ErrQuoteBindingMismatch is returned when the quote message does not end
	// with the digest of the PCR buffer.
	ErrQuoteBindingMismatch = errors.New("quote does not bind the PCR buffer")
	// ErrNonceMismatch is returned when the qualifying data of an attested
	// quote differs from the expected nonce.
	ErrNonceMismatch = errors.New("quote nonce mismatch")
)

// Quote holds the artifacts of one signed PCR snapshot.
type Quote struct {
	// PCRs is the concatenation of one PCRAlg sized digest per register.
	PCRs      []byte
	Message   []byte
	Signature []byte
	PublicKey crypto.PublicKey
	// BindingAlg hashes PCRs into the trailing bytes of Message. Defaults to
	// SHA256.
	BindingAlg register.HashAlg
	// PCRAlg is the bank of the digests in PCRs. Defaults to SHA1.
	PCRAlg register.HashAlg
	// Indices gives the register index of each segment of PCRs. When empty,
	// the selection of an attested message is used, then 0..n-1.
	Indices []int
}

// VerifyOpts configures Verify.
type VerifyOpts struct {
	// SignatureHash is the digest signed over Message. Defaults to SHA256.
	SignatureHash crypto.Hash
	// Nonce, when set, must equal the qualifying data of the attested message.
	Nonce []byte
}

// Verified is a quote whose binding and signature both checked out.
type Verified struct {
	PCRs register.PCRBank
	// Attest is set when the message decodes as a TPMS_ATTEST quote.
	Attest *AttestInfo
}

// Expected returns the quoted digest of register index.
func (v *Verified) Expected(index int) ([]byte, bool) {
	pcr, ok := v.PCRs.Get(index)
	if !ok {
		return nil, false
	}
	return pcr.Digest, true
}

// Bank returns the quoted registers.
func (v *Verified) Bank() register.PCRBank {
	return v.PCRs
}

// Verify checks that q.Message binds q.PCRs and that q.Signature is a valid
// signature over q.Message. Both checks must pass before any quoted value is
// returned.
func Verify(q *Quote, opts VerifyOpts) (*Verified, error) {
	if q == nil {
		return nil, errors.New("nil quote")
	}
	bindingAlg := q.BindingAlg
	if bindingAlg == 0 {
		bindingAlg = register.HashSHA256
	}
	pcrAlg := q.PCRAlg
	if pcrAlg == 0 {
		pcrAlg = register.HashSHA1
	}
	sigHash := opts.SignatureHash
	if sigHash == 0 {
		sigHash = crypto.SHA256
	}
	if !bindingAlg.Valid() {
		return nil, fmt.Errorf("binding algorithm %s: %w", bindingAlg, register.ErrUnsupportedAlgorithm)
	}
	if !pcrAlg.Valid() {
		return nil, fmt.Errorf("PCR algorithm %s: %w", pcrAlg, register.ErrUnsupportedAlgorithm)
	}
	if !sigHash.Available() {
		return nil, fmt.Errorf("signature hash %v: %w", sigHash, register.ErrUnsupportedAlgorithm)
	}

	if err := checkBinding(bindingAlg, q.PCRs, q.Message); err != nil {
		return nil, err
	}
	if err := verifySignature(q.PublicKey, sigHash, q.Message, q.Signature); err != nil {
		return nil, err
	}

	attest, attestErr := ParseAttest(q.Message)
	if opts.Nonce != nil {
		if attestErr != nil {
			return nil, fmt.Errorf("%w: message carries no qualifying data: %v", ErrNonceMismatch, attestErr)
		}
		if !bytes.Equal(attest.ExtraData, opts.Nonce) {
			return nil, fmt.Errorf("%w: got %x, want %x", ErrNonceMismatch, attest.ExtraData, opts.Nonce)
		}
	}

	indices := q.Indices
	if len(indices) == 0 && attestErr == nil {
		indices = attest.Selection[pcrAlg]
	}
	bank, err := splitPCRs(pcrAlg, q.PCRs, indices)
	if err != nil {
		return nil, err
	}
	v := &Verified{PCRs: bank}
	if attestErr == nil {
		v.Attest = attest
	}
	return v, nil
}

func checkBinding(alg register.HashAlg, pcrs, msg []byte) error {
	h := alg.CryptoHash().New()
	h.Write(pcrs)
	sum := h.Sum(nil)
	if len(msg) < len(sum) || !bytes.Equal(msg[len(msg)-len(sum):], sum) {
		return fmt.Errorf("%w: message does not end with %s(pcrs) = %x", ErrQuoteBindingMismatch, alg, sum)
	}
	return nil
}

// splitPCRs cuts the flat buffer into one PCR per segment.
func splitPCRs(alg register.HashAlg, buf []byte, indices []int) (register.PCRBank, error) {
	size := alg.Size()
	if len(buf) == 0 || len(buf)%size != 0 {
		return register.PCRBank{}, fmt.Errorf("%w: PCR buffer of %d bytes is not a multiple of the %s digest size", ErrQuoteBindingMismatch, len(buf), alg)
	}
	n := len(buf) / size
	if len(indices) == 0 {
		indices = make([]int, n)
		for i := range indices {
			indices[i] = i
		}
	}
	if len(indices) != n {
		return register.PCRBank{}, fmt.Errorf("%w: PCR buffer holds %d registers, %d indices selected", ErrQuoteBindingMismatch, n, len(indices))
	}
	bank := register.PCRBank{Alg: alg, PCRs: make([]register.PCR, 0, n)}
	seen := make(map[int]bool, n)
	for i, idx := range indices {
		if idx < 0 || idx >= register.NumPCRs {
			return register.PCRBank{}, &register.IndexError{Index: idx}
		}
		if seen[idx] {
			return register.PCRBank{}, fmt.Errorf("PCR %d selected twice", idx)
		}
		seen[idx] = true
		bank.PCRs = append(bank.PCRs, register.PCR{
			Index:     idx,
			Digest:    append([]byte(nil), buf[i*size:(i+1)*size]...),
			DigestAlg: alg.CryptoHash(),
		})
	}
	return bank, nil
}

func verifySignature(pub crypto.PublicKey, hash crypto.Hash, msg, sig []byte) error {
	h := hash.New()
	h.Write(msg)
	digest := h.Sum(nil)

	switch pub := pub.(type) {
	case *ecdsa.PublicKey:
		r, s, err := ecdsaSignature(sig)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		if !ecdsa.Verify(pub, digest, r, s) {
			return ErrInvalidSignature
		}
		return nil
	case *rsa.PublicKey:
		raw := sig
		if len(raw) != pub.Size() {
			raw = rsaSignature(sig)
		}
		if err := rsa.VerifyPKCS1v15(pub, hash, digest, raw); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil
	case nil:
		return fmt.Errorf("%w: no public key", ErrInvalidPublicKey)
	}
	return fmt.Errorf("%w: unsupported key type %T", ErrInvalidPublicKey, pub)
}

// ecdsaSignature decodes a strict DER ECDSA-Sig-Value. A marshalled
// TPMT_SIGNATURE is accepted as well.
func ecdsaSignature(sig []byte) (*big.Int, *big.Int, error) {
	r, s := new(big.Int), new(big.Int)
	var inner cryptobyte.String
	input := cryptobyte.String(sig)
	if input.ReadASN1(&inner, asn1.SEQUENCE) &&
		input.Empty() &&
		inner.ReadASN1Integer(r) &&
		inner.ReadASN1Integer(s) &&
		inner.Empty() {
		return r, s, nil
	}
	tsig, err := tpm2.Unmarshal[tpm2.TPMTSignature](sig)
	if err != nil {
		return nil, nil, errors.New("signature is neither DER nor TPMT_SIGNATURE")
	}
	ecc, err := tsig.Signature.ECDSA()
	if err != nil {
		return nil, nil, fmt.Errorf("TPMT_SIGNATURE is not ECDSA: %v", err)
	}
	return new(big.Int).SetBytes(ecc.SignatureR.Buffer), new(big.Int).SetBytes(ecc.SignatureS.Buffer), nil
}

// rsaSignature unwraps a TPMT_SIGNATURE, or returns sig unchanged so that the
// PKCS#1 check rejects it.
func rsaSignature(sig []byte) []byte {
	tsig, err := tpm2.Unmarshal[tpm2.TPMTSignature](sig)
	if err != nil {
		return sig
	}
	rsassa, err := tsig.Signature.RSASSA()
	if err != nil {
		return sig
	}
	return rsassa.Sig.Buffer
}
