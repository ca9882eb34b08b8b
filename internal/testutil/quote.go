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

// Package testutil builds attestation artifacts for tests: signing keys,
// quotes, boot event logs and IMA measurement logs.
package testutil

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"testing"

	"github.com/tmb-project/go-attest/register"
)

// ECDSAKey generates a P-256 signing key.
func ECDSAKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey() failed: %v", err)
	}
	return k
}

// RSAKey generates a 2048-bit RSA signing key.
func RSAKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey() failed: %v", err)
	}
	return k
}

// PublicKeyPEM encodes pub as a PKIX "PUBLIC KEY" PEM block.
func PublicKeyPEM(t testing.TB, pub crypto.PublicKey) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("x509.MarshalPKIXPublicKey() failed: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

// Sign signs the SHA-256 digest of msg. ECDSA keys produce a DER
// ECDSA-Sig-Value, RSA keys a PKCS#1 v1.5 signature.
func Sign(t testing.TB, key crypto.Signer, msg []byte) []byte {
	t.Helper()
	digest := sha256.Sum256(msg)
	sig, err := key.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		t.Fatalf("Sign() failed: %v", err)
	}
	return sig
}

// QuoteMessage returns an opaque quote message ending in sha256(pcrs).
func QuoteMessage(pcrs []byte) []byte {
	sum := sha256.Sum256(pcrs)
	return append([]byte("test quote header\x00"), sum[:]...)
}

// Constants of the TPMS_ATTEST encoding.
const (
	tpmGeneratedValue = 0xff544347
	tpmSTAttestQuote  = 0x8018
)

// AttestMessage marshals a TPMS_ATTEST quote selecting indices in bank alg,
// with nonce as qualifying data and sha256(pcrs) as the PCR digest.
func AttestMessage(alg register.HashAlg, indices []int, pcrs, nonce []byte) []byte {
	var b bytes.Buffer
	w := func(v any) { binary.Write(&b, binary.BigEndian, v) }
	w(uint32(tpmGeneratedValue))
	w(uint16(tpmSTAttestQuote))
	signer := []byte{0x00, 0x0b, 0x01, 0x02, 0x03, 0x04}
	w(uint16(len(signer)))
	b.Write(signer)
	w(uint16(len(nonce)))
	b.Write(nonce)
	// TPMS_CLOCK_INFO
	w(uint64(123456789))
	w(uint32(1))
	w(uint32(0))
	w(uint8(1))
	// firmwareVersion
	w(uint64(0x2024))
	// TPML_PCR_SELECTION
	sel := make([]byte, 3)
	for _, idx := range indices {
		sel[idx/8] |= 1 << (idx % 8)
	}
	w(uint32(1))
	w(uint16(alg))
	w(uint8(len(sel)))
	b.Write(sel)
	sum := sha256.Sum256(pcrs)
	w(uint16(len(sum)))
	b.Write(sum[:])
	return b.Bytes()
}

// ECDSATPMTSignature marshals r and s as a TPMT_SIGNATURE of scheme
// TPM_ALG_ECDSA with SHA-256.
func ECDSATPMTSignature(r, s []byte) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.BigEndian, uint16(0x0018))
	binary.Write(&b, binary.BigEndian, uint16(register.HashSHA256))
	binary.Write(&b, binary.BigEndian, uint16(len(r)))
	b.Write(r)
	binary.Write(&b, binary.BigEndian, uint16(len(s)))
	b.Write(s)
	return b.Bytes()
}

// PCRBuffer concatenates the digests of the given registers of bank alg.
func PCRBuffer(t testing.TB, bank *register.Bank, alg register.HashAlg, indices []int) []byte {
	t.Helper()
	var out []byte
	for _, idx := range indices {
		d, err := bank.Read(idx, alg)
		if err != nil {
			t.Fatalf("Read(%d, %s) failed: %v", idx, alg, err)
		}
		out = append(out, d...)
	}
	return out
}
