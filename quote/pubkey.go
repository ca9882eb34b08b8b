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

package quote

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/go-tpm/tpm2"
)

// ErrInvalidPublicKey is returned when the signing key cannot be decoded.
var ErrInvalidPublicKey = errors.New("invalid public key")

// ParsePublicKey decodes a PEM encoded verifying key. PKIX "PUBLIC KEY"
// blocks and PKCS#1 "RSA PUBLIC KEY" blocks are accepted. Input without a
// PEM block is decoded as a marshalled TPMT_PUBLIC.
func ParsePublicKey(b []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return ParseTPMTPublic(b)
	}
	var (
		pub any
		err error
	)
	switch block.Type {
	case "PUBLIC KEY", "EC PUBLIC KEY":
		pub, err = x509.ParsePKIXPublicKey(block.Bytes)
	case "RSA PUBLIC KEY":
		pub, err = x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrInvalidPublicKey, block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	switch pub.(type) {
	case *ecdsa.PublicKey, *rsa.PublicKey:
		return pub, nil
	}
	return nil, fmt.Errorf("%w: unsupported key type %T", ErrInvalidPublicKey, pub)
}

// ParseTPMTPublic converts a marshalled TPMT_PUBLIC into a crypto.PublicKey.
func ParseTPMTPublic(b []byte) (crypto.PublicKey, error) {
	public, err := tpm2.Unmarshal[tpm2.TPMTPublic](b)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding TPMT_PUBLIC: %v", ErrInvalidPublicKey, err)
	}
	switch public.Type {
	case tpm2.TPMAlgRSA:
		parameters, err := public.Parameters.RSADetail()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to retrieve the RSA parameters", ErrInvalidPublicKey)
		}
		n, err := public.Unique.RSA()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to retrieve the RSA modulus", ErrInvalidPublicKey)
		}
		pub := &rsa.PublicKey{
			N: new(big.Int).SetBytes(n.Buffer),
			E: int(parameters.Exponent),
		}
		// The TPM encodes the default exponent 65537 as 0.
		if pub.E == 0 {
			pub.E = 65537
		}
		return pub, nil
	case tpm2.TPMAlgECC:
		parameters, err := public.Parameters.ECCDetail()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to retrieve the ECC parameters", ErrInvalidPublicKey)
		}
		point, err := public.Unique.ECC()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to retrieve the ECC point", ErrInvalidPublicKey)
		}
		var c elliptic.Curve
		switch parameters.CurveID {
		case tpm2.TPMECCNistP256:
			c = elliptic.P256()
		case tpm2.TPMECCNistP384:
			c = elliptic.P384()
		case tpm2.TPMECCNistP521:
			c = elliptic.P521()
		default:
			return nil, fmt.Errorf("%w: unknown curve %v", ErrInvalidPublicKey, parameters.CurveID)
		}
		return &ecdsa.PublicKey{
			Curve: c,
			X:     new(big.Int).SetBytes(point.X.Buffer),
			Y:     new(big.Int).SetBytes(point.Y.Buffer),
		}, nil
	}
	return nil, fmt.Errorf("%w: unsupported public key type %v", ErrInvalidPublicKey, public.Type)
}
