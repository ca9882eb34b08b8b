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
	"errors"
	"fmt"

	"github.com/google/go-tpm/tpm2"
	"github.com/tmb-project/go-attest/register"
)

// AttestInfo is the decoded content of a TPMS_ATTEST quote message.
type AttestInfo struct {
	QualifiedSigner []byte
	// ExtraData is the caller supplied nonce.
	ExtraData       []byte
	Clock           uint64
	ResetCount      uint32
	RestartCount    uint32
	Safe            bool
	FirmwareVersion uint64
	// Selection lists the quoted registers of each bank in ascending order.
	Selection map[register.HashAlg][]int
	PCRDigest []byte
}

// ParseAttest decodes msg as a TPMS_ATTEST structure of type
// TPM_ST_ATTEST_QUOTE. Messages of any other shape are rejected.
func ParseAttest(msg []byte) (*AttestInfo, error) {
	tpms, err := tpm2.Unmarshal[tpm2.TPMSAttest](msg)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal TPMS_ATTEST: %w", err)
	}
	if tpms.Magic != tpm2.TPMGeneratedValue {
		return nil, errors.New("TPMS_ATTEST magic is not TPM_GENERATED_VALUE")
	}
	if tpms.Type != tpm2.TPMSTAttestQuote {
		return nil, fmt.Errorf("TPMS_ATTEST type %v is not a quote", tpms.Type)
	}
	info, err := tpms.Attested.Quote()
	if err != nil {
		return nil, fmt.Errorf("failed to read quote info: %w", err)
	}
	out := &AttestInfo{
		QualifiedSigner: tpms.QualifiedSigner.Buffer,
		ExtraData:       tpms.ExtraData.Buffer,
		Clock:           tpms.ClockInfo.Clock,
		ResetCount:      tpms.ClockInfo.ResetCount,
		RestartCount:    tpms.ClockInfo.RestartCount,
		Safe:            bool(tpms.ClockInfo.Safe),
		FirmwareVersion: tpms.FirmwareVersion,
		Selection:       make(map[register.HashAlg][]int),
		PCRDigest:       info.PCRDigest.Buffer,
	}
	for _, sel := range info.PCRSelect.PCRSelections {
		alg := register.HashAlg(sel.Hash)
		for i, b := range sel.PCRSelect {
			for bit := 0; bit < 8; bit++ {
				if b&(1<<bit) != 0 {
					out.Selection[alg] = append(out.Selection[alg], i*8+bit)
				}
			}
		}
	}
	return out, nil
}
