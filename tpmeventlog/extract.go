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

package tpmeventlog

import (
	"errors"

	"github.com/tmb-project/go-attest/common"
	"github.com/tmb-project/go-attest/internal/eventparse"
	"github.com/tmb-project/go-attest/register"
	"github.com/tmb-project/go-attest/tcg"
)

// ExtractOpts gives options for extracting information from an event log.
type ExtractOpts struct {
	Loader common.Bootloader
}

// BootState summarizes what a replayed boot log says about the machine.
type BootState struct {
	Platform    *eventparse.PlatformState
	Efi         *eventparse.EfiState
	Grub        *eventparse.GrubState
	LinuxKernel *eventparse.LinuxKernelState
}

// ExtractBootState walks the events of el in the hash bank and builds a
// BootState.
//
// The returned BootState may be partial. In that case err is non-nil and
// joins every problem found. It is the caller's responsibility to replay the
// log against trusted PCR values first.
func ExtractBootState(el *tcg.EventLog, hash register.HashAlg, opts ExtractOpts) (*BootState, error) {
	var joined error
	cryptoHash := hash.CryptoHash()
	if cryptoHash == 0 {
		return &BootState{}, register.ErrUnsupportedAlgorithm
	}
	events := el.Events(hash)
	state := &BootState{}

	platform, err := eventparse.Platform(cryptoHash, events, eventparse.PCClient)
	if err != nil {
		joined = errors.Join(joined, err)
	}
	state.Platform = platform
	efiState, err := eventparse.EFI(cryptoHash, events, eventparse.PCClient)
	if err != nil {
		joined = errors.Join(joined, err)
	}
	state.Efi = efiState

	if opts.Loader == common.GRUB {
		grub, err := eventparse.Grub(cryptoHash, events, eventparse.PCClient)
		if err != nil {
			joined = errors.Join(joined, err)
		}
		state.Grub = grub
		if grub != nil {
			kernel, err := eventparse.Kernel(grub)
			if err != nil {
				joined = errors.Join(joined, err)
			}
			state.LinuxKernel = kernel
		}
	}
	return state, joined
}
