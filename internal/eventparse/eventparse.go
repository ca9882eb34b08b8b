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


// Package eventparse has tools for extracting boot information from
// measurements. Everything here is diagnostic and never decides whether a
// verification passes.
package eventparse

import (
	"bytes"
	"crypto"
	"fmt"

	"github.com/tmb-project/go-attest/tcg"
)

// Layout names the PCRs that carry each kind of boot measurement.
type Layout struct {
	Platform         uint32
	EFIApps          uint32
	ExitBootServices uint32
	GrubCommands     uint32
	GrubFiles        uint32
}

// PCClient is the layout of the TCG PC Client firmware profile with GRUB
// measuring into PCRs 8 and 9.
var PCClient = Layout{
	Platform:         0,
	EFIApps:          4,
	ExitBootServices: 5,
	GrubCommands:     8,
	GrubFiles:        9,
}

// The separator event data MUST be 00000000h or FFFFFFFFh.
var separatorData = [][]byte{{0, 0, 0, 0}, {0xff, 0xff, 0xff, 0xff}}

// markers holds the digests of the well-known events in one hash bank.
// Event types are untrusted, so an event is recognized by its digest as well
// as its type, and a disagreement between the two is an error. See
// https://github.com/google/go-attestation/blob/master/docs/event-log-disclosure.md
type markers struct {
	hash       crypto.Hash
	separators [][]byte
	callingApp []byte
	exitBoot   []byte
}

func newMarkers(hash crypto.Hash) *markers {
	m := &markers{hash: hash}
	for _, d := range separatorData {
		m.separators = append(m.separators, m.sum(d))
	}
	m.callingApp = m.sum([]byte(tcg.CallingEFIApplication))
	m.exitBoot = m.sum([]byte(tcg.ExitBootServicesInvocation))
	return m
}

func (m *markers) sum(data []byte) []byte {
	h := m.hash.New()
	h.Write(data)
	return h.Sum(nil)
}

// measures reports whether the digest of e is the hash of data.
func (m *markers) measures(e tcg.Event, data []byte) bool {
	return bytes.Equal(e.ReplayedDigest(), m.sum(data))
}

func containsBytes(set [][]byte, v []byte) bool {
	for _, s := range set {
		if bytes.Equal(s, v) {
			return true
		}
	}
	return false
}

// separator reports whether e is a genuine separator.
func (m *markers) separator(e tcg.Event) (bool, error) {
	typed := e.UntrustedType() == tcg.Separator
	if !typed && !containsBytes(m.separators, e.ReplayedDigest()) {
		return false, nil
	}
	switch {
	case !typed:
		return false, fmt.Errorf("PCR%d event carries separator data under type %s", e.MRIndex(), e.UntrustedType())
	case !e.DigestVerified():
		return false, fmt.Errorf("unverified separator digest for PCR%d", e.MRIndex())
	case !containsBytes(separatorData, e.RawData()):
		return false, fmt.Errorf("invalid separator data for PCR%d", e.MRIndex())
	}
	return true, nil
}

// onlySeparator records a separator in seen and rejects a second one on the
// same register.
func (m *markers) onlySeparator(e tcg.Event, seen *bool) error {
	ok, err := m.separator(e)
	if err != nil || !ok {
		return err
	}
	if *seen {
		return fmt.Errorf("found duplicate Separator event in PCR%d", e.MRIndex())
	}
	*seen = true
	return nil
}

// action reports whether e is the EFI action whose digest is want.
func (m *markers) action(e tcg.Event, want []byte, name string) (bool, error) {
	if !bytes.Equal(e.ReplayedDigest(), want) {
		return false, nil
	}
	if e.UntrustedType() != tcg.EFIAction {
		return false, fmt.Errorf("PCR%d contains %s event but non EFIAction type: %s", e.MRIndex(), name, e.UntrustedType())
	}
	if !e.DigestVerified() {
		return false, fmt.Errorf("unverified %s digest for PCR%d", name, e.MRIndex())
	}
	return true, nil
}

// PlatformState describes the firmware measured into PCR0.
type PlatformState struct {
	SCRTMVersion []byte
	NonHostInfo  []byte
}

// Platform reads the S-CRTM version and non-host info events. Events after
// the platform separator are ignored.
func Platform(hash crypto.Hash, events []tcg.Event, l Layout) (*PlatformState, error) {
	m := newMarkers(hash)
	state := &PlatformState{}
	for _, e := range events {
		if e.MRIndex() != l.Platform {
			continue
		}
		sep, err := m.separator(e)
		if err != nil {
			return nil, err
		}
		if sep {
			break
		}
		switch e.UntrustedType() {
		case tcg.SCRTMVersion:
			if !m.measures(e, e.RawData()) {
				return nil, fmt.Errorf("invalid SCRTM version event for PCR%d", e.MRIndex())
			}
			state.SCRTMVersion = e.RawData()
		case tcg.NonhostInfo:
			if !e.DigestVerified() {
				return nil, fmt.Errorf("invalid Non-Host info event for PCR%d", e.MRIndex())
			}
			state.NonHostInfo = e.RawData()
		}
	}
	return state, nil
}

// EfiState lists the EFI applications launched before ExitBootServices.
type EfiState struct {
	Apps [][]byte
}

// EFI returns the digests of the EFI applications the boot manager launched.
// It returns nil when the log never reaches ExitBootServices, since later
// software could still have extended the application register.
func EFI(hash crypto.Hash, events []tcg.Event, l Layout) (*EfiState, error) {
	m := newMarkers(hash)
	var (
		apps                     [][]byte
		calling, appSep, exitSep bool
	)
	for _, e := range events {
		switch e.MRIndex() {
		case l.EFIApps:
			ok, err := m.action(e, m.callingApp, "CallingEFIApp")
			if err != nil {
				return nil, err
			}
			if ok {
				// Only one boot device is supported.
				if calling {
					return nil, fmt.Errorf("found duplicate CallingEFIApp event in PCR%d", e.MRIndex())
				}
				if appSep {
					return nil, fmt.Errorf("found CallingEFIApp event in PCR%d after separator event", e.MRIndex())
				}
				calling = true
			}
			if e.UntrustedType() == tcg.EFIBootServicesApplication {
				if !calling {
					return nil, fmt.Errorf("found EFIBootServicesApplication in PCR%d before CallingEFIApp event", e.MRIndex())
				}
				apps = append(apps, e.ReplayedDigest())
			}
			if err := m.onlySeparator(e, &appSep); err != nil {
				return nil, err
			}
		case l.ExitBootServices:
			ok, err := m.action(e, m.exitBoot, "ExitBootServices")
			if err != nil {
				return nil, err
			}
			if ok {
				return &EfiState{Apps: apps}, nil
			}
			if err := m.onlySeparator(e, &exitSep); err != nil {
				return nil, err
			}
		}
	}
	return nil, nil
}
