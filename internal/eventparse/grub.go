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


package eventparse

import (
	"bytes"
	"crypto"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/tmb-project/go-attest/tcg"
)

var (
	kernelPrefixes = [][]byte{
		[]byte("kernel_cmdline: "),
		// https://src.fedoraproject.org/rpms/grub2/blob/c789522f7cfa19a10cd716a1db24dab5499c6e5c/f/0224-Rework-TPM-measurements.patch
		[]byte("grub_kernel_cmdline "),
	}
	// See https://www.gnu.org/software/grub/manual/grub/grub.html#Measured-Boot.
	commandPrefixes = append([][]byte{
		[]byte("grub_cmd: "),
		[]byte("module_cmdline: "),
		[]byte("grub_cmd "),
	}, kernelPrefixes...)
)

func prefixLen(b []byte, prefixes [][]byte) int {
	for _, p := range prefixes {
		if bytes.HasPrefix(b, p) {
			return len(p)
		}
	}
	return -1
}

// GrubFile is a file GRUB measured.
type GrubFile struct {
	Digest            []byte
	UntrustedFilename []byte
}

// GrubState holds the GRUB commands and files from a log.
type GrubState struct {
	Files    []GrubFile
	Commands []string
}

// grubCommand returns the command e records after checking its digest. GRUB
// hashes the text after the prefix without its trailing NUL, except older
// releases that measure "grub_cmd " with it.
func (m *markers) grubCommand(e tcg.Event) (string, error) {
	raw := e.RawData()
	at := prefixLen(raw, commandPrefixes)
	if at < 0 {
		return "", fmt.Errorf("invalid prefix seen for PCR%d event: %s", e.MRIndex(), raw)
	}
	body := raw[at:]
	text := body
	if n := len(body); n > 0 && body[n-1] == 0 {
		text = body[:n-1]
	}
	if !m.measures(e, text) && !m.measures(e, body) {
		return "", fmt.Errorf("invalid digest seen for GRUB event %d: %s", e.Num(), hex.EncodeToString(e.ReplayedDigest()))
	}
	return string(raw[:at+len(text)]), nil
}

// Grub collects GRUB measurements. Every event on the GRUB registers must be
// EV_IPL, and every command must match its digest.
func Grub(hash crypto.Hash, events []tcg.Event, l Layout) (*GrubState, error) {
	m := newMarkers(hash)
	state := &GrubState{}
	for _, e := range events {
		idx := e.MRIndex()
		if idx != l.GrubCommands && idx != l.GrubFiles {
			continue
		}
		if e.UntrustedType() != tcg.Ipl {
			return nil, fmt.Errorf("invalid event type for PCR%d, expected EV_IPL", idx)
		}
		if idx == l.GrubFiles {
			state.Files = append(state.Files, GrubFile{Digest: e.ReplayedDigest(), UntrustedFilename: e.RawData()})
			continue
		}
		cmd, err := m.grubCommand(e)
		if err != nil {
			return nil, err
		}
		state.Commands = append(state.Commands, cmd)
	}
	if len(state.Files) == 0 && len(state.Commands) == 0 {
		return nil, errors.New("no GRUB measurements found")
	}
	return state, nil
}

// LinuxKernelState is the kernel command line GRUB measured.
type LinuxKernelState struct {
	CommandLine string
	// Args is CommandLine split into parameters. Flags map to "".
	Args map[string]string
}

// Kernel finds the single kernel command line among the GRUB commands. GRUB
// config is always UTF-8.
func Kernel(grub *GrubState) (*LinuxKernelState, error) {
	state := &LinuxKernelState{}
	seen := false
	for _, cmd := range grub.Commands {
		at := prefixLen([]byte(cmd), kernelPrefixes)
		if at < 0 {
			continue
		}
		if seen {
			return nil, errors.New("more than one kernel commandline in GRUB commands")
		}
		seen = true
		state.CommandLine = cmd[at:]
	}
	if !seen {
		return state, nil
	}
	args, err := ParseKernelCmdline(strings.TrimRight(state.CommandLine, "\x00"))
	if err != nil {
		return state, fmt.Errorf("parsing kernel command line: %w", err)
	}
	state.Args = args
	return state, nil
}
