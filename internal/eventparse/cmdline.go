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
	"errors"
	"fmt"
	"strings"
)

type cmdlineState int

const (
	stateKey cmdlineState = iota
	stateValue
	stateQuoted
)

// ParseKernelCmdline splits a kernel command line into parameters.
// "root=/dev/sda1 quiet" gives {"root": "/dev/sda1", "quiet": ""}. Values may
// be double quoted, and backslash escapes are only allowed inside quotes.
func ParseKernelCmdline(cmdline string) (map[string]string, error) {
	result := make(map[string]string)
	var (
		inEscape bool
		key      strings.Builder
		value    strings.Builder
		state    = stateKey
	)
	flush := func() {
		if key.Len() > 0 {
			result[key.String()] = value.String()
		}
		key.Reset()
		value.Reset()
		state = stateKey
	}

	for i, r := range strings.TrimSpace(cmdline) {
		switch {
		case inEscape:
			value.WriteRune(r)
			inEscape = false
		case r == '\\':
			if state != stateQuoted {
				return nil, fmt.Errorf("escape sequence outside quoted value at position %d", i)
			}
			inEscape = true
		case r == '"':
			switch state {
			case stateKey:
				return nil, fmt.Errorf("quote in key at position %d", i)
			case stateValue:
				state = stateQuoted
			case stateQuoted:
				state = stateValue
			}
		case r == '=' && state == stateKey:
			if key.Len() == 0 {
				return nil, fmt.Errorf("empty key before '=' at position %d", i)
			}
			state = stateValue
		case (r == ' ' || r == '\t') && state != stateQuoted:
			flush()
		default:
			if state == stateKey {
				key.WriteRune(r)
			} else {
				value.WriteRune(r)
			}
		}
	}
	if inEscape {
		return nil, errors.New("unterminated escape sequence")
	}
	if state == stateQuoted {
		return nil, errors.New("unterminated quoted value")
	}
	flush()
	return result, nil
}
