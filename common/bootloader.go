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

// Package common provides types shared by the boot log replayer and its
// callers.
package common

import "fmt"

// Bootloader refers to the second-stage bootloader that loads and transfers
// execution to the OS kernel.
type Bootloader int

const (
	// UnsupportedLoader refers to a second-stage bootloader whose events are
	// not summarized.
	UnsupportedLoader Bootloader = iota
	// GRUB (https://www.gnu.org/software/grub/).
	GRUB
)

// ParseBootloader maps a policy value such as "grub" to a Bootloader.
func ParseBootloader(s string) (Bootloader, error) {
	switch s {
	case "", "none", "unsupported":
		return UnsupportedLoader, nil
	case "grub", "GRUB":
		return GRUB, nil
	}
	return UnsupportedLoader, fmt.Errorf("unknown bootloader %q", s)
}

func (b Bootloader) String() string {
	if b == GRUB {
		return "grub"
	}
	return "none"
}
