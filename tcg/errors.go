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

package tcg

import (
	"errors"
	"fmt"
)

// MalformedRecordError reports a record that could not be decoded. Offset is
// the byte position of the start of the record within its stream.
type MalformedRecordError struct {
	Offset int64
	Reason string
	Err    error
}

func (e *MalformedRecordError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed record at offset %d: %s: %v", e.Offset, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed record at offset %d: %s", e.Offset, e.Reason)
}

func (e *MalformedRecordError) Unwrap() error {
	return e.Err
}

// StaticPCRMismatchError reports the first register whose replayed value
// disagrees with the quoted value.
type StaticPCRMismatchError struct {
	Index int
	Got   []byte
	Want  []byte
}

func (e *StaticPCRMismatchError) Error() string {
	return fmt.Sprintf("static PCR %d mismatch: replayed %x, quoted %x", e.Index, e.Got, e.Want)
}

// eventSizeErr reports an event data length exceeding the remaining log.
type eventSizeErr struct {
	eventSize uint32
	logSize   int
}

func (e *eventSizeErr) Error() string {
	return fmt.Sprintf("event data size (%d bytes) is greater than remaining measurement log (%d bytes)", e.eventSize, e.logSize)
}

var errEventLogPadding = errors.New("reached padding before event log EOF")
