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

package verifier

import (
	"errors"
	"fmt"

	"github.com/tmb-project/go-attest/audit"
	"github.com/tmb-project/go-attest/ima"
	"github.com/tmb-project/go-attest/quote"
	"github.com/tmb-project/go-attest/register"
	"github.com/tmb-project/go-attest/tcg"
)

// Stage names a step of the verification pipeline.
type Stage string

// Pipeline stages, in execution order.
const (
	StageLoad           Stage = "load"
	StageQuote          Stage = "quote"
	StageBootLog        Stage = "boot_log"
	StageMeasurementLog Stage = "measurement_log"
	StageAudit          Stage = "audit_log"
)

// StageError attributes a failure to the stage that produced it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Outcome is the single terminal result of a run.
type Outcome string

// Outcomes.
const (
	OK                       Outcome = "OK"
	InvalidSignature         Outcome = "InvalidSignature"
	QuoteBindingMismatch     Outcome = "QuoteBindingMismatch"
	NonceMismatch            Outcome = "NonceMismatch"
	StaticPCRMismatch        Outcome = "StaticPcrMismatch"
	MeasurementLogIncomplete Outcome = "MeasurementLogIncomplete"
	TrailingMeasurement      Outcome = "TrailingMeasurement"
	AuditLogNotAttested      Outcome = "AuditLogNotAttested"
	MalformedRecord          Outcome = "MalformedRecord"
	UnsupportedAlgorithm     Outcome = "UnsupportedAlgorithm"
	Error                    Outcome = "Error"
)

// Outcomes lists every outcome.
var Outcomes = []Outcome{
	OK, InvalidSignature, QuoteBindingMismatch, NonceMismatch, StaticPCRMismatch,
	MeasurementLogIncomplete, TrailingMeasurement, AuditLogNotAttested,
	MalformedRecord, UnsupportedAlgorithm, Error,
}

// Classify maps the error returned by Verify to its Outcome. Errors outside
// the verification taxonomy, such as I/O failures, are Error.
func Classify(err error) Outcome {
	var (
		static     *tcg.StaticPCRMismatchError
		incomplete *ima.IncompleteError
		trailing   *ima.TrailingExtensionError
		malformed  *tcg.MalformedRecordError
	)
	switch {
	case err == nil:
		return OK
	case errors.Is(err, quote.ErrInvalidSignature):
		return InvalidSignature
	case errors.Is(err, quote.ErrQuoteBindingMismatch):
		return QuoteBindingMismatch
	case errors.Is(err, quote.ErrNonceMismatch):
		return NonceMismatch
	case errors.As(err, &static):
		return StaticPCRMismatch
	case errors.As(err, &incomplete):
		return MeasurementLogIncomplete
	case errors.As(err, &trailing):
		return TrailingMeasurement
	case errors.Is(err, audit.ErrNotAttested):
		return AuditLogNotAttested
	case errors.As(err, &malformed):
		return MalformedRecord
	case errors.Is(err, register.ErrUnsupportedAlgorithm):
		return UnsupportedAlgorithm
	}
	return Error
}

// StageOf returns the stage that produced err, if known.
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
