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

// Package verifier runs the full attestation pipeline over an artifact
// bundle: quote, boot log, measurement log and audit log, in that order.
// Any failure stops the run.
package verifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/tmb-project/go-attest/audit"
	"github.com/tmb-project/go-attest/ima"
	"github.com/tmb-project/go-attest/internal/config"
	"github.com/tmb-project/go-attest/quote"
	"github.com/tmb-project/go-attest/register"
	"github.com/tmb-project/go-attest/tcg"
	"github.com/tmb-project/go-attest/tpmeventlog"
	"k8s.io/klog/v2"
)

// Result holds everything a successful run established.
type Result struct {
	// Bank is the register bank the run replayed both logs into.
	Bank  *register.Bank
	Quote *quote.Verified
	Boot  *tpmeventlog.Result
	IMA   *ima.Result
	// Audit is nil when no audit log was supplied and none was required.
	Audit *audit.Match
}

// Verifier checks bundles against a fixed policy.
type Verifier struct {
	policy *config.Policy
}

// New returns a Verifier for policy. The policy is validated and copied.
func New(policy *config.Policy) (*Verifier, error) {
	if policy == nil {
		policy = config.DefaultPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return &Verifier{policy: policy.Clone()}, nil
}

// Policy returns a copy of the policy in use.
func (v *Verifier) Policy() *config.Policy {
	return v.policy.Clone()
}

// VerifyDir loads the bundle in dir and verifies it.
func (v *Verifier) VerifyDir(ctx context.Context, dir string) (*Result, error) {
	b, err := LoadBundle(dir)
	if err != nil {
		return nil, &StageError{Stage: StageLoad, Err: err}
	}
	return v.Verify(ctx, b)
}

// Verify runs every stage over b. The returned error is a *StageError and
// Classify maps it to an Outcome. No partial result is returned on failure.
func (v *Verifier) Verify(ctx context.Context, b *Bundle) (*Result, error) {
	res := &Result{Bank: register.NewBank()}
	stages := []struct {
		stage Stage
		run   func(*Bundle, *Result) error
	}{
		{StageQuote, v.verifyQuote},
		{StageBootLog, v.verifyBootLog},
		{StageMeasurementLog, v.verifyMeasurementLog},
		{StageAudit, v.verifyAuditLog},
	}
	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return nil, &StageError{Stage: s.stage, Err: err}
		}
		if err := s.run(b, res); err != nil {
			klog.Warningf("%s stage failed: %v", s.stage, err)
			return nil, &StageError{Stage: s.stage, Err: err}
		}
		klog.V(1).Infof("%s stage passed", s.stage)
	}
	return res, nil
}

func (v *Verifier) verifyQuote(b *Bundle, res *Result) error {
	p := v.policy
	pub, err := quote.ParsePublicKey(b.SigningKey)
	if err != nil {
		return err
	}
	pcrAlg, err := p.PCRAlg()
	if err != nil {
		return err
	}
	bindingAlg, err := p.BindingAlg()
	if err != nil {
		return err
	}
	sigHash, err := p.SigHash()
	if err != nil {
		return err
	}
	nonce, err := p.NonceBytes()
	if err != nil {
		return err
	}
	verified, err := quote.Verify(&quote.Quote{
		PCRs:       b.PCRBuffer,
		Message:    b.QuoteMessage,
		Signature:  b.QuoteSignature,
		PublicKey:  pub,
		BindingAlg: bindingAlg,
		PCRAlg:     pcrAlg,
		Indices:    p.QuotedPCRs,
	}, quote.VerifyOpts{SignatureHash: sigHash, Nonce: nonce})
	if err != nil {
		return err
	}
	// Every register the policy names must be quoted.
	for _, set := range [][]int{p.StaticPCRs, p.DynamicPCRs} {
		for _, idx := range set {
			if _, ok := verified.Expected(idx); !ok {
				return fmt.Errorf("%w: PCR %d is not quoted", quote.ErrQuoteBindingMismatch, idx)
			}
		}
	}
	res.Quote = verified
	return nil
}

func (v *Verifier) verifyBootLog(b *Bundle, res *Result) error {
	p := v.policy
	format, err := tpmeventlog.ParseFormat(p.BootLogFormat)
	if err != nil {
		return err
	}
	loader, err := p.Loader()
	if err != nil {
		return err
	}
	boot, err := tpmeventlog.ReplayAndVerify(res.Bank, b.BootLog, res.Quote.Bank(), tpmeventlog.Opts{
		Format:     format,
		Parse:      tcg.ParseOpts{AllowPadding: p.AllowPadding},
		StaticPCRs: p.StaticPCRs,
		Extract:    tpmeventlog.ExtractOpts{Loader: loader},
	})
	if err != nil {
		return err
	}
	if boot.StateErr != nil {
		klog.V(1).Infof("boot state is partial: %v", boot.StateErr)
	}
	res.Boot = boot
	return nil
}

func (v *Verifier) verifyMeasurementLog(b *Bundle, res *Result) error {
	p := v.policy
	expected := make([][]byte, 0, len(p.DynamicPCRs))
	for _, idx := range p.DynamicPCRs {
		d, _ := res.Quote.Expected(idx)
		expected = append(expected, d)
	}
	rr, err := measurementReader(p.MeasurementFormat, bytes.NewReader(b.MeasurementLog))
	if err != nil {
		return err
	}
	replay, err := ima.Replay(rr, ima.Opts{
		Expected:   expected,
		Registers:  p.DynamicPCRs,
		StrictTail: p.StrictTail,
		Bank:       res.Bank,
	})
	if err != nil {
		return err
	}
	klog.V(1).Infof("measurement log reached %d values after %d records", replay.Matched.Len(), replay.Records)
	res.IMA = replay
	return nil
}

func (v *Verifier) verifyAuditLog(b *Bundle, res *Result) error {
	p := v.policy
	if b.AuditLogPath == "" {
		if p.RequireAudit {
			return fmt.Errorf("%w: no audit log supplied", audit.ErrNotAttested)
		}
		return nil
	}
	m, err := audit.VerifyFile(b.AuditLogPath, p.AuditLogPath, res.IMA.Files)
	if err != nil {
		return err
	}
	klog.V(1).Infof("audit log attested through line %d", m.Line)
	res.Audit = m
	return nil
}

func measurementReader(format string, r io.Reader) (ima.RecordReader, error) {
	switch format {
	case "", "binary":
		return ima.NewReader(r), nil
	case "ascii":
		return ima.NewASCIIReader(r), nil
	}
	return nil, errors.New("unknown measurement log format " + format)
}
