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

package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tmb-project/go-attest/audit"
	"github.com/tmb-project/go-attest/ima"
	"github.com/tmb-project/go-attest/internal/config"
	"github.com/tmb-project/go-attest/register"
	"github.com/tmb-project/go-attest/tcg"
	"github.com/tmb-project/go-attest/tpmeventlog"
	"github.com/tmb-project/go-attest/verifier"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "attestctl",
		Short:         "Verify remote attestation bundles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newVerifyCmd(), newBootLogCmd(), newIMACmd(), newAuditCmd())
	return root
}

func newVerifyCmd() *cobra.Command {
	var policyPath, format string
	cmd := &cobra.Command{
		Use:   "verify <bundle-dir>",
		Short: "Run the full verification pipeline over a bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != verifier.FormatText && format != verifier.FormatJSON {
				return fmt.Errorf("unknown --format %q", format)
			}
			policy, err := config.Load(policyPath)
			if err != nil {
				return err
			}
			v, err := verifier.New(policy)
			if err != nil {
				return err
			}
			res, verr := v.VerifyDir(cmd.Context(), args[0])
			if err := verifier.WriteReport(cmd.OutOrStdout(), res, verr, format); err != nil {
				return err
			}
			if verr != nil {
				if verifier.Classify(verr) == verifier.Error {
					return verr
				}
				return &failure{err: verr}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&policyPath, "policy", "", "Path to the policy file (YAML, JSON or TOML)")
	cmd.Flags().StringVar(&format, "format", verifier.FormatText, "Report format: text or json")
	return cmd
}

func newBootLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootlog",
		Short: "Inspect TCG boot event logs",
	}
	cmd.AddCommand(newBootLogReplayCmd(), newBootLogConvertCmd())
	return cmd
}

type bootLogFlags struct {
	format       string
	allowPadding bool
}

func (f *bootLogFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.format, "format", "auto", "Log format: auto, binary or structured")
	cmd.Flags().BoolVar(&f.allowPadding, "allow-padding", false, "Stop at trailing 0xFF padding instead of failing")
}

func (f *bootLogFlags) parse(path string) (*tcg.EventLog, error) {
	format, err := tpmeventlog.ParseFormat(f.format)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return tpmeventlog.ParseBootLog(raw, format, tcg.ParseOpts{AllowPadding: f.allowPadding})
}

func newBootLogReplayCmd() *cobra.Command {
	var flags bootLogFlags
	var algName string
	cmd := &cobra.Command{
		Use:   "replay <log>",
		Short: "Replay a boot log and print the resulting registers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alg, err := register.ParseHashAlg(algName)
			if err != nil {
				return err
			}
			el, err := flags.parse(args[0])
			if err != nil {
				return &failure{err: err}
			}
			bank := register.NewBank()
			if err := tpmeventlog.Replay(el.Entries, bank); err != nil {
				return &failure{err: err}
			}
			return writeBank(cmd.OutOrStdout(), bank, alg, touched(el.Entries))
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&algName, "alg", "sha256", "Bank to print")
	return cmd
}

func newBootLogConvertCmd() *cobra.Command {
	var flags bootLogFlags
	cmd := &cobra.Command{
		Use:   "convert <in> <out>",
		Short: "Re-encode a boot log in the binary crypto agile format",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			el, err := flags.parse(args[0])
			if err != nil {
				return &failure{err: err}
			}
			out, err := tcg.MarshalEventLog(el)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[1], out, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d events (%d bytes) to %s\n", len(el.Entries), len(out), args[1])
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newIMACmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ima",
		Short: "Inspect IMA measurement logs",
	}
	cmd.AddCommand(newIMAReplayCmd(), newIMARecordsCmd())
	return cmd
}

func openIMA(path, format string) (ima.RecordReader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case "binary":
		return ima.NewReader(bytes.NewReader(data)), nil
	case "ascii":
		return ima.NewASCIIReader(bytes.NewReader(data)), nil
	}
	return nil, fmt.Errorf("unknown --format %q", format)
}

func newIMARecordsCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "records <log>",
		Short: "List the records of a measurement log without replaying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rr, err := openIMA(args[0], format)
			if err != nil {
				return err
			}
			recs, err := ima.ReadAll(rr)
			if err != nil {
				return &failure{err: err}
			}
			w := cmd.OutOrStdout()
			for _, rec := range recs {
				fmt.Fprintf(w, "%d %d %x %s\n", rec.Offset, rec.Index, rec.TemplateHash, rec.TemplateName)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "binary", "Log format: binary or ascii")
	return cmd
}

func newIMAReplayCmd() *cobra.Command {
	var format string
	var expected []string
	var strictTail bool
	cmd := &cobra.Command{
		Use:   "replay <log>",
		Short: "Replay a measurement log, optionally up to expected register values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var want [][]byte
			for _, e := range expected {
				d, err := hex.DecodeString(e)
				if err != nil {
					return fmt.Errorf("--expected %q: %w", e, err)
				}
				want = append(want, d)
			}
			rr, err := openIMA(args[0], format)
			if err != nil {
				return err
			}
			res, err := ima.Replay(rr, ima.Opts{Expected: want, StrictTail: strictTail})
			if err != nil {
				return &failure{err: err}
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "register: %d\nrecords: %d\nvalue: %x\n", res.Register, res.Records, res.Value)
			for _, p := range res.Files.Paths() {
				fmt.Fprintf(w, "%s %s\n", res.Files[p], p)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "binary", "Log format: binary or ascii")
	cmd.Flags().StringSliceVar(&expected, "expected", nil, "Hex register values to reach, in order")
	cmd.Flags().BoolVar(&strictTail, "strict-tail", false, "Reject records after the last expected value")
	return cmd
}

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check audit logs against measured digests",
	}
	cmd.AddCommand(newAuditCheckCmd())
	return cmd
}

func newAuditCheckCmd() *cobra.Command {
	var digest string
	cmd := &cobra.Command{
		Use:   "check <audit-log>",
		Short: "Find the prefix of an audit log that hashes to a digest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			want, err := ima.ParseFileDigest(digest)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			m, err := audit.Verify(f, want)
			if err != nil {
				return &failure{err: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "attested through line %d (%d bytes)\n", m.Line, m.Offset)
			return nil
		},
	}
	cmd.Flags().StringVar(&digest, "digest", "", "Measured digest as <alg>:<hex>")
	cmd.MarkFlagRequired("digest")
	return cmd
}

func touched(entries []tcg.Entry) []int {
	seen := map[int]bool{}
	var out []int
	for _, e := range entries {
		if e.Type == tcg.NoAction || seen[e.Index] {
			continue
		}
		seen[e.Index] = true
		out = append(out, e.Index)
	}
	sort.Ints(out)
	return out
}

func writeBank(w io.Writer, bank *register.Bank, alg register.HashAlg, indices []int) error {
	snap, err := bank.Snapshot(alg, indices)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s:\n", strings.ToLower(alg.String()))
	for _, p := range snap.PCRs {
		if _, err := fmt.Fprintf(w, "  %2d: %x\n", p.Index, p.Digest); err != nil {
			return err
		}
	}
	return nil
}
