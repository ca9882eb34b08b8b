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
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/tmb-project/go-attest/register"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Report formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// ReportStruct renders the outcome of a run as a protobuf Struct. Either res
// or err is expected to be nil.
func ReportStruct(res *Result, err error) (*structpb.Struct, error) {
	m := map[string]any{"outcome": string(Classify(err))}
	if err != nil {
		m["error"] = err.Error()
		if stage, ok := StageOf(err); ok {
			m["stage"] = string(stage)
		}
	}
	if res != nil {
		if res.Quote != nil {
			m["quote"] = quoteReport(res)
			if res.Bank != nil {
				m["replayed"] = bankReport(res)
			}
		}
		if res.Boot != nil {
			m["boot_log"] = bootReport(res)
		}
		if res.IMA != nil {
			m["measurement_log"] = imaReport(res)
		}
		if res.Audit != nil {
			m["audit_log"] = map[string]any{
				"line":   res.Audit.Line,
				"offset": res.Audit.Offset,
			}
		}
	}
	s, sErr := structpb.NewStruct(m)
	if sErr != nil {
		return nil, fmt.Errorf("failed to create report struct: %w", sErr)
	}
	return s, nil
}

func quoteReport(res *Result) map[string]any {
	bank := res.Quote.Bank()
	pcrs := map[string]any{}
	for _, p := range bank.PCRs {
		pcrs[strconv.Itoa(p.Index)] = hex.EncodeToString(p.Digest)
	}
	q := map[string]any{
		"algorithm": bank.Alg.String(),
		"pcrs":      pcrs,
	}
	if a := res.Quote.Attest; a != nil {
		q["attest"] = map[string]any{
			"nonce":            hex.EncodeToString(a.ExtraData),
			"clock":            a.Clock,
			"reset_count":      a.ResetCount,
			"restart_count":    a.RestartCount,
			"safe":             a.Safe,
			"firmware_version": a.FirmwareVersion,
		}
	}
	return q
}

// bankReport lists the replayed value of every quoted register. The
// measurement log register is reported from the SHA1 bank.
func bankReport(res *Result) map[string]any {
	quoted := res.Quote.Bank()
	pcrs := map[string]any{}
	for _, p := range quoted.PCRs {
		alg := quoted.Alg
		if res.IMA != nil && p.Index == res.IMA.Register {
			alg = register.HashSHA1
		}
		if d, err := res.Bank.Read(p.Index, alg); err == nil {
			pcrs[strconv.Itoa(p.Index)] = hex.EncodeToString(d)
		}
	}
	return map[string]any{"pcrs": pcrs}
}

func bootReport(res *Result) map[string]any {
	b := map[string]any{"events": len(res.Boot.Log.Entries)}
	st := res.Boot.State
	if st == nil {
		return b
	}
	if st.Platform != nil {
		b["scrtm_version"] = hex.EncodeToString(st.Platform.SCRTMVersion)
	}
	if st.Efi != nil {
		b["efi_apps"] = len(st.Efi.Apps)
	}
	if st.Grub != nil {
		files := make([]any, 0, len(st.Grub.Files))
		for _, f := range st.Grub.Files {
			files = append(files, string(f.UntrustedFilename))
		}
		b["grub_files"] = files
		b["grub_commands"] = len(st.Grub.Commands)
	}
	if st.LinuxKernel != nil {
		b["kernel_cmdline"] = st.LinuxKernel.CommandLine
	}
	if res.Boot.StateErr != nil {
		b["state_error"] = res.Boot.StateErr.Error()
	}
	return b
}

func imaReport(res *Result) map[string]any {
	r := res.IMA
	matched := map[string]any{}
	for pos, n := range r.MatchedAt {
		matched[strconv.Itoa(pos)] = n
	}
	return map[string]any{
		"register":   r.Register,
		"records":    r.Records,
		"value":      hex.EncodeToString(r.Value),
		"matched_at": matched,
		"files":      len(r.Files),
	}
}

// WriteReport writes the outcome of a run to w in format.
func WriteReport(w io.Writer, res *Result, err error, format string) error {
	s, sErr := ReportStruct(res, err)
	if sErr != nil {
		return sErr
	}
	switch format {
	case FormatJSON:
		data, mErr := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
		if mErr != nil {
			return fmt.Errorf("failed to marshal report: %w", mErr)
		}
		_, wErr := fmt.Fprintln(w, string(data))
		return wErr
	case FormatText, "":
		return writeText(w, "", s.AsMap())
	}
	return fmt.Errorf("unknown report format %q", format)
}

func writeText(w io.Writer, indent string, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// The outcome leads.
	sort.Slice(keys, func(i, j int) bool {
		if (keys[i] == "outcome") != (keys[j] == "outcome") {
			return keys[i] == "outcome"
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		if sub, ok := m[k].(map[string]any); ok {
			if _, err := fmt.Fprintf(w, "%s%s:\n", indent, k); err != nil {
				return err
			}
			if err := writeText(w, indent+"  ", sub); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(w, "%s%s: %v\n", indent, k, m[k]); err != nil {
			return err
		}
	}
	return nil
}
