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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tmb-project/go-attest/internal/testutil"
	"github.com/tmb-project/go-attest/register"
	"github.com/tmb-project/go-attest/tcg"
)

func run(t *testing.T, args ...string) (string, int) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	code := exitCode(root.Execute())
	return out.String(), code
}

func writePolicy(t *testing.T, s *testutil.Scenario, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := fmt.Sprintf("nonce: %q\n%s", hex.EncodeToString(s.Nonce), extra)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestVerifyExitCodes(t *testing.T) {
	s := testutil.NewScenario(t)
	dir := t.TempDir()
	s.WriteBundle(t, dir)

	out, code := run(t, "verify", dir, "--policy", writePolicy(t, s, ""), "--format", "json")
	require.Equal(t, 0, code, out)
	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Equal(t, "OK", report["outcome"])

	out, code = run(t, "verify", dir, "--policy", writePolicy(t, s, "strict_tail: true\n"))
	require.Equal(t, 1, code)
	require.Contains(t, out, "outcome: TrailingMeasurement")

	_, code = run(t, "verify", dir, "--format", "xml")
	require.Equal(t, 2, code)
	_, code = run(t, "verify")
	require.Equal(t, 2, code)
	_, code = run(t, "verify", filepath.Join(dir, "missing"), "--policy", writePolicy(t, s, ""))
	require.Equal(t, 2, code)
}

func TestBootLogReplayAndConvert(t *testing.T) {
	entries := testutil.BootEntries([]int{0, 4}, 2)
	want := testutil.ReplayEntries(t, entries)
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "log.yaml")
	require.NoError(t, os.WriteFile(yamlPath, testutil.StructuredBootLog(entries), 0o644))

	binPath := filepath.Join(dir, "log.bin")
	_, code := run(t, "bootlog", "convert", yamlPath, binPath)
	require.Equal(t, 0, code)
	raw, err := os.ReadFile(binPath)
	require.NoError(t, err)
	el, err := tcg.ParseEventLog(raw, tcg.ParseOpts{})
	require.NoError(t, err)
	require.Len(t, el.Entries, len(entries))

	for _, path := range []string{yamlPath, binPath} {
		out, code := run(t, "bootlog", "replay", path, "--alg", "sha1")
		require.Equal(t, 0, code, out)
		for _, idx := range []int{0, 4} {
			d, err := want.Read(idx, register.HashSHA1)
			require.NoError(t, err)
			require.Contains(t, out, fmt.Sprintf("%2d: %x", idx, d))
		}
	}

	require.NoError(t, os.WriteFile(binPath, raw[:len(raw)-2], 0o644))
	_, code = run(t, "bootlog", "replay", binPath)
	require.Equal(t, 1, code)
}

func TestIMAReplayAndAuditCheck(t *testing.T) {
	s := testutil.NewScenario(t)
	dir := t.TempDir()
	s.WriteBundle(t, dir)

	out, code := run(t, "ima", "replay", filepath.Join(dir, testutil.MeasurementLogFile))
	require.Equal(t, 0, code, out)
	require.Contains(t, out, fmt.Sprintf("records: %d", len(s.IMARecords)))
	require.Contains(t, out, "/usr/bin/late")

	out, code = run(t, "ima", "records", filepath.Join(dir, testutil.MeasurementLogFile))
	require.Equal(t, 0, code, out)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, len(s.IMARecords))
	require.True(t, strings.HasPrefix(lines[0], "0 10 "), lines[0])
	_, code = run(t, "ima", "records", filepath.Join(dir, testutil.MeasurementLogFile), "--format", "xml")
	require.Equal(t, 2, code)

	digest := hex.EncodeToString(testutil.AuditPrefixDigest(s.AuditLog, testutil.AuditMatchLine))
	out, code = run(t, "audit", "check", filepath.Join(dir, testutil.AuditLogFile), "--digest", "sha256:"+digest)
	require.Equal(t, 0, code, out)
	require.Contains(t, out, fmt.Sprintf("line %d", testutil.AuditMatchLine))

	_, code = run(t, "audit", "check", filepath.Join(dir, testutil.AuditLogFile), "--digest", "sha256:"+strings.Repeat("00", 32))
	require.Equal(t, 1, code)
	_, code = run(t, "audit", "check", filepath.Join(dir, testutil.AuditLogFile))
	require.Equal(t, 2, code)
}
