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

package config

import (
	"context"
	"crypto"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/tmb-project/go-attest/common"
	"github.com/tmb-project/go-attest/register"
)

const yamlPolicy = `
static_pcrs: [0, 1, 2, 3, 4, 5, 6, 7]
dynamic_pcrs: [10]
binding_algorithm: sha384
audit_log_path: /var/log/audit/audit.log
strict_tail: true
nonce: "c0ffee"
`

const jsonPolicy = `{
  "static_pcrs": [0, 1, 2, 3, 4, 5, 6, 7],
  "dynamic_pcrs": [10],
  "binding_algorithm": "sha384",
  "audit_log_path": "/var/log/audit/audit.log",
  "strict_tail": true,
  "nonce": "c0ffee"
}`

const tomlPolicy = `
static_pcrs = [0, 1, 2, 3, 4, 5, 6, 7]
dynamic_pcrs = [10]
binding_algorithm = "sha384"
audit_log_path = "/var/log/audit/audit.log"
strict_tail = true
nonce = "c0ffee"
`

func wantPolicy() *Policy {
	p := DefaultPolicy()
	p.StaticPCRs = []int{0, 1, 2, 3, 4, 5, 6, 7}
	p.DynamicPCRs = []int{10}
	p.BindingAlgorithm = "sha384"
	p.AuditLogPath = "/var/log/audit/audit.log"
	p.StrictTail = true
	p.Nonce = "c0ffee"
	return p
}

func TestDecodeFormats(t *testing.T) {
	tests := []struct {
		ext  string
		data string
	}{
		{".yaml", yamlPolicy},
		{".yml", yamlPolicy},
		{".json", jsonPolicy},
		{".toml", tomlPolicy},
		{"", jsonPolicy},
		{"", tomlPolicy},
		{".policy", yamlPolicy},
	}
	for _, tc := range tests {
		t.Run(tc.ext, func(t *testing.T) {
			got, err := Decode([]byte(tc.data), tc.ext)
			require.NoError(t, err)
			if diff := cmp.Diff(wantPolicy(), got); diff != "" {
				t.Errorf("Decode() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode([]byte(`{"static_pcr": [0]}`), ".json")
	require.Error(t, err)
	_, err = Decode([]byte("static_pcr: [0]\n"), ".yaml")
	require.Error(t, err)
}

func TestDefaultPolicyIsValid(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())

	alg, err := p.PCRAlg()
	require.NoError(t, err)
	require.Equal(t, register.HashSHA1, alg)
	h, err := p.SigHash()
	require.NoError(t, err)
	require.Equal(t, crypto.SHA256, h)
	loader, err := p.Loader()
	require.NoError(t, err)
	require.Equal(t, common.GRUB, loader)
	nonce, err := p.NonceBytes()
	require.NoError(t, err)
	require.Nil(t, nonce)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Policy)
	}{
		{"out of range", func(p *Policy) { p.StaticPCRs = []int{24} }},
		{"duplicate", func(p *Policy) { p.DynamicPCRs = []int{10, 10} }},
		{"overlap", func(p *Policy) { p.DynamicPCRs = []int{9} }},
		{"no static", func(p *Policy) { p.StaticPCRs = nil }},
		{"no dynamic", func(p *Policy) { p.DynamicPCRs = nil }},
		{"unquoted", func(p *Policy) { p.QuotedPCRs = []int{0, 1} }},
		{"bad algorithm", func(p *Policy) { p.PCRAlgorithm = "sm3" }},
		{"measurement log needs sha1 bank", func(p *Policy) { p.PCRAlgorithm = "sha256" }},
		{"bad binding", func(p *Policy) { p.BindingAlgorithm = "md5" }},
		{"bad nonce", func(p *Policy) { p.Nonce = "xyz" }},
		{"audit without path", func(p *Policy) { p.AuditLogPath = "" }},
		{"bad format", func(p *Policy) { p.BootLogFormat = "xml" }},
		{"bad measurement format", func(p *Policy) { p.MeasurementFormat = "csv" }},
		{"bad loader", func(p *Policy) { p.Bootloader = "lilo" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := DefaultPolicy()
			tc.mutate(p)
			require.Error(t, p.Validate())
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("ATTEST_STATIC_PCRS", "0-7")
	t.Setenv("ATTEST_DYNAMIC_PCRS", "10, 11")
	t.Setenv("ATTEST_STRICT_TAIL", "true")
	t.Setenv("ATTEST_PCR_ALGORITHM", "sha256")

	p := DefaultPolicy()
	require.NoError(t, p.ApplyEnvOverrides())
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, p.StaticPCRs)
	require.Equal(t, []int{10, 11}, p.DynamicPCRs)
	require.True(t, p.StrictTail)
	require.Equal(t, "sha256", p.PCRAlgorithm)

	t.Setenv("ATTEST_ALLOW_PADDING", "sometimes")
	require.Error(t, DefaultPolicy().ApplyEnvOverrides())
}

func TestParseIndexList(t *testing.T) {
	got, err := ParseIndexList("12,0-2, 7")
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2, 7, 12}, got)

	for _, bad := range []string{"a", "3-1", "1-x"} {
		_, err := ParseIndexList(bad)
		require.Error(t, err, bad)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlPolicy), 0o600))

	p, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, wantPolicy(), p)

	p, err = Load("")
	require.NoError(t, err)
	require.Equal(t, DefaultPolicy(), p)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("static_pcrs: [30]\n"), 0o600))
	_, err = Load(path)
	require.Error(t, err)
}

func TestLoaderWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(jsonPolicy), 0o600))

	l, err := NewLoader(path)
	require.NoError(t, err)
	require.True(t, l.Policy().StrictTail)

	changed := make(chan *Policy, 1)
	l.OnChange(func(p *Policy) {
		select {
		case changed <- p:
		default:
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchErr := make(chan error, 1)
	go func() { watchErr <- l.Watch(ctx) }()

	// Rewrite until the watcher, which starts asynchronously, sees a change.
	updated := []byte(`{"static_pcrs": [0], "dynamic_pcrs": [10], "strict_tail": false}`)
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case p := <-changed:
			require.False(t, p.StrictTail)
			require.Equal(t, []int{0}, l.Policy().StaticPCRs)
			cancel()
			require.NoError(t, <-watchErr)
			return
		case <-tick.C:
			require.NoError(t, os.WriteFile(path, updated, 0o600))
		case <-deadline:
			t.Fatal("policy was not reloaded")
		}
	}
}
