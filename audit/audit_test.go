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

package audit_test

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tmb-project/go-attest/audit"
	"github.com/tmb-project/go-attest/ima"
	"github.com/tmb-project/go-attest/internal/testutil"
	"github.com/tmb-project/go-attest/register"
	"github.com/tmb-project/go-attest/testdata"
)

func TestVerifyLine42(t *testing.T) {
	log := testutil.AuditLog(100)
	want := ima.FileDigest{Alg: "sha256", Digest: testutil.AuditPrefixDigest(log, 42)}

	m, err := audit.Verify(bytes.NewReader(log), want)
	require.NoError(t, err)
	require.Equal(t, 42, m.Line)
	prefix := strings.Join(strings.SplitAfter(string(log), "\n")[:42], "")
	require.Equal(t, int64(len(prefix)), m.Offset)
}

func TestVerifyNotAttested(t *testing.T) {
	log := testutil.AuditLog(100)
	// The stored digest covers content the file never reaches.
	longer := testutil.AuditLog(101)
	want := ima.FileDigest{Alg: "sha256", Digest: testutil.AuditPrefixDigest(longer, 101)}
	_, err := audit.Verify(bytes.NewReader(log), want)
	require.ErrorIs(t, err, audit.ErrNotAttested)

	// An edit inside the attested prefix breaks every later digest.
	want = ima.FileDigest{Alg: "sha256", Digest: testutil.AuditPrefixDigest(log, 42)}
	tampered := bytes.Replace(log, []byte("audit(1700000000.007:7)"), []byte("audit(1700000000.007:8)"), 1)
	require.NotEqual(t, log, tampered)
	_, err = audit.Verify(bytes.NewReader(tampered), want)
	require.ErrorIs(t, err, audit.ErrNotAttested)
}

func TestVerifyUnterminatedLastLine(t *testing.T) {
	log := []byte("first\nsecond")
	sum := sha256.Sum256(log)
	m, err := audit.Verify(bytes.NewReader(log), ima.FileDigest{Alg: "sha256", Digest: sum[:]})
	require.NoError(t, err)
	require.Equal(t, &audit.Match{Line: 2, Offset: int64(len(log))}, m)
}

func TestVerifyAlgorithms(t *testing.T) {
	log := []byte("a\nb\n")
	sum := sha1.Sum([]byte("a\n"))
	m, err := audit.Verify(bytes.NewReader(log), ima.FileDigest{Alg: "sha1", Digest: sum[:]})
	require.NoError(t, err)
	require.Equal(t, 1, m.Line)

	_, err = audit.Verify(bytes.NewReader(log), ima.FileDigest{Alg: "md5", Digest: make([]byte, 16)})
	require.ErrorIs(t, err, register.ErrUnsupportedAlgorithm)

	_, err = audit.Verify(bytes.NewReader(log), ima.FileDigest{Alg: "sha256", Digest: sum[:]})
	var lenErr *register.InvalidDigestLengthError
	require.ErrorAs(t, err, &lenErr)
}

func TestVerifyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	log := testutil.AuditLog(10)
	require.NoError(t, os.WriteFile(path, log, 0o644))

	files := ima.FileMap{"/var/log/audit.log": {Alg: "sha256", Digest: testutil.AuditPrefixDigest(log, 3)}}
	m, err := audit.VerifyFile(path, "/var/log/audit.log", files)
	require.NoError(t, err)
	require.Equal(t, 3, m.Line)

	_, err = audit.VerifyFile(path, "/var/log/other.log", files)
	require.ErrorIs(t, err, audit.ErrNotAttested)

	_, err = audit.VerifyFile(filepath.Join(dir, "missing"), "/var/log/audit.log", files)
	require.Error(t, err)
	require.NotErrorIs(t, err, audit.ErrNotAttested)
}

func TestVerifyMeasuredFixture(t *testing.T) {
	res, err := ima.Replay(ima.NewReader(bytes.NewReader(testdata.IMABinaryLog)), ima.Opts{})
	require.NoError(t, err)
	want, ok := res.Files[testdata.IMAAuditPath]
	require.True(t, ok)

	m, err := audit.Verify(bytes.NewReader(testdata.IMAAuditLog), want)
	require.NoError(t, err)
	require.Equal(t, testdata.IMAAuditLines, m.Line)

	// The last measurement of a path wins, so an older digest no longer attests.
	_, err = audit.Verify(bytes.NewReader(testdata.IMAAuditLog), res.Files["/etc/ld.so.cache"])
	require.ErrorIs(t, err, audit.ErrNotAttested)
}
