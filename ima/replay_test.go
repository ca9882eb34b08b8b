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

package ima_test

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/tmb-project/go-attest/ima"
	"github.com/tmb-project/go-attest/internal/testutil"
	"github.com/tmb-project/go-attest/register"
	"github.com/tmb-project/go-attest/tcg"
)

// dynamicValues returns the quoted values of the scenario's dynamic registers.
func dynamicValues(s *testutil.Scenario) [][]byte {
	var out [][]byte
	off := 20 * len(s.StaticPCRs)
	for i := range s.DynamicPCRs {
		out = append(out, s.PCRBuffer[off+20*i:off+20*(i+1)])
	}
	return out
}

func replayScenario(t *testing.T, s *testutil.Scenario, strict bool) (*ima.Result, error) {
	t.Helper()
	return ima.Replay(ima.NewReader(bytes.NewReader(s.MeasurementLog)), ima.Opts{
		Expected:   dynamicValues(s),
		Registers:  s.DynamicPCRs,
		StrictTail: strict,
	})
}

func TestReplayScenario(t *testing.T) {
	s := testutil.NewScenario(t)
	res, err := replayScenario(t, s, false)
	require.NoError(t, err)

	// The match completes at the 7th of 9 records.
	require.Equal(t, 7, res.Records)
	require.True(t, res.Matched.Complete())
	if diff := cmp.Diff(map[int]int{0: 3, 1: 5, 2: 7}, res.MatchedAt); diff != "" {
		t.Errorf("MatchedAt mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, testutil.IMAPCR, res.Register)

	want := testutil.AuditPrefixDigest(s.AuditLog, testutil.AuditMatchLine)
	require.Equal(t, ima.FileDigest{Alg: "sha256", Digest: want}, res.Files[testutil.AuditPath])
	// Records after the match point are not consumed.
	require.NotContains(t, res.Files, "/usr/bin/late")
}

func TestReplayTruncated(t *testing.T) {
	s := testutil.NewScenario(t)
	s.TruncateIMA(5)
	_, err := replayScenario(t, s, false)

	var incomplete *ima.IncompleteError
	require.ErrorAs(t, err, &incomplete)
	require.Equal(t, []int{2}, incomplete.Missing)
	require.Equal(t, []int{12}, incomplete.Registers)
	require.Equal(t, 5, incomplete.Records)
}

func TestReplayEmptyLog(t *testing.T) {
	_, err := ima.Replay(ima.NewReader(bytes.NewReader(nil)), ima.Opts{
		Expected: [][]byte{make([]byte, 20), make([]byte, 20)},
	})
	var incomplete *ima.IncompleteError
	require.ErrorAs(t, err, &incomplete)
	require.Equal(t, []int{0, 1}, incomplete.Missing)
}

func TestReplayStrictTail(t *testing.T) {
	s := testutil.NewScenario(t)
	_, err := replayScenario(t, s, true)
	var trailing *ima.TrailingExtensionError
	require.ErrorAs(t, err, &trailing)
	require.Equal(t, 8, trailing.Record)
	require.Equal(t, testutil.IMAPCR, trailing.Index)

	// Without trailing records strict mode succeeds.
	s.TruncateIMA(7)
	_, err = replayScenario(t, s, true)
	require.NoError(t, err)
}

func TestReplayIntoBank(t *testing.T) {
	s := testutil.NewScenario(t)
	bank := register.NewBank()
	res, err := ima.Replay(ima.NewReader(bytes.NewReader(s.MeasurementLog)), ima.Opts{
		Expected: dynamicValues(s),
		Bank:     bank,
	})
	require.NoError(t, err)

	// The bank holds the register where the replay stopped.
	got, err := bank.Read(testutil.IMAPCR, register.HashSHA1)
	require.NoError(t, err)
	require.Equal(t, dynamicValues(s)[2], got)
	require.Equal(t, got, res.Value)
	other, err := bank.Read(testutil.IMAPCR, register.HashSHA256)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 32), other)

	// A register that already holds a value is extended from it.
	seeded := register.NewBank()
	require.NoError(t, seeded.Extend(testutil.IMAPCR, register.HashSHA1, bytes.Repeat([]byte{1}, 20)))
	_, err = ima.Replay(ima.NewReader(bytes.NewReader(s.MeasurementLog)), ima.Opts{
		Expected: dynamicValues(s),
		Bank:     seeded,
	})
	var incomplete *ima.IncompleteError
	require.ErrorAs(t, err, &incomplete)
}

func TestZeroTemplateHashExtendsOnes(t *testing.T) {
	rec := testutil.ZeroRecord(10, "/var/lib/violation")
	res, err := ima.Replay(ima.NewReader(bytes.NewReader(rec.Marshal())), ima.Opts{})
	require.NoError(t, err)

	zero := make([]byte, 20)
	withOnes, err := register.ExtendDigest(register.HashSHA1, zero, bytes.Repeat([]byte{0xff}, 20))
	require.NoError(t, err)
	withZero, err := register.ExtendDigest(register.HashSHA1, zero, zero)
	require.NoError(t, err)

	require.Equal(t, withOnes, res.Value)
	require.NotEqual(t, withZero, res.Value)
}

func TestFileMapLastWriteWins(t *testing.T) {
	h1 := sha256.Sum256([]byte("one"))
	h2 := sha256.Sum256([]byte("two"))
	log := testutil.IMALog(
		testutil.NGRecord(10, "sha256", h1[:], "/etc/x"),
		testutil.NGRecord(10, "sha256", h2[:], "/etc/x"),
	)
	res, err := ima.Replay(ima.NewReader(bytes.NewReader(log)), ima.Opts{})
	require.NoError(t, err)
	require.Equal(t, 2, res.Records)
	require.Equal(t, ima.FileDigest{Alg: "sha256", Digest: h2[:]}, res.Files["/etc/x"])
	require.Equal(t, []string{"/etc/x"}, res.Files.Paths())
}

func TestReplayRejects(t *testing.T) {
	d := sha256.Sum256([]byte("content"))
	good := testutil.NGRecord(10, "sha256", d[:], "/bin/sh")
	badHash := good
	badHash.TemplateHash = bytes.Repeat([]byte{1}, 20)
	otherPCR := testutil.NGRecord(11, "sha256", d[:], "/bin/ls")

	tests := []struct {
		name       string
		log        []byte
		wantOffset int64
	}{
		{name: "template hash mismatch", log: testutil.IMALog(good, badHash), wantOffset: int64(len(good.Marshal()))},
		{name: "register change", log: testutil.IMALog(good, otherPCR), wantOffset: int64(len(good.Marshal()))},
		{name: "truncated record", log: testutil.IMALog(good, good)[:len(good.Marshal())+30], wantOffset: int64(len(good.Marshal()))},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ima.Replay(ima.NewReader(bytes.NewReader(tc.log)), ima.Opts{})
			var malformed *tcg.MalformedRecordError
			require.ErrorAs(t, err, &malformed)
			require.Equal(t, tc.wantOffset, malformed.Offset)
		})
	}
}

func TestReplayLegacyTemplate(t *testing.T) {
	digest := bytes.Repeat([]byte{0x42}, 20)
	data := ima.EncodeIMA(digest, "/sbin/init")
	rec := &ima.Record{
		Index:        10,
		TemplateHash: ima.TemplateHash(ima.TemplateIMA, data),
		TemplateName: ima.TemplateIMA,
		TemplateData: data,
	}
	res, err := ima.Replay(ima.NewReader(bytes.NewReader(rec.Marshal())), ima.Opts{})
	require.NoError(t, err)
	require.Equal(t, ima.FileDigest{Alg: "sha1", Digest: digest}, res.Files["/sbin/init"])
}

func TestReplayBadExpected(t *testing.T) {
	_, err := ima.Replay(ima.NewReader(bytes.NewReader(nil)), ima.Opts{Expected: [][]byte{{1, 2}}})
	var lenErr *register.InvalidDigestLengthError
	require.True(t, errors.As(err, &lenErr))

	_, err = ima.Replay(ima.NewReader(bytes.NewReader(nil)), ima.Opts{
		Expected:  [][]byte{make([]byte, 20)},
		Registers: []int{10, 11},
	})
	require.Error(t, err)
}

func TestMatchSet(t *testing.T) {
	m := ima.NewMatchSet(3)
	require.False(t, m.Complete())
	m.Add(1)
	m.Add(1)
	m.Add(7)
	require.Equal(t, 1, m.Len())
	require.Equal(t, []int{1}, m.Positions())
	require.Equal(t, []int{0, 2}, m.Missing())
	m.Add(0)
	m.Add(2)
	require.True(t, m.Complete())
	require.Empty(t, m.Missing())
}
