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

package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestStart(t *testing.T) {
	m := New()
	done := m.Start()
	require.Equal(t, 1.0, testutil.ToFloat64(m.inflight))
	done("OK")
	m.Start()("InvalidSignature")
	m.Start()("OK")

	require.Equal(t, 0.0, testutil.ToFloat64(m.inflight))
	require.Equal(t, 2.0, testutil.ToFloat64(m.verifications.WithLabelValues("OK")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.verifications.WithLabelValues("InvalidSignature")))
	require.Equal(t, 2, testutil.CollectAndCount(m.duration))
}

func TestPolicyReload(t *testing.T) {
	m := New()
	m.PolicyReload(nil)
	m.PolicyReload(errors.New("bad policy"))
	m.PolicyReload(nil)
	require.Equal(t, 2.0, testutil.ToFloat64(m.policyReloads.WithLabelValues("ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.policyReloads.WithLabelValues("error")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.Start()("OK")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), `attest_verifications_total{outcome="OK"} 1`), string(body))
	require.Contains(t, string(body), "go_goroutines")
}
