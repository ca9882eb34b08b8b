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
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmb-project/go-attest/internal/config"
	"github.com/tmb-project/go-attest/internal/inbox"
	"github.com/tmb-project/go-attest/internal/metrics"
	"github.com/tmb-project/go-attest/internal/store"
	"github.com/tmb-project/go-attest/verifier"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/encoding/protojson"
	"k8s.io/klog/v2"
)

// daemon verifies bundles as they arrive and records every run.
type daemon struct {
	store   *store.Store
	metrics *metrics.Metrics
	workers int

	mu sync.RWMutex
	v  *verifier.Verifier
}

func newDaemon(policy *config.Policy, st *store.Store, m *metrics.Metrics, workers int) (*daemon, error) {
	v, err := verifier.New(policy)
	if err != nil {
		return nil, err
	}
	if workers < 1 {
		workers = 1
	}
	return &daemon{store: st, metrics: m, workers: workers, v: v}, nil
}

// setPolicy swaps the verifier. Runs in progress keep the old policy.
func (d *daemon) setPolicy(p *config.Policy) error {
	v, err := verifier.New(p)
	d.metrics.PolicyReload(err)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.v = v
	d.mu.Unlock()
	klog.Infof("Policy reloaded")
	return nil
}

func (d *daemon) current() *verifier.Verifier {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.v
}

// process verifies the bundle in dir and stores the run.
func (d *daemon) process(ctx context.Context, dir string) (*store.Run, error) {
	done := d.metrics.Start()
	start := time.Now()
	res, verr := d.current().VerifyDir(ctx, dir)
	outcome := verifier.Classify(verr)
	done(string(outcome))

	run := &store.Run{
		ID:        uuid.New(),
		Bundle:    dir,
		Outcome:   string(outcome),
		StartedAt: start,
		Duration:  time.Since(start),
	}
	if verr != nil {
		run.Error = verr.Error()
		if stage, ok := verifier.StageOf(verr); ok {
			run.Stage = string(stage)
		}
	}
	report, err := verifier.ReportStruct(res, verr)
	if err != nil {
		return nil, err
	}
	run.Report = report
	if err := d.store.InsertRun(ctx, run); err != nil {
		return nil, err
	}
	if verr != nil {
		klog.Warningf("Run %s: %s: %s", run.ID, dir, outcome)
	} else {
		klog.Infof("Run %s: %s: %s", run.ID, dir, outcome)
	}
	return run, nil
}

// serve verifies every bundle the watcher reports until ctx is done.
func (d *daemon) serve(ctx context.Context, w *inbox.Watcher) error {
	g, ctx := errgroup.WithContext(ctx)
	bundles := make(chan string)
	g.Go(func() error {
		defer close(bundles)
		return w.Run(ctx, bundles)
	})
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for dir := range bundles {
				if _, err := d.process(ctx, dir); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					// Storage failures leave the bundle unrecorded but do not
					// stop other runs.
					klog.Errorf("Recording run for %s: %v", dir, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// handler serves /metrics, /runs, /runs/summary and /runs/{id}.
func (d *daemon) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Handler())
	mux.HandleFunc("GET /runs", d.listRuns)
	mux.HandleFunc("GET /runs/summary", d.summary)
	mux.HandleFunc("GET /runs/{id}", d.getRun)
	return mux
}

type runJSON struct {
	ID        string          `json:"id"`
	Bundle    string          `json:"bundle"`
	Outcome   string          `json:"outcome"`
	Stage     string          `json:"stage,omitempty"`
	Error     string          `json:"error,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	Duration  string          `json:"duration"`
	Report    json.RawMessage `json:"report,omitempty"`
}

func toJSON(r *store.Run) (*runJSON, error) {
	out := &runJSON{
		ID:        r.ID.String(),
		Bundle:    r.Bundle,
		Outcome:   r.Outcome,
		Stage:     r.Stage,
		Error:     r.Error,
		StartedAt: r.StartedAt.UTC(),
		Duration:  r.Duration.String(),
	}
	if r.Report != nil {
		b, err := protojson.Marshal(r.Report)
		if err != nil {
			return nil, err
		}
		out.Report = b
	}
	return out, nil
}

func (d *daemon) getRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid run id", http.StatusBadRequest)
		return
	}
	run, err := d.store.GetRun(r.Context(), id)
	if err != nil {
		klog.Errorf("GetRun(%s): %v", id, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.NotFound(w, r)
		return
	}
	body, err := toJSON(run)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, body)
}

// summary reports the number of recorded runs per outcome.
func (d *daemon) summary(w http.ResponseWriter, r *http.Request) {
	counts, err := d.store.CountByOutcome(r.Context())
	if err != nil {
		klog.Errorf("CountByOutcome: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, counts)
}

func (d *daemon) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := d.store.ListRuns(r.Context(), limit)
	if err != nil {
		klog.Errorf("ListRuns: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]*runJSON, 0, len(runs))
	for _, run := range runs {
		// Listings omit the report.
		run.Report = nil
		j, err := toJSON(run)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		out = append(out, j)
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		klog.Errorf("Writing response: %v", err)
	}
}
