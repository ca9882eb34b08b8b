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

// attestd verifies attestation bundles dropped into an inbox directory.
//
// Each subdirectory of the inbox that contains a READY file is verified once.
// Runs are stored in SQLite and served over HTTP at /runs/{id}. Prometheus
// metrics are served at /metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/tmb-project/go-attest/internal/config"
	"github.com/tmb-project/go-attest/internal/inbox"
	"github.com/tmb-project/go-attest/internal/metrics"
	"github.com/tmb-project/go-attest/internal/store"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var (
	inboxDir   = flag.String("inbox", "", "Directory to watch for bundles")
	dbPath     = flag.String("db", "attestd.db", "Path to the SQLite run database")
	listenAddr = flag.String("listen", ":8080", "HTTP listen address")
	workers    = flag.Int("workers", 4, "Number of bundles verified in parallel")
	policyPath = flag.String("policy", "", "Path to the policy file; defaults apply when empty")
	rescan     = flag.Duration("rescan", 30*time.Second, "Interval between full inbox scans")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *inboxDir == "" {
		klog.Exitf("--inbox is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader, err := config.NewLoader(*policyPath)
	if err != nil {
		klog.Exitf("Loading policy: %v", err)
	}
	st, err := store.Open(*dbPath)
	if err != nil {
		klog.Exitf("Opening store: %v", err)
	}
	defer st.Close()
	w, err := inbox.New(*inboxDir, *rescan)
	if err != nil {
		klog.Exitf("Opening inbox: %v", err)
	}
	d, err := newDaemon(loader.Policy(), st, metrics.New(), *workers)
	if err != nil {
		klog.Exitf("Creating verifier: %v", err)
	}
	loader.OnChange(func(p *config.Policy) {
		if err := d.setPolicy(p); err != nil {
			klog.Warningf("Rejected reloaded policy: %v", err)
		}
	})

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           d.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loader.Watch(ctx) })
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case err := <-loader.Errors():
				d.metrics.PolicyReload(err)
				klog.Warningf("Policy reload failed, keeping previous policy: %v", err)
			}
		}
	})
	g.Go(func() error { return d.serve(ctx, w) })
	g.Go(func() error {
		klog.Infof("Listening on %s", *listenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	})

	if err := g.Wait(); err != nil {
		klog.Exitf("attestd: %v", err)
	}
	klog.Info("Shut down")
	klog.Flush()
}
