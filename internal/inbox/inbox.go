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

// Package inbox finds bundle directories that are ready for verification.
//
// A bundle is a direct subdirectory of the inbox. It is ready once a file
// named READY exists inside it, and is reported exactly once.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Marker is the file whose presence marks a bundle as complete.
const Marker = "READY"

// Watcher reports ready bundles under a root directory.
type Watcher struct {
	root   string
	rescan time.Duration

	mu   sync.Mutex
	seen map[string]bool
}

// New returns a Watcher for root. Every rescan interval the whole inbox is
// walked again, which catches events the kernel dropped. A zero interval
// disables rescanning.
func New(root string, rescan time.Duration) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("inbox %s is not a directory", abs)
	}
	return &Watcher{root: abs, rescan: rescan, seen: map[string]bool{}}, nil
}

// Run sends the path of each ready bundle to out until ctx is done.
func (w *Watcher) Run(ctx context.Context, out chan<- string) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.root); err != nil {
		return fmt.Errorf("watch inbox: %w", err)
	}
	if err := w.scan(ctx, fsw, out); err != nil {
		return err
	}

	var tick <-chan time.Time
	if w.rescan > 0 {
		t := time.NewTicker(w.rescan)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			if err := w.scan(ctx, fsw, out); err != nil {
				return err
			}
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			dir := event.Name
			if filepath.Base(event.Name) == Marker {
				dir = filepath.Dir(event.Name)
			}
			if filepath.Dir(dir) != w.root {
				continue
			}
			if err := w.check(ctx, fsw, dir, out); err != nil {
				return err
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			// Overflows lose events. The next rescan recovers them.
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				return fmt.Errorf("watch inbox: %w", err)
			}
		}
	}
}

func (w *Watcher) scan(ctx context.Context, fsw *fsnotify.Watcher, out chan<- string) error {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return fmt.Errorf("read inbox: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := w.check(ctx, fsw, filepath.Join(w.root, e.Name()), out); err != nil {
			return err
		}
	}
	return nil
}

// check watches dir and reports it if its marker exists.
func (w *Watcher) check(ctx context.Context, fsw *fsnotify.Watcher, dir string, out chan<- string) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil
	}
	w.mu.Lock()
	done := w.seen[dir]
	w.mu.Unlock()
	if done {
		return nil
	}
	// Adding an existing watch is a no-op.
	if err := fsw.Add(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("watch bundle: %w", err)
	}
	if _, err := os.Stat(filepath.Join(dir, Marker)); err != nil {
		return nil
	}
	w.mu.Lock()
	w.seen[dir] = true
	w.mu.Unlock()
	// The marker's own event arrives after this.
	fsw.Remove(dir)
	select {
	case out <- dir:
		return nil
	case <-ctx.Done():
		return nil
	}
}
