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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Decode parses data in the format named by ext (".toml", ".json", ".yaml"
// or ".yml") over the default policy. Other extensions are auto-detected.
func Decode(data []byte, ext string) (*Policy, error) {
	p := DefaultPolicy()
	switch ext {
	case ".toml":
		if _, err := toml.Decode(string(data), p); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := strictJSON(data, p); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := strictYAML(data, p); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if err := autoDetect(data, p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func strictJSON(data []byte, p *Policy) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(p)
}

func strictYAML(data []byte, p *Policy) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(p)
}

// autoDetect tries JSON, then TOML, then YAML. Each attempt decodes into a
// fresh copy so a failed attempt leaves no partial values behind.
func autoDetect(data []byte, p *Policy) error {
	try := func(decode func(*Policy) error) bool {
		c := p.Clone()
		if err := decode(c); err != nil {
			return false
		}
		*p = *c
		return true
	}
	if try(func(c *Policy) error { return strictJSON(data, c) }) {
		return nil
	}
	if try(func(c *Policy) error { _, err := toml.Decode(string(data), c); return err }) {
		return nil
	}
	if try(func(c *Policy) error { return strictYAML(data, c) }) {
		return nil
	}
	return fmt.Errorf("unable to parse policy (tried JSON, TOML, YAML)")
}

// Load reads the policy at path, applies environment overrides and
// validates the result. An empty path yields the default policy.
func Load(path string) (*Policy, error) {
	p := DefaultPolicy()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read policy: %w", err)
		}
		if p, err = Decode(data, filepath.Ext(path)); err != nil {
			return nil, err
		}
	}
	if err := p.ApplyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return p, nil
}

// Loader holds the current policy and reloads it when its file changes.
type Loader struct {
	path string

	mu       sync.RWMutex
	policy   *Policy
	onChange []func(*Policy)
	errs     chan error
}

// NewLoader loads the policy at path.
func NewLoader(path string) (*Loader, error) {
	p, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Loader{path: path, policy: p, errs: make(chan error, 1)}, nil
}

// Policy returns a copy of the current policy.
func (l *Loader) Policy() *Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.policy.Clone()
}

// OnChange registers cb to run after every successful reload. It must be
// called before Watch.
func (l *Loader) OnChange(cb func(*Policy)) {
	l.onChange = append(l.onChange, cb)
}

// Errors returns reload failures. The previous policy stays in effect after
// a failed reload.
func (l *Loader) Errors() <-chan error {
	return l.errs
}

// Watch reloads the policy whenever its file is written, until ctx is done.
func (l *Loader) Watch(ctx context.Context) error {
	if l.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	// Watch the directory so editors that replace the file are seen.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		return fmt.Errorf("watch directory: %w", err)
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, l.reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.report(err)
		}
	}
}

func (l *Loader) reload() {
	p, err := Load(l.path)
	if err != nil {
		l.report(fmt.Errorf("reload policy: %w", err))
		return
	}
	l.mu.Lock()
	l.policy = p
	l.mu.Unlock()
	for _, cb := range l.onChange {
		cb(p.Clone())
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errs <- err:
	default:
	}
}
