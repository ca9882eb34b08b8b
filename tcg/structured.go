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

package tcg

import (
	"bytes"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tmb-project/go-attest/register"
	"gopkg.in/yaml.v3"
)

const structuredSchemaURL = "https://github.com/tmb-project/go-attest/tcg/schema/structured_eventlog.schema.json"

//go:embed schema/structured_eventlog.schema.json
var structuredSchema []byte

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(structuredSchemaURL, bytes.NewReader(structuredSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(structuredSchemaURL)
})

// scalar keeps the literal text of a YAML scalar, so hex digests made only of
// digits keep their leading zeros.
type scalar string

func (s *scalar) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar", n.Line)
	}
	*s = scalar(n.Value)
	return nil
}

type structuredDigest struct {
	AlgorithmID scalar `yaml:"AlgorithmId"`
	Digest      scalar `yaml:"Digest"`
}

type structuredEvent struct {
	EventNum    *int               `yaml:"EventNum"`
	PCRIndex    int                `yaml:"PCRIndex"`
	EventType   scalar             `yaml:"EventType"`
	DigestCount *int               `yaml:"DigestCount"`
	Digests     []structuredDigest `yaml:"Digests"`
	Digest      scalar             `yaml:"Digest"`
	Algorithm   string             `yaml:"Algorithm"`
	SpecID      yaml.Node          `yaml:"SpecID"`
	Event       yaml.Node          `yaml:"Event"`
}

type structuredLog struct {
	Version int               `yaml:"version"`
	Events  []structuredEvent `yaml:"events"`
}

// LooksStructured reports whether raw appears to be a YAML or JSON document
// rather than a binary log.
func LooksStructured(raw []byte) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return false
	}
	switch trimmed[0] {
	case '{', '#':
		return true
	case '-':
		return bytes.HasPrefix(trimmed, []byte("---"))
	}
	return bytes.HasPrefix(trimmed, []byte("events:")) || bytes.HasPrefix(trimmed, []byte("version:"))
}

// ParseStructuredLog decodes a YAML or JSON boot log in the layout written by
// tpm2_eventlog. Each event carries a PCRIndex and either a Digests list of
// (AlgorithmId, Digest) pairs or a single Digest with an optional Algorithm
// (default sha1). Digests of algorithms the Bank does not simulate are
// skipped. The Spec ID event is dropped, matching ParseEventLog.
func ParseStructuredLog(doc []byte) (*EventLog, error) {
	if err := validateStructured(doc); err != nil {
		return nil, err
	}
	var sl structuredLog
	if err := yaml.Unmarshal(doc, &sl); err != nil {
		return nil, &MalformedRecordError{Offset: -1, Reason: "decode structured log", Err: err}
	}

	entries := make([]Entry, 0, len(sl.Events))
	for i, se := range sl.Events {
		e, skip, err := se.entry()
		if err != nil {
			num := i
			if se.EventNum != nil {
				num = *se.EventNum
			}
			return nil, &MalformedRecordError{Offset: -1, Reason: fmt.Sprintf("structured event %d", num), Err: err}
		}
		if skip {
			continue
		}
		e.Sequence = len(entries)
		e.Offset = -1
		entries = append(entries, e)
	}
	return NewEventLog(entries)
}

func validateStructured(doc []byte) error {
	schema, err := compileSchema()
	if err != nil {
		return fmt.Errorf("compile structured log schema: %w", err)
	}
	var generic any
	if err := yaml.Unmarshal(doc, &generic); err != nil {
		return &MalformedRecordError{Offset: -1, Reason: "decode structured log", Err: err}
	}
	// Round trip through JSON so the validator sees json.Number and
	// map[string]any values only.
	js, err := json.Marshal(generic)
	if err != nil {
		return &MalformedRecordError{Offset: -1, Reason: "normalize structured log", Err: err}
	}
	dec := json.NewDecoder(bytes.NewReader(js))
	dec.UseNumber()
	var inst any
	if err := dec.Decode(&inst); err != nil {
		return &MalformedRecordError{Offset: -1, Reason: "normalize structured log", Err: err}
	}
	if err := schema.Validate(inst); err != nil {
		return &MalformedRecordError{Offset: -1, Reason: "structured log does not match schema", Err: err}
	}
	return nil
}

func (se structuredEvent) entry() (Entry, bool, error) {
	e := Entry{Index: se.PCRIndex}
	if se.EventType != "" {
		t, err := ParseEventType(string(se.EventType))
		if err != nil {
			return e, false, err
		}
		e.Type = t
	}
	if e.Type == NoAction && !se.SpecID.IsZero() {
		return e, true, nil
	}

	if se.DigestCount != nil || len(se.Digests) > 0 {
		if se.DigestCount != nil && *se.DigestCount != len(se.Digests) {
			return e, false, fmt.Errorf("DigestCount %d but %d digests listed", *se.DigestCount, len(se.Digests))
		}
		for _, d := range se.Digests {
			alg, ok := parseStructuredAlg(string(d.AlgorithmID))
			if !ok {
				continue
			}
			dgst, err := decodeDigest(alg, string(d.Digest))
			if err != nil {
				return e, false, err
			}
			e.Digests = append(e.Digests, Digest{Alg: alg, Data: dgst})
		}
	} else {
		name := se.Algorithm
		if name == "" {
			name = "sha1"
		}
		if alg, ok := parseStructuredAlg(name); ok {
			dgst, err := decodeDigest(alg, string(se.Digest))
			if err != nil {
				return e, false, err
			}
			e.Digests = append(e.Digests, Digest{Alg: alg, Data: dgst})
		}
	}
	e.Data = eventData(&se.Event)
	return e, false, nil
}

// parseStructuredAlg accepts an algorithm name or a numeric TCG algorithm ID.
func parseStructuredAlg(s string) (register.HashAlg, bool) {
	if alg, err := register.ParseHashAlg(s); err == nil {
		return alg, true
	}
	if n, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16); err == nil && register.HashAlg(n).Valid() {
		return register.HashAlg(n), true
	}
	return 0, false
}

func decodeDigest(alg register.HashAlg, s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("decoding %s digest: %w", alg, err)
	}
	if len(b) != alg.Size() {
		return nil, &register.InvalidDigestLengthError{Alg: alg, Got: len(b), Want: alg.Size()}
	}
	return b, nil
}

// eventData recovers diagnostic bytes from the Event field. tpm2_eventlog
// writes either a hex string or a mapping with a String member.
func eventData(n *yaml.Node) []byte {
	switch n.Kind {
	case yaml.ScalarNode:
		if b, err := hex.DecodeString(n.Value); err == nil {
			return b
		}
		return []byte(n.Value)
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			if n.Content[i].Value == "String" {
				return []byte(n.Content[i+1].Value)
			}
		}
	}
	return nil
}
