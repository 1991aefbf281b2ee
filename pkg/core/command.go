// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Source identifies where a command originated.
type Source string

const (
	SourceUserDirect Source = "user_direct"
	SourceNLU        Source = "nlu"
	SourceReasoner   Source = "reasoner"
	SourceChain      Source = "chain"
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourceUserDirect, SourceNLU, SourceReasoner, SourceChain:
		return true
	}
	return false
}

// Command is one unit of work. It is immutable once built: accessors return
// copies and derived commands are new values.
type Command struct {
	intent     string
	domain     string
	entities   map[string]any
	confidence float64
	source     Source
	contextID  string
	meta       map[string]string
}

// CommandSpec carries the fields used to construct a Command.
type CommandSpec struct {
	Intent     string
	Domain     string
	Entities   map[string]any
	Confidence float64
	Source     Source
	ContextID  string
	Meta       map[string]string
}

// NewCommand builds a Command from spec. Confidence is clamped to [0,1] and an
// unknown source falls back to SourceNLU.
func NewCommand(spec CommandSpec) Command {
	conf := spec.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	src := spec.Source
	if !src.Valid() {
		src = SourceNLU
	}
	return Command{
		intent:     spec.Intent,
		domain:     spec.Domain,
		entities:   CloneMap(spec.Entities),
		confidence: conf,
		source:     src,
		contextID:  spec.ContextID,
		meta:       cloneStrings(spec.Meta),
	}
}

func (c Command) Intent() string      { return c.intent }
func (c Command) Domain() string      { return c.domain }
func (c Command) Confidence() float64 { return c.confidence }
func (c Command) Source() Source      { return c.source }
func (c Command) ContextID() string   { return c.contextID }

// Entities returns a copy of the entity map.
func (c Command) Entities() map[string]any {
	return CloneMap(c.entities)
}

// Entity returns a single entity value.
func (c Command) Entity(key string) (any, bool) {
	v, ok := c.entities[key]
	return v, ok
}

// EntityString returns the entity as a string when it holds one.
func (c Command) EntityString(key string) string {
	if s, ok := c.entities[key].(string); ok {
		return s
	}
	return ""
}

// Meta returns a copy of the transport metadata.
func (c Command) Meta() map[string]string {
	return cloneStrings(c.meta)
}

// Spec returns the construction fields of the command.
func (c Command) Spec() CommandSpec {
	return CommandSpec{
		Intent:     c.intent,
		Domain:     c.domain,
		Entities:   c.Entities(),
		Confidence: c.confidence,
		Source:     c.source,
		ContextID:  c.contextID,
		Meta:       c.Meta(),
	}
}

// WithEntities returns a new command with the entity map replaced.
func (c Command) WithEntities(entities map[string]any) Command {
	spec := c.Spec()
	spec.Entities = entities
	return NewCommand(spec)
}

// WithSource returns a new command tagged with a different source.
func (c Command) WithSource(src Source) Command {
	spec := c.Spec()
	spec.Source = src
	return NewCommand(spec)
}

// WithMeta returns a new command with key set in its metadata.
func (c Command) WithMeta(key, value string) Command {
	spec := c.Spec()
	if spec.Meta == nil {
		spec.Meta = map[string]string{}
	}
	spec.Meta[key] = value
	return NewCommand(spec)
}

// IsZero reports whether the command was never built.
func (c Command) IsZero() bool {
	return c.intent == "" && c.domain == "" && c.entities == nil
}

// String renders a compact, deterministic description.
func (c Command) String() string {
	keys := make([]string, 0, len(c.entities))
	for k := range c.entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, c.entities[k]))
	}
	return fmt.Sprintf("Command(intent=%s domain=%s entities=%v confidence=%.2f source=%s)",
		c.intent, c.domain, parts, c.confidence, c.source)
}

type commandJSON struct {
	Intent     string            `json:"intent"`
	Domain     string            `json:"domain"`
	Entities   map[string]any    `json:"entities"`
	Confidence float64           `json:"confidence"`
	Source     Source            `json:"source"`
	ContextID  string            `json:"context_id,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (c Command) MarshalJSON() ([]byte, error) {
	entities := c.entities
	if entities == nil {
		entities = map[string]any{}
	}
	return json.Marshal(commandJSON{
		Intent:     c.intent,
		Domain:     c.domain,
		Entities:   entities,
		Confidence: c.confidence,
		Source:     c.source,
		ContextID:  c.contextID,
		Meta:       c.meta,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Command) UnmarshalJSON(data []byte) error {
	var raw commandJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = NewCommand(CommandSpec(raw))
	return nil
}

// CloneMap deep-copies nested maps and slices of a generic value map.
func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

func cloneStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
