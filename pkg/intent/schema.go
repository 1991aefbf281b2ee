// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

package intent

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/jllopis/kyrax/pkg/core"
	"gopkg.in/yaml.v3"
)

// Schema declares the entity contract of one intent.
type Schema struct {
	Intent   string         `yaml:"intent"`
	Domain   string         `yaml:"domain"`
	Required []string       `yaml:"required"`
	Defaults map[string]any `yaml:"defaults,omitempty"`
	// Normalize maps an entity key to a normalizer name (app, contact, trim, lower).
	Normalize map[string]string `yaml:"normalize,omitempty"`
}

// Validate checks the schema is usable.
func (s Schema) Validate() error {
	if s.Intent == "" {
		return fmt.Errorf("schema without intent")
	}
	if s.Domain == "" {
		return fmt.Errorf("schema %q without domain", s.Intent)
	}
	for key, name := range s.Normalize {
		if _, ok := normalizers[name]; !ok {
			return fmt.Errorf("schema %q: unknown normalizer %q for %q", s.Intent, name, key)
		}
	}
	return nil
}

func (s Schema) requires(key string) bool {
	for _, r := range s.Required {
		if r == key {
			return true
		}
	}
	return false
}

// DefaultSchemas returns the built-in intent table.
func DefaultSchemas() []Schema {
	return []Schema{
		{
			Intent:    "send_message",
			Domain:    "messaging",
			Required:  []string{"contact", "text"},
			Defaults:  map[string]any{"app": "whatsapp"},
			Normalize: map[string]string{"app": "app", "contact": "contact", "text": "trim"},
		},
		{Intent: "open_app", Domain: "os", Required: []string{"app"}, Normalize: map[string]string{"app": "app"}},
		{Intent: "turn_on", Domain: "iot", Required: []string{"device"}, Normalize: map[string]string{"device": "lower", "location": "lower"}},
		{Intent: "turn_off", Domain: "iot", Required: []string{"device"}, Normalize: map[string]string{"device": "lower", "location": "lower"}},
		{Intent: "unlock_door", Domain: "iot", Required: []string{"device"}, Defaults: map[string]any{"device": "front door"}, Normalize: map[string]string{"device": "lower"}},
		{
			Intent:    "play_music",
			Domain:    "application",
			Required:  []string{"query"},
			Defaults:  map[string]any{"app": "spotify"},
			Normalize: map[string]string{"query": "trim", "app": "app"},
		},
		{Intent: "search_web", Domain: "web", Required: []string{"query"}, Normalize: map[string]string{"query": "trim"}},
		{Intent: "download_file", Domain: "web", Required: []string{"url"}, Normalize: map[string]string{"url": "trim"}},
		{
			Intent:    "take_note",
			Domain:    "file",
			Required:  []string{"text"},
			Defaults:  map[string]any{"filename": "notes.txt"},
			Normalize: map[string]string{"text": "trim", "filename": "trim"},
		},
		{Intent: "open_file", Domain: "file", Required: []string{"path"}, Normalize: map[string]string{"path": "trim"}},
		{Intent: "delete_file", Domain: "file", Required: []string{"path"}, Normalize: map[string]string{"path": "trim"}},
		{Intent: "set_volume", Domain: "os", Required: []string{"level"}},
		{Intent: "set_do_not_disturb", Domain: "os", Required: []string{"state"}, Normalize: map[string]string{"state": "lower"}},
		{Intent: "shutdown", Domain: "os"},
		{Intent: "restart", Domain: "os"},
		{Intent: "sleep", Domain: "os"},
		{Intent: "factory_reset", Domain: "os"},
		{Intent: "ask_clarify", Domain: "system", Required: []string{"question"}, Normalize: map[string]string{"question": "trim"}},
	}
}

// Schemas is a concurrency-safe registry of intent schemas.
type Schemas struct {
	mu sync.RWMutex
	m  map[string]Schema
}

// NewSchemas creates a registry holding the given schemas. With no arguments
// it is empty.
func NewSchemas(schemas ...Schema) (*Schemas, error) {
	r := &Schemas{m: make(map[string]Schema)}
	for _, s := range schemas {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry returns a registry preloaded with DefaultSchemas.
func DefaultRegistry() *Schemas {
	r, err := NewSchemas(DefaultSchemas()...)
	if err != nil {
		panic(err)
	}
	return r
}

// Register adds or replaces a schema.
func (r *Schemas) Register(s Schema) error {
	if err := s.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[s.Intent] = s
	return nil
}

// Lookup returns the schema for intent.
func (r *Schemas) Lookup(intent string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.m[intent]
	return s, ok
}

// Intents lists the registered intent names in order.
func (r *Schemas) Intents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Valid reports whether cmd carries every entity its schema requires.
// Commands for unknown intents are never valid.
func (r *Schemas) Valid(cmd core.Command) bool {
	s, ok := r.Lookup(cmd.Intent())
	if !ok {
		return false
	}
	for _, key := range s.Required {
		v, ok := cmd.Entity(key)
		if !ok || isEmpty(v) {
			return false
		}
	}
	return true
}

type schemaFile struct {
	Schemas []Schema `yaml:"schemas"`
}

// LoadSchemas reads a YAML file with a top-level `schemas` list.
func LoadSchemas(path string) ([]Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	var f schemaFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse schemas: %w", err)
	}
	for _, s := range f.Schemas {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	return f.Schemas, nil
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}
