// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

// Package nlu turns user text into a raw intent with entities. It makes no
// validation decisions; the command builder does that.
package nlu

import (
	"context"
	"strings"

	"github.com/jllopis/kyrax/pkg/core"
)

// Result is the raw analysis of one utterance.
type Result struct {
	Intent     string         `json:"intent"`
	Entities   map[string]any `json:"entities"`
	Confidence float64        `json:"confidence"`
	Source     core.Source    `json:"source"`
	Text       string         `json:"text"`
	// Compound marks goals that need a plan rather than a single command.
	Compound bool `json:"compound,omitempty"`
}

// Known reports whether an intent was recognised.
func (r Result) Known() bool { return r.Intent != "" }

// Analyzer extracts a Result from text.
type Analyzer interface {
	Analyze(ctx context.Context, text string) (Result, error)
}

var intentAliases = map[string]string{
	"change_volume": "set_volume",
	"adjust_volume": "set_volume",
	"volume":        "set_volume",
	"launch_app":    "open_app",
	"open":          "open_app",
	"message":       "send_message",
	"send_text":     "send_message",
	"note":          "take_note",
	"search":        "search_web",
	"dnd":           "set_do_not_disturb",
	"reboot":        "restart",
}

var entityAliases = map[string]string{
	"name":        "contact",
	"person":      "contact",
	"recipient":   "contact",
	"message":     "text",
	"body":        "text",
	"application": "app",
	"file":        "path",
	"filepath":    "path",
	"n":           "index",
}

// Canonicalize maps intent and entity synonyms to their canonical names,
// lower-cases keys and drops null entity values.
func Canonicalize(r Result) Result {
	name := strings.ToLower(strings.TrimSpace(r.Intent))
	if canon, ok := intentAliases[name]; ok {
		name = canon
	}
	r.Intent = name

	entities := make(map[string]any, len(r.Entities))
	for k, v := range r.Entities {
		if v == nil {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(k))
		if canon, ok := entityAliases[key]; ok {
			key = canon
		}
		entities[key] = v
	}
	r.Entities = entities
	if r.Confidence < 0 {
		r.Confidence = 0
	}
	if r.Confidence > 1 {
		r.Confidence = 1
	}
	if r.Source == "" {
		r.Source = core.SourceNLU
	}
	return r
}
