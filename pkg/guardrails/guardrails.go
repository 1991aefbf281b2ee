// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

// Package guardrails inspects user text before it is sent to a chat model.
//
// The guard gate in governance decides whether a command may run. Guardrails
// act earlier: they decide whether an utterance may be handed to the LLM
// analyzer or the LLM planner at all. A blocked utterance is still handled,
// but only by the deterministic fallbacks.
//
//	guard := guardrails.New(
//	    guardrails.WithPromptInjection(),
//	    guardrails.WithMaxLength(2000),
//	)
//	if res := guard.CheckInput(ctx, text); res.Blocked {
//	    // use the rule analyzer instead
//	}
package guardrails

import (
	"context"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/jllopis/kyrax/pkg/errors"
)

// CheckResult is the outcome of an input check.
type CheckResult struct {
	Blocked     bool
	Reason      string
	GuardrailID string
	// Confidence grows with the number of matched patterns.
	Confidence float64
	Matches    []string
}

// InputChecker validates text before it reaches a model.
type InputChecker interface {
	CheckInput(ctx context.Context, input string) CheckResult
	ID() string
}

// Guardrails runs input checkers in order; the first block wins.
type Guardrails struct {
	mu       sync.RWMutex
	checkers []InputChecker
	failOpen bool
}

// Option configures Guardrails.
type Option func(*Guardrails)

// New creates a Guardrails with the given checkers.
func New(opts ...Option) *Guardrails {
	g := &Guardrails{}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// WithInputChecker adds a checker.
func WithInputChecker(c InputChecker) Option {
	return func(g *Guardrails) { g.checkers = append(g.checkers, c) }
}

// WithFailOpen lets text through when the context ends mid-check.
// Checks fail closed by default.
func WithFailOpen(v bool) Option {
	return func(g *Guardrails) { g.failOpen = v }
}

// WithMaxLength blocks utterances longer than n runes.
func WithMaxLength(n int) Option {
	return WithInputChecker(maxLength(n))
}

// CheckInput runs every checker and returns the first blocking result.
// A nil Guardrails allows everything.
func (g *Guardrails) CheckInput(ctx context.Context, input string) CheckResult {
	if g == nil {
		return CheckResult{}
	}
	g.mu.RLock()
	checkers := g.checkers
	g.mu.RUnlock()

	for _, c := range checkers {
		if ctx.Err() != nil {
			if g.failOpen {
				return CheckResult{}
			}
			return CheckResult{Blocked: true, Reason: "guardrail check cancelled", GuardrailID: "system"}
		}
		res := c.CheckInput(ctx, input)
		if res.Blocked {
			res.GuardrailID = c.ID()
			return res
		}
	}
	return CheckResult{}
}

// Check is CheckInput reported as an error: nil when allowed, a
// GUARD_BLOCKED KyraxError otherwise.
func (g *Guardrails) Check(ctx context.Context, input string) error {
	res := g.CheckInput(ctx, input)
	if !res.Blocked {
		return nil
	}
	ke := errors.New(errors.CodeGuardBlocked, res.Reason, nil).
		WithContext("guardrail", res.GuardrailID)
	if len(res.Matches) > 0 {
		ke = ke.WithContext("matches", res.Matches)
	}
	return ke
}

// AddInputChecker adds a checker at runtime.
func (g *Guardrails) AddInputChecker(c InputChecker) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkers = append(g.checkers, c)
}

// RemoveInputChecker removes the checker with the given id.
func (g *Guardrails) RemoveInputChecker(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, c := range g.checkers {
		if c.ID() == id {
			g.checkers = append(g.checkers[:i:i], g.checkers[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of checkers.
func (g *Guardrails) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.checkers)
}

type maxLength int

func (m maxLength) ID() string { return "max-length" }

func (m maxLength) CheckInput(_ context.Context, input string) CheckResult {
	if m <= 0 {
		return CheckResult{}
	}
	if n := utf8.RuneCountInString(input); n > int(m) {
		return CheckResult{
			Blocked:    true,
			Reason:     fmt.Sprintf("input is %d characters, limit is %d", n, int(m)),
			Confidence: 1,
		}
	}
	return CheckResult{}
}
