// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

// Package planner turns a compound goal into an ordered, validated plan.
// Proposals come from a pluggable Proposer; every step is checked by the
// command builder and nothing is executed here.
package planner

import (
	"context"
	"fmt"

	"github.com/jllopis/kyrax/pkg/core"
	"github.com/jllopis/kyrax/pkg/errors"
)

// ProposedStep is an unvalidated step as a proposer or plan file states it.
type ProposedStep struct {
	Intent     string         `json:"intent" yaml:"intent"`
	Domain     string         `json:"domain,omitempty" yaml:"domain,omitempty"`
	Entities   map[string]any `json:"entities,omitempty" yaml:"entities,omitempty"`
	Confidence float64        `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	Optional   bool           `json:"optional,omitempty" yaml:"optional,omitempty"`
	Note       string         `json:"note,omitempty" yaml:"note,omitempty"`
}

// Proposal is one candidate plan.
type Proposal struct {
	Explanation string         `json:"explanation,omitempty" yaml:"explanation,omitempty"`
	Score       float64        `json:"score,omitempty" yaml:"score,omitempty"`
	Steps       []ProposedStep `json:"steps" yaml:"steps"`
}

// Proposer suggests candidate plans for a goal. snapshot is the flat
// context memory view.
type Proposer interface {
	Propose(ctx context.Context, goal string, snapshot map[string]any) ([]Proposal, error)
}

// ProposerFunc adapts a function to Proposer.
type ProposerFunc func(ctx context.Context, goal string, snapshot map[string]any) ([]Proposal, error)

// Propose implements Proposer.
func (f ProposerFunc) Propose(ctx context.Context, goal string, snapshot map[string]any) ([]Proposal, error) {
	return f(ctx, goal, snapshot)
}

// PlanStep is a validated step. Index is its position in the final plan and
// the number steps.<n> placeholders address.
type PlanStep struct {
	Index    int          `json:"index"`
	Command  core.Command `json:"command"`
	Optional bool         `json:"optional,omitempty"`
	Note     string       `json:"note,omitempty"`
}

// Issue records a proposed step that did not make it into the plan.
type Issue struct {
	Step    int              `json:"step"`
	Intent  string           `json:"intent"`
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("proposed step %d (%s): %s %s", i.Step, i.Intent, i.Code, i.Message)
}

// Plan is a validated, not yet executed, sequence of commands.
type Plan struct {
	ID          string     `json:"id"`
	Goal        string     `json:"goal"`
	Explanation string     `json:"explanation,omitempty"`
	Steps       []PlanStep `json:"steps"`
	Issues      []Issue    `json:"issues,omitempty"`
}

// Commands returns the step commands in order.
func (p *Plan) Commands() []core.Command {
	if p == nil {
		return nil
	}
	out := make([]core.Command, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Command
	}
	return out
}

func clarify(goal string) Proposal {
	return Proposal{
		Explanation: "Clarify goal",
		Score:       0.5,
		Steps: []ProposedStep{{
			Intent:     "ask_clarify",
			Domain:     "system",
			Entities:   map[string]any{"question": fmt.Sprintf("I am not sure how to do: %s. Can you clarify?", goal)},
			Confidence: 0.5,
			Note:       "Clarify goal with user",
		}},
	}
}
