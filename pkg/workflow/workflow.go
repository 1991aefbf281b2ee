// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

// Package workflow persists multi-step command chains so an interrupted or
// failed run can be resumed from its first unfinished step.
package workflow

import (
	"context"
	"time"

	"github.com/jllopis/kyrax/pkg/core"
	"github.com/jllopis/kyrax/pkg/errors"
)

// StepStatus is the lifecycle of a single persisted step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepCancelled  StepStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepInProgress, StepCompleted, StepFailed, StepCancelled:
		return true
	}
	return false
}

// State is the lifecycle of a workflow.
type State string

const (
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StatePaused    State = "paused"
	StateCancelled State = "cancelled"
)

// Step is one persisted command with its outcome.
type Step struct {
	Index     int               `json:"index"`
	Command   core.Command      `json:"command"`
	Status    StepStatus        `json:"status"`
	Attempts  int               `json:"attempts"`
	LastError string            `json:"last_error,omitempty"`
	Result    *core.SkillResult `json:"result,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Runnable reports whether the step still needs to be dispatched.
func (s Step) Runnable() bool {
	return s.Status == StepPending || s.Status == StepFailed || s.Status == StepInProgress
}

// Workflow is a goal with its ordered steps.
type Workflow struct {
	ID        string    `json:"id"`
	Goal      string    `json:"goal"`
	State     State     `json:"state"`
	Steps     []Step    `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Commands returns the commands of all steps in order.
func (w Workflow) Commands() []core.Command {
	out := make([]core.Command, len(w.Steps))
	for i, s := range w.Steps {
		out[i] = s.Command
	}
	return out
}

// CompletedPrefix returns the results of the leading run of completed steps.
func (w Workflow) CompletedPrefix() []core.SkillResult {
	out := make([]core.SkillResult, 0, len(w.Steps))
	for _, s := range w.Steps {
		if s.Status != StepCompleted || s.Result == nil {
			break
		}
		out = append(out, *s.Result)
	}
	return out
}

// NextPending returns the first step that still needs to run. Steps left
// in progress by an interrupted run count as pending.
func (w Workflow) NextPending() (Step, bool) {
	for _, s := range w.Steps {
		if s.Runnable() {
			return s, true
		}
	}
	return Step{}, false
}

// Filter selects workflows in List. An empty State matches all.
type Filter struct {
	State State
	Limit int
}

// Store persists workflows.
type Store interface {
	// Create persists a new active workflow with one pending step per command.
	Create(ctx context.Context, goal string, commands []core.Command) (string, error)
	// MarkStep records a status change. Completed and failed marks count as
	// an attempt; a failed mark stores the result message as the last error.
	MarkStep(ctx context.Context, id string, index int, status StepStatus, res *core.SkillResult) error
	// GetNextPending returns the first runnable step.
	GetNextPending(ctx context.Context, id string) (Step, bool, error)
	Get(ctx context.Context, id string) (Workflow, error)
	List(ctx context.Context, filter Filter) ([]Workflow, error)
	SetState(ctx context.Context, id string, state State) error
	// RetryStep resets a failed or cancelled step to pending.
	RetryStep(ctx context.Context, id string, index int) error
}

func workflowNotFound(id string) error {
	return errors.New(errors.CodeNotFound, "workflow not found", nil).WithContext("workflow_id", id)
}

func stepNotFound(id string, index int) error {
	return errors.New(errors.CodeNotFound, "workflow step not found", nil).
		WithContext("workflow_id", id).
		WithContext("step", index)
}

func invalidStatus(status StepStatus) error {
	return errors.New(errors.CodeInvalidInput, "unknown step status", nil).WithContext("status", string(status))
}

// applyMark updates s in place the same way for every store.
func applyMark(s *Step, status StepStatus, res *core.SkillResult, now time.Time) {
	s.Status = status
	s.UpdatedAt = now
	if res != nil {
		r := *res
		s.Result = &r
	}
	switch status {
	case StepCompleted:
		s.Attempts++
		s.LastError = ""
	case StepFailed:
		s.Attempts++
		if res != nil {
			s.LastError = res.Message()
		}
	}
}
