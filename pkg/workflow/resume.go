// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"context"
	"log/slog"

	"github.com/jllopis/kyrax/pkg/chain"
	"github.com/jllopis/kyrax/pkg/core"
	"github.com/jllopis/kyrax/pkg/errors"
	"github.com/jllopis/kyrax/pkg/resilience"
)

// Report is the outcome of running or resuming a workflow.
type Report struct {
	ID      string
	State   State
	Results []core.SkillResult
	Issues  []chain.Issue
	// Resumed is the number of steps that were already completed before
	// this run and were not dispatched again.
	Resumed int
}

// Option configures Run and Resume.
type Option func(*runner)

// WithRetry bounds the store reads of a resume.
func WithRetry(rc resilience.RetryConfig) Option {
	return func(r *runner) { r.retry = rc }
}

// WithChainOptions forwards options to the chain executor.
func WithChainOptions(opts ...chain.Option) Option {
	return func(r *runner) { r.chainOpts = append(r.chainOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *runner) {
		if l != nil {
			r.logger = l
		}
	}
}

type runner struct {
	retry     resilience.RetryConfig
	chainOpts []chain.Option
	logger    *slog.Logger
}

func newRunner(opts []Option) *runner {
	r := &runner{
		retry:  resilience.DefaultRetryConfig().WithIsRecoverable(storeErrorRecoverable),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run persists commands as a new workflow and executes it.
func Run(ctx context.Context, store Store, goal string, commands []core.Command, dispatcher core.Executor, memory core.Memory, opts ...Option) (Report, error) {
	id, err := store.Create(ctx, goal, commands)
	if err != nil {
		return Report{}, err
	}
	return Resume(ctx, store, id, dispatcher, memory, opts...)
}

// Resume continues workflow id from its first unfinished step. Results of
// the leading completed steps are reloaded so later placeholders can read
// them. A finished workflow is reported without dispatching anything.
func Resume(ctx context.Context, store Store, id string, dispatcher core.Executor, memory core.Memory, opts ...Option) (Report, error) {
	r := newRunner(opts)

	wf, err := resilience.Retry(ctx, r.retry, func(ctx context.Context) (Workflow, error) {
		return store.Get(ctx, id)
	})
	if err != nil {
		return Report{}, err
	}

	seed := wf.CompletedPrefix()
	if wf.State == StateCompleted || wf.State == StateCancelled {
		return Report{ID: id, State: wf.State, Results: seed, Resumed: len(seed)}, nil
	}
	if len(seed) == len(wf.Steps) {
		if err := store.SetState(ctx, id, StateCompleted); err != nil {
			return Report{}, err
		}
		return Report{ID: id, State: StateCompleted, Results: seed, Resumed: len(seed)}, nil
	}

	if err := store.SetState(ctx, id, StateActive); err != nil {
		return Report{}, err
	}
	r.logger.InfoContext(ctx, "workflow.resume",
		slog.String("workflow_id", id),
		slog.Int("completed", len(seed)),
		slog.Int("steps", len(wf.Steps)),
	)

	chainOpts := append([]chain.Option{chain.WithLogger(r.logger)}, r.chainOpts...)
	chainOpts = append(chainOpts, chain.WithSeed(seed), chain.WithRecorder(NewRecorder(store, id)))
	results, issues := chain.New(chainOpts...).ExecuteChain(core.WithWorkflowID(ctx, id), wf.Commands(), dispatcher, memory)

	state := finalState(ctx, len(wf.Steps), results)
	// The run context may already be cancelled; the final state is still recorded.
	if err := store.SetState(context.WithoutCancel(ctx), id, state); err != nil {
		return Report{}, err
	}
	r.logger.InfoContext(ctx, "workflow.done",
		slog.String("workflow_id", id),
		slog.String("state", string(state)),
		slog.Int("issues", len(issues)),
	)
	return Report{ID: id, State: state, Results: results, Issues: issues, Resumed: len(seed)}, nil
}

// Cancel stops a workflow from being resumed. Unfinished steps are marked
// cancelled.
func Cancel(ctx context.Context, store Store, id string) error {
	wf, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	for _, st := range wf.Steps {
		if st.Runnable() {
			if err := store.MarkStep(ctx, id, st.Index, StepCancelled, nil); err != nil {
				return err
			}
		}
	}
	return store.SetState(ctx, id, StateCancelled)
}

func finalState(ctx context.Context, total int, results []core.SkillResult) State {
	if ctx.Err() != nil && len(results) < total {
		return StatePaused
	}
	if len(results) < total {
		return StateFailed
	}
	for _, res := range results {
		if !res.Success() {
			return StateFailed
		}
	}
	return StateCompleted
}

func storeErrorRecoverable(err error) bool {
	switch errors.CodeOf(err) {
	case errors.CodeNotFound, errors.CodeInvalidInput:
		return false
	}
	return true
}
