// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

// Package chain runs an ordered list of commands through a dispatcher,
// feeding the data of earlier steps into later ones through placeholders.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/kyrax/pkg/core"
	"github.com/jllopis/kyrax/pkg/telemetry"
)

// Issue describes a step that failed, could not be resolved or was skipped.
type Issue struct {
	Step         int             `json:"step"`
	Intent       string          `json:"intent"`
	Code         core.ResultCode `json:"code"`
	Message      string          `json:"message"`
	Placeholders []string        `json:"placeholders,omitempty"`
}

func (i Issue) String() string {
	return fmt.Sprintf("step %d (%s): %s %s", i.Step, i.Intent, i.Code, i.Message)
}

// StepEvent is handed to the audit hook after every step.
type StepEvent struct {
	RunID   string
	Index   int
	Total   int
	Command core.Command
	Result  core.SkillResult
	Issue   *Issue
	Elapsed time.Duration
}

// AuditHook observes every step. It must not block for long.
type AuditHook func(ctx context.Context, ev StepEvent)

// Recorder persists step progress. workflow.Recorder implements it.
type Recorder interface {
	StepStarted(ctx context.Context, index int, cmd core.Command) error
	StepFinished(ctx context.Context, index int, cmd core.Command, res core.SkillResult) error
}

// Option configures an Executor.
type Option func(*Executor)

// ContinueOnError keeps running after a failed step. Steps whose
// placeholders point at missing data still fail.
func ContinueOnError() Option {
	return func(e *Executor) { e.continueOnError = true }
}

// WithAuditHook calls hook after every step.
func WithAuditHook(hook AuditHook) Option {
	return func(e *Executor) { e.hook = hook }
}

// WithRecorder persists progress through r.
func WithRecorder(r Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// WithSeed marks the first len(results) steps as already done with the
// given results. Used to resume a persisted workflow.
func WithSeed(results []core.SkillResult) Option {
	return func(e *Executor) { e.seed = append([]core.SkillResult(nil), results...) }
}

// WithGlobals adds values readable as {{ global.key }}. They take precedence
// over the memory snapshot.
func WithGlobals(globals map[string]any) Option {
	return func(e *Executor) { e.globals = core.CloneMap(globals) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// Executor runs chains. It keeps configuration only, so one value can run
// any number of independent chains.
type Executor struct {
	continueOnError bool
	hook            AuditHook
	recorder        Recorder
	seed            []core.SkillResult
	globals         map[string]any
	tracer          trace.Tracer
	logger          *slog.Logger
}

// New creates an executor.
func New(opts ...Option) *Executor {
	e := &Executor{tracer: telemetry.Tracer(), logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteChain runs commands with a one-off executor built from opts.
func ExecuteChain(ctx context.Context, commands []core.Command, dispatcher core.Executor, memory core.Memory, opts ...Option) ([]core.SkillResult, []Issue) {
	return New(opts...).ExecuteChain(ctx, commands, dispatcher, memory)
}

// ExecuteChain dispatches each command once, strictly in order. Results are
// index-aligned with the commands that were reached; a step that could not
// be resolved gets a PLACEHOLDER_ERROR result without being dispatched. By
// default the chain halts after the first failed step and the remaining
// steps are reported as skipped.
func (e *Executor) ExecuteChain(ctx context.Context, commands []core.Command, dispatcher core.Executor, memory core.Memory) ([]core.SkillResult, []Issue) {
	ctx, runID := core.EnsureRunID(ctx)
	total := len(commands)
	results := make([]core.SkillResult, 0, total)
	data := make([]map[string]any, 0, total)
	var issues []Issue

	for i, res := range e.seed {
		if i >= total {
			break
		}
		results = append(results, res)
		data = append(data, res.Data())
	}

	for i := len(results); i < total; i++ {
		cmd := commands[i]
		if err := ctx.Err(); err != nil {
			issues = append(issues, skipped(commands[i:], i, "chain cancelled: "+err.Error())...)
			break
		}

		res, issue := e.step(ctx, runID, i, total, cmd, dispatcher, memory, data)
		results = append(results, res)
		data = append(data, res.Data())
		if issue != nil {
			issues = append(issues, *issue)
		}

		if !res.Success() && !e.continueOnError {
			issues = append(issues, skipped(commands[i+1:], i+1, fmt.Sprintf("step %d failed", i))...)
			break
		}
	}
	return results, issues
}

func (e *Executor) step(ctx context.Context, runID string, index, total int, cmd core.Command, dispatcher core.Executor, memory core.Memory, data []map[string]any) (core.SkillResult, *Issue) {
	ctx, span := e.tracer.Start(ctx, "Chain.Step", trace.WithAttributes(
		append(telemetry.StepAttributes(index, total), telemetry.CommandAttributes(cmd)...)...,
	))
	defer span.End()
	start := time.Now()

	scope := Scope{Steps: data, Globals: e.globalsFrom(memory)}
	var (
		res   core.SkillResult
		issue *Issue
	)
	entities, err := Render(cmd.Entities(), scope)
	if err != nil {
		var tokens []string
		if pe, ok := err.(*PlaceholderError); ok {
			tokens = pe.Tokens
		}
		res = core.NewResult(false, err.Error(), map[string]any{"placeholders": tokens}, core.CodePlaceholderError)
		issue = &Issue{Step: index, Intent: cmd.Intent(), Code: core.CodePlaceholderError, Message: err.Error(), Placeholders: tokens}
		e.logger.WarnContext(ctx, "chain.step.placeholder",
			slog.String("run_id", runID),
			slog.Int("step", index),
			slog.Any("tokens", tokens),
		)
	} else {
		resolved := cmd.WithEntities(entities)
		e.started(ctx, index, resolved)
		res = dispatcher.Execute(ctx, resolved, map[string]any{"chain_step": index, "chain_total": total, "run_id": runID})
		if memory != nil {
			memory.Update(resolved, res)
		}
		cmd = resolved
		if !res.Success() {
			issue = &Issue{Step: index, Intent: cmd.Intent(), Code: res.Code(), Message: res.Message()}
		}
	}

	e.finished(ctx, index, cmd, res)
	span.SetAttributes(telemetry.ResultAttributes(res)...)
	if !res.Success() {
		span.SetStatus(codes.Error, res.Message())
	}
	if e.hook != nil {
		e.hook(ctx, StepEvent{
			RunID:   runID,
			Index:   index,
			Total:   total,
			Command: cmd,
			Result:  res,
			Issue:   issue,
			Elapsed: time.Since(start),
		})
	}
	e.logger.DebugContext(ctx, "chain.step.done",
		slog.String("run_id", runID),
		slog.Int("step", index),
		slog.String("intent", cmd.Intent()),
		slog.String("code", string(res.Code())),
	)
	return res, issue
}

func (e *Executor) globalsFrom(memory core.Memory) map[string]any {
	out := map[string]any{}
	if memory != nil {
		for k, v := range memory.GetAll() {
			out[k] = v
		}
	}
	for k, v := range e.globals {
		out[k] = v
	}
	return out
}

func (e *Executor) started(ctx context.Context, index int, cmd core.Command) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.StepStarted(ctx, index, cmd); err != nil {
		e.logger.WarnContext(ctx, "chain.recorder.failed", slog.Int("step", index), slog.String("error", err.Error()))
	}
}

func (e *Executor) finished(ctx context.Context, index int, cmd core.Command, res core.SkillResult) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.StepFinished(ctx, index, cmd, res); err != nil {
		e.logger.WarnContext(ctx, "chain.recorder.failed", slog.Int("step", index), slog.String("error", err.Error()))
	}
}

func skipped(rest []core.Command, offset int, why string) []Issue {
	out := make([]Issue, 0, len(rest))
	for i, cmd := range rest {
		out = append(out, Issue{Step: offset + i, Intent: cmd.Intent(), Code: core.CodeSkipped, Message: why})
	}
	return out
}
