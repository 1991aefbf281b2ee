// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch is the execution boundary between a validated command and
// the skill that performs it.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/kyrax/pkg/audit"
	"github.com/jllopis/kyrax/pkg/core"
	"github.com/jllopis/kyrax/pkg/errors"
	"github.com/jllopis/kyrax/pkg/governance"
	"github.com/jllopis/kyrax/pkg/resilience"
	"github.com/jllopis/kyrax/pkg/telemetry"
)

// HandlerFinder locates the skill for a command. skills.Registry implements it.
type HandlerFinder interface {
	FindHandler(cmd core.Command) (core.Skill, bool)
}

// Guard decides whether a command may run. governance.Gate implements it.
type Guard interface {
	Validate(ctx context.Context, cmd core.Command, actor core.Actor) governance.Decision
}

// Dispatcher runs one command through confidence gating, the guard and the
// first skill that accepts it. It holds no per-call state and is safe for
// concurrent use.
type Dispatcher struct {
	handlers      HandlerFinder
	minConfidence float64
	guard         Guard
	confirmations governance.ConfirmationStore
	notifier      governance.Notifier
	timeout       time.Duration
	metrics       *telemetry.DispatchMetrics
	audit         audit.Log
	tracer        trace.Tracer
	logger        *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMinConfidence sets the confidence floor. Commands below it are refused.
func WithMinConfidence(v float64) Option {
	return func(d *Dispatcher) { d.minConfidence = v }
}

// WithGuard consults g before any skill runs.
func WithGuard(g Guard) Option {
	return func(d *Dispatcher) { d.guard = g }
}

// WithConfirmations holds commands that need confirmation in store and
// announces them through n. Either may be nil.
func WithConfirmations(store governance.ConfirmationStore, n governance.Notifier) Option {
	return func(d *Dispatcher) {
		d.confirmations = store
		d.notifier = n
	}
}

// WithTimeout bounds how long Execute waits on a skill.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// WithMetrics records dispatch counters and latency.
func WithMetrics(m *telemetry.DispatchMetrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithAudit appends guard decisions and outcomes to log.
func WithAudit(log audit.Log) Option {
	return func(d *Dispatcher) { d.audit = log }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// New creates a dispatcher over handlers.
func New(handlers HandlerFinder, opts ...Option) (*Dispatcher, error) {
	if handlers == nil {
		return nil, errors.New(errors.CodeInvalidInput, "dispatcher requires a skill registry", nil)
	}
	d := &Dispatcher{
		handlers: handlers,
		tracer:   telemetry.Tracer(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Execute dispatches cmd and always returns a result; skill errors and
// panics never escape.
func (d *Dispatcher) Execute(ctx context.Context, cmd core.Command, execCtx map[string]any) core.SkillResult {
	ctx, runID := core.EnsureRunID(ctx)
	ctx, span := d.tracer.Start(ctx, "Dispatcher.Execute", trace.WithAttributes(telemetry.CommandAttributes(cmd)...))
	defer span.End()

	start := time.Now()
	res := d.execute(ctx, cmd, execCtx)
	elapsed := time.Since(start)

	span.SetAttributes(telemetry.ResultAttributes(res)...)
	if !res.Success() {
		span.SetStatus(codes.Error, res.Message())
	}
	d.metrics.RecordDispatch(ctx, cmd.Intent(), string(res.Code()), elapsed)
	d.record(ctx, audit.EventDispatchResult, runID, map[string]any{
		"intent":  cmd.Intent(),
		"domain":  cmd.Domain(),
		"source":  string(cmd.Source()),
		"actor":   core.ActorFromContext(ctx).ID,
		"code":    string(res.Code()),
		"success": res.Success(),
		"message": res.Message(),
	})

	level := slog.LevelInfo
	if !res.Success() {
		level = slog.LevelWarn
	}
	d.logger.Log(ctx, level, "dispatch.execute.done",
		slog.String("run_id", runID),
		slog.String("intent", cmd.Intent()),
		slog.String("domain", cmd.Domain()),
		slog.String("code", string(res.Code())),
		slog.Duration("elapsed", elapsed),
	)
	return res
}

func (d *Dispatcher) execute(ctx context.Context, cmd core.Command, execCtx map[string]any) core.SkillResult {
	if cmd.Confidence() < d.minConfidence {
		return core.Fail(core.CodeLowConfidence,
			fmt.Sprintf("low confidence (%.2f < %.2f), refusing to execute", cmd.Confidence(), d.minConfidence))
	}

	if d.guard != nil {
		if res, stop := d.applyGuard(ctx, cmd, execCtx); stop {
			return res
		}
	}

	skill, ok := d.handlers.FindHandler(cmd)
	if !ok {
		return core.Fail(core.CodeNoHandler,
			fmt.Sprintf("no skill registered for intent %q in domain %q", cmd.Intent(), cmd.Domain()))
	}

	res, err := resilience.WithTimeoutResult(ctx, d.timeout, func(ctx context.Context) (core.SkillResult, error) {
		return invoke(ctx, skill, cmd, core.CloneMap(execCtx))
	})
	if err != nil {
		if errors.HasCode(err, errors.CodeTimeout) {
			return core.Fail(core.CodeTimeout, fmt.Sprintf("skill %q exceeded timeout %s", skill.Name(), d.timeout))
		}
		d.logger.ErrorContext(ctx, "dispatch.skill.error",
			slog.String("skill", skill.Name()),
			slog.String("intent", cmd.Intent()),
			slog.String("error", err.Error()),
		)
		return core.Fail(core.CodeHandlerError, fmt.Sprintf("skill %q failed: %v", skill.Name(), err))
	}
	if res.Code() == "" {
		return core.Fail(core.CodeHandlerError, fmt.Sprintf("skill %q returned an empty result", skill.Name()))
	}
	return res
}

// applyGuard returns the result to report and true when the command must not run.
func (d *Dispatcher) applyGuard(ctx context.Context, cmd core.Command, execCtx map[string]any) (core.SkillResult, bool) {
	actor := core.ActorFromContext(ctx)
	decision := d.guard.Validate(ctx, cmd, actor)
	if decision.IsAllowed() {
		return core.SkillResult{}, false
	}
	runID, _ := core.RunID(ctx)
	d.record(ctx, audit.EventGuardDecision, runID, map[string]any{
		"intent": cmd.Intent(),
		"actor":  actor.ID,
		"status": string(decision.Status),
		"check":  decision.Check,
		"reason": decision.Reason,
	})

	if decision.IsBlocked() {
		return core.NewResult(false, "blocked by guard: "+decision.Reason,
			map[string]any{"reason": decision.Reason, "check": decision.Check},
			core.CodeGuardBlocked), true
	}

	data := map[string]any{"reason": decision.Reason, "check": decision.Check}
	if d.confirmations == nil {
		return core.NewResult(false, "confirmation required: "+decision.Reason, data, core.CodeConfirmationRequired), true
	}
	held, err := d.confirmations.Hold(ctx, governance.NewHeld(workflowStep(ctx, cmd, execCtx), actor, decision.Reason))
	if err != nil {
		d.logger.ErrorContext(ctx, "dispatch.confirmation.hold.failed",
			slog.String("intent", cmd.Intent()),
			slog.String("error", err.Error()),
		)
		return core.NewResult(false, "confirmation required but could not be held: "+err.Error(), data, core.CodeGuardBlocked), true
	}
	d.record(ctx, audit.EventConfirmationHeld, runID, map[string]any{
		"token":  held.Token,
		"intent": cmd.Intent(),
		"actor":  actor.ID,
		"reason": decision.Reason,
	})
	if d.notifier != nil {
		if err := d.notifier.Notify(ctx, held); err != nil {
			d.logger.WarnContext(ctx, "dispatch.confirmation.notify.failed",
				slog.String("token", held.Token),
				slog.String("error", err.Error()),
			)
		}
	}
	data["token"] = held.Token
	data["expires_at"] = held.ExpiresAt.Format(time.RFC3339)
	return core.NewResult(false, "confirmation required: "+decision.Reason, data, core.CodeConfirmationRequired), true
}

// workflowStep stamps the workflow step being run on cmd so a later
// confirmation can complete that step instead of a new one.
func workflowStep(ctx context.Context, cmd core.Command, execCtx map[string]any) core.Command {
	id, ok := core.WorkflowID(ctx)
	if !ok {
		return cmd
	}
	idx, ok := execCtx["chain_step"].(int)
	if !ok {
		return cmd
	}
	return cmd.WithMeta(governance.MetaWorkflowID, id).
		WithMeta(governance.MetaWorkflowStep, strconv.Itoa(idx))
}

func (d *Dispatcher) record(ctx context.Context, eventType, runID string, payload map[string]any) {
	if d.audit == nil {
		return
	}
	if _, err := d.audit.Append(ctx, eventType, runID, payload); err != nil {
		d.logger.WarnContext(ctx, "dispatch.audit.failed",
			slog.String("event", eventType),
			slog.String("error", err.Error()),
		)
	}
}

// invoke runs the skill, turning a panic into an error.
func invoke(ctx context.Context, skill core.Skill, cmd core.Command, execCtx map[string]any) (res core.SkillResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Newf(errors.CodeHandlerError, "panic: %v", rec).
				WithContext("stack", string(debug.Stack()))
		}
	}()
	return skill.Execute(ctx, cmd, execCtx)
}
