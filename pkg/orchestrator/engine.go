// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator wires text understanding, command building, planning
// and execution into a single entry point. Every command, single or planned,
// runs through the chain executor.
package orchestrator

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/kyrax/pkg/chain"
	"github.com/jllopis/kyrax/pkg/core"
	"github.com/jllopis/kyrax/pkg/errors"
	"github.com/jllopis/kyrax/pkg/governance"
	"github.com/jllopis/kyrax/pkg/intent"
	"github.com/jllopis/kyrax/pkg/memory"
	"github.com/jllopis/kyrax/pkg/nlu"
	"github.com/jllopis/kyrax/pkg/planner"
	"github.com/jllopis/kyrax/pkg/telemetry"
	"github.com/jllopis/kyrax/pkg/workflow"
)

// Dispatcher is the execution surface the engine needs. dispatch.Dispatcher
// implements it.
type Dispatcher interface {
	core.Executor
	Confirm(ctx context.Context, token string, execCtx map[string]any) (core.Command, core.SkillResult, error)
	Decline(ctx context.Context, token string) error
	Pending(ctx context.Context) ([]governance.Held, error)
}

// Confirmer asks the user whether a held command may run.
// governance.ConsoleConfirmer implements it.
type Confirmer interface {
	Confirm(ctx context.Context, h governance.Held) bool
}

// Mode tells how an utterance was handled.
type Mode string

const (
	ModeCommand Mode = "command"
	ModePlan    Mode = "plan"
)

// Outcome is the result of handling one utterance or plan.
type Outcome struct {
	RunID      string             `json:"run_id"`
	Text       string             `json:"text,omitempty"`
	Mode       Mode               `json:"mode"`
	Plan       *planner.Plan      `json:"plan,omitempty"`
	Commands   []core.Command     `json:"commands"`
	Results    []core.SkillResult `json:"results"`
	Issues     []chain.Issue      `json:"issues,omitempty"`
	WorkflowID string             `json:"workflow_id,omitempty"`
	// Pending lists confirmation tokens left unresolved.
	Pending []string `json:"pending,omitempty"`
}

// Success reports whether every command ran and succeeded.
func (o *Outcome) Success() bool {
	if o == nil || len(o.Results) != len(o.Commands) {
		return false
	}
	for _, r := range o.Results {
		if !r.Success() {
			return false
		}
	}
	return true
}

// Engine is the orchestration entry point.
type Engine struct {
	analyzer   nlu.Analyzer
	builder    *intent.Builder
	dispatcher Dispatcher
	memory     *memory.ContextMemory
	reasoner   *planner.Reasoner
	contacts   intent.ContactResolver
	workflows  workflow.Store
	confirmer  Confirmer
	minConf    float64
	chainOpts  []chain.Option
	tracer     trace.Tracer
	logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithReasoner enables multi-step goals.
func WithReasoner(r *planner.Reasoner) Option {
	return func(e *Engine) { e.reasoner = r }
}

// WithContactResolver resolves contacts of single commands.
func WithContactResolver(r intent.ContactResolver) Option {
	return func(e *Engine) { e.contacts = r }
}

// WithWorkflowStore persists every run so it can be resumed.
func WithWorkflowStore(s workflow.Store) Option {
	return func(e *Engine) { e.workflows = s }
}

// WithConfirmer asks for confirmation inline instead of leaving tokens pending.
func WithConfirmer(c Confirmer) Option {
	return func(e *Engine) { e.confirmer = c }
}

// WithChainOptions forwards options to the chain executor.
func WithChainOptions(opts ...chain.Option) Option {
	return func(e *Engine) { e.chainOpts = append(e.chainOpts, opts...) }
}

// WithMinConfidence sends recognised intents below v to the reasoner
// instead of running them as a single command.
func WithMinConfidence(v float64) Option {
	return func(e *Engine) { e.minConf = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New builds an engine. The analyzer, builder, dispatcher and memory are
// required.
func New(analyzer nlu.Analyzer, builder *intent.Builder, dispatcher Dispatcher, mem *memory.ContextMemory, opts ...Option) (*Engine, error) {
	switch {
	case analyzer == nil:
		return nil, errors.New(errors.CodeInvalidInput, "engine needs an analyzer", nil)
	case builder == nil:
		return nil, errors.New(errors.CodeInvalidInput, "engine needs a command builder", nil)
	case dispatcher == nil:
		return nil, errors.New(errors.CodeInvalidInput, "engine needs a dispatcher", nil)
	case mem == nil:
		return nil, errors.New(errors.CodeInvalidInput, "engine needs a context memory", nil)
	}
	e := &Engine{
		analyzer:   analyzer,
		builder:    builder,
		dispatcher: dispatcher,
		memory:     mem,
		tracer:     telemetry.Tracer(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Memory returns the engine's context memory.
func (e *Engine) Memory() *memory.ContextMemory { return e.memory }

// Handle understands text and runs it. Single intents become one command;
// compound, unrecognised or low-confidence text goes to the reasoner. Validation failures
// are returned as errors; execution failures are reported in the Outcome.
func (e *Engine) Handle(ctx context.Context, text string) (*Outcome, error) {
	ctx, runID := core.EnsureRunID(ctx)
	ctx, span := e.tracer.Start(ctx, "Engine.Handle", trace.WithAttributes(attribute.String("kyrax.run_id", runID)))
	defer span.End()

	res, err := e.analyzer.Analyze(ctx, text)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, errors.New(errors.CodeInternal, "analyze text", err)
	}
	e.logger.DebugContext(ctx, "engine.analyzed",
		slog.String("run_id", runID),
		slog.String("intent", res.Intent),
		slog.Bool("compound", res.Compound),
		slog.Float64("confidence", res.Confidence),
	)

	var out *Outcome
	if res.Compound || !res.Known() || e.lowConfidence(res) {
		out, err = e.planAndRun(ctx, text)
	} else {
		out, err = e.HandleRaw(ctx, intent.Raw{
			Intent:     res.Intent,
			Entities:   res.Entities,
			Confidence: res.Confidence,
			Source:     res.Source,
			Text:       text,
		})
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	out.RunID = runID
	out.Text = text
	return out, nil
}

// lowConfidence reports whether a recognised intent is too uncertain to run
// directly. Without a reasoner the dispatcher's floor decides instead.
func (e *Engine) lowConfidence(res nlu.Result) bool {
	return e.reasoner != nil && res.Known() && res.Confidence < e.minConf
}

// HandleRaw builds one command from an already parsed intent and runs it.
func (e *Engine) HandleRaw(ctx context.Context, raw intent.Raw) (*Outcome, error) {
	ctx, runID := core.EnsureRunID(ctx)
	opts := []intent.BuildOption{intent.WithContextDefaults(e.memory)}
	if e.contacts != nil {
		opts = append(opts, intent.WithContactResolver(e.contacts))
	}
	cmd, err := e.builder.Build(ctx, raw, opts...)
	if err != nil {
		return nil, err
	}
	out := e.execute(ctx, raw.Text, []core.Command{cmd})
	out.Mode = ModeCommand
	out.RunID = runID
	out.Text = raw.Text
	return out, nil
}

// Plan asks the reasoner for a validated plan without running it.
func (e *Engine) Plan(ctx context.Context, goal string) (*planner.Plan, error) {
	if e.reasoner == nil {
		return nil, errors.Newf(errors.CodePlan, "no planner configured for %q", goal)
	}
	return e.reasoner.ProposeAndValidatePlan(ctx, goal, e.memory.GetAll())
}

// PlanFromFile validates a plan file with the same rules as proposed plans.
func (e *Engine) PlanFromFile(ctx context.Context, file *planner.PlanFile) (*planner.Plan, error) {
	if e.reasoner == nil {
		return nil, errors.New(errors.CodePlan, "no planner configured", nil)
	}
	return e.reasoner.ValidateFile(ctx, file)
}

// RunPlan executes a validated plan.
func (e *Engine) RunPlan(ctx context.Context, plan *planner.Plan) (*Outcome, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return nil, errors.New(errors.CodeInvalidInput, "empty plan", nil)
	}
	ctx, runID := core.EnsureRunID(ctx)
	ctx, span := e.tracer.Start(ctx, "Engine.RunPlan",
		trace.WithAttributes(telemetry.PlanAttributes(plan.ID, plan.Goal, len(plan.Steps))...))
	defer span.End()

	out := e.execute(ctx, plan.Goal, plan.Commands())
	out.Mode = ModePlan
	out.Plan = plan
	out.RunID = runID
	out.Text = plan.Goal
	if !out.Success() {
		span.SetStatus(codes.Error, "plan did not complete")
	}
	return out, nil
}

func (e *Engine) planAndRun(ctx context.Context, goal string) (*Outcome, error) {
	if e.reasoner == nil {
		return nil, errors.Newf(errors.CodeSchema, "no intent recognised in %q", goal)
	}
	plan, err := e.Plan(ctx, goal)
	if err != nil {
		return nil, err
	}
	return e.RunPlan(ctx, plan)
}
