// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

package planner

import (
	"context"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/kyrax/pkg/chain"
	"github.com/jllopis/kyrax/pkg/core"
	"github.com/jllopis/kyrax/pkg/errors"
	"github.com/jllopis/kyrax/pkg/intent"
	"github.com/jllopis/kyrax/pkg/telemetry"
)

const defaultStepConfidence = 0.6

// Option configures a Reasoner.
type Option func(*Reasoner)

// WithContactResolver lets step validation resolve literal contact names.
func WithContactResolver(r intent.ContactResolver) Option {
	return func(rs *Reasoner) { rs.resolver = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(rs *Reasoner) {
		if l != nil {
			rs.logger = l
		}
	}
}

// Reasoner proposes plans and validates every step through the builder.
// It never dispatches.
type Reasoner struct {
	builder  *intent.Builder
	proposer Proposer
	resolver intent.ContactResolver
	tracer   trace.Tracer
	logger   *slog.Logger
}

// NewReasoner creates a Reasoner. Both collaborators are required.
func NewReasoner(builder *intent.Builder, proposer Proposer, opts ...Option) (*Reasoner, error) {
	if builder == nil {
		return nil, errors.New(errors.CodeInvalidInput, "planner needs a command builder", nil)
	}
	if proposer == nil {
		return nil, errors.New(errors.CodeInvalidInput, "planner needs a proposer", nil)
	}
	r := &Reasoner{builder: builder, proposer: proposer, tracer: telemetry.Tracer(), logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ProposeAndValidatePlan asks the proposer for candidates and returns the
// best scoring one that validates. Placeholders in entity values are kept
// literally for the chain executor. It fails with PLAN_ERROR when no
// candidate validates.
func (r *Reasoner) ProposeAndValidatePlan(ctx context.Context, goal string, snapshot map[string]any) (*Plan, error) {
	planID := "plan-" + uuid.NewString()
	ctx, span := r.tracer.Start(ctx, "Planner.Propose", trace.WithAttributes(telemetry.PlanAttributes(planID, goal, 0)...))
	defer span.End()

	proposals, err := r.proposer.Propose(ctx, goal, core.CloneMap(snapshot))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, errors.New(errors.CodePlan, "no plan proposed", err).WithContext("goal", goal)
	}
	if len(proposals) == 0 {
		span.SetStatus(codes.Error, "empty proposal set")
		return nil, errors.New(errors.CodePlan, "no plan proposed", nil).WithContext("goal", goal)
	}

	sort.SliceStable(proposals, func(i, j int) bool { return proposals[i].Score > proposals[j].Score })

	var firstErr error
	for _, p := range proposals {
		plan, err := r.Validate(ctx, goal, p)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			r.logger.DebugContext(ctx, "planner.proposal.rejected",
				slog.String("plan_id", planID),
				slog.String("error", err.Error()),
			)
			continue
		}
		plan.ID = planID
		span.SetAttributes(telemetry.PlanAttributes(planID, goal, len(plan.Steps))...)
		r.logger.InfoContext(ctx, "planner.plan.accepted",
			slog.String("plan_id", planID),
			slog.Int("steps", len(plan.Steps)),
			slog.Int("issues", len(plan.Issues)),
		)
		return plan, nil
	}
	span.RecordError(firstErr)
	span.SetStatus(codes.Error, firstErr.Error())
	return nil, firstErr
}

// Validate runs every proposed step through the builder with source
// reasoner. A failing optional step is dropped and recorded as an issue;
// any other failure aborts with PLAN_ERROR. steps.<n> references are
// renumbered to account for dropped steps.
func (r *Reasoner) Validate(ctx context.Context, goal string, p Proposal) (*Plan, error) {
	if len(p.Steps) == 0 {
		return nil, errors.New(errors.CodePlan, "proposal has no steps", nil).WithContext("goal", goal)
	}

	var buildOpts []intent.BuildOption
	if r.resolver != nil {
		buildOpts = append(buildOpts, intent.WithContactResolver(r.resolver))
	}

	plan := &Plan{Goal: goal, Explanation: p.Explanation}
	newIndex := make(map[int]int, len(p.Steps))
	remap := func(old int) (int, bool) {
		idx, ok := newIndex[old]
		return idx, ok
	}

	for i, step := range p.Steps {
		entities, dangling := chain.Renumber(step.Entities, remap)
		var (
			cmd core.Command
			err error
		)
		if len(dangling) > 0 {
			err = errors.New(errors.CodePlaceholder, "step refers to a dropped step", nil).
				WithContext("placeholders", dangling)
		} else {
			confidence := step.Confidence
			if confidence <= 0 {
				confidence = defaultStepConfidence
			}
			cmd, err = r.builder.Build(ctx, intent.Raw{
				Intent:     step.Intent,
				Entities:   entities,
				Confidence: confidence,
				Source:     core.SourceReasoner,
			}, buildOpts...)
		}

		if err != nil {
			ke := errors.AsKyraxError(err)
			if !step.Optional {
				return nil, errors.New(errors.CodePlan, "required plan step is invalid", err).
					WithContext("step", i).
					WithContext("intent", step.Intent)
			}
			plan.Issues = append(plan.Issues, Issue{Step: i, Intent: step.Intent, Code: ke.Code, Message: ke.Message})
			continue
		}

		newIndex[i] = len(plan.Steps)
		plan.Steps = append(plan.Steps, PlanStep{
			Index:    len(plan.Steps),
			Command:  cmd,
			Optional: step.Optional,
			Note:     step.Note,
		})
	}

	if len(plan.Steps) == 0 {
		return nil, errors.New(errors.CodePlan, "no valid steps left in plan", nil).
			WithContext("goal", goal).
			WithContext("issues", len(plan.Issues))
	}
	return plan, nil
}
