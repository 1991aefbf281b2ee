// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jllopis/kyrax/pkg/core"
	"github.com/jllopis/kyrax/pkg/telemetry"
)

// PolicySource yields the policy in force.
type PolicySource interface {
	Current() *Policy
}

type staticPolicy struct{ p *Policy }

func (s staticPolicy) Current() *Policy { return s.p }

// Gate evaluates commands against a policy before execution.
type Gate struct {
	policy  PolicySource
	limiter RateLimiter
	metrics *telemetry.DispatchMetrics
	logger  *slog.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithPolicy uses a fixed policy.
func WithPolicy(p *Policy) GateOption {
	return func(g *Gate) {
		if p != nil {
			g.policy = staticPolicy{p}
		}
	}
}

// WithPolicySource uses a reloadable policy.
func WithPolicySource(src PolicySource) GateOption {
	return func(g *Gate) {
		if src != nil {
			g.policy = src
		}
	}
}

// WithRateLimiter replaces the in-memory limiter.
func WithRateLimiter(l RateLimiter) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.limiter = l
		}
	}
}

// WithGateMetrics records every decision.
func WithGateMetrics(m *telemetry.DispatchMetrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// WithGateLogger sets the logger.
func WithGateLogger(l *slog.Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGate creates a gate with the default policy and an in-memory limiter.
func NewGate(opts ...GateOption) *Gate {
	g := &Gate{
		policy:  staticPolicy{DefaultPolicy()},
		limiter: NewMemoryRateLimiter(nil),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Policy returns the policy currently in force.
func (g *Gate) Policy() *Policy {
	return g.policy.Current()
}

// Validate runs the checks in order: rate limit, ACL, sensitive intents and
// path allow-list. The first non-allow outcome wins. A context marked as
// confirmed skips only the sensitive-intent check.
func (g *Gate) Validate(ctx context.Context, cmd core.Command, actor core.Actor) Decision {
	d := g.evaluate(ctx, cmd, actor)
	g.metrics.RecordGuard(ctx, string(d.Status), d.Check)
	if !d.IsAllowed() {
		g.logger.InfoContext(ctx, "guard.decision",
			slog.String("intent", cmd.Intent()),
			slog.String("actor", actor.ID),
			slog.String("status", string(d.Status)),
			slog.String("check", d.Check),
			slog.String("reason", d.Reason),
		)
	}
	return d
}

func (g *Gate) evaluate(ctx context.Context, cmd core.Command, actor core.Actor) Decision {
	p := g.policy.Current()
	if p == nil {
		p = DefaultPolicy()
	}

	ok, count, err := g.limiter.Allow(ctx, actor.ID, p.RateLimit)
	if err != nil {
		return Decision{Status: StatusBlock, Reason: "rate_limiter_unavailable: " + err.Error(), Check: CheckRateLimit}
	}
	if !ok {
		return Decision{
			Status: StatusBlock,
			Reason: fmt.Sprintf("rate_limit_exceeded: %d/%d in %s", count, p.RateLimit.Max, p.RateLimit.Window),
			Check:  CheckRateLimit,
		}
	}

	if d := p.ACL().Evaluate(cmd, actor); !d.IsAllowed() {
		return d
	}

	if !core.Confirmed(ctx) {
		if sensitive, why := p.IsSensitive(cmd.Intent()); sensitive {
			return Decision{Status: StatusRequireConfirmation, Reason: why, Check: CheckSensitive}
		}
		if p.IsExternal(cmd) {
			return Decision{Status: StatusRequireConfirmation, Reason: "sensitive_external", Check: CheckSensitive}
		}
	}

	for _, key := range p.TargetEntities {
		target := cmd.EntityString(key)
		if target == "" {
			continue
		}
		if !p.PathAllowed(target) {
			return Decision{Status: StatusBlock, Reason: fmt.Sprintf("path_outside_safe_prefix: %s", target), Check: CheckPath}
		}
	}
	return Allow
}
