// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jllopis/kyrax/pkg/core"
)

// Attribute keys for command, result and plan telemetry.
const (
	AttrRunID      = "kyrax.run_id"
	AttrIntent     = "kyrax.command.intent"
	AttrDomain     = "kyrax.command.domain"
	AttrSource     = "kyrax.command.source"
	AttrConfidence = "kyrax.command.confidence"
	AttrEntityKeys = "kyrax.command.entity_keys"

	AttrSkillName  = "kyrax.skill.name"
	AttrResultCode = "kyrax.result.code"
	AttrSuccess    = "kyrax.result.success"

	AttrGuardStatus = "kyrax.guard.status"
	AttrGuardCheck  = "kyrax.guard.check"

	AttrChainStep  = "kyrax.chain.step"
	AttrChainTotal = "kyrax.chain.total"

	AttrPlanID    = "kyrax.plan.id"
	AttrPlanGoal  = "kyrax.plan.goal"
	AttrPlanSteps = "kyrax.plan.steps"

	AttrProposer = "kyrax.planner.proposer"
)

// CommandAttributes describes a command. Entity values are never recorded,
// only their keys.
func CommandAttributes(cmd core.Command) []attribute.KeyValue {
	keys := make([]string, 0)
	for k := range cmd.Entities() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return []attribute.KeyValue{
		attribute.String(AttrIntent, cmd.Intent()),
		attribute.String(AttrDomain, cmd.Domain()),
		attribute.String(AttrSource, string(cmd.Source())),
		attribute.Float64(AttrConfidence, cmd.Confidence()),
		attribute.String(AttrEntityKeys, strings.Join(keys, ",")),
	}
}

// ResultAttributes describes a dispatch outcome.
func ResultAttributes(res core.SkillResult) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrResultCode, string(res.Code())),
		attribute.Bool(AttrSuccess, res.Success()),
	}
}

// StepAttributes describes one chain step.
func StepAttributes(index, total int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrChainStep, index),
		attribute.Int(AttrChainTotal, total),
	}
}

// PlanAttributes describes a proposed plan.
func PlanAttributes(id, goal string, steps int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrPlanID, id),
		attribute.String(AttrPlanGoal, truncate(goal, 256)),
		attribute.Int(AttrPlanSteps, steps),
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
