// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

package planner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadPlanFile loads a plan file from YAML or JSON. The extension picks the
// format; anything else is sniffed.
func LoadPlanFile(path string) (*PlanFile, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("plan path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		return ParseJSON(data)
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return parsePlanAuto(data)
	}
}

func parsePlanAuto(data []byte) (*PlanFile, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		if file, err := ParseJSON(data); err == nil {
			return file, nil
		}
	}
	if file, err := ParseYAML(data); err == nil {
		return file, nil
	}
	if file, err := ParseJSON(data); err == nil {
		return file, nil
	}
	return nil, fmt.Errorf("unsupported plan format")
}

// ValidateFile validates a loaded plan file like a proposal.
func (r *Reasoner) ValidateFile(ctx context.Context, file *PlanFile) (*Plan, error) {
	if err := file.Validate(); err != nil {
		return nil, err
	}
	plan, err := r.Validate(ctx, file.Goal, file.Proposal)
	if err != nil {
		return nil, err
	}
	plan.ID = "plan-" + uuid.NewString()
	return plan, nil
}
