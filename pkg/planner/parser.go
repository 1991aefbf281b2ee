package planner

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// PlanFile is the on-disk form of a proposal.
type PlanFile struct {
	Goal     string `json:"goal" yaml:"goal"`
	Proposal `yaml:",inline"`
}

// Validate checks the file is structurally usable. Entity validation is
// left to the reasoner.
func (f *PlanFile) Validate() error {
	if f == nil {
		return fmt.Errorf("plan file is nil")
	}
	if len(f.Steps) == 0 {
		return fmt.Errorf("plan file has no steps")
	}
	for i, s := range f.Steps {
		if s.Intent == "" {
			return fmt.Errorf("plan step %d missing intent", i)
		}
	}
	return nil
}

// ParseJSON loads a plan file from JSON and validates it.
func ParseJSON(data []byte) (*PlanFile, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty JSON payload")
	}
	var file PlanFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse json plan: %w", err)
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

// ParseYAML loads a plan file from YAML and validates it.
func ParseYAML(data []byte) (*PlanFile, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty YAML payload")
	}
	var file PlanFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse yaml plan: %w", err)
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

// MarshalJSON serializes a validated plan. Use pretty for indented output.
func MarshalJSON(plan *Plan, pretty bool) ([]byte, error) {
	if plan == nil {
		return nil, fmt.Errorf("plan is nil")
	}
	if pretty {
		return json.MarshalIndent(plan, "", "  ")
	}
	return json.Marshal(plan)
}

// ToFile converts a validated plan back into its file form so it can be
// saved, edited and loaded again.
func ToFile(plan *Plan) *PlanFile {
	if plan == nil {
		return nil
	}
	file := &PlanFile{Goal: plan.Goal, Proposal: Proposal{Explanation: plan.Explanation, Score: 1}}
	for _, s := range plan.Steps {
		file.Steps = append(file.Steps, ProposedStep{
			Intent:     s.Command.Intent(),
			Domain:     s.Command.Domain(),
			Entities:   s.Command.Entities(),
			Confidence: s.Command.Confidence(),
			Optional:   s.Optional,
			Note:       s.Note,
		})
	}
	return file
}

// MarshalYAML serializes a plan file to YAML.
func MarshalYAML(file *PlanFile) ([]byte, error) {
	if file == nil {
		return nil, fmt.Errorf("plan file is nil")
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return yaml.Marshal(file)
}
