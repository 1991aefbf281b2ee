package planner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const yamlPlan = `goal: morning routine
explanation: wake up
steps:
  - intent: turn_on
    entities:
      device: Lights
      location: Kitchen
  - intent: play_music
    entities:
      query: "lofi beats"
    optional: true
`

const jsonPlan = `{"goal":"share","steps":[{"intent":"download_file","entities":{"url":"https://example.com/x.pdf"}},{"intent":"send_message","entities":{"contact":"Akshat","text":"{{ steps.0.file_path }}"}}]}`

func writePlan(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	return path
}

func TestLoadPlanFile(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		goal    string
		steps   int
	}{
		{"yaml", "plan.yaml", yamlPlan, "morning routine", 2},
		{"json", "plan.json", jsonPlan, "share", 2},
		{"sniff json", "plan.txt", jsonPlan, "share", 2},
		{"sniff yaml", "plan", yamlPlan, "morning routine", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file, err := LoadPlanFile(writePlan(t, tt.file, tt.content))
			if err != nil {
				t.Fatalf("LoadPlanFile: %v", err)
			}
			if file.Goal != tt.goal || len(file.Steps) != tt.steps {
				t.Fatalf("unexpected file %+v", file)
			}
		})
	}
}

func TestLoadPlanFileErrors(t *testing.T) {
	if _, err := LoadPlanFile(" "); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := LoadPlanFile(writePlan(t, "bad.yaml", "goal: x\nsteps: []\n")); err == nil {
		t.Fatalf("expected error for plan without steps")
	}
	if _, err := LoadPlanFile(writePlan(t, "bad.json", `{"steps":[{"entities":{}}]}`)); err == nil {
		t.Fatalf("expected error for step without intent")
	}
}

func TestValidateFileRoundTrip(t *testing.T) {
	file, err := ParseYAML([]byte(yamlPlan))
	if err != nil {
		t.Fatalf("ParseYAML: %v", err)
	}
	r := newReasoner(t, NewTemplateProposer())
	plan, err := r.ValidateFile(context.Background(), file)
	if err != nil {
		t.Fatalf("ValidateFile: %v", err)
	}
	if plan.Steps[0].Command.EntityString("device") != "lights" || plan.Steps[0].Command.EntityString("location") != "kitchen" {
		t.Fatalf("entities not normalized: %v", plan.Steps[0].Command.Entities())
	}
	if !plan.Steps[1].Optional {
		t.Fatalf("optional flag lost")
	}

	out, err := MarshalYAML(ToFile(plan))
	if err != nil {
		t.Fatalf("MarshalYAML: %v", err)
	}
	again, err := ParseYAML(out)
	if err != nil {
		t.Fatalf("ParseYAML again: %v", err)
	}
	if again.Goal != "morning routine" || len(again.Steps) != 2 || again.Steps[1].Entities["app"] != "spotify" {
		t.Fatalf("unexpected reparsed file %+v", again)
	}

	data, err := MarshalJSON(plan, true)
	if err != nil || len(data) == 0 {
		t.Fatalf("MarshalJSON: %v", err)
	}
}
