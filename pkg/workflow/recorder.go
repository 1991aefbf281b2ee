package workflow

import (
	"context"

	"github.com/jllopis/kyrax/pkg/core"
)

// Recorder writes chain progress of one workflow to a Store. It satisfies
// chain.Recorder.
type Recorder struct {
	store Store
	id    string
}

// NewRecorder returns a recorder for workflow id.
func NewRecorder(store Store, id string) *Recorder {
	return &Recorder{store: store, id: id}
}

// StepStarted marks the step in progress.
func (r *Recorder) StepStarted(ctx context.Context, index int, _ core.Command) error {
	return r.store.MarkStep(ctx, r.id, index, StepInProgress, nil)
}

// StepFinished marks the step completed or failed with its result.
func (r *Recorder) StepFinished(ctx context.Context, index int, _ core.Command, res core.SkillResult) error {
	status := StepCompleted
	if !res.Success() {
		status = StepFailed
	}
	return r.store.MarkStep(ctx, r.id, index, status, &res)
}
