package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jllopis/kyrax/pkg/core"
	"github.com/jllopis/kyrax/pkg/errors"
)

// MemoryStore keeps workflows in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	now       func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{workflows: make(map[string]*Workflow), now: time.Now}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, goal string, commands []core.Command) (string, error) {
	if len(commands) == 0 {
		return "", errors.New(errors.CodeInvalidInput, "workflow needs at least one command", nil)
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	wf := &Workflow{
		ID:        "wf-" + uuid.NewString(),
		Goal:      goal,
		State:     StateActive,
		Steps:     make([]Step, len(commands)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, cmd := range commands {
		wf.Steps[i] = Step{Index: i, Command: cmd, Status: StepPending, UpdatedAt: now}
	}

	s.mu.Lock()
	s.workflows[wf.ID] = wf
	s.mu.Unlock()
	return wf.ID, nil
}

// MarkStep implements Store.
func (s *MemoryStore) MarkStep(_ context.Context, id string, index int, status StepStatus, res *core.SkillResult) error {
	if !status.Valid() {
		return invalidStatus(status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return workflowNotFound(id)
	}
	if index < 0 || index >= len(wf.Steps) {
		return stepNotFound(id, index)
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	applyMark(&wf.Steps[index], status, res, now)
	wf.UpdatedAt = now
	return nil
}

// GetNextPending implements Store.
func (s *MemoryStore) GetNextPending(ctx context.Context, id string) (Step, bool, error) {
	wf, err := s.Get(ctx, id)
	if err != nil {
		return Step{}, false, err
	}
	step, ok := wf.NextPending()
	return step, ok, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return Workflow{}, workflowNotFound(id)
	}
	return cloneWorkflow(wf), nil
}

// List implements Store. Workflows are returned oldest first.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Workflow, error) {
	s.mu.RLock()
	out := make([]Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		if filter.State != "" && wf.State != filter.State {
			continue
		}
		out = append(out, cloneWorkflow(wf))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SetState implements Store.
func (s *MemoryStore) SetState(_ context.Context, id string, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return workflowNotFound(id)
	}
	wf.State = state
	wf.UpdatedAt = s.now().UTC().Truncate(time.Millisecond)
	return nil
}

// RetryStep implements Store.
func (s *MemoryStore) RetryStep(_ context.Context, id string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return workflowNotFound(id)
	}
	if index < 0 || index >= len(wf.Steps) {
		return stepNotFound(id, index)
	}
	step := &wf.Steps[index]
	if step.Status != StepFailed && step.Status != StepCancelled {
		return errors.New(errors.CodeInvalidInput, "only failed or cancelled steps can be retried", nil).
			WithContext("status", string(step.Status))
	}
	step.Status = StepPending
	step.LastError = ""
	step.UpdatedAt = s.now().UTC().Truncate(time.Millisecond)
	return nil
}

func cloneWorkflow(wf *Workflow) Workflow {
	out := *wf
	out.Steps = make([]Step, len(wf.Steps))
	for i, st := range wf.Steps {
		if st.Result != nil {
			r := *st.Result
			st.Result = &r
		}
		out.Steps[i] = st
	}
	return out
}
