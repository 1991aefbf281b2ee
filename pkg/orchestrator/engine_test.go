package orchestrator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/jllopis/kyrax/pkg/audit"
	"github.com/jllopis/kyrax/pkg/core"
	"github.com/jllopis/kyrax/pkg/dispatch"
	"github.com/jllopis/kyrax/pkg/errors"
	"github.com/jllopis/kyrax/pkg/governance"
	"github.com/jllopis/kyrax/pkg/intent"
	"github.com/jllopis/kyrax/pkg/memory"
	"github.com/jllopis/kyrax/pkg/nlu"
	"github.com/jllopis/kyrax/pkg/planner"
	"github.com/jllopis/kyrax/pkg/skills"
	"github.com/jllopis/kyrax/pkg/skills/builtin"
	"github.com/jllopis/kyrax/pkg/workflow"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	engine  *Engine
	memory  *memory.ContextMemory
	outbox  *builtin.Outbox
	builder *intent.Builder
}

func newFixture(t *testing.T, dispatchOpts []dispatch.Option, opts ...Option) fixture {
	t.Helper()
	outbox := &builtin.Outbox{}
	reg, err := skills.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if err := builtin.Register(reg, builtin.WithOutbox(outbox)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	d, err := dispatch.New(reg, dispatchOpts...)
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	builder := intent.NewBuilder()
	reasoner, err := planner.NewReasoner(builder, planner.NewTemplateProposer())
	if err != nil {
		t.Fatalf("NewReasoner: %v", err)
	}
	mem := memory.New()
	opts = append([]Option{WithReasoner(reasoner)}, opts...)
	e, err := New(nlu.NewRuleAnalyzer(), builder, d, mem, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fixture{engine: e, memory: mem, outbox: outbox, builder: builder}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(nil, intent.NewBuilder(), nil, memory.New()); !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
	if _, err := New(nlu.NewRuleAnalyzer(), nil, nil, memory.New()); !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
}

func TestHandleMultiMessage(t *testing.T) {
	f := newFixture(t, nil)
	out, err := f.engine.Handle(context.Background(), "send to Akshat saying hi and to Gautam saying hello")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.Mode != ModePlan || len(out.Commands) != 2 || len(out.Results) != 2 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if !out.Success() {
		t.Fatalf("expected success, issues: %v", out.Issues)
	}
	for _, c := range out.Commands {
		if c.Domain() != "messaging" || c.Intent() != "send_message" {
			t.Fatalf("unexpected command %s", c)
		}
	}
	got, ok := f.memory.GetMostRecent("last_contact")
	if !ok || got != "Gautam" {
		t.Fatalf("expected last_contact Gautam, got %v", got)
	}
	var sent []string
	for _, m := range f.outbox.Messages() {
		sent = append(sent, m.Contact+":"+m.Text)
	}
	if diff := cmp.Diff([]string{"Akshat:hi", "Gautam:hello"}, sent); diff != "" {
		t.Fatalf("outbox mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleSingleCommandUsesMemory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.engine.Handle(ctx, "send a message to Gautam saying hello"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	out, err := f.engine.Handle(ctx, "tell him see you soon")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.Mode != ModeCommand || !out.Success() {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if got := out.Commands[0].EntityString("contact"); got != "Gautam" {
		t.Fatalf("expected pronoun resolved to Gautam, got %q", got)
	}
}

func TestHandleValidationError(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.HandleRaw(context.Background(), intent.Raw{Intent: "send_message", Entities: map[string]any{"text": "hi"}, Confidence: 1})
	if !errors.HasCode(err, errors.CodeMissingEntity) {
		t.Fatalf("expected MISSING_ENTITY, got %v", err)
	}
	_, err = f.engine.HandleRaw(context.Background(), intent.Raw{Intent: "fly", Confidence: 1})
	if !errors.HasCode(err, errors.CodeSchema) {
		t.Fatalf("expected SCHEMA_ERROR, got %v", err)
	}
}

func TestHandleUnknownClarifies(t *testing.T) {
	f := newFixture(t, nil)
	out, err := f.engine.Handle(context.Background(), "dance wildly")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(out.Commands) != 1 || out.Commands[0].Intent() != "ask_clarify" {
		t.Fatalf("expected a clarification step, got %+v", out.Commands)
	}
}

type fixedAnalyzer struct{ res nlu.Result }

func (a fixedAnalyzer) Analyze(_ context.Context, text string) (nlu.Result, error) {
	res := a.res
	res.Text = text
	return res, nil
}

func TestHandleRoutesLowConfidenceToReasoner(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		reasoner   bool
		wantMode   Mode
		wantIntent string
	}{
		{name: "confident", confidence: 0.9, reasoner: true, wantMode: ModeCommand, wantIntent: "open_app"},
		{name: "below floor", confidence: 0.3, reasoner: true, wantMode: ModePlan, wantIntent: "ask_clarify"},
		{name: "below floor without reasoner", confidence: 0.3, wantMode: ModeCommand, wantIntent: "open_app"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := skills.NewRegistry()
			if err != nil {
				t.Fatalf("NewRegistry: %v", err)
			}
			if err := builtin.Register(reg); err != nil {
				t.Fatalf("Register: %v", err)
			}
			d, err := dispatch.New(reg)
			if err != nil {
				t.Fatalf("dispatch.New: %v", err)
			}
			builder := intent.NewBuilder()
			opts := []Option{WithMinConfidence(0.6)}
			if tt.reasoner {
				reasoner, err := planner.NewReasoner(builder, planner.NewTemplateProposer())
				if err != nil {
					t.Fatalf("NewReasoner: %v", err)
				}
				opts = append(opts, WithReasoner(reasoner))
			}
			analyzer := fixedAnalyzer{res: nlu.Result{
				Intent:     "open_app",
				Entities:   map[string]any{"app": "spotify"},
				Confidence: tt.confidence,
				Source:     core.SourceUserDirect,
			}}
			e, err := New(analyzer, builder, d, memory.New(), opts...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			out, err := e.Handle(context.Background(), "dance wildly")
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if out.Mode != tt.wantMode || len(out.Commands) == 0 || out.Commands[0].Intent() != tt.wantIntent {
				t.Fatalf("got mode %s, commands %v", out.Mode, out.Commands)
			}
		})
	}
}

func TestHandleUnknownWithoutReasoner(t *testing.T) {
	reg, _ := skills.NewRegistry()
	d, _ := dispatch.New(reg)
	e, err := New(nlu.NewRuleAnalyzer(), intent.NewBuilder(), d, memory.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := e.Handle(context.Background(), "dance wildly"); !errors.HasCode(err, errors.CodeSchema) {
		t.Fatalf("expected SCHEMA_ERROR, got %v", err)
	}
}

func sensitiveNotes(t *testing.T) []dispatch.Option {
	t.Helper()
	policy, err := governance.ParsePolicy([]byte("sensitive_intents: [take_note]\n"))
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	return []dispatch.Option{
		dispatch.WithGuard(governance.NewGate(governance.WithPolicy(policy))),
		dispatch.WithConfirmations(governance.NewMemoryConfirmationStore(0), nil),
	}
}

func TestConfirmLater(t *testing.T) {
	f := newFixture(t, sensitiveNotes(t))
	ctx := context.Background()
	out, err := f.engine.Handle(ctx, "take a note buy milk")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.Results[0].Code() != core.CodeConfirmationRequired || len(out.Pending) != 1 {
		t.Fatalf("expected a held command, got %+v", out)
	}
	held, _ := f.engine.Pending(ctx)
	if len(held) != 1 {
		t.Fatalf("expected one pending hold, got %d", len(held))
	}

	confirmed, err := f.engine.Confirm(ctx, out.Pending[0])
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if !confirmed.Success() {
		t.Fatalf("confirmed command failed: %+v", confirmed.Results)
	}
	if _, ok := f.memory.GetMostRecent("last_file"); !ok {
		t.Fatalf("expected memory to record the note file")
	}
	if _, err := f.engine.Confirm(ctx, out.Pending[0]); err == nil {
		t.Fatalf("expected a consumed token to fail")
	}
}

type stubConfirmer struct {
	answer bool
	calls  int
}

func (s *stubConfirmer) Confirm(context.Context, governance.Held) bool {
	s.calls++
	return s.answer
}

func notePlan(t *testing.T, f fixture) *planner.Plan {
	t.Helper()
	r, err := planner.NewReasoner(f.builder, planner.NewTemplateProposer())
	if err != nil {
		t.Fatalf("NewReasoner: %v", err)
	}
	plan, err := r.Validate(context.Background(), "note and open", planner.Proposal{Steps: []planner.ProposedStep{
		{Intent: "take_note", Entities: map[string]any{"text": "buy milk"}, Confidence: 0.9},
		{Intent: "open_app", Entities: map[string]any{"app": "spotify"}, Confidence: 0.9},
	}})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return plan
}

func TestInlineConfirmationContinuesChain(t *testing.T) {
	tests := []struct {
		name     string
		store    workflow.Store
		answer   bool
		results  int
		success  bool
		finalWF  workflow.State
	}{
		{name: "approved", answer: true, results: 2, success: true},
		{name: "declined", answer: false, results: 1},
		{name: "approved persisted", store: workflow.NewMemoryStore(), answer: true, results: 2, success: true, finalWF: workflow.StateCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			confirmer := &stubConfirmer{answer: tt.answer}
			opts := []Option{WithConfirmer(confirmer)}
			if tt.store != nil {
				opts = append(opts, WithWorkflowStore(tt.store))
			}
			f := newFixture(t, sensitiveNotes(t), opts...)
			out, err := f.engine.RunPlan(context.Background(), notePlan(t, f))
			if err != nil {
				t.Fatalf("RunPlan: %v", err)
			}
			if confirmer.calls != 1 {
				t.Fatalf("expected one confirmation prompt, got %d", confirmer.calls)
			}
			if len(out.Results) != tt.results || out.Success() != tt.success {
				t.Fatalf("unexpected outcome: %d results, success=%v, issues=%v", len(out.Results), out.Success(), out.Issues)
			}
			if len(out.Pending) != 0 {
				t.Fatalf("expected no pending tokens, got %v", out.Pending)
			}
			if held, _ := f.engine.Pending(context.Background()); len(held) != 0 {
				t.Fatalf("expected holds to be resolved, got %d", len(held))
			}
			if tt.store != nil {
				wf, err := tt.store.Get(context.Background(), out.WorkflowID)
				if err != nil {
					t.Fatalf("Get: %v", err)
				}
				if wf.State != tt.finalWF {
					t.Fatalf("expected workflow %s, got %s", tt.finalWF, wf.State)
				}
			}
		})
	}
}

func TestWorkflowResume(t *testing.T) {
	store := workflow.NewMemoryStore()
	f := newFixture(t, nil, WithWorkflowStore(store))
	ctx := context.Background()
	out, err := f.engine.Handle(ctx, "send to Akshat saying hi and to Gautam saying hello")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.WorkflowID == "" || !out.Success() {
		t.Fatalf("unexpected outcome %+v", out)
	}

	resumed, err := f.engine.Resume(ctx, out.WorkflowID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if len(resumed.Results) != 2 || len(f.outbox.Messages()) != 2 {
		t.Fatalf("resume of a completed workflow must not dispatch again: %d results, %d sent",
			len(resumed.Results), len(f.outbox.Messages()))
	}
}

func TestConfirmLaterCompletesWorkflowStep(t *testing.T) {
	store := workflow.NewMemoryStore()
	log := audit.NewMemoryLog()
	f := newFixture(t, append(sensitiveNotes(t), dispatch.WithAudit(log)), WithWorkflowStore(store))
	ctx := context.Background()

	out, err := f.engine.RunPlan(ctx, notePlan(t, f))
	if err != nil {
		t.Fatalf("RunPlan: %v", err)
	}
	if len(out.Pending) != 1 || out.WorkflowID == "" {
		t.Fatalf("expected one held step in a persisted run, got %+v", out)
	}

	confirmed, err := f.engine.Confirm(ctx, out.Pending[0])
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if confirmed.WorkflowID != out.WorkflowID || !confirmed.Success() || len(confirmed.Results) != 2 {
		t.Fatalf("expected the confirmation to finish the workflow, got %+v", confirmed)
	}

	resumed, err := f.engine.Resume(ctx, out.WorkflowID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if len(resumed.Pending) != 0 || !resumed.Success() {
		t.Fatalf("resume after confirmation must not hold again: %+v", resumed)
	}
	wf, err := store.Get(ctx, out.WorkflowID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if wf.State != workflow.StateCompleted {
		t.Fatalf("expected workflow completed, got %s", wf.State)
	}

	held, err := log.List(ctx, audit.Filter{EventType: audit.EventConfirmationHeld})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(held) != 1 {
		t.Fatalf("expected the note to be held once, got %d", len(held))
	}
	if n := successfulDispatches(t, log, "take_note"); n != 1 {
		t.Fatalf("expected take_note to run once, got %d", n)
	}
}

func successfulDispatches(t *testing.T, log *audit.MemoryLog, intent string) int {
	t.Helper()
	entries, err := log.List(context.Background(), audit.Filter{EventType: audit.EventDispatchResult})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	n := 0
	for _, e := range entries {
		var payload struct {
			Intent  string `json:"intent"`
			Success bool   `json:"success"`
		}
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload.Intent == intent && payload.Success {
			n++
		}
	}
	return n
}

func TestResumeWithoutStore(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.engine.Resume(context.Background(), "wf-x"); !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
}
