package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jllopis/kyrax/pkg/audit"
	"github.com/jllopis/kyrax/pkg/core"
	kerrors "github.com/jllopis/kyrax/pkg/errors"
	"github.com/jllopis/kyrax/pkg/governance"
	"github.com/jllopis/kyrax/pkg/skills"
)

type countingSkill struct {
	name   string
	domain string
	calls  atomic.Int32
	fn     func(ctx context.Context, cmd core.Command) (core.SkillResult, error)
}

func (s *countingSkill) Name() string { return s.name }

func (s *countingSkill) CanHandle(cmd core.Command) bool {
	return s.domain == "" || cmd.Domain() == s.domain
}

func (s *countingSkill) Execute(ctx context.Context, cmd core.Command, _ map[string]any) (core.SkillResult, error) {
	s.calls.Add(1)
	if s.fn != nil {
		return s.fn(ctx, cmd)
	}
	return core.OK("done", map[string]any{"intent": cmd.Intent()}), nil
}

func newCommand(intent, domain string, confidence float64, entities map[string]any) core.Command {
	return core.NewCommand(core.CommandSpec{
		Intent:     intent,
		Domain:     domain,
		Entities:   entities,
		Confidence: confidence,
		Source:     core.SourceUserDirect,
	})
}

func newDispatcher(t *testing.T, opts []Option, ss ...core.Skill) *Dispatcher {
	t.Helper()
	reg, err := skills.NewRegistry(ss...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	d, err := New(reg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestNewRequiresRegistry(t *testing.T) {
	if _, err := New(nil); !kerrors.HasCode(err, kerrors.CodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
}

func TestLowConfidenceNeverInvokesSkill(t *testing.T) {
	skill := &countingSkill{name: "any"}
	d := newDispatcher(t, []Option{WithMinConfidence(0.6)}, skill)

	for _, conf := range []float64{0, 0.3, 0.59} {
		res := d.Execute(context.Background(), newCommand("open_app", "app", conf, nil), nil)
		if res.Code() != core.CodeLowConfidence || res.Success() {
			t.Fatalf("confidence %.2f: got %s", conf, res.Code())
		}
	}
	if n := skill.calls.Load(); n != 0 {
		t.Fatalf("skill invoked %d times", n)
	}

	if res := d.Execute(context.Background(), newCommand("open_app", "app", 0.6, nil), nil); !res.Success() {
		t.Fatalf("command at the floor should run, got %s", res.Code())
	}
}

func TestFirstRegisteredSkillWins(t *testing.T) {
	first := &countingSkill{name: "first"}
	second := &countingSkill{name: "second"}
	d := newDispatcher(t, nil, first, second)
	for i := 0; i < 10; i++ {
		d.Execute(context.Background(), newCommand("open_app", "app", 1, nil), nil)
	}
	if first.calls.Load() != 10 || second.calls.Load() != 0 {
		t.Fatalf("calls first=%d second=%d", first.calls.Load(), second.calls.Load())
	}
}

func TestNoHandler(t *testing.T) {
	d := newDispatcher(t, nil, &countingSkill{name: "iot", domain: "iot"})
	res := d.Execute(context.Background(), newCommand("send_message", "messaging", 1, nil), nil)
	if res.Code() != core.CodeNoHandler {
		t.Fatalf("got %s", res.Code())
	}
	if !strings.Contains(res.Message(), "send_message") {
		t.Fatalf("message = %q", res.Message())
	}
}

func TestHandlerFailures(t *testing.T) {
	tests := []struct {
		name    string
		fn      func(ctx context.Context, cmd core.Command) (core.SkillResult, error)
		code    core.ResultCode
		message string
	}{
		{
			name: "error",
			fn: func(context.Context, core.Command) (core.SkillResult, error) {
				return core.SkillResult{}, errors.New("browser crashed")
			},
			code:    core.CodeHandlerError,
			message: "browser crashed",
		},
		{
			name: "panic",
			fn: func(context.Context, core.Command) (core.SkillResult, error) {
				panic("nil map write")
			},
			code:    core.CodeHandlerError,
			message: "nil map write",
		},
		{
			name: "empty result",
			fn: func(context.Context, core.Command) (core.SkillResult, error) {
				return core.SkillResult{}, nil
			},
			code:    core.CodeHandlerError,
			message: "empty result",
		},
		{
			name: "expected failure passes through",
			fn: func(context.Context, core.Command) (core.SkillResult, error) {
				return core.Fail(core.CodeNotFound, "contact not on device"), nil
			},
			code:    core.CodeNotFound,
			message: "contact not on device",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDispatcher(t, nil, &countingSkill{name: "s", fn: tt.fn})
			res := d.Execute(context.Background(), newCommand("open_app", "app", 1, nil), nil)
			if res.Code() != tt.code || res.Success() {
				t.Fatalf("code = %s", res.Code())
			}
			if !strings.Contains(res.Message(), tt.message) {
				t.Fatalf("message %q does not mention %q", res.Message(), tt.message)
			}
		})
	}
}

func TestTimeoutDoesNotWaitForSkill(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})
	skill := &countingSkill{name: "slow", fn: func(context.Context, core.Command) (core.SkillResult, error) {
		<-release
		close(finished)
		return core.OK("late", nil), nil
	}}
	d := newDispatcher(t, []Option{WithTimeout(20 * time.Millisecond)}, skill)

	start := time.Now()
	res := d.Execute(context.Background(), newCommand("open_app", "app", 1, nil), nil)
	if res.Code() != core.CodeTimeout {
		t.Fatalf("got %s", res.Code())
	}
	if time.Since(start) > time.Second {
		t.Fatal("dispatcher waited for the skill")
	}
	if skill.calls.Load() != 1 {
		t.Fatalf("timeout must not retry, calls = %d", skill.calls.Load())
	}
	close(release)
	<-finished
}

func TestGuardBlocksBeforeLookup(t *testing.T) {
	skill := &countingSkill{name: "os"}
	d := newDispatcher(t, []Option{WithGuard(governance.NewGate())}, skill)

	ctx := core.WithActor(context.Background(), core.NewActor("u1", "user"))
	res := d.Execute(ctx, newCommand("open_file", "file", 1, map[string]any{"path": "/etc/passwd"}), nil)
	if res.Code() != core.CodeGuardBlocked {
		t.Fatalf("got %s", res.Code())
	}
	if check, _ := res.Field("check"); check != governance.CheckPath {
		t.Fatalf("check = %v", check)
	}
	if skill.calls.Load() != 0 {
		t.Fatal("blocked command reached the skill")
	}
}

func TestLowConfidenceSkipsGuard(t *testing.T) {
	policy := governance.DefaultPolicy()
	policy.RateLimit = governance.RateLimit{Window: time.Minute, Max: 1}
	d := newDispatcher(t, []Option{
		WithMinConfidence(0.5),
		WithGuard(governance.NewGate(governance.WithPolicy(policy))),
	}, &countingSkill{name: "app"})

	for i := 0; i < 3; i++ {
		d.Execute(context.Background(), newCommand("open_app", "app", 0.1, nil), nil)
	}
	if res := d.Execute(context.Background(), newCommand("open_app", "app", 0.9, nil), nil); !res.Success() {
		t.Fatalf("low confidence calls must not use the rate limit, got %s", res.Code())
	}
}

func TestConfirmationRoundTrip(t *testing.T) {
	skill := &countingSkill{name: "files"}
	store := governance.NewMemoryConfirmationStore(time.Minute)
	log := audit.NewMemoryLog()
	d := newDispatcher(t, []Option{
		WithGuard(governance.NewGate()),
		WithConfirmations(store, governance.LogNotifier{}),
		WithAudit(log),
	}, skill)

	ctx := core.WithActor(context.Background(), core.NewActor("u1", "user"))
	cmd := newCommand("delete_file", "file", 1, map[string]any{"path": "/home/me/old.txt"})
	res := d.Execute(ctx, cmd, nil)
	if res.Code() != core.CodeConfirmationRequired {
		t.Fatalf("got %s", res.Code())
	}
	token, _ := res.Field("token")
	tok, ok := token.(string)
	if !ok || tok == "" {
		t.Fatalf("missing token in %v", res.Data())
	}
	if skill.calls.Load() != 0 {
		t.Fatal("held command must not run")
	}

	pending, err := d.Pending(context.Background())
	if err != nil || len(pending) != 1 {
		t.Fatalf("Pending = %d, %v", len(pending), err)
	}

	got, res, err := d.Confirm(context.Background(), tok, nil)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if !res.Success() || got.Intent() != "delete_file" {
		t.Fatalf("confirmed result = %s %s", res.Code(), res.Message())
	}
	if skill.calls.Load() != 1 {
		t.Fatalf("calls = %d", skill.calls.Load())
	}

	if _, _, err := d.Confirm(context.Background(), tok, nil); !kerrors.HasCode(err, kerrors.CodeNotFound) {
		t.Fatalf("token must be single use, got %v", err)
	}

	entries, _ := log.List(context.Background(), audit.Filter{EventType: audit.EventConfirmationHeld})
	if len(entries) != 1 {
		t.Fatalf("held entries = %d", len(entries))
	}
	if n, err := log.Verify(context.Background()); err != nil || n == 0 {
		t.Fatalf("audit chain: %d, %v", n, err)
	}
}

func TestHoldRecordsWorkflowStep(t *testing.T) {
	tests := []struct {
		name     string
		workflow string
		execCtx  map[string]any
		wantID   string
		wantStep int
		linked   bool
	}{
		{name: "workflow step", workflow: "wf-1", execCtx: map[string]any{"chain_step": 2}, wantID: "wf-1", wantStep: 2, linked: true},
		{name: "plain chain", execCtx: map[string]any{"chain_step": 2}},
		{name: "no step", workflow: "wf-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := governance.NewMemoryConfirmationStore(time.Minute)
			d := newDispatcher(t, []Option{WithGuard(governance.NewGate()), WithConfirmations(store, nil)}, &countingSkill{name: "s"})
			ctx := core.WithActor(context.Background(), core.NewActor("root", "admin"))
			if tt.workflow != "" {
				ctx = core.WithWorkflowID(ctx, tt.workflow)
			}
			d.Execute(ctx, newCommand("restart", "system", 1, nil), tt.execCtx)

			pending, err := d.Pending(context.Background())
			if err != nil || len(pending) != 1 {
				t.Fatalf("Pending = %d, %v", len(pending), err)
			}
			id, step, ok := pending[0].WorkflowStep()
			if ok != tt.linked || id != tt.wantID || step != tt.wantStep {
				t.Fatalf("WorkflowStep = %q, %d, %v", id, step, ok)
			}
		})
	}
}

func TestConfirmationWithoutStore(t *testing.T) {
	d := newDispatcher(t, []Option{WithGuard(governance.NewGate())}, &countingSkill{name: "s"})
	ctx := core.WithActor(context.Background(), core.NewActor("root", "admin"))
	res := d.Execute(ctx, newCommand("shutdown", "system", 1, nil), nil)
	if res.Code() != core.CodeConfirmationRequired {
		t.Fatalf("got %s", res.Code())
	}
	if _, ok := res.Field("token"); ok {
		t.Fatal("no token without a store")
	}
	if _, _, err := d.Confirm(context.Background(), "cnf-x", nil); err == nil {
		t.Fatal("Confirm without store should fail")
	}
}

func TestDecline(t *testing.T) {
	store := governance.NewMemoryConfirmationStore(time.Minute)
	skill := &countingSkill{name: "s"}
	d := newDispatcher(t, []Option{WithGuard(governance.NewGate()), WithConfirmations(store, nil)}, skill)
	ctx := core.WithActor(context.Background(), core.NewActor("root", "admin"))
	res := d.Execute(ctx, newCommand("restart", "system", 1, nil), nil)
	token, _ := res.Field("token")

	if err := d.Decline(context.Background(), token.(string)); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if _, _, err := d.Confirm(context.Background(), token.(string), nil); err == nil {
		t.Fatal("declined token must not run")
	}
	if skill.calls.Load() != 0 {
		t.Fatal("declined command ran")
	}
}

func TestConcurrentExecute(t *testing.T) {
	skill := &countingSkill{name: "s"}
	d := newDispatcher(t, nil, skill)
	done := make(chan struct{})
	for i := 0; i < 16; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			d.Execute(context.Background(), newCommand("open_app", "app", 1, nil), nil)
		}()
	}
	for i := 0; i < 16; i++ {
		<-done
	}
	if skill.calls.Load() != 16 {
		t.Fatalf("calls = %d", skill.calls.Load())
	}
}
