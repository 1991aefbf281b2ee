package chain

import (
	"context"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/jllopis/kyrax/pkg/audit"
	"github.com/jllopis/kyrax/pkg/core"
	"github.com/jllopis/kyrax/pkg/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedDispatcher answers by intent and records every command it sees.
type scriptedDispatcher struct {
	mu      sync.Mutex
	seen    []core.Command
	answers map[string]core.SkillResult
}

func (d *scriptedDispatcher) Execute(_ context.Context, cmd core.Command, _ map[string]any) core.SkillResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = append(d.seen, cmd)
	if res, ok := d.answers[cmd.Intent()]; ok {
		return res
	}
	return core.OK("ok", map[string]any{"echo": cmd.Entities()})
}

func command(intent, domain string, entities map[string]any) core.Command {
	return core.NewCommand(core.CommandSpec{
		Intent:     intent,
		Domain:     domain,
		Entities:   entities,
		Confidence: 0.9,
		Source:     core.SourceReasoner,
	})
}

func TestStepPlaceholderReceivesExactValue(t *testing.T) {
	d := &scriptedDispatcher{answers: map[string]core.SkillResult{
		"create_file": core.OK("created", map[string]any{"file_path": "/home/me/report.txt", "size": 42}),
	}}
	cmds := []core.Command{
		command("create_file", "file", map[string]any{"filename": "report.txt"}),
		command("open_app", "app", map[string]any{"app": "vscode"}),
		command("send_message", "messaging", map[string]any{
			"contact":    "Akshat",
			"file":       "{{ steps.0.file_path }}",
			"size":       "{{steps.0.size}}",
			"text":       "see {{ steps.0.file_path }} ({{ steps.0.size }} bytes)",
			"recipients": []any{"{{ last.echo.app }}"},
		}),
	}

	results, issues := ExecuteChain(context.Background(), cmds, d, nil)
	if len(issues) != 0 {
		t.Fatalf("unexpected issues: %v", issues)
	}
	if len(results) != 3 || len(d.seen) != 3 {
		t.Fatalf("results=%d dispatched=%d", len(results), len(d.seen))
	}

	got := d.seen[2].Entities()
	want := map[string]any{
		"contact":    "Akshat",
		"file":       "/home/me/report.txt",
		"size":       42,
		"text":       "see /home/me/report.txt (42 bytes)",
		"recipients": []any{"vscode"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("resolved entities mismatch (-want +got):\n%s", diff)
	}
	if src := cmds[2].EntityString("file"); src != "{{ steps.0.file_path }}" {
		t.Fatalf("input command was mutated: %q", src)
	}
}

func TestFailedStepHaltsByDefault(t *testing.T) {
	d := &scriptedDispatcher{answers: map[string]core.SkillResult{
		"create_file": core.Fail(core.CodeHandlerError, "disk full"),
	}}
	cmds := []core.Command{
		command("create_file", "file", map[string]any{"filename": "a.txt"}),
		command("open_app", "app", map[string]any{"app": "notes"}),
		command("send_message", "messaging", map[string]any{"file": "{{ steps.0.file_path }}"}),
	}

	for run := 0; run < 3; run++ {
		d.seen = nil
		results, issues := ExecuteChain(context.Background(), cmds, d, nil)
		if len(results) != 1 || len(d.seen) != 1 {
			t.Fatalf("run %d: results=%d dispatched=%d", run, len(results), len(d.seen))
		}
		wantCodes := []core.ResultCode{core.CodeHandlerError, core.CodeSkipped, core.CodeSkipped}
		if len(issues) != len(wantCodes) {
			t.Fatalf("run %d: issues = %v", run, issues)
		}
		for i, code := range wantCodes {
			if issues[i].Code != code || issues[i].Step != i {
				t.Fatalf("run %d: issue %d = %+v", run, i, issues[i])
			}
		}
	}
}

func TestContinueOnErrorMarksDependentSteps(t *testing.T) {
	d := &scriptedDispatcher{answers: map[string]core.SkillResult{
		"create_file": core.Fail(core.CodeHandlerError, "disk full"),
	}}
	cmds := []core.Command{
		command("create_file", "file", map[string]any{"filename": "a.txt"}),
		command("open_app", "app", map[string]any{"app": "notes"}),
		command("send_message", "messaging", map[string]any{"file": "{{ steps.0.file_path }}"}),
	}

	results, issues := ExecuteChain(context.Background(), cmds, d, nil, ContinueOnError())
	if len(results) != 3 {
		t.Fatalf("results = %d", len(results))
	}
	if len(d.seen) != 2 {
		t.Fatalf("dependent step must not be dispatched, dispatched %d", len(d.seen))
	}
	if !results[1].Success() {
		t.Fatalf("independent step should run, got %s", results[1].Code())
	}
	if results[2].Code() != core.CodePlaceholderError {
		t.Fatalf("step 2 code = %s", results[2].Code())
	}
	if len(issues) != 2 || issues[1].Code != core.CodePlaceholderError {
		t.Fatalf("issues = %v", issues)
	}
	if diff := cmp.Diff([]string{"steps.0.file_path"}, issues[1].Placeholders); diff != "" {
		t.Fatalf("placeholders (-want +got):\n%s", diff)
	}
}

func TestPlaceholderOutOfRange(t *testing.T) {
	d := &scriptedDispatcher{}
	cmds := []core.Command{
		command("open_app", "app", map[string]any{"app": "{{ steps.3.app }}"}),
	}
	results, issues := ExecuteChain(context.Background(), cmds, d, nil)
	if len(d.seen) != 0 {
		t.Fatal("unresolved step was dispatched")
	}
	if len(results) != 1 || results[0].Code() != core.CodePlaceholderError {
		t.Fatalf("results = %v", results)
	}
	if len(issues) != 1 || issues[0].Code != core.CodePlaceholderError {
		t.Fatalf("issues = %v", issues)
	}
}

func TestGlobalsComeFromMemory(t *testing.T) {
	mem := memory.New()
	d := &scriptedDispatcher{}
	cmds := []core.Command{
		command("send_message", "messaging", map[string]any{"contact": "Gautam", "text": "hi"}),
		command("send_message", "messaging", map[string]any{"contact": "{{ global.last_contact }}", "text": "{{ global.sign }}"}),
	}
	results, issues := ExecuteChain(context.Background(), cmds, d, mem, WithGlobals(map[string]any{"sign": "-- K"}))
	if len(issues) != 0 || len(results) != 2 {
		t.Fatalf("issues=%v results=%d", issues, len(results))
	}
	if got := d.seen[1].EntityString("contact"); got != "Gautam" {
		t.Fatalf("contact = %q", got)
	}
	if got := d.seen[1].EntityString("text"); got != "-- K" {
		t.Fatalf("text = %q", got)
	}
	if v, _ := mem.GetMostRecent("last_contact"); v != "Gautam" {
		t.Fatalf("memory last_contact = %v", v)
	}
}

type fakeRecorder struct {
	started  []int
	finished []core.ResultCode
}

func (r *fakeRecorder) StepStarted(_ context.Context, index int, _ core.Command) error {
	r.started = append(r.started, index)
	return nil
}

func (r *fakeRecorder) StepFinished(_ context.Context, _ int, _ core.Command, res core.SkillResult) error {
	r.finished = append(r.finished, res.Code())
	return nil
}

func TestSeedResumesAfterCompletedSteps(t *testing.T) {
	d := &scriptedDispatcher{}
	rec := &fakeRecorder{}
	seed := []core.SkillResult{core.OK("done before", map[string]any{"file_path": "/home/me/a.txt"})}
	cmds := []core.Command{
		command("create_file", "file", map[string]any{"filename": "a.txt"}),
		command("open_file", "file", map[string]any{"path": "{{ steps.0.file_path }}"}),
	}

	results, issues := ExecuteChain(context.Background(), cmds, d, nil, WithSeed(seed), WithRecorder(rec))
	if len(issues) != 0 || len(results) != 2 {
		t.Fatalf("issues=%v results=%d", issues, len(results))
	}
	if len(d.seen) != 1 || d.seen[0].EntityString("path") != "/home/me/a.txt" {
		t.Fatalf("dispatched = %v", d.seen)
	}
	if diff := cmp.Diff([]int{1}, rec.started); diff != "" {
		t.Fatalf("started (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]core.ResultCode{core.CodeOK}, rec.finished); diff != "" {
		t.Fatalf("finished (-want +got):\n%s", diff)
	}
}

func TestCancelledContextSkipsRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := &scriptedDispatcher{}
	results, issues := ExecuteChain(ctx, []core.Command{command("open_app", "app", nil), command("open_app", "app", nil)}, d, nil)
	if len(results) != 0 || len(d.seen) != 0 {
		t.Fatalf("nothing should run after cancel")
	}
	if len(issues) != 2 || issues[0].Code != core.CodeSkipped {
		t.Fatalf("issues = %v", issues)
	}
}

func TestAuditLogHook(t *testing.T) {
	log := audit.NewMemoryLog()
	d := &scriptedDispatcher{}
	_, _ = ExecuteChain(context.Background(),
		[]core.Command{command("open_app", "app", nil), command("open_app", "app", nil)},
		d, nil, WithAuditHook(AuditLogHook(log, nil)))

	entries, err := log.List(context.Background(), audit.Filter{EventType: audit.EventChainStep})
	if err != nil || len(entries) != 2 {
		t.Fatalf("entries = %d, %v", len(entries), err)
	}
	if entries[0].RunID == "" || entries[0].RunID != entries[1].RunID {
		t.Fatalf("steps of one chain must share a run id: %q %q", entries[0].RunID, entries[1].RunID)
	}
}
