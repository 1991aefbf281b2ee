package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jllopis/kyrax/pkg/core"
)

func cmd(intent, domain string, entities map[string]any) core.Command {
	return core.NewCommand(core.CommandSpec{
		Intent:     intent,
		Domain:     domain,
		Entities:   entities,
		Confidence: 0.9,
		Source:     core.SourceUserDirect,
	})
}

func TestGateValidate(t *testing.T) {
	user := core.NewActor("u1", "user")
	admin := core.NewActor("root", "admin")
	guest := core.NewActor("g1", "")

	tests := []struct {
		name      string
		cmd       core.Command
		actor     core.Actor
		confirmed bool
		status    Status
		check     string
		reason    string
	}{
		{
			name:   "plain command allowed",
			cmd:    cmd("open_app", "app", map[string]any{"app": "spotify"}),
			actor:  user,
			status: StatusAllow,
		},
		{
			name:   "shutdown needs admin",
			cmd:    cmd("shutdown", "system", nil),
			actor:  user,
			status: StatusBlock,
			check:  CheckACL,
			reason: "insufficient_permissions",
		},
		{
			name:   "admin still confirms shutdown",
			cmd:    cmd("shutdown", "system", nil),
			actor:  admin,
			status: StatusRequireConfirmation,
			check:  CheckSensitive,
			reason: "sensitive_intent",
		},
		{
			name:      "confirmed shutdown runs",
			cmd:       cmd("shutdown", "system", nil),
			actor:     admin,
			confirmed: true,
			status:    StatusAllow,
		},
		{
			name:   "destructive pattern",
			cmd:    cmd("remove_app", "app", map[string]any{"app": "spotify"}),
			actor:  user,
			status: StatusRequireConfirmation,
			reason: "destructive_intent",
			check:  CheckSensitive,
		},
		{
			name:   "external contact",
			cmd:    cmd("send_message", "messaging", map[string]any{"contact": "bob@example.com", "text": "hi"}),
			actor:  user,
			status: StatusRequireConfirmation,
			reason: "sensitive_external",
			check:  CheckSensitive,
		},
		{
			name:   "known contact is not external",
			cmd:    cmd("send_message", "messaging", map[string]any{"contact": "Akshat", "text": "hi"}),
			actor:  user,
			status: StatusAllow,
		},
		{
			name:   "path outside safe prefix",
			cmd:    cmd("open_file", "file", map[string]any{"path": "/etc/passwd"}),
			actor:  user,
			status: StatusBlock,
			check:  CheckPath,
			reason: "path_outside_safe_prefix: /etc/passwd",
		},
		{
			name:   "traversal is cleaned first",
			cmd:    cmd("open_file", "file", map[string]any{"path": "/home/../etc/shadow"}),
			actor:  user,
			status: StatusBlock,
			check:  CheckPath,
		},
		{
			name:   "safe path allowed",
			cmd:    cmd("open_file", "file", map[string]any{"path": "/home/me/notes.txt"}),
			actor:  user,
			status: StatusAllow,
		},
		{
			name:      "delete in safe path with confirmation",
			cmd:       cmd("delete_file", "file", map[string]any{"path": "/home/me/old.txt"}),
			actor:     user,
			confirmed: true,
			status:    StatusAllow,
		},
		{
			name:   "guest cannot delete",
			cmd:    cmd("delete_file", "file", map[string]any{"path": "/home/me/old.txt"}),
			actor:  guest,
			status: StatusBlock,
			check:  CheckACL,
		},
		{
			name:      "confirmation does not bypass path",
			cmd:       cmd("delete_file", "file", map[string]any{"path": "/var/log/syslog"}),
			actor:     user,
			confirmed: true,
			status:    StatusBlock,
			check:     CheckPath,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate()
			ctx := context.Background()
			if tt.confirmed {
				ctx = core.WithConfirmed(ctx)
			}
			d := g.Validate(ctx, tt.cmd, tt.actor)
			if d.Status != tt.status {
				t.Fatalf("status = %s (%s), want %s", d.Status, d.Reason, tt.status)
			}
			if tt.check != "" && d.Check != tt.check {
				t.Fatalf("check = %s, want %s", d.Check, tt.check)
			}
			if tt.reason != "" && d.Reason != tt.reason {
				t.Fatalf("reason = %q, want %q", d.Reason, tt.reason)
			}
		})
	}
}

func TestGateRateLimitComesFirst(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	policy := DefaultPolicy()
	policy.RateLimit = RateLimit{Window: time.Minute, Max: 2}
	g := NewGate(WithPolicy(policy), WithRateLimiter(NewMemoryRateLimiter(func() time.Time { return now })))
	actor := core.NewActor("u1", "user")

	for i := 0; i < 2; i++ {
		if d := g.Validate(context.Background(), cmd("open_app", "app", nil), actor); !d.IsAllowed() {
			t.Fatalf("call %d: unexpected %+v", i, d)
		}
	}
	// A command that would otherwise need admin still reports the rate limit.
	d := g.Validate(context.Background(), cmd("shutdown", "system", nil), actor)
	if !d.IsBlocked() || d.Check != CheckRateLimit {
		t.Fatalf("expected rate limit block, got %+v", d)
	}

	other := core.NewActor("u2", "user")
	if d := g.Validate(context.Background(), cmd("open_app", "app", nil), other); !d.IsAllowed() {
		t.Fatalf("limits must be per actor, got %+v", d)
	}

	now = now.Add(61 * time.Second)
	if d := g.Validate(context.Background(), cmd("open_app", "app", nil), actor); !d.IsAllowed() {
		t.Fatalf("window should have slid, got %+v", d)
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, RateLimit) (bool, int, error) {
	return false, 0, errors.New("connection refused")
}

func TestGateLimiterErrorBlocks(t *testing.T) {
	g := NewGate(WithRateLimiter(failingLimiter{}))
	d := g.Validate(context.Background(), cmd("open_app", "app", nil), core.NewActor("u1", "user"))
	if !d.IsBlocked() || d.Check != CheckRateLimit {
		t.Fatalf("expected block on limiter error, got %+v", d)
	}
}

type swappablePolicy struct{ p *Policy }

func (s *swappablePolicy) Current() *Policy { return s.p }

func TestGateFollowsPolicySource(t *testing.T) {
	src := &swappablePolicy{p: DefaultPolicy()}
	g := NewGate(WithPolicySource(src))
	actor := core.NewActor("u1", "user")

	if d := g.Validate(context.Background(), cmd("play_music", "media", nil), actor); !d.IsAllowed() {
		t.Fatalf("unexpected %+v", d)
	}

	next, err := ParsePolicy([]byte(`
rules:
  - id: no-music
    intent: "play_*"
    effect: deny
    reason: quiet hours
`))
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	src.p = next
	d := g.Validate(context.Background(), cmd("play_music", "media", nil), actor)
	if !d.IsBlocked() || d.Reason != "quiet hours" {
		t.Fatalf("expected deny from new policy, got %+v", d)
	}
}
