package governance

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jllopis/kyrax/pkg/core"
	"github.com/jllopis/kyrax/pkg/errors"
)

// DefaultConfirmationTTL bounds how long a held command can be confirmed.
const DefaultConfirmationTTL = 5 * time.Minute

// Held is a command parked until the user confirms it.
type Held struct {
	Token     string       `json:"token"`
	Command   core.Command `json:"command"`
	ActorID   string       `json:"actor_id"`
	Roles     []string     `json:"roles,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// Actor returns the identity the command was held for.
func (h Held) Actor() core.Actor {
	return core.Actor{ID: h.ActorID, Roles: append([]string(nil), h.Roles...)}
}

// Expired reports whether the hold is past its expiry at now.
func (h Held) Expired(now time.Time) bool {
	return !h.ExpiresAt.IsZero() && !now.Before(h.ExpiresAt)
}

// Metadata keys that tie a held command to the workflow step it paused.
const (
	MetaWorkflowID   = "workflow_id"
	MetaWorkflowStep = "workflow_step"
)

// WorkflowStep returns the workflow and step index the command was held
// from, if any.
func (h Held) WorkflowStep() (string, int, bool) {
	return WorkflowStepOf(h.Command)
}

// WorkflowStepOf reads the workflow linkage stamped on a held command.
func WorkflowStepOf(cmd core.Command) (string, int, bool) {
	meta := cmd.Meta()
	id := meta[MetaWorkflowID]
	if id == "" {
		return "", 0, false
	}
	idx, err := strconv.Atoi(meta[MetaWorkflowStep])
	if err != nil || idx < 0 {
		return "", 0, false
	}
	return id, idx, true
}

// NewToken returns a fresh confirmation token.
func NewToken() string {
	return "cnf-" + uuid.NewString()
}

// NewHeld prepares a hold for cmd on behalf of actor.
func NewHeld(cmd core.Command, actor core.Actor, reason string) Held {
	return Held{
		Token:   NewToken(),
		Command: cmd,
		ActorID: actor.ID,
		Roles:   append([]string(nil), actor.Roles...),
		Reason:  reason,
	}
}

// ConfirmationStore parks commands by token. Resolve consumes the hold:
// a token resolves at most once.
type ConfirmationStore interface {
	Hold(ctx context.Context, h Held) (Held, error)
	Resolve(ctx context.Context, token string) (Held, error)
	Discard(ctx context.Context, token string) error
	Pending(ctx context.Context) ([]Held, error)
}

// Expirer removes holds that are past their expiry.
type Expirer interface {
	ExpireHolds(ctx context.Context) (int, error)
}

func notFound(token string) error {
	return errors.New(errors.CodeNotFound, "confirmation token not found", nil).WithContext("token", token)
}

func expired(token string) error {
	return errors.New(errors.CodeExpired, "confirmation token expired", nil).WithContext("token", token)
}

func stamp(h Held, now time.Time, ttl time.Duration) Held {
	if h.Token == "" {
		h.Token = NewToken()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now.UTC()
	}
	if h.ExpiresAt.IsZero() {
		h.ExpiresAt = h.CreatedAt.Add(ttl)
	}
	return h
}

// MemoryConfirmationStore keeps holds in memory.
type MemoryConfirmationStore struct {
	mu    sync.Mutex
	holds map[string]Held
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryConfirmationStore creates an in-memory store. A non-positive ttl
// uses DefaultConfirmationTTL.
func NewMemoryConfirmationStore(ttl time.Duration) *MemoryConfirmationStore {
	if ttl <= 0 {
		ttl = DefaultConfirmationTTL
	}
	return &MemoryConfirmationStore{holds: make(map[string]Held), ttl: ttl, now: time.Now}
}

// Hold stores h, filling token and timestamps when unset.
func (s *MemoryConfirmationStore) Hold(_ context.Context, h Held) (Held, error) {
	if h.Command.IsZero() {
		return Held{}, errors.New(errors.CodeInvalidInput, "command is required", nil)
	}
	h = stamp(h, s.now(), s.ttl)
	s.mu.Lock()
	s.holds[h.Token] = h
	s.mu.Unlock()
	return h, nil
}

// Resolve returns and removes the hold.
func (s *MemoryConfirmationStore) Resolve(_ context.Context, token string) (Held, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[token]
	if !ok {
		return Held{}, notFound(token)
	}
	delete(s.holds, token)
	if h.Expired(s.now()) {
		return Held{}, expired(token)
	}
	return h, nil
}

// Discard removes the hold without returning it.
func (s *MemoryConfirmationStore) Discard(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.holds[token]; !ok {
		return notFound(token)
	}
	delete(s.holds, token)
	return nil
}

// Pending lists live holds, oldest first.
func (s *MemoryConfirmationStore) Pending(_ context.Context) ([]Held, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]Held, 0, len(s.holds))
	for _, h := range s.holds {
		if !h.Expired(now) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ExpireHolds implements Expirer.
func (s *MemoryConfirmationStore) ExpireHolds(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for token, h := range s.holds {
		if h.Expired(now) {
			delete(s.holds, token)
			n++
		}
	}
	return n, nil
}
