package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jllopis/kyrax/pkg/core"
)

type countingExpirer struct {
	n   int
	err error
}

func (c *countingExpirer) ExpireHolds(context.Context) (int, error) { return c.n, c.err }

func TestSweepOnceSumsExpirers(t *testing.T) {
	s := NewSweeper(time.Minute, time.Second, nil,
		&countingExpirer{n: 2},
		&countingExpirer{err: errors.New("db locked")},
		nil,
		&countingExpirer{n: 3},
	)
	if got := s.SweepOnce(context.Background()); got != 5 {
		t.Fatalf("SweepOnce = %d, want 5", got)
	}
}

func TestSweeperRemovesExpiredHolds(t *testing.T) {
	store := NewMemoryConfirmationStore(10 * time.Millisecond)
	if _, err := store.Hold(context.Background(), NewHeld(heldCommand(), core.Anonymous, "r")); err != nil {
		t.Fatalf("Hold: %v", err)
	}

	s := NewSweeper(5*time.Millisecond, time.Second, nil, store)
	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		n := len(store.holds)
		store.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("sweeper did not remove the expired hold")
}

func TestSweeperDisabled(t *testing.T) {
	s := NewSweeper(0, 0, nil, NewMemoryConfirmationStore(0))
	s.Start(context.Background())
	s.Stop()
}
