package governance

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jllopis/kyrax/pkg/core"
	"github.com/jllopis/kyrax/pkg/errors"
)

var dbSeq atomic.Int64

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:governance_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type clockedStore interface {
	ConfirmationStore
	Expirer
}

func storeFactories(t *testing.T) map[string]func(now *time.Time) clockedStore {
	return map[string]func(now *time.Time) clockedStore{
		"memory": func(now *time.Time) clockedStore {
			s := NewMemoryConfirmationStore(time.Minute)
			s.now = func() time.Time { return *now }
			return s
		},
		"sqlite": func(now *time.Time) clockedStore {
			s, err := NewSQLConfirmationStore(openTestDB(t), time.Minute)
			if err != nil {
				t.Fatalf("NewSQLConfirmationStore: %v", err)
			}
			s.now = func() time.Time { return *now }
			return s
		},
	}
}

func heldCommand() core.Command {
	return core.NewCommand(core.CommandSpec{
		Intent:     "delete_file",
		Domain:     "file",
		Entities:   map[string]any{"path": "/home/me/old.txt"},
		Confidence: 0.95,
		Source:     core.SourceUserDirect,
	})
}

func TestConfirmationStores(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.UnixMilli(1_700_000_000_000).UTC()
			store := factory(&now)

			h, err := store.Hold(ctx, NewHeld(heldCommand(), core.NewActor("u1", "user,admin"), "sensitive_intent"))
			if err != nil {
				t.Fatalf("Hold: %v", err)
			}
			if !strings.HasPrefix(h.Token, "cnf-") {
				t.Fatalf("unexpected token %q", h.Token)
			}
			if !h.ExpiresAt.Equal(now.Add(time.Minute)) {
				t.Fatalf("expires at %v, want %v", h.ExpiresAt, now.Add(time.Minute))
			}

			pending, err := store.Pending(ctx)
			if err != nil || len(pending) != 1 {
				t.Fatalf("Pending = %d, %v", len(pending), err)
			}

			got, err := store.Resolve(ctx, h.Token)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got.Command.Intent() != "delete_file" || got.Command.EntityString("path") != "/home/me/old.txt" {
				t.Fatalf("resolved command = %s", got.Command)
			}
			if !got.Actor().HasRole("admin") || got.ActorID != "u1" {
				t.Fatalf("resolved actor = %+v", got.Actor())
			}

			if _, err := store.Resolve(ctx, h.Token); !errors.HasCode(err, errors.CodeNotFound) {
				t.Fatalf("second resolve should be NOT_FOUND, got %v", err)
			}
		})
	}
}

func TestConfirmationStoresExpiry(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.UnixMilli(1_700_000_000_000).UTC()
			store := factory(&now)

			first, err := store.Hold(ctx, NewHeld(heldCommand(), core.Anonymous, "r"))
			if err != nil {
				t.Fatalf("Hold: %v", err)
			}
			second, err := store.Hold(ctx, NewHeld(heldCommand(), core.Anonymous, "r"))
			if err != nil {
				t.Fatalf("Hold: %v", err)
			}

			now = now.Add(2 * time.Minute)
			if _, err := store.Resolve(ctx, first.Token); !errors.HasCode(err, errors.CodeExpired) {
				t.Fatalf("expected EXPIRED, got %v", err)
			}
			pending, err := store.Pending(ctx)
			if err != nil || len(pending) != 0 {
				t.Fatalf("expired holds must not be pending: %d, %v", len(pending), err)
			}
			n, err := store.ExpireHolds(ctx)
			if err != nil || n != 1 {
				t.Fatalf("ExpireHolds = %d, %v", n, err)
			}
			if err := store.Discard(ctx, second.Token); !errors.HasCode(err, errors.CodeNotFound) {
				t.Fatalf("swept hold should be gone, got %v", err)
			}
		})
	}
}

func TestConfirmationStoreRejectsEmptyCommand(t *testing.T) {
	s := NewMemoryConfirmationStore(0)
	if _, err := s.Hold(context.Background(), Held{}); !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
}

func TestSQLConfirmationStoreHealth(t *testing.T) {
	s, err := NewSQLConfirmationStore(openTestDB(t), 0)
	if err != nil {
		t.Fatalf("NewSQLConfirmationStore: %v", err)
	}
	if res := s.HealthCheck().Check(context.Background()); res.Status != core.HealthHealthy {
		t.Fatalf("health = %+v", res)
	}
}
