package governance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPolicyStoreReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("rate_limit: {window: 1m, max: 5}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := NewPolicyStore(path, nil)
	if err != nil {
		t.Fatalf("NewPolicyStore: %v", err)
	}
	if s.Current().RateLimit.Max != 5 {
		t.Fatalf("max = %d", s.Current().RateLimit.Max)
	}

	if err := os.WriteFile(path, []byte("rate_limit: {window: 1m, max: 7}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if s.Current().RateLimit.Max != 7 {
		t.Fatalf("max after reload = %d", s.Current().RateLimit.Max)
	}

	if err := os.WriteFile(path, []byte("destructive_patterns: [\"(\"]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err == nil {
		t.Fatal("expected reload error for invalid policy")
	}
	if s.Current().RateLimit.Max != 7 {
		t.Fatal("invalid policy must keep the previous one")
	}
}

func TestPolicyStoreWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("rate_limit: {max: 1}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := NewPolicyStore(path, nil)
	if err != nil {
		t.Fatalf("NewPolicyStore: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx, 20*time.Millisecond) }()
	defer func() {
		cancel()
		<-done
	}()

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("rate_limit: {max: 9}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.Current().RateLimit.Max == 9 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("policy was not reloaded after the file changed")
}

func TestPolicyStoreDefaults(t *testing.T) {
	s, err := NewPolicyStore("", nil)
	if err != nil {
		t.Fatalf("NewPolicyStore: %v", err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload on default store: %v", err)
	}
	g := NewGate(WithPolicySource(s))
	if g.Policy().RateLimit.Max != 20 {
		t.Fatalf("default max = %d", g.Policy().RateLimit.Max)
	}
}
