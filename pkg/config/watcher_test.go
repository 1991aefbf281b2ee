package config

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "llm:\n  model: first\n")

	w, err := NewWatcher(path, WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if w.Config().LLM.Model != "first" {
		t.Fatalf("initial model = %s", w.Config().LLM.Model)
	}

	changes := make(chan *Config, 4)
	w.OnChange(func(cfg *Config) { changes <- cfg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "llm:\n  model: second\n")

	select {
	case cfg := <-changes:
		if cfg.LLM.Model != "second" {
			t.Fatalf("reloaded model = %s", cfg.LLM.Model)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	if w.Config().LLM.Model != "second" {
		t.Fatalf("Config() not updated")
	}
}

func TestWatchFilesNoPathsReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := WatchFiles(ctx, nil, 0, nil, func(string) {}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
