package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LLM.Provider != "ollama" {
		t.Errorf("expected default provider ollama, got %s", cfg.LLM.Provider)
	}
	if cfg.Dispatch.MinConfidence != 0.5 {
		t.Errorf("min confidence = %v", cfg.Dispatch.MinConfidence)
	}
	if cfg.Dispatch.Timeout != 10*time.Second {
		t.Errorf("dispatch timeout = %v", cfg.Dispatch.Timeout)
	}
	if cfg.Memory.MaxEntries != 50 || cfg.Memory.TTL != 600*time.Second {
		t.Errorf("memory defaults = %+v", cfg.Memory)
	}
	if !cfg.Guard.Enabled || cfg.Guard.ConfirmationTTL != 5*time.Minute {
		t.Errorf("guard defaults = %+v", cfg.Guard)
	}
	if !cfg.LLM.InputGuard || cfg.LLM.MaxInput != 2000 {
		t.Errorf("llm input guard defaults = %+v", cfg.LLM)
	}
	if cfg.NLU.Analyzer != "rules" || cfg.NLU.Timeout != 15*time.Second {
		t.Errorf("nlu defaults = %+v", cfg.NLU)
	}
	if cfg.MCP.Timeout != 10*time.Second || cfg.MCP.Retries != 2 || len(cfg.MCP.Servers) != 0 {
		t.Errorf("mcp defaults = %+v", cfg.MCP)
	}
}

func TestLoadMCPServers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kyrax.yaml")
	data := []byte(`
mcp:
  retries: 0
  servers:
    calendar:
      command: calendar-mcp
      args: ["--readonly"]
      env: ["TZ=UTC"]
    tickets:
      url: http://localhost:8090/mcp
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MCP.Retries != 0 {
		t.Errorf("retries = %d, want 0", cfg.MCP.Retries)
	}
	cal := cfg.MCP.Servers["calendar"]
	if cal.Command != "calendar-mcp" || len(cal.Args) != 1 || cal.Args[0] != "--readonly" || len(cal.Env) != 1 {
		t.Errorf("calendar server = %+v", cal)
	}
	if got := cfg.MCP.Servers["tickets"].URL; got != "http://localhost:8090/mcp" {
		t.Errorf("tickets url = %q", got)
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("KYRAX_LLM_PROVIDER", "gemini")
	t.Setenv("KYRAX_DISPATCH_MIN_CONFIDENCE", "0.7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LLM.Provider != "gemini" {
		t.Errorf("expected provider gemini from env, got %s", cfg.LLM.Provider)
	}
	if cfg.Dispatch.MinConfidence != 0.7 {
		t.Errorf("expected min confidence 0.7 from env, got %v", cfg.Dispatch.MinConfidence)
	}
}

func TestLoadWithProfile(t *testing.T) {
	tmpDir := t.TempDir()
	basePath := filepath.Join(tmpDir, "config.yaml")
	writeFile(t, basePath, `
llm:
  provider: "ollama"
  model: "llama3.1"
log:
  level: "info"
`)
	writeFile(t, filepath.Join(tmpDir, "config.dev.yaml"), `
llm:
  provider: "mock"
log:
  level: "debug"
`)

	tests := []struct {
		name         string
		profile      string
		wantProvider string
		wantLogLevel string
	}{
		{name: "base only", profile: "", wantProvider: "ollama", wantLogLevel: "info"},
		{name: "dev profile", profile: "dev", wantProvider: "mock", wantLogLevel: "debug"},
		{name: "missing profile falls back to base", profile: "staging", wantProvider: "ollama", wantLogLevel: "info"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadWithProfile(basePath, tc.profile)
			if err != nil {
				t.Fatalf("LoadWithProfile failed: %v", err)
			}
			if cfg.LLM.Provider != tc.wantProvider {
				t.Errorf("provider: got %s, want %s", cfg.LLM.Provider, tc.wantProvider)
			}
			if cfg.Log.Level != tc.wantLogLevel {
				t.Errorf("log level: got %s, want %s", cfg.Log.Level, tc.wantLogLevel)
			}
			if cfg.LLM.Model != "llama3.1" {
				t.Errorf("model should be inherited from base, got %s", cfg.LLM.Model)
			}
		})
	}
}

func TestProfilePath(t *testing.T) {
	if got := ProfilePath("/etc/kyrax/config.yaml", "prod"); got != "/etc/kyrax/config.prod.yaml" {
		t.Fatalf("ProfilePath = %s", got)
	}
	if got := ProfilePath("/etc/kyrax/config.yaml", ""); got != "" {
		t.Fatalf("expected empty path without profile, got %s", got)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
