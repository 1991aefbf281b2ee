// Package config loads Kyrax settings from defaults, a YAML or JSON file, an
// optional profile overlay, KYRAX_ environment variables and --set overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "KYRAX_"

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	LLM       LLMConfig       `koanf:"llm"`
	Dispatch  DispatchConfig  `koanf:"dispatch"`
	Memory    MemoryConfig    `koanf:"memory"`
	Guard     GuardConfig     `koanf:"guard"`
	Store     StoreConfig     `koanf:"store"`
	Audit     AuditConfig     `koanf:"audit"`
	Redis     RedisConfig     `koanf:"redis"`
	AMQP      AMQPConfig      `koanf:"amqp"`
	Skills    SkillsConfig    `koanf:"skills"`
	Intent    IntentConfig    `koanf:"intent"`
	Planner   PlannerConfig   `koanf:"planner"`
	NLU       NLUConfig       `koanf:"nlu"`
	MCP       MCPConfig       `koanf:"mcp"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter     string `koanf:"exporter"` // none, stdout, otlp
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
}

type LLMConfig struct {
	Provider string `koanf:"provider"` // ollama, gemini, mock
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	APIKey   string `koanf:"api_key"`
	// InputGuard screens text for prompt injection before it reaches the model.
	InputGuard bool `koanf:"input_guard"`
	MaxInput   int  `koanf:"max_input"`
}

type DispatchConfig struct {
	MinConfidence float64       `koanf:"min_confidence"`
	Timeout       time.Duration `koanf:"timeout"`
}

type MemoryConfig struct {
	MaxEntries int           `koanf:"max_entries"`
	TTL        time.Duration `koanf:"ttl"`
	Journal    string        `koanf:"journal"`
}

type GuardConfig struct {
	Enabled         bool          `koanf:"enabled"`
	PolicyFile      string        `koanf:"policy_file"`
	RateLimiter     string        `koanf:"rate_limiter"`  // memory, redis
	Confirmations   string        `koanf:"confirmations"` // memory, sql, redis
	ConfirmationTTL time.Duration `koanf:"confirmation_ttl"`
	SweepInterval   time.Duration `koanf:"sweep_interval"`
	Notifier        string        `koanf:"notifier"` // log, amqp
}

type StoreConfig struct {
	Driver string `koanf:"driver"` // memory, sqlite, mysql
	DSN    string `koanf:"dsn"`
}

type AuditConfig struct {
	Enabled bool   `koanf:"enabled"`
	Driver  string `koanf:"driver"` // memory, sqlite
	DSN     string `koanf:"dsn"`
}

type RedisConfig struct {
	Address  string `koanf:"address"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type AMQPConfig struct {
	URL   string `koanf:"url"`
	Queue string `koanf:"queue"`
}

type SkillsConfig struct {
	Dir     string `koanf:"dir"`
	DryRun  bool   `koanf:"dry_run"`
	BaseDir string `koanf:"base_dir"`
}

type IntentConfig struct {
	SchemasFile  string `koanf:"schemas_file"`
	ContactsFile string `koanf:"contacts_file"`
}

type PlannerConfig struct {
	Proposer         string        `koanf:"proposer"` // template, llm
	BreakerThreshold int           `koanf:"breaker_threshold"`
	BreakerCooldown  time.Duration `koanf:"breaker_cooldown"`
	Timeout          time.Duration `koanf:"timeout"`
}

type NLUConfig struct {
	Analyzer string        `koanf:"analyzer"` // rules, llm
	Timeout  time.Duration `koanf:"timeout"`
}

// MCPConfig lists MCP servers whose tools back skills with handler "mcp".
type MCPConfig struct {
	Timeout time.Duration              `koanf:"timeout"`
	Retries int                        `koanf:"retries"`
	Servers map[string]MCPServerConfig `koanf:"servers"`
}

type MCPServerConfig struct {
	Command string   `koanf:"command"`
	Args    []string `koanf:"args"`
	Env     []string `koanf:"env"`
	URL     string   `koanf:"url"` // streamable HTTP endpoint; used when Command is empty
}

func defaults() map[string]any {
	return map[string]any{
		"log.level":                 "info",
		"log.format":                "text",
		"telemetry.exporter":        "none",
		"llm.provider":              "ollama",
		"llm.model":                 "qwen2.5:7b-instruct",
		"llm.base_url":              "http://localhost:11434",
		"llm.input_guard":           true,
		"llm.max_input":             2000,
		"dispatch.min_confidence":   0.5,
		"dispatch.timeout":          "10s",
		"memory.max_entries":        50,
		"memory.ttl":                "600s",
		"guard.enabled":             true,
		"guard.rate_limiter":        "memory",
		"guard.confirmations":       "memory",
		"guard.confirmation_ttl":    "5m",
		"guard.sweep_interval":      "1m",
		"guard.notifier":            "log",
		"store.driver":              "sqlite",
		"store.dsn":                 "file:kyrax.db?cache=shared",
		"audit.enabled":             true,
		"audit.driver":              "sqlite",
		"audit.dsn":                 "file:kyrax.db?cache=shared",
		"redis.address":             "localhost:6379",
		"amqp.queue":                "kyrax.confirmations",
		"skills.dry_run":            true,
		"skills.base_dir":           "/home/kyrax",
		"planner.proposer":          "template",
		"planner.breaker_threshold": 3,
		"planner.breaker_cooldown":  "30s",
		"planner.timeout":           "20s",
		"nlu.analyzer":              "rules",
		"nlu.timeout":               "15s",
		"mcp.timeout":               "10s",
		"mcp.retries":               2,
	}
}

// Load reads defaults, the optional file at path and KYRAX_ env variables.
func Load(path string) (*Config, error) {
	return load(path, "", nil)
}

// LoadWithProfile also overlays "<name>.<profile><ext>" next to path when it
// exists.
func LoadWithProfile(path, profile string) (*Config, error) {
	return load(path, profile, nil)
}

// LoadWithCLI parses --config, --profile (alias --env) and repeated
// --set key=value flags out of args and loads accordingly. --set values that
// parse as JSON are decoded, so objects and numbers can be passed.
func LoadWithCLI(args []string) (*Config, error) {
	opts, err := parseCLIOverrides(args)
	if err != nil {
		return nil, err
	}
	return load(opts.path, opts.profile, opts.sets)
}

func load(path, profile string, sets map[string]any) (*Config, error) {
	k := koanf.New(".")
	for key, v := range defaults() {
		if err := k.Set(key, v); err != nil {
			return nil, err
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		if profile != "" {
			if pp := ProfilePath(path, profile); pp != "" {
				if _, err := os.Stat(pp); err == nil {
					if err := k.Load(file.Provider(pp), yaml.Parser()); err != nil {
						return nil, fmt.Errorf("load profile %s: %w", pp, err)
					}
				}
			}
		}
	}

	// KYRAX_DISPATCH_MIN_CONFIDENCE -> dispatch.min_confidence
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, err
	}

	for key, v := range sets {
		if err := k.Set(key, v); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(s, "_", ".", 1)
}

// ProfilePath returns the profile overlay path for base, for example
// config.yaml + dev -> config.dev.yaml.
func ProfilePath(base, profile string) string {
	if base == "" || profile == "" {
		return ""
	}
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(filepath.Base(base), ext)
	return filepath.Join(filepath.Dir(base), name+"."+profile+ext)
}

type cliOptions struct {
	path    string
	profile string
	sets    map[string]any
}

func parseCLIOverrides(args []string) (cliOptions, error) {
	opts := cliOptions{sets: map[string]any{}}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "--config", "-config", "--profile", "-profile", "--env", "-env", "--set", "-set":
		default:
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return opts, fmt.Errorf("missing value for %s", name)
			}
			i++
			value = args[i]
		}
		switch strings.TrimLeft(name, "-") {
		case "config":
			opts.path = value
		case "profile", "env":
			opts.profile = value
		case "set":
			key, raw, ok := strings.Cut(value, "=")
			key = strings.TrimSpace(key)
			if !ok || key == "" {
				return opts, fmt.Errorf("invalid --set value %q, expected key=value", value)
			}
			opts.sets[key] = decodeSetValue(raw)
		}
	}
	return opts, nil
}

func decodeSetValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
