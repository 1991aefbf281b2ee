// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

// Package governance implements the guard gate consulted before a command
// reaches a skill, together with its policy, rate limiters and the
// confirmation hand-off for commands that need an explicit yes.
package governance

import (
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/kyrax/pkg/core"
)

// Status is the outcome of a guard check.
type Status string

const (
	StatusAllow               Status = "allow"
	StatusBlock               Status = "block"
	StatusRequireConfirmation Status = "require_confirmation"
)

// Check names the guard stage that produced a decision.
const (
	CheckRateLimit = "rate_limit"
	CheckACL       = "acl"
	CheckSensitive = "sensitive"
	CheckPath      = "path"
)

// Decision captures the outcome of a guard evaluation.
type Decision struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
	Check  string `json:"check,omitempty"`
}

// Allow is the decision returned when every check passes.
var Allow = Decision{Status: StatusAllow, Reason: "ok"}

// IsAllowed returns true when the decision permits execution.
func (d Decision) IsAllowed() bool { return d.Status == StatusAllow }

// IsBlocked returns true when the decision forbids execution.
func (d Decision) IsBlocked() bool { return d.Status == StatusBlock }

// NeedsConfirmation returns true when the command must be held.
func (d Decision) NeedsConfirmation() bool { return d.Status == StatusRequireConfirmation }

// Rule is an ACL entry. Intent and Domain are glob patterns; an empty pattern
// matches anything. The first matching rule decides.
type Rule struct {
	ID     string   `yaml:"id" json:"id"`
	Intent string   `yaml:"intent" json:"intent,omitempty"`
	Domain string   `yaml:"domain" json:"domain,omitempty"`
	Roles  []string `yaml:"roles" json:"roles,omitempty"`
	Effect string   `yaml:"effect" json:"effect,omitempty"` // allow (default) or deny
	Reason string   `yaml:"reason" json:"reason,omitempty"`
}

func (r Rule) matches(cmd core.Command) bool {
	return matchPattern(r.Intent, cmd.Intent()) && matchPattern(r.Domain, cmd.Domain())
}

// RuleSet evaluates rules in order.
type RuleSet struct {
	Rules []Rule
}

// NewRuleSet creates a rule set.
func NewRuleSet(rules []Rule) *RuleSet {
	return &RuleSet{Rules: append([]Rule(nil), rules...)}
}

// Evaluate returns the decision of the first matching rule. Commands no rule
// matches are allowed.
func (r *RuleSet) Evaluate(cmd core.Command, actor core.Actor) Decision {
	if r == nil {
		return Allow
	}
	for _, rule := range r.Rules {
		if !rule.matches(cmd) {
			continue
		}
		if strings.EqualFold(rule.Effect, "deny") {
			return Decision{Status: StatusBlock, Reason: nonEmpty(rule.Reason, "denied by rule "+rule.ID), Check: CheckACL}
		}
		if len(rule.Roles) > 0 && !actor.HasAnyRole(rule.Roles...) {
			return Decision{Status: StatusBlock, Reason: nonEmpty(rule.Reason, "insufficient_permissions"), Check: CheckACL}
		}
		return Allow
	}
	return Allow
}

func matchPattern(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	ok, err := path.Match(pattern, value)
	if err == nil && ok {
		return true
	}
	return pattern == value
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

// RateLimit configures the per-actor sliding window.
type RateLimit struct {
	Window time.Duration `yaml:"window" json:"window"`
	Max    int           `yaml:"max" json:"max"`
}

// Policy is the full guard configuration. It is treated as immutable once
// published; reloads swap the whole value.
type Policy struct {
	RateLimit           RateLimit     `yaml:"rate_limit"`
	Rules               []Rule        `yaml:"rules"`
	SensitiveIntents    []string      `yaml:"sensitive_intents"`
	DestructivePatterns []string      `yaml:"destructive_patterns"`
	ExternalIntents     []string      `yaml:"external_intents"`
	SafePathPrefixes    []string      `yaml:"safe_path_prefixes"`
	TargetEntities      []string      `yaml:"target_entities"`
	ConfirmationTTL     time.Duration `yaml:"confirmation_ttl"`

	destructive []*regexp.Regexp
	ruleSet     *RuleSet
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() *Policy {
	p := &Policy{
		RateLimit: RateLimit{Window: 60 * time.Second, Max: 20},
		Rules: []Rule{
			{ID: "factory-reset", Intent: "factory_reset", Roles: []string{"admin"}},
			{ID: "format-disk", Intent: "format_disk", Roles: []string{"admin"}},
			{ID: "power", Intent: "shutdown", Roles: []string{"admin"}},
			{ID: "power-restart", Intent: "restart", Roles: []string{"admin"}},
			{ID: "power-sleep", Intent: "sleep", Roles: []string{"admin"}},
			{ID: "delete-file", Intent: "delete_file", Roles: []string{"user", "admin"}},
			{ID: "unlock-door", Intent: "unlock_door", Roles: []string{"home_owner", "admin"}},
		},
		SensitiveIntents: []string{
			"shutdown", "restart", "sleep", "factory_reset", "format_disk",
			"delete_file", "unlock_door", "transfer_money", "open_port",
		},
		DestructivePatterns: []string{
			"delete", "remove", "wipe", "format", "factory_reset", "uninstall",
			"shutdown", "reboot", "erase",
		},
		ExternalIntents:  []string{"send_message", "send_email"},
		SafePathPrefixes: []string{"/home/", "/mnt/storage/"},
		TargetEntities:   []string{"path", "target", "file"},
		ConfirmationTTL:  5 * time.Minute,
	}
	_ = p.compile()
	return p
}

// ParsePolicy decodes a YAML (or JSON) policy. Sections left out keep their
// default values.
func ParsePolicy(data []byte) (*Policy, error) {
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadPolicy reads a policy file. An empty path returns the defaults.
func LoadPolicy(path string) (*Policy, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePolicy(data)
}

func (p *Policy) compile() error {
	if p.RateLimit.Window <= 0 {
		p.RateLimit.Window = 60 * time.Second
	}
	if p.RateLimit.Max < 0 {
		return fmt.Errorf("rate_limit.max must not be negative")
	}
	if p.ConfirmationTTL <= 0 {
		p.ConfirmationTTL = 5 * time.Minute
	}
	p.destructive = p.destructive[:0]
	for _, pat := range p.DestructivePatterns {
		re, err := regexp.Compile("(?i)" + pat)
		if err != nil {
			return fmt.Errorf("destructive pattern %q: %w", pat, err)
		}
		p.destructive = append(p.destructive, re)
	}
	for i, r := range p.Rules {
		if strings.TrimSpace(r.ID) == "" {
			p.Rules[i].ID = fmt.Sprintf("rule-%d", i)
		}
	}
	p.ruleSet = NewRuleSet(p.Rules)
	return nil
}

// ACL returns the compiled rule set.
func (p *Policy) ACL() *RuleSet {
	if p.ruleSet == nil {
		p.ruleSet = NewRuleSet(p.Rules)
	}
	return p.ruleSet
}

// IsSensitive reports whether intent is listed or matches a destructive pattern.
func (p *Policy) IsSensitive(intent string) (bool, string) {
	for _, s := range p.SensitiveIntents {
		if s == intent {
			return true, "sensitive_intent"
		}
	}
	for _, re := range p.destructive {
		if re.MatchString(intent) {
			return true, "destructive_intent"
		}
	}
	return false, ""
}

var externalRe = regexp.MustCompile(`@|https?://`)

// IsExternal reports whether a messaging intent targets an address outside
// the contact book.
func (p *Policy) IsExternal(cmd core.Command) bool {
	listed := false
	for _, s := range p.ExternalIntents {
		if s == cmd.Intent() {
			listed = true
			break
		}
	}
	if !listed {
		return false
	}
	for _, key := range []string{"contact", "to"} {
		if externalRe.MatchString(cmd.EntityString(key)) {
			return true
		}
	}
	return false
}

// PathAllowed reports whether a filesystem target falls under a safe prefix.
// Relative paths are never allowed.
func (p *Policy) PathAllowed(target string) bool {
	if !strings.HasPrefix(target, "/") {
		return false
	}
	cleaned := path.Clean(target)
	for _, prefix := range p.SafePathPrefixes {
		base := strings.TrimSuffix(prefix, "/")
		if cleaned == base || strings.HasPrefix(cleaned, base+"/") {
			return true
		}
	}
	return false
}
