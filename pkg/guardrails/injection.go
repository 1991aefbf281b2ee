package guardrails

import (
	"context"
	"regexp"
)

// defaultInjectionPatterns target attempts to rewrite the model's
// instructions. Mode switches are matched only for jailbreak names, since
// "enter do not disturb mode" is an ordinary request here.
var defaultInjectionPatterns = []string{
	`(?i)\b(ignore|disregard|forget|override)\s+(all\s+)?(the\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?)`,
	`(?i)\byou\s+are\s+now\s+(a|an)\s+`,
	`(?i)\bpretend\s+(you\s+are|to\s+be)\s+`,
	`(?i)\broleplay\s+as\s+`,
	`(?i)\b(what\s+(is|are)|show\s+me|reveal|print|display|repeat)\s+your\s+(system\s+)?(prompt|instructions?)`,
	`(?i)\bdo\s+anything\s+now\b`,
	`(?i)\bdan\s+mode\b`,
	`(?i)\bjailbreak`,
	`(?i)\bbypass\s+(the\s+)?(safety|content|filter|guard)`,
	`(?i)\b(developer|debug|sudo|god)\s+mode\b`,
	`(?i)\breturn\s+(only\s+)?(this|the\s+following)\s+json\b`,
	`(?i)\]\]\s*system\s*:`,
	`(?i)<\|[^|]*\|>`,
	`(?i)\[/?INST\]`,
	`(?i)<</?SYS>>`,
}

// InjectionDetector flags text that looks like a prompt injection.
type InjectionDetector struct {
	patterns  []*regexp.Regexp
	threshold float64
}

// InjectionOption configures an InjectionDetector.
type InjectionOption func(*InjectionDetector)

// WithInjectionPatterns adds patterns. Invalid expressions are skipped.
func WithInjectionPatterns(patterns ...string) InjectionOption {
	return func(d *InjectionDetector) {
		for _, p := range patterns {
			if re, err := regexp.Compile(p); err == nil {
				d.patterns = append(d.patterns, re)
			}
		}
	}
}

// WithInjectionThreshold sets the confidence needed to block. One match
// scores 0.7 and each further match adds 0.1.
func WithInjectionThreshold(t float64) InjectionOption {
	return func(d *InjectionDetector) {
		if t >= 0 && t <= 1 {
			d.threshold = t
		}
	}
}

// NewInjectionDetector builds a detector with the default patterns.
func NewInjectionDetector(opts ...InjectionOption) *InjectionDetector {
	d := &InjectionDetector{}
	for _, p := range defaultInjectionPatterns {
		d.patterns = append(d.patterns, regexp.MustCompile(p))
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// WithPromptInjection adds an InjectionDetector.
func WithPromptInjection(opts ...InjectionOption) Option {
	return WithInputChecker(NewInjectionDetector(opts...))
}

// ID implements InputChecker.
func (d *InjectionDetector) ID() string { return "prompt-injection" }

// CheckInput implements InputChecker.
func (d *InjectionDetector) CheckInput(ctx context.Context, input string) CheckResult {
	if input == "" {
		return CheckResult{}
	}
	var matches []string
	for _, re := range d.patterns {
		if ctx.Err() != nil {
			break
		}
		if m := re.FindString(input); m != "" {
			matches = append(matches, m)
		}
	}
	if len(matches) == 0 {
		return CheckResult{}
	}
	confidence := min(0.7+float64(len(matches)-1)*0.1, 1.0)
	if confidence < d.threshold {
		return CheckResult{Confidence: confidence, Matches: matches}
	}
	return CheckResult{
		Blocked:    true,
		Reason:     "potential prompt injection",
		Confidence: confidence,
		Matches:    matches,
	}
}
