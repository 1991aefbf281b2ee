package nlu

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/jllopis/kyrax/pkg/core"
)

// Rule maps one utterance pattern to an intent. Extract receives the
// submatches of Pattern and returns the entities.
type Rule struct {
	Intent     string
	Pattern    *regexp.Regexp
	Confidence float64
	Extract    func(m []string) map[string]any
}

// RuleAnalyzer is a deterministic keyword and pattern analyzer. Rules are
// tried in order and the first match wins.
type RuleAnalyzer struct {
	rules []Rule
}

// NewRuleAnalyzer returns an analyzer loaded with DefaultRules followed by
// any extra rules.
func NewRuleAnalyzer(extra ...Rule) *RuleAnalyzer {
	rules := append(DefaultRules(), extra...)
	return &RuleAnalyzer{rules: rules}
}

var (
	compoundRe = regexp.MustCompile(`(?i)\b(?:and then|after that|afterwards)\b|(?:^|\s)then\s+\w`)
	sayingRe   = regexp.MustCompile(`(?i)\b(?:saying|says)\b`)
	goalRe     = regexp.MustCompile(`(?i)\b(?:prepare|get ready|set up|setup)\b.*\b(?:presentation|meeting|call|slides)\b`)
	politeRe   = regexp.MustCompile(`(?i)^(?:(?:hey|ok|okay)\s+kyrax[,\s]*)?(?:please\s+|can you\s+|could you\s+)?`)
	trailRe    = regexp.MustCompile(`[\s.!?]+$`)
)

// Analyze implements Analyzer. Text that looks like a multi-step goal is
// returned with Compound set and no intent.
func (a *RuleAnalyzer) Analyze(ctx context.Context, text string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	res := Result{Text: text, Source: core.SourceNLU, Entities: map[string]any{}}
	clean := strings.TrimSpace(trailRe.ReplaceAllString(politeRe.ReplaceAllString(strings.TrimSpace(text), ""), ""))
	if clean == "" {
		return res, nil
	}
	if IsCompound(clean) {
		res.Compound = true
		return res, nil
	}
	for _, r := range a.rules {
		m := r.Pattern.FindStringSubmatch(clean)
		if m == nil {
			continue
		}
		res.Intent = r.Intent
		res.Confidence = r.Confidence
		if r.Extract != nil {
			res.Entities = r.Extract(m)
		}
		return Canonicalize(res), nil
	}
	return res, nil
}

// IsCompound reports whether text describes more than one action.
func IsCompound(text string) bool {
	if len(sayingRe.FindAllStringIndex(text, -1)) > 1 {
		return true
	}
	return compoundRe.MatchString(text) || goalRe.MatchString(text)
}

// DefaultRules returns the built-in rule set.
func DefaultRules() []Rule {
	return []Rule{
		{
			Intent:     "send_message",
			Pattern:    regexp.MustCompile(`(?i)^(?:send|text|message|whatsapp)\s+(?:a\s+message\s+)?(?:to\s+)?(.+?)\s+(?:saying|says|that)\s+(.+?)(?:\s+on\s+(whatsapp|telegram|signal|sms|slack))?$`),
			Confidence: 0.9,
			Extract: func(m []string) map[string]any {
				return withOptional(map[string]any{"contact": m[1], "text": m[2]}, "app", m[3])
			},
		},
		{
			Intent:     "send_message",
			Pattern:    regexp.MustCompile(`(?i)^tell\s+(\S+)\s+(?:that\s+)?(.+)$`),
			Confidence: 0.85,
			Extract: func(m []string) map[string]any {
				return map[string]any{"contact": m[1], "text": m[2]}
			},
		},
		{
			Intent:     "send_message",
			Pattern:    regexp.MustCompile(`(?i)^(?:send|forward)\s+(?:it|that|this|the message)\s+(?:to\s+)?(\S+)(?:\s+again)?$`),
			Confidence: 0.8,
			Extract: func(m []string) map[string]any {
				return map[string]any{"contact": m[1]}
			},
		},
		{
			Intent:     "set_do_not_disturb",
			Pattern:    regexp.MustCompile(`(?i)^(?:(enable|turn on|switch on|activate)|(disable|turn off|switch off|deactivate))\s+(?:the\s+)?(?:do not disturb|dnd)(?:\s+mode)?$`),
			Confidence: 0.9,
			Extract: func(m []string) map[string]any {
				if m[1] != "" {
					return map[string]any{"state": "on"}
				}
				return map[string]any{"state": "off"}
			},
		},
		{
			Intent:     "set_volume",
			Pattern:    regexp.MustCompile(`(?i)\bvolume\b(?:\s+(?:to|at))?\s+(\d{1,3})\s*%?$`),
			Confidence: 0.9,
			Extract: func(m []string) map[string]any {
				n, _ := strconv.Atoi(m[1])
				if n > 100 {
					n = 100
				}
				return map[string]any{"level": n}
			},
		},
		{
			Intent:     "turn_on",
			Pattern:    regexp.MustCompile(`(?i)^(?:turn|switch)\s+on\s+(?:the\s+)?(.+?)(?:\s+in\s+(?:the\s+)?(.+))?$`),
			Confidence: 0.9,
			Extract:    deviceEntities,
		},
		{
			Intent:     "turn_off",
			Pattern:    regexp.MustCompile(`(?i)^(?:turn|switch)\s+off\s+(?:the\s+)?(.+?)(?:\s+in\s+(?:the\s+)?(.+))?$`),
			Confidence: 0.9,
			Extract:    deviceEntities,
		},
		{
			Intent:     "unlock_door",
			Pattern:    regexp.MustCompile(`(?i)^unlock(?:\s+(?:the\s+)?(.+))?$`),
			Confidence: 0.85,
			Extract: func(m []string) map[string]any {
				return withOptional(map[string]any{}, "device", m[1])
			},
		},
		{
			Intent:     "play_music",
			Pattern:    regexp.MustCompile(`(?i)^play\s+(.+?)(?:\s+on\s+(spotify|youtube|apple music))?$`),
			Confidence: 0.85,
			Extract: func(m []string) map[string]any {
				return withOptional(map[string]any{"query": m[1]}, "app", m[2])
			},
		},
		{
			Intent:     "search_web",
			Pattern:    regexp.MustCompile(`(?i)^(?:search(?:\s+the\s+web)?|google|look up)\s+(?:for\s+)?(.+)$`),
			Confidence: 0.85,
			Extract: func(m []string) map[string]any {
				return map[string]any{"query": m[1]}
			},
		},
		{
			Intent:     "download_file",
			Pattern:    regexp.MustCompile(`(?i)^download\s+(?:the\s+file\s+)?(?:from\s+)?(https?://\S+)$`),
			Confidence: 0.9,
			Extract: func(m []string) map[string]any {
				return map[string]any{"url": m[1]}
			},
		},
		{
			Intent:     "take_note",
			Pattern:    regexp.MustCompile(`(?i)^(?:take a note|note down|write down|note|remember)\s*(?:that|:)?\s+(.+?)(?:\s+in\s+(\S+\.\w+))?$`),
			Confidence: 0.85,
			Extract: func(m []string) map[string]any {
				return withOptional(map[string]any{"text": m[1]}, "filename", m[2])
			},
		},
		{
			Intent:     "delete_file",
			Pattern:    regexp.MustCompile(`(?i)^(?:delete|remove)\s+(?:the\s+)?(?:file\s+)?(\S+)$`),
			Confidence: 0.85,
			Extract: func(m []string) map[string]any {
				return map[string]any{"path": m[1]}
			},
		},
		{
			Intent:     "open_file",
			Pattern:    regexp.MustCompile(`(?i)^open\s+(?:the\s+)?(?:file\s+)?(\S*[/.]\S+)$`),
			Confidence: 0.85,
			Extract: func(m []string) map[string]any {
				return map[string]any{"path": m[1]}
			},
		},
		{
			Intent:     "open_app",
			Pattern:    regexp.MustCompile(`(?i)^(?:open|launch|start|run)\s+(?:the\s+)?(.+?)(?:\s+app)?$`),
			Confidence: 0.9,
			Extract: func(m []string) map[string]any {
				return map[string]any{"app": m[1]}
			},
		},
		{
			Intent:     "shutdown",
			Pattern:    regexp.MustCompile(`(?i)^(?:shut\s*down|power off)(?:\s+the\s+(?:computer|system|pc))?$`),
			Confidence: 0.9,
		},
		{
			Intent:     "restart",
			Pattern:    regexp.MustCompile(`(?i)^(?:restart|reboot)(?:\s+the\s+(?:computer|system|pc))?$`),
			Confidence: 0.9,
		},
		{
			Intent:     "sleep",
			Pattern:    regexp.MustCompile(`(?i)^(?:go to sleep|sleep)(?:\s+the\s+(?:computer|system|pc))?$`),
			Confidence: 0.8,
		},
		{
			Intent:     "factory_reset",
			Pattern:    regexp.MustCompile(`(?i)^factory\s+reset(?:\s+the\s+\w+)?$`),
			Confidence: 0.9,
		},
	}
}

func deviceEntities(m []string) map[string]any {
	return withOptional(map[string]any{"device": m[1]}, "location", m[2])
}

func withOptional(entities map[string]any, key, value string) map[string]any {
	if v := strings.TrimSpace(value); v != "" {
		entities[key] = v
	}
	return entities
}
