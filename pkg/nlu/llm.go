package nlu

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jllopis/kyrax/pkg/core"
	"github.com/jllopis/kyrax/pkg/errors"
	"github.com/jllopis/kyrax/pkg/guardrails"
	"github.com/jllopis/kyrax/pkg/llm"
	"github.com/jllopis/kyrax/pkg/resilience"
)

const analyzePrompt = `You are an intent parser for a personal assistant.
Return ONLY a JSON object with keys "intent", "entities" and "confidence".
"intent" is a snake_case verb such as send_message, open_app, turn_on, turn_off,
play_music, search_web, take_note, set_volume or download_file.
"entities" is an object of slot values, for example {"contact": "Bob", "text": "hi"}.
"confidence" is a number between 0 and 1.
If the request needs several actions return {"intent": "plan", "entities": {}, "confidence": 1}.`

var objectRe = regexp.MustCompile(`(?s)\{.*\}`)

// LLMAnalyzer asks a chat model to parse the utterance. On provider or
// parse failure it falls back to a second analyzer when one is set.
type LLMAnalyzer struct {
	provider llm.Provider
	model    string
	timeout  time.Duration
	fallback Analyzer
	guard    *guardrails.Guardrails
	logger   *slog.Logger
}

// LLMAnalyzerOption configures an LLMAnalyzer.
type LLMAnalyzerOption func(*LLMAnalyzer)

// WithAnalyzerModel sets the chat model name.
func WithAnalyzerModel(model string) LLMAnalyzerOption {
	return func(a *LLMAnalyzer) { a.model = model }
}

// WithAnalyzerTimeout bounds each provider call.
func WithAnalyzerTimeout(d time.Duration) LLMAnalyzerOption {
	return func(a *LLMAnalyzer) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithAnalyzerFallback sets the analyzer used when the model fails.
func WithAnalyzerFallback(f Analyzer) LLMAnalyzerOption {
	return func(a *LLMAnalyzer) { a.fallback = f }
}

// WithAnalyzerGuard screens text before it is sent to the model. Blocked
// text goes straight to the fallback.
func WithAnalyzerGuard(g *guardrails.Guardrails) LLMAnalyzerOption {
	return func(a *LLMAnalyzer) { a.guard = g }
}

// WithAnalyzerLogger sets the logger.
func WithAnalyzerLogger(l *slog.Logger) LLMAnalyzerOption {
	return func(a *LLMAnalyzer) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewLLMAnalyzer wraps provider.
func NewLLMAnalyzer(provider llm.Provider, opts ...LLMAnalyzerOption) (*LLMAnalyzer, error) {
	if provider == nil {
		return nil, errors.New(errors.CodeInvalidInput, "llm analyzer needs a provider", nil)
	}
	a := &LLMAnalyzer{provider: provider, timeout: 15 * time.Second, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Analyze implements Analyzer.
func (a *LLMAnalyzer) Analyze(ctx context.Context, text string) (Result, error) {
	if err := a.guard.Check(ctx, text); err != nil {
		return a.fallbackAnalyze(ctx, text, err)
	}
	return resilience.WithFallback(ctx,
		func(ctx context.Context) (Result, error) {
			raw, err := resilience.WithTimeoutResult(ctx, a.timeout, func(ctx context.Context) (string, error) {
				return llm.Complete(ctx, a.provider, llm.ChatRequest{
					Model:    a.model,
					Messages: llm.Instruct(analyzePrompt, text),
					JSON:     true,
				})
			})
			if err != nil {
				return Result{}, err
			}
			return ParseResult(raw, text)
		},
		func(ctx context.Context, err error) (Result, error) {
			return a.fallbackAnalyze(ctx, text, err)
		},
	)
}

func (a *LLMAnalyzer) fallbackAnalyze(ctx context.Context, text string, cause error) (Result, error) {
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	a.logger.WarnContext(ctx, "nlu.llm.fallback", slog.String("error", cause.Error()))
	if a.fallback != nil {
		return a.fallback.Analyze(ctx, text)
	}
	return Result{Text: text, Source: core.SourceNLU, Entities: map[string]any{}}, nil
}

type llmResult struct {
	Intent     string         `json:"intent"`
	Entities   map[string]any `json:"entities"`
	Confidence *float64       `json:"confidence"`
}

// ParseResult decodes a model reply. The first JSON object in raw is used
// when the reply carries surrounding prose.
func ParseResult(raw, text string) (Result, error) {
	raw = strings.TrimSpace(raw)
	var out llmResult
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		body := objectRe.FindString(raw)
		if body == "" {
			return Result{}, errors.New(errors.CodeInvalidInput, "no json object in llm reply", err)
		}
		if err := json.Unmarshal([]byte(body), &out); err != nil {
			return Result{}, errors.New(errors.CodeInvalidInput, "decode llm reply", err)
		}
	}
	res := Result{Intent: out.Intent, Entities: out.Entities, Text: text, Source: core.SourceNLU}
	if out.Confidence != nil {
		res.Confidence = *out.Confidence
	} else if out.Intent != "" {
		res.Confidence = 0.7
	}
	res = Canonicalize(res)
	if res.Intent == "plan" {
		res.Intent = ""
		res.Compound = true
	}
	return res, nil
}
