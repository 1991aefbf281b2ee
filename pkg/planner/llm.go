package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jllopis/kyrax/pkg/errors"
	"github.com/jllopis/kyrax/pkg/guardrails"
	"github.com/jllopis/kyrax/pkg/llm"
	"github.com/jllopis/kyrax/pkg/resilience"
	"github.com/jllopis/kyrax/pkg/telemetry"
)

var jsonArrayRe = regexp.MustCompile(`(?s)(\[.*\])`)

const maxContextChars = 800

// LLMOption configures an LLMProposer.
type LLMOption func(*LLMProposer)

// WithModel overrides the provider default model.
func WithModel(model string) LLMOption {
	return func(p *LLMProposer) { p.model = model }
}

// WithTimeout bounds a single provider call.
func WithTimeout(d time.Duration) LLMOption {
	return func(p *LLMProposer) { p.timeout = d }
}

// WithBreaker replaces the circuit breaker around the provider.
func WithBreaker(cb *resilience.CircuitBreaker) LLMOption {
	return func(p *LLMProposer) {
		if cb != nil {
			p.breaker = cb
		}
	}
}

// WithFallback sets the proposer used when the provider fails or returns
// something unparseable. Without one a clarification step is proposed.
func WithFallback(f Proposer) LLMOption {
	return func(p *LLMProposer) { p.fallback = f }
}

// WithMaxProposals limits how many candidates are requested.
func WithMaxProposals(n int) LLMOption {
	return func(p *LLMProposer) {
		if n > 0 {
			p.maxProposals = n
		}
	}
}

// WithMetrics records breaker state changes.
func WithMetrics(m *telemetry.DispatchMetrics) LLMOption {
	return func(p *LLMProposer) { p.metrics = m }
}

// WithInputGuard screens goals before they are sent to the model. A blocked
// goal is planned by the fallback.
func WithInputGuard(g *guardrails.Guardrails) LLMOption {
	return func(p *LLMProposer) { p.guard = g }
}

// WithLLMLogger sets the logger.
func WithLLMLogger(l *slog.Logger) LLMOption {
	return func(p *LLMProposer) {
		if l != nil {
			p.logger = l
		}
	}
}

// LLMProposer asks a chat model for JSON plan proposals.
type LLMProposer struct {
	provider     llm.Provider
	model        string
	timeout      time.Duration
	breaker      *resilience.CircuitBreaker
	fallback     Proposer
	maxProposals int
	metrics      *telemetry.DispatchMetrics
	guard        *guardrails.Guardrails
	logger       *slog.Logger
}

// NewLLMProposer wraps provider.
func NewLLMProposer(provider llm.Provider, opts ...LLMOption) (*LLMProposer, error) {
	if provider == nil {
		return nil, errors.New(errors.CodeInvalidInput, "llm proposer needs a provider", nil)
	}
	p := &LLMProposer{
		provider:     provider,
		timeout:      20 * time.Second,
		breaker:      resilience.NewCircuitBreaker(resilience.BreakerConfig{Name: "planner.llm"}),
		maxProposals: 3,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Propose implements Proposer.
func (p *LLMProposer) Propose(ctx context.Context, goal string, snapshot map[string]any) ([]Proposal, error) {
	if err := p.guard.Check(ctx, goal); err != nil {
		return p.fallbackPropose(ctx, goal, snapshot, err)
	}
	return resilience.WithFallback(ctx,
		func(ctx context.Context) ([]Proposal, error) {
			defer func() {
				p.metrics.RecordBreakerState(ctx, "planner.llm", string(p.breaker.State()))
			}()
			raw, err := resilience.Call(ctx, p.breaker, func(ctx context.Context) (string, error) {
				return resilience.WithTimeoutResult(ctx, p.timeout, p.chat(goal, snapshot))
			})
			if err != nil {
				return nil, err
			}
			return ParseProposals(raw, goal)
		},
		func(ctx context.Context, err error) ([]Proposal, error) {
			return p.fallbackPropose(ctx, goal, snapshot, err)
		},
	)
}

func (p *LLMProposer) fallbackPropose(ctx context.Context, goal string, snapshot map[string]any, cause error) ([]Proposal, error) {
	p.logger.WarnContext(ctx, "planner.llm.fallback", slog.String("error", cause.Error()))
	if p.fallback != nil {
		return p.fallback.Propose(ctx, goal, snapshot)
	}
	return []Proposal{clarify(goal)}, nil
}

func (p *LLMProposer) chat(goal string, snapshot map[string]any) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		return llm.Complete(ctx, p.provider, llm.ChatRequest{
			Model:       p.model,
			Messages:    llm.Instruct(systemPrompt(p.maxProposals), userPrompt(goal, snapshot)),
			Temperature: 0.1,
			JSON:        true,
		})
	}
}

func systemPrompt(n int) string {
	return fmt.Sprintf(`You suggest executable plans for a local assistant.
Return a JSON array of up to %d proposal objects with keys:
  explanation: short text
  score: float 0..1
  steps: array of {intent: string, domain: string, entities: object, confidence: float 0..1, optional: bool, note: string}
Refer to data produced by an earlier step as {{ steps.N.field }}.
These are proposals only. Return only JSON.`, n)
}

func userPrompt(goal string, snapshot map[string]any) string {
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, snapshot[k]))
	}
	ctxSnip := strings.Join(parts, ", ")
	if utf8.RuneCountInString(ctxSnip) > maxContextChars {
		ctxSnip = string([]rune(ctxSnip)[:maxContextChars])
	}
	return "Goal: " + goal + "\nContext: " + ctxSnip
}

// ParseProposals decodes a model reply. The reply is parsed strictly first,
// then the outermost JSON array found in it is tried. A single proposal
// object is accepted too. send_message steps missing a contact or text are
// completed from the "to X saying Y" clauses of goal, in order.
func ParseProposals(raw, goal string) ([]Proposal, error) {
	proposals, err := decodeProposals([]byte(strings.TrimSpace(raw)))
	if err != nil {
		m := jsonArrayRe.FindStringSubmatch(raw)
		if m == nil {
			return nil, errors.New(errors.CodePlan, "llm output is not JSON", err)
		}
		if proposals, err = decodeProposals([]byte(m[1])); err != nil {
			return nil, errors.New(errors.CodePlan, "llm output is not JSON", err)
		}
	}
	if len(proposals) == 0 {
		return nil, errors.New(errors.CodePlan, "llm returned no proposals", nil)
	}

	msgs := MessageClauses(goal)
	for i := range proposals {
		msgIdx := 0
		for j := range proposals[i].Steps {
			step := &proposals[i].Steps[j]
			if step.Entities == nil {
				step.Entities = map[string]any{}
			}
			if step.Intent != "send_message" {
				continue
			}
			if msgIdx < len(msgs) {
				if s, _ := step.Entities["contact"].(string); strings.TrimSpace(s) == "" {
					step.Entities["contact"] = msgs[msgIdx].Contact
				}
				if s, _ := step.Entities["text"].(string); strings.TrimSpace(s) == "" {
					step.Entities["text"] = msgs[msgIdx].Text
				}
			}
			msgIdx++
			for _, key := range []string{"contact", "text"} {
				if s, ok := step.Entities[key].(string); ok {
					step.Entities[key] = strings.Trim(strings.TrimSpace(s), `"'`)
				}
			}
		}
		if proposals[i].Score == 0 {
			proposals[i].Score = 0.5
		}
	}
	return proposals, nil
}

func decodeProposals(data []byte) ([]Proposal, error) {
	var list []Proposal
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var single Proposal
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, err
	}
	if len(single.Steps) == 0 {
		return nil, fmt.Errorf("proposal object without steps")
	}
	return []Proposal{single}, nil
}
