// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

// Package gemini backs llm.Provider with the Google Gen AI SDK.
package gemini

import (
	"context"
	"strings"

	"google.golang.org/genai"

	"github.com/jllopis/kyrax/pkg/errors"
	"github.com/jllopis/kyrax/pkg/llm"
)

const defaultModel = "gemini-2.0-flash"

// Provider sends chat requests to the Gemini API.
type Provider struct {
	client *genai.Client
	model  string
}

// Option configures a Provider.
type Option func(*Provider)

// WithModel overrides the default model. Empty names are ignored.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// New connects to the Gemini API. With an empty apiKey the SDK falls back
// to GOOGLE_API_KEY or GEMINI_API_KEY.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "gemini client", err)
	}
	p := &Provider{client: client, model: defaultModel}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Chat implements llm.Provider.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	system, turns := splitSystem(req.Messages)
	resp, err := p.client.Models.GenerateContent(ctx, model, turns, generation(req, system))
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "gemini generate", err).
			WithContext("model", model).
			WithRecoverable(ctx.Err() == nil)
	}
	return reply(resp), nil
}

// splitSystem joins system messages into one instruction and maps the
// remaining turns to Gemini roles.
func splitSystem(messages []llm.Message) (string, []*genai.Content) {
	var system []string
	turns := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		role := genai.Role(genai.RoleUser)
		if m.Role == llm.RoleAssistant {
			role = genai.RoleModel
		}
		turns = append(turns, genai.NewContentFromText(m.Content, role))
	}
	return strings.Join(system, "\n\n"), turns
}

func generation(req llm.ChatRequest, system string) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	return cfg
}

func reply(resp *genai.GenerateContentResponse) *llm.ChatResponse {
	out := &llm.ChatResponse{}
	if resp == nil {
		return out
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		var b strings.Builder
		for _, part := range resp.Candidates[0].Content.Parts {
			if part != nil {
				b.WriteString(part.Text)
			}
		}
		out.Content = b.String()
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out
}
