// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

package gemini

import (
	"testing"

	"google.golang.org/genai"

	"github.com/jllopis/kyrax/pkg/llm"
)

var _ llm.Provider = (*Provider)(nil)

func TestWithModel(t *testing.T) {
	p := &Provider{model: defaultModel}
	WithModel("gemini-1.5-pro")(p)
	WithModel("")(p)
	if p.model != "gemini-1.5-pro" {
		t.Fatalf("model = %q, want gemini-1.5-pro", p.model)
	}
}

func TestSplitSystem(t *testing.T) {
	system, turns := splitSystem([]llm.Message{
		{Role: llm.RoleSystem, Content: "You parse intents"},
		{Role: llm.RoleUser, Content: "open spotify"},
		{Role: llm.RoleAssistant, Content: "{}"},
		{Role: llm.RoleSystem, Content: "JSON only"},
	})
	if system != "You parse intents\n\nJSON only" {
		t.Fatalf("system = %q", system)
	}
	if len(turns) != 2 || turns[0].Role != "user" || turns[1].Role != "model" {
		t.Fatalf("turns = %+v", turns)
	}
	if turns[0].Parts[0].Text != "open spotify" {
		t.Fatalf("first turn = %q", turns[0].Parts[0].Text)
	}
}

func TestGeneration(t *testing.T) {
	cfg := generation(llm.ChatRequest{Temperature: 0.2, JSON: true}, "sys")
	if cfg.ResponseMIMEType != "application/json" {
		t.Fatalf("mime = %q", cfg.ResponseMIMEType)
	}
	if cfg.Temperature == nil || *cfg.Temperature != float32(0.2) {
		t.Fatal("temperature not set")
	}
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "sys" {
		t.Fatal("system instruction not set")
	}

	bare := generation(llm.ChatRequest{}, "")
	if bare.SystemInstruction != nil || bare.Temperature != nil || bare.ResponseMIMEType != "" {
		t.Fatalf("unexpected config %+v", bare)
	}
}

func TestReply(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				nil,
				{Text: `{"intent":`},
				{Text: `"open_app"}`},
			}},
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     3,
			CandidatesTokenCount: 4,
			TotalTokenCount:      7,
		},
	}
	out := reply(resp)
	if out.Content != `{"intent":"open_app"}` || out.Usage.TotalTokens != 7 {
		t.Fatalf("reply = %+v", out)
	}
	if reply(nil).Content != "" {
		t.Fatal("nil response not empty")
	}
}
