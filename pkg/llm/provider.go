// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

// Package llm is the small chat contract behind the LLM analyzer and the LLM
// planner. Backends live in this package (Ollama) and in subpackages.
package llm

import (
	"context"
	"strings"

	"github.com/jllopis/kyrax/pkg/errors"
)

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Instruct builds the system plus user pair every Kyrax prompt uses.
func Instruct(system, user string) []Message {
	return []Message{
		{Role: RoleSystem, Content: system},
		{Role: RoleUser, Content: user},
	}
}

// ChatRequest is a single non-streaming completion. An empty Model lets the
// provider pick its configured default.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	// JSON constrains the reply to a JSON document where the backend can.
	JSON bool `json:"-"`
}

// ChatResponse is the assistant reply.
type ChatResponse struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Usage counts tokens when the backend reports them.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Provider is a chat backend.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Complete sends req and returns the reply text. A nil or blank reply is an
// error so callers can fall back.
func Complete(ctx context.Context, p Provider, req ChatRequest) (string, error) {
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", errors.New(errors.CodeSchema, "empty llm response", nil)
	}
	return resp.Content, nil
}
