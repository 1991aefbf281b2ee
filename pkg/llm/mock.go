package llm

import (
	"context"
	"sync"

	"github.com/jllopis/kyrax/pkg/errors"
)

// MockProvider answers every request with Response or Err. ChatFunc, when
// set, takes precedence.
type MockProvider struct {
	Response string
	Err      error
	ChatFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Chat implements Provider.
func (m *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	switch {
	case m.ChatFunc != nil:
		return m.ChatFunc(ctx, req)
	case m.Err != nil:
		return nil, m.Err
	}
	return &ChatResponse{Content: m.Response}, nil
}

// ScriptedMockProvider replays Responses in order and keeps every request.
type ScriptedMockProvider struct {
	mu        sync.Mutex
	Responses []string
	Requests  []ChatRequest
}

// NewScriptedMockProvider queues responses.
func NewScriptedMockProvider(responses ...string) *ScriptedMockProvider {
	return &ScriptedMockProvider{Responses: responses}
}

// Chat implements Provider. It fails once the script is exhausted.
func (s *ScriptedMockProvider) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Requests = append(s.Requests, req)
	if len(s.Responses) == 0 {
		return nil, errors.New(errors.CodeInternal, "scripted provider exhausted", nil).
			WithContext("requests", len(s.Requests))
	}
	next := s.Responses[0]
	s.Responses = s.Responses[1:]
	return &ChatResponse{Content: next}, nil
}
