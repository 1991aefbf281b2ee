package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jllopis/kyrax/pkg/errors"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaProvider talks to the Ollama /api/chat endpoint.
type OllamaProvider struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllama returns a provider for baseURL (default localhost:11434). model
// is used for requests that do not name one.
func NewOllama(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	return &OllamaProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 2 * time.Minute},
	}
}

type ollamaChat struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaReply struct {
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	EvalCount       int     `json:"eval_count"`
	PromptEvalCount int     `json:"prompt_eval_count"`
}

func (p *OllamaProvider) request(req ChatRequest) ollamaChat {
	out := ollamaChat{Model: req.Model, Messages: req.Messages}
	if out.Model == "" {
		out.Model = p.model
	}
	if req.JSON {
		out.Format = "json"
	}
	if req.Temperature != 0 {
		out.Options = map[string]any{"temperature": req.Temperature}
	}
	return out
}

// Chat implements Provider. Server errors (5xx) and transport failures are
// marked recoverable.
func (p *OllamaProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(p.request(req))
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "encode ollama request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "build ollama request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "ollama unreachable", err).
			WithContext("url", p.baseURL).
			WithRecoverable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.New(errors.CodeInternal, "ollama returned "+resp.Status, nil).
			WithContext("body", string(bytes.TrimSpace(snippet))).
			WithRecoverable(resp.StatusCode >= http.StatusInternalServerError)
	}

	var reply ollamaReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, errors.New(errors.CodeSchema, "decode ollama reply", err)
	}
	return &ChatResponse{
		Content: reply.Message.Content,
		Usage: Usage{
			PromptTokens:     reply.PromptEvalCount,
			CompletionTokens: reply.EvalCount,
			TotalTokens:      reply.PromptEvalCount + reply.EvalCount,
		},
	}, nil
}
