// Package mcp connects Kyrax to the Model Context Protocol in both
// directions: remote MCP tools can back skills, and the engine itself can be
// served as MCP tools over stdio.
package mcp

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jllopis/kyrax/pkg/errors"
	"github.com/jllopis/kyrax/pkg/resilience"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultRetries  = 2
	defaultBackoff  = 200 * time.Millisecond
	defaultCacheTTL = 30 * time.Second

	clientName    = "kyrax"
	clientVersion = "0.1.0"
)

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithTimeout bounds each request, including every retry attempt.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithRetry sets how many times a failed request is repeated and the first
// delay. A zero backoff keeps the default.
func WithRetry(retries int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		if retries >= 0 {
			c.retries = retries
		}
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

// WithToolCacheTTL keeps tools/list results for ttl. Zero disables caching.
func WithToolCacheTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		if ttl >= 0 {
			c.tools.ttl = ttl
		}
	}
}

// Client is an initialized MCP session used as a skill backend.
type Client struct {
	session client.MCPClient
	timeout time.Duration
	retries int
	backoff time.Duration
	tools   toolCache
}

// NewClient wraps a session that is already initialized.
func NewClient(session client.MCPClient, opts ...ClientOption) *Client {
	c := &Client{
		session: session,
		timeout: defaultTimeout,
		retries: defaultRetries,
		backoff: defaultBackoff,
		tools:   toolCache{ttl: defaultCacheTTL},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DialStdio runs command as a subprocess speaking MCP on its stdio.
func DialStdio(ctx context.Context, command string, env, args []string, opts ...ClientOption) (*Client, error) {
	session, err := client.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "start mcp subprocess", err).WithContext("command", command)
	}
	return open(ctx, session, command, opts)
}

// DialHTTP connects to a streamable HTTP MCP endpoint.
func DialHTTP(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	session, err := client.NewStreamableHttpClient(url)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "mcp endpoint", err).WithContext("url", url)
	}
	return open(ctx, session, url, opts)
}

// open starts the transport and performs the initialize handshake.
func open(ctx context.Context, session *client.Client, target string, opts []ClientOption) (*Client, error) {
	if err := session.Start(ctx); err != nil {
		return nil, errors.New(errors.CodeInternal, "start mcp transport", err).WithContext("target", target)
	}
	hsCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var req mcp.InitializeRequest
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	if _, err := session.Initialize(hsCtx, req); err != nil {
		_ = session.Close()
		return nil, errors.New(errors.CodeInternal, "mcp handshake", err).WithContext("target", target)
	}
	return NewClient(session, opts...), nil
}

// ListTools returns the tools of the server, cached for the configured TTL.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if tools, ok := c.tools.get(); ok {
		return tools, nil
	}
	resp, err := call(ctx, c, func(ctx context.Context) (*mcp.ListToolsResult, error) {
		return c.session.ListTools(ctx, mcp.ListToolsRequest{})
	})
	if err != nil {
		return nil, err
	}
	c.tools.put(resp.Tools)
	return resp.Tools, nil
}

// CallTool runs a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return call(ctx, c, func(ctx context.Context) (*mcp.CallToolResult, error) {
		return c.session.CallTool(ctx, req)
	})
}

// Close ends the session. For stdio sessions this stops the subprocess.
func (c *Client) Close() error {
	return c.session.Close()
}

// call runs fn under the client's timeout and retry policy. Once ctx is
// done nothing is retried.
func call[T any](ctx context.Context, c *Client, fn func(context.Context) (T, error)) (T, error) {
	policy := resilience.RetryConfig{
		MaxAttempts:  c.retries + 1,
		InitialDelay: c.backoff,
		MaxDelay:     10 * c.backoff,
		IsRecoverable: func(err error) bool {
			return ctx.Err() == nil && !stderrors.Is(err, context.Canceled)
		},
	}
	return resilience.Retry(ctx, policy, func(ctx context.Context) (T, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return fn(attemptCtx)
	})
}

type toolCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	tools   []mcp.Tool
	expires time.Time
}

func (tc *toolCache) get() ([]mcp.Tool, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.ttl == 0 || tc.tools == nil || time.Now().After(tc.expires) {
		return nil, false
	}
	return append([]mcp.Tool(nil), tc.tools...), true
}

func (tc *toolCache) put(tools []mcp.Tool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.ttl == 0 {
		return
	}
	tc.tools = append(make([]mcp.Tool, 0, len(tools)), tools...)
	tc.expires = time.Now().Add(tc.ttl)
}
