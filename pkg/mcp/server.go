package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jllopis/kyrax/pkg/core"
	"github.com/jllopis/kyrax/pkg/governance"
	"github.com/jllopis/kyrax/pkg/intent"
	"github.com/jllopis/kyrax/pkg/orchestrator"
	"github.com/jllopis/kyrax/pkg/planner"
)

// Engine is the orchestration surface served over MCP.
// *orchestrator.Engine implements it.
type Engine interface {
	Handle(ctx context.Context, text string) (*orchestrator.Outcome, error)
	HandleRaw(ctx context.Context, raw intent.Raw) (*orchestrator.Outcome, error)
	Plan(ctx context.Context, goal string) (*planner.Plan, error)
	Confirm(ctx context.Context, token string) (*orchestrator.Outcome, error)
	Decline(ctx context.Context, token string) error
	Pending(ctx context.Context) ([]governance.Held, error)
}

// Tool names exposed by the server.
const (
	ToolHandleIntent = "handle_intent"
	ToolProposePlan  = "propose_plan"
	ToolConfirm      = "confirm"
	ToolPending      = "pending"
)

// Server exposes an Engine as MCP tools.
type Server struct {
	engine    Engine
	mcpServer *server.MCPServer
	logger    *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a server named name and registers the engine tools.
func NewServer(engine Engine, name, version string, opts ...ServerOption) *Server {
	s := &Server{
		engine:    engine,
		mcpServer: server.NewMCPServer(name, version, server.WithToolCapabilities(false)),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool(ToolHandleIntent,
		mcp.WithDescription("Understand and run a request. Pass free text, or an intent with entities to skip understanding."),
		mcp.WithString("text", mcp.Description("Natural language request")),
		mcp.WithString("intent", mcp.Description("Intent name, e.g. send_message")),
		mcp.WithObject("entities", mcp.Description("Entities of the intent")),
		mcp.WithNumber("confidence", mcp.Description("Confidence of a direct intent, defaults to 1")),
	), s.handleIntent)

	s.mcpServer.AddTool(mcp.NewTool(ToolProposePlan,
		mcp.WithDescription("Propose and validate a multi-step plan for a goal without running it."),
		mcp.WithString("goal", mcp.Required(), mcp.Description("Goal to plan for")),
	), s.proposePlan)

	s.mcpServer.AddTool(mcp.NewTool(ToolConfirm,
		mcp.WithDescription("Approve or decline a command held for confirmation."),
		mcp.WithString("token", mcp.Required(), mcp.Description("Confirmation token")),
		mcp.WithBoolean("approve", mcp.Description("false declines the command"), mcp.DefaultBool(true)),
	), s.confirm)

	s.mcpServer.AddTool(mcp.NewTool(ToolPending,
		mcp.WithDescription("List commands waiting for confirmation."),
	), s.pending)
}

// ServeStdio serves the tools on stdin and stdout until the input closes.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcpServer }

func (s *Server) handleIntent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := strings.TrimSpace(req.GetString("intent", ""))
	text := strings.TrimSpace(req.GetString("text", ""))

	var (
		out *orchestrator.Outcome
		err error
	)
	switch {
	case name != "":
		entities, _ := req.GetArguments()["entities"].(map[string]any)
		out, err = s.engine.HandleRaw(ctx, intent.Raw{
			Intent:     name,
			Entities:   entities,
			Confidence: req.GetFloat("confidence", 1),
			Source:     core.SourceUserDirect,
			Text:       text,
		})
	case text != "":
		out, err = s.engine.Handle(ctx, text)
	default:
		return mcp.NewToolResultError("either text or intent is required"), nil
	}
	if err != nil {
		s.logger.Warn("mcp.handle_intent.failed", slog.String("error", err.Error()))
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(out)
}

func (s *Server) proposePlan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	goal, err := req.RequireString("goal")
	if err != nil || strings.TrimSpace(goal) == "" {
		return mcp.NewToolResultError("goal is required"), nil
	}
	plan, err := s.engine.Plan(ctx, goal)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(plan)
}

func (s *Server) confirm(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := req.RequireString("token")
	if err != nil || token == "" {
		return mcp.NewToolResultError("token is required"), nil
	}
	if !req.GetBool("approve", true) {
		if err := s.engine.Decline(ctx, token); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText("declined " + token), nil
	}
	out, err := s.engine.Confirm(ctx, token)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(out)
}

func (s *Server) pending(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	held, err := s.engine.Pending(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if held == nil {
		held = []governance.Held{}
	}
	return jsonResult(held)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError("encode result: " + err.Error()), nil
	}
	res := mcp.NewToolResultText(string(raw))
	var structured any
	if err := json.Unmarshal(raw, &structured); err == nil {
		res.StructuredContent = structured
	}
	return res, nil
}
