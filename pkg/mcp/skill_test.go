package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/jllopis/kyrax/pkg/core"
	kerrors "github.com/jllopis/kyrax/pkg/errors"
	"github.com/jllopis/kyrax/pkg/skills"
)

type stubCaller struct {
	name   string
	args   map[string]any
	result *mcpgo.CallToolResult
	err    error
}

func (s *stubCaller) CallTool(_ context.Context, name string, args map[string]any) (*mcpgo.CallToolResult, error) {
	s.name = name
	s.args = args
	return s.result, s.err
}

func command(name string, entities map[string]any) core.Command {
	return core.NewCommand(core.CommandSpec{Intent: name, Domain: "calendar", Entities: entities, Confidence: 1})
}

func TestToolExec(t *testing.T) {
	tests := []struct {
		name     string
		tool     string
		result   *mcpgo.CallToolResult
		wantTool string
		success  bool
		code     core.ResultCode
		message  string
		data     map[string]any
	}{
		{
			name:     "text result",
			tool:     "create_event",
			result:   mcpgo.NewToolResultText("event created"),
			wantTool: "create_event",
			success:  true,
			code:     core.CodeOK,
			message:  "event created",
			data:     map[string]any{"tool": "create_event", "text": "event created"},
		},
		{
			name: "structured result uses intent as tool",
			result: &mcpgo.CallToolResult{
				StructuredContent: map[string]any{"id": "ev-1"},
			},
			wantTool: "schedule_meeting",
			success:  true,
			code:     core.CodeOK,
			message:  "OK: schedule_meeting",
			data:     map[string]any{"tool": "schedule_meeting", "id": "ev-1"},
		},
		{
			name: "tool error",
			tool: "create_event",
			result: &mcpgo.CallToolResult{
				IsError: true,
				Content: []mcpgo.Content{mcpgo.TextContent{Type: "text", Text: "calendar locked"}},
			},
			wantTool: "create_event",
			code:     core.CodeHandlerError,
			message:  `mcp tool "create_event": calendar locked`,
		},
		{
			name:     "nil result",
			tool:     "create_event",
			wantTool: "create_event",
			code:     core.CodeHandlerError,
			message:  `mcp tool "create_event" returned nothing`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller := &stubCaller{result: tt.result}
			exec := ToolExec(caller, tt.tool)
			res, err := exec(context.Background(), command("schedule_meeting", map[string]any{"title": "standup", "at": 9}), nil)
			if err != nil {
				t.Fatalf("exec: %v", err)
			}
			if caller.name != tt.wantTool {
				t.Fatalf("tool = %q, want %q", caller.name, tt.wantTool)
			}
			if diff := cmp.Diff(map[string]any{"title": "standup", "at": float64(9)}, caller.args); diff != "" {
				t.Fatalf("args mismatch (-want +got):\n%s", diff)
			}
			if res.Success() != tt.success || res.Code() != tt.code || res.Message() != tt.message {
				t.Fatalf("result = %v %s %q", res.Success(), res.Code(), res.Message())
			}
			if tt.data != nil {
				if diff := cmp.Diff(tt.data, res.Data()); diff != "" {
					t.Fatalf("data mismatch (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestToolExecCallError(t *testing.T) {
	caller := &stubCaller{err: errors.New("broken pipe")}
	_, err := ToolExec(caller, "create_event")(context.Background(), command("schedule_meeting", nil), nil)
	if !kerrors.HasCode(err, kerrors.CodeHandlerError) {
		t.Fatalf("expected HANDLER_ERROR, got %v", err)
	}
	if caller.args == nil || len(caller.args) != 0 {
		t.Fatalf("expected empty argument map, got %#v", caller.args)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ToolExec(caller, "create_event")(ctx, command("schedule_meeting", nil), nil)
	if !kerrors.HasCode(err, kerrors.CodeTimeout) {
		t.Fatalf("expected TIMEOUT for a cancelled call, got %v", err)
	}
}

func TestBind(t *testing.T) {
	manifests := []skills.Manifest{
		{Name: "calendar", Description: "calendar tools", Intents: []string{"schedule_meeting"}, Handler: HandlerName, Metadata: map[string]string{"server": "cal", "tool": "create_event"}},
		{Name: "tickets", Description: "ticket tools", Intents: []string{"open_ticket"}, Handler: HandlerName, Metadata: map[string]string{"server": "jira"}},
		{Name: "notes", Description: "notes", Intents: []string{"take_note"}, Handler: "files"},
	}
	caller := &stubCaller{result: mcpgo.NewToolResultText("ok")}
	reg, err := skills.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	unbound, err := Bind(reg, manifests, map[string]ToolCaller{"cal": caller})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if diff := cmp.Diff([]string{"tickets", "notes"}, unbound); diff != "" {
		t.Fatalf("unbound mismatch (-want +got):\n%s", diff)
	}

	skill, ok := reg.FindHandler(command("schedule_meeting", nil))
	if !ok || skill.Name() != "calendar" {
		t.Fatalf("expected calendar skill, got %v %v", skill, ok)
	}
	if _, err := skill.Execute(context.Background(), command("schedule_meeting", nil), nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if caller.name != "create_event" {
		t.Fatalf("tool = %q", caller.name)
	}
}
