package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jllopis/kyrax/pkg/core"
	"github.com/jllopis/kyrax/pkg/errors"
	"github.com/jllopis/kyrax/pkg/skills"
)

// HandlerName is the SKILL.md handler that binds a manifest to an MCP tool.
// The manifest metadata names the server and, optionally, the tool:
//
//	handler: mcp
//	metadata:
//	  server: calendar
//	  tool: create_event
const HandlerName = "mcp"

// ToolCaller runs MCP tools. *Client implements it.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// ToolExec returns an executor that forwards a command to tool. The command
// entities become the tool arguments. An empty tool uses the command intent.
func ToolExec(caller ToolCaller, tool string) skills.ExecFunc {
	return func(ctx context.Context, cmd core.Command, _ map[string]any) (core.SkillResult, error) {
		name := tool
		if name == "" {
			name = cmd.Intent()
		}
		args, err := toolArgs(cmd.Entities())
		if err != nil {
			return core.SkillResult{}, err
		}
		res, err := caller.CallTool(ctx, name, args)
		if err != nil {
			if ctx.Err() != nil {
				return core.SkillResult{}, errors.New(errors.CodeTimeout, fmt.Sprintf("mcp tool %q", name), err)
			}
			return core.SkillResult{}, errors.New(errors.CodeHandlerError, fmt.Sprintf("mcp tool %q", name), err)
		}
		return toSkillResult(name, res), nil
	}
}

// Bind registers a skill for every manifest whose handler is "mcp" and whose
// server is in callers. The names of the remaining manifests are returned.
func Bind(r *skills.Registry, manifests []skills.Manifest, callers map[string]ToolCaller) ([]string, error) {
	var unbound []string
	for _, m := range manifests {
		if m.Handler != HandlerName {
			unbound = append(unbound, m.Name)
			continue
		}
		caller, ok := callers[m.Metadata["server"]]
		if !ok {
			unbound = append(unbound, m.Name)
			continue
		}
		if err := r.Register(skills.Declared(m, ToolExec(caller, m.Metadata["tool"]))); err != nil {
			return unbound, err
		}
	}
	return unbound, nil
}

// toolArgs round-trips entities through JSON so only wire-safe values reach
// the server.
func toolArgs(entities map[string]any) (map[string]any, error) {
	if len(entities) == 0 {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(entities)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "entities are not JSON encodable", err)
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "entities are not JSON encodable", err)
	}
	return args, nil
}

func toSkillResult(tool string, res *mcp.CallToolResult) core.SkillResult {
	if res == nil {
		return core.Fail(core.CodeHandlerError, fmt.Sprintf("mcp tool %q returned nothing", tool))
	}
	text := textContent(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return core.Fail(core.CodeHandlerError, fmt.Sprintf("mcp tool %q: %s", tool, text))
	}
	data := map[string]any{"tool": tool}
	switch sc := res.StructuredContent.(type) {
	case nil:
	case map[string]any:
		for k, v := range sc {
			data[k] = v
		}
	default:
		data["output"] = sc
	}
	if text != "" {
		data["text"] = text
	}
	msg := text
	if msg == "" {
		msg = fmt.Sprintf("OK: %s", tool)
	}
	return core.OK(msg, data)
}

func textContent(items []mcp.Content) string {
	var parts []string
	for _, item := range items {
		switch c := item.(type) {
		case mcp.TextContent:
			parts = append(parts, c.Text)
		case *mcp.TextContent:
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}
