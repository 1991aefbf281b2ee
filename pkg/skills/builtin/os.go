package builtin

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/jllopis/kyrax/pkg/core"
)

var powerActions = map[string]bool{"shutdown": true, "restart": true, "sleep": true, "factory_reset": true}

func (c *config) osControl(ctx context.Context, cmd core.Command, _ map[string]any) (core.SkillResult, error) {
	action := cmd.Intent()
	args := map[string]any{}
	switch action {
	case "open_app":
		app := entityText(cmd, "app")
		if app == "" {
			return missing("app"), nil
		}
		args["app"] = app
	case "play_music":
		query := entityText(cmd, "query")
		if query == "" {
			return missing("query"), nil
		}
		args["query"] = query
		args["app"] = entityText(cmd, "app")
	case "set_volume":
		v, _ := cmd.Entity("level")
		level, ok := toLevel(v)
		if !ok {
			return core.NewResult(false, "volume level must be an integer 0..100", map[string]any{"level": v}, core.CodeHandlerError), nil
		}
		args["level"] = level
	case "set_do_not_disturb":
		state := strings.ToLower(entityText(cmd, "state"))
		if state != "on" && state != "off" {
			return core.NewResult(false, fmt.Sprintf("unknown do not disturb state %q", state), map[string]any{"state": state}, core.CodeHandlerError), nil
		}
		args["state"] = state
	default:
		if !powerActions[action] {
			return core.Fail(core.CodeNoHandler, fmt.Sprintf("os cannot handle %q", action)), nil
		}
	}

	dryRun := c.dryRun || c.backend == nil
	if !dryRun {
		if err := c.backend.Run(ctx, action, args); err != nil {
			return core.NewResult(false, action+"_failed", map[string]any{"action": action, "error": err.Error()}, core.CodeHandlerError), nil
		}
	}
	c.logger.InfoContext(ctx, "skill.os.action", slog.String("action", action), slog.Bool("dry_run", dryRun))
	data := core.CloneMap(args)
	data["action"] = action
	data["dry_run"] = dryRun
	return core.OK(describe("OK: "+action, dryRun), data), nil
}

func toLevel(v any) (int, bool) {
	var f float64
	switch t := v.(type) {
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case float64:
		f = t
	case string:
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(t), "%"))
		if err != nil {
			return 0, false
		}
		f = float64(n)
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	return int(math.Max(0, math.Min(100, math.Round(f)))), true
}
