package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jllopis/kyrax/pkg/core"
)

func (c *config) iot(ctx context.Context, cmd core.Command, _ map[string]any) (core.SkillResult, error) {
	device := entityText(cmd, "device")
	if device == "" {
		return missing("device"), nil
	}
	payload := map[string]any{"action": cmd.Intent(), "device": device}
	if loc := entityText(cmd, "location"); loc != "" {
		payload["location"] = loc
	}
	if v, ok := cmd.Entity("value"); ok && v != nil {
		payload["value"] = v
	}
	topic := "kyrax/iot/" + strings.ReplaceAll(strings.ToLower(device), " ", "_")

	dryRun := c.dryRun || c.publisher == nil
	if !dryRun {
		body, err := json.Marshal(payload)
		if err != nil {
			return core.Fail(core.CodeHandlerError, err.Error()), nil
		}
		if err := c.publisher.Publish(ctx, topic, body); err != nil {
			return core.NewResult(false, fmt.Sprintf("publish failed: %v", err), map[string]any{"topic": topic}, core.CodeHandlerError), nil
		}
	}
	return core.OK(describe(fmt.Sprintf("%s sent to %s", cmd.Intent(), device), dryRun), map[string]any{
		"topic":   topic,
		"payload": payload,
		"device":  device,
		"dry_run": dryRun,
	}), nil
}
