package builtin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jllopis/kyrax/pkg/core"
)

func (c *config) messaging(ctx context.Context, cmd core.Command, _ map[string]any) (core.SkillResult, error) {
	contact := entityText(cmd, "contact")
	text := entityText(cmd, "text")
	app := entityText(cmd, "app")
	if app == "" {
		app = "whatsapp"
	}
	if contact == "" {
		return missing("contact"), nil
	}
	if text == "" {
		return missing("text"), nil
	}

	msg := Message{App: app, Contact: contact, Text: text, DryRun: c.dryRun || c.sender == nil, SentAt: c.now()}
	if !msg.DryRun {
		if err := c.sender.Send(ctx, app, contact, text); err != nil {
			return core.NewResult(false, fmt.Sprintf("send via %s failed: %v", app, err),
				map[string]any{"contact": contact, "app": app}, core.CodeHandlerError), nil
		}
	}
	if c.outbox != nil {
		c.outbox.add(msg)
	}
	c.logger.InfoContext(ctx, "skill.messaging.sent",
		slog.String("app", app),
		slog.String("contact", contact),
		slog.Bool("dry_run", msg.DryRun),
	)
	return core.OK(describe(fmt.Sprintf("Message sent to %s via %s", contact, app), msg.DryRun), map[string]any{
		"contact": contact,
		"text":    text,
		"app":     app,
		"dry_run": msg.DryRun,
	}), nil
}

func entityText(cmd core.Command, key string) string {
	v, ok := cmd.Entity(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func missing(key string) core.SkillResult {
	return core.NewResult(false, fmt.Sprintf("no %s provided", key), map[string]any{"missing": key}, core.CodeHandlerError)
}

func describe(msg string, dryRun bool) string {
	if dryRun {
		return msg + " (dry-run)"
	}
	return msg
}
