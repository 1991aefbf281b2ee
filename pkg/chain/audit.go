package chain

import (
	"context"
	"log/slog"

	"github.com/jllopis/kyrax/pkg/audit"
)

// AuditLogHook appends every step to log.
func AuditLogHook(log audit.Log, logger *slog.Logger) AuditHook {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, ev StepEvent) {
		payload := map[string]any{
			"step":       ev.Index,
			"total":      ev.Total,
			"intent":     ev.Command.Intent(),
			"domain":     ev.Command.Domain(),
			"code":       string(ev.Result.Code()),
			"success":    ev.Result.Success(),
			"elapsed_ms": ev.Elapsed.Milliseconds(),
		}
		if _, err := log.Append(ctx, audit.EventChainStep, ev.RunID, payload); err != nil {
			logger.WarnContext(ctx, "chain.audit.failed", slog.String("error", err.Error()))
		}
	}
}
