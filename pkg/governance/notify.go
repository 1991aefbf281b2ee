package governance

import (
	"context"
	"errors"
	"log/slog"
)

// Notifier announces that a command is waiting for confirmation.
type Notifier interface {
	Notify(ctx context.Context, h Held) error
}

// LogNotifier writes held commands to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(ctx context.Context, h Held) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "guard.confirmation.held",
		slog.String("token", h.Token),
		slog.String("intent", h.Command.Intent()),
		slog.String("actor", h.ActorID),
		slog.String("reason", h.Reason),
		slog.Time("expires_at", h.ExpiresAt),
	)
	return nil
}

// MultiNotifier fans out to every notifier and joins their errors.
type MultiNotifier []Notifier

// Notify implements Notifier.
func (m MultiNotifier) Notify(ctx context.Context, h Held) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
