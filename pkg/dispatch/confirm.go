package dispatch

import (
	"context"
	"log/slog"

	"github.com/jllopis/kyrax/pkg/audit"
	"github.com/jllopis/kyrax/pkg/core"
	"github.com/jllopis/kyrax/pkg/errors"
	"github.com/jllopis/kyrax/pkg/governance"
)

// Confirm resolves a held command and dispatches it as the actor that issued
// it, with the confirmation check satisfied. The rest of the guard still
// applies. A token is consumed by its first use.
func (d *Dispatcher) Confirm(ctx context.Context, token string, execCtx map[string]any) (core.Command, core.SkillResult, error) {
	if d.confirmations == nil {
		return core.Command{}, core.SkillResult{}, errors.New(errors.CodeInvalidInput, "no confirmation store configured", nil)
	}
	held, err := d.confirmations.Resolve(ctx, token)
	if err != nil {
		return core.Command{}, core.SkillResult{}, err
	}
	ctx, runID := core.EnsureRunID(ctx)
	d.record(ctx, audit.EventConfirmationResolved, runID, map[string]any{
		"token":  token,
		"intent": held.Command.Intent(),
		"actor":  held.ActorID,
	})
	d.logger.InfoContext(ctx, "dispatch.confirmation.resolved",
		slog.String("token", token),
		slog.String("intent", held.Command.Intent()),
	)
	ctx = core.WithConfirmed(core.WithActor(ctx, held.Actor()))
	return held.Command, d.Execute(ctx, held.Command, execCtx), nil
}

// Decline discards a held command without running it.
func (d *Dispatcher) Decline(ctx context.Context, token string) error {
	if d.confirmations == nil {
		return errors.New(errors.CodeInvalidInput, "no confirmation store configured", nil)
	}
	if err := d.confirmations.Discard(ctx, token); err != nil {
		return err
	}
	runID, _ := core.RunID(ctx)
	d.record(ctx, audit.EventConfirmationDiscarded, runID, map[string]any{"token": token})
	return nil
}

// Pending lists commands waiting for confirmation.
func (d *Dispatcher) Pending(ctx context.Context) ([]governance.Held, error) {
	if d.confirmations == nil {
		return nil, nil
	}
	return d.confirmations.Pending(ctx)
}
