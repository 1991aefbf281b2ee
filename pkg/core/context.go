package core

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey int

const (
	keyRunID ctxKey = iota
	keyActor
	keyConfirmed
	keyWorkflow
)

// WithRunID stores the id that correlates audit entries, spans and logs of
// one request.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRunID, id)
}

// RunID returns the run id stored in ctx.
func RunID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(keyRunID).(string)
	return id, ok && id != ""
}

// EnsureRunID returns ctx unchanged when it already has a run id, otherwise
// a child carrying a fresh "run-<uuid>".
func EnsureRunID(ctx context.Context) (context.Context, string) {
	if id, ok := RunID(ctx); ok {
		return ctx, id
	}
	id := "run-" + uuid.NewString()
	return WithRunID(ctx, id), id
}

// WithActor stores who is issuing commands.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, keyActor, actor)
}

// ActorFromContext returns the stored actor or Anonymous.
func ActorFromContext(ctx context.Context) Actor {
	if a, ok := ctx.Value(keyActor).(Actor); ok {
		return a
	}
	return Anonymous
}

// WithConfirmed marks commands run under ctx as approved by the user.
func WithConfirmed(ctx context.Context) context.Context {
	return context.WithValue(ctx, keyConfirmed, true)
}

// Confirmed reports whether WithConfirmed was applied.
func Confirmed(ctx context.Context) bool {
	ok, _ := ctx.Value(keyConfirmed).(bool)
	return ok
}

// WithWorkflowID marks commands run under ctx as steps of a persisted
// workflow.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyWorkflow, id)
}

// WorkflowID returns the workflow the current step belongs to.
func WorkflowID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(keyWorkflow).(string)
	return id, ok && id != ""
}
