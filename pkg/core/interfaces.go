package core

import "context"

// Skill is a pluggable executor for one domain of action.
// Expected failures are reported through SkillResult; a returned error or a
// panic is treated as unexpected by the dispatcher.
type Skill interface {
	Name() string
	CanHandle(cmd Command) bool
	Execute(ctx context.Context, cmd Command, execCtx map[string]any) (SkillResult, error)
}

// Executor dispatches a single command.
type Executor interface {
	Execute(ctx context.Context, cmd Command, execCtx map[string]any) SkillResult
}

// Memory is the short-term context fed after every dispatch.
type Memory interface {
	Update(cmd Command, result SkillResult)
	GetAll() map[string]any
}
