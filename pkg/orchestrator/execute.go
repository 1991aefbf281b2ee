package orchestrator

import (
	"context"
	"log/slog"

	"github.com/jllopis/kyrax/pkg/chain"
	"github.com/jllopis/kyrax/pkg/core"
	"github.com/jllopis/kyrax/pkg/errors"
	"github.com/jllopis/kyrax/pkg/governance"
	"github.com/jllopis/kyrax/pkg/workflow"
)

// execute runs commands through the chain executor, persisting the run when
// a workflow store is configured. A step held for confirmation is offered to
// the confirmer; when approved the chain continues after it.
func (e *Engine) execute(ctx context.Context, goal string, cmds []core.Command) *Outcome {
	out := &Outcome{Commands: cmds}
	if e.workflows != nil {
		e.executeWorkflow(ctx, goal, cmds, out)
	} else {
		out.Results, out.Issues = chain.New(e.chainOptions()...).ExecuteChain(ctx, cmds, e.dispatcher, e.memory)
		for {
			idx, token := heldStep(out.Results)
			if idx < 0 || !e.approve(ctx, token) {
				break
			}
			res, ok := e.confirm(ctx, token)
			out.Results[idx] = res
			if !ok {
				break
			}
			seed := out.Results[:idx+1]
			results, issues := chain.New(append(e.chainOptions(), chain.WithSeed(seed))...).
				ExecuteChain(ctx, cmds, e.dispatcher, e.memory)
			out.Results = results
			out.Issues = append(issuesBefore(out.Issues, idx), issues...)
		}
	}
	if e.confirmer == nil {
		out.Pending = pendingTokens(out.Results)
	}
	return out
}

func (e *Engine) executeWorkflow(ctx context.Context, goal string, cmds []core.Command, out *Outcome) {
	opts := []workflow.Option{workflow.WithChainOptions(e.chainOpts...), workflow.WithLogger(e.logger)}
	rep, err := workflow.Run(ctx, e.workflows, goal, cmds, e.dispatcher, e.memory, opts...)
	for err == nil {
		idx, token := heldStep(rep.Results)
		if idx < 0 || !e.approve(ctx, token) {
			break
		}
		res, ok := e.confirm(ctx, token)
		status := workflow.StepCompleted
		if !ok {
			status = workflow.StepFailed
		}
		if err = e.workflows.MarkStep(ctx, rep.ID, idx, status, &res); err != nil {
			break
		}
		if !ok {
			rep.Results[idx] = res
			break
		}
		rep, err = workflow.Resume(ctx, e.workflows, rep.ID, e.dispatcher, e.memory, opts...)
	}
	if err != nil {
		e.logger.ErrorContext(ctx, "engine.workflow.failed", slog.String("error", err.Error()))
		out.Issues = append(out.Issues, chain.Issue{Step: len(rep.Results), Code: core.CodeHandlerError, Message: err.Error()})
	}
	out.WorkflowID = rep.ID
	out.Results = rep.Results
	out.Issues = append(rep.Issues, out.Issues...)
}

func (e *Engine) chainOptions() []chain.Option {
	return append([]chain.Option{chain.WithLogger(e.logger)}, e.chainOpts...)
}

// approve asks the confirmer about a held token.
func (e *Engine) approve(ctx context.Context, token string) bool {
	if e.confirmer == nil || token == "" {
		return false
	}
	pending, err := e.dispatcher.Pending(ctx)
	if err != nil {
		return false
	}
	for _, h := range pending {
		if h.Token != token {
			continue
		}
		if e.confirmer.Confirm(ctx, h) {
			return true
		}
		if err := e.dispatcher.Decline(ctx, token); err != nil {
			e.logger.WarnContext(ctx, "engine.decline.failed", slog.String("token", token), slog.String("error", err.Error()))
		}
		return false
	}
	return false
}

// confirm runs a held command and feeds memory with its outcome.
func (e *Engine) confirm(ctx context.Context, token string) (core.SkillResult, bool) {
	cmd, res, err := e.dispatcher.Confirm(ctx, token, nil)
	if err != nil {
		ke := errors.AsKyraxError(err)
		return core.NewResult(false, ke.Error(), map[string]any{"token": token}, core.CodeGuardBlocked), false
	}
	e.memory.Update(cmd, res)
	return res, res.Success()
}

// Confirm runs a command held for confirmation.
func (e *Engine) Confirm(ctx context.Context, token string) (*Outcome, error) {
	ctx, runID := core.EnsureRunID(ctx)
	cmd, res, err := e.dispatcher.Confirm(ctx, token, nil)
	if err != nil {
		return nil, err
	}
	e.memory.Update(cmd, res)
	if id, idx, ok := governance.WorkflowStepOf(cmd); ok && e.workflows != nil {
		return e.continueWorkflow(ctx, runID, id, idx, res)
	}
	out := &Outcome{RunID: runID, Mode: ModeCommand, Commands: []core.Command{cmd}, Results: []core.SkillResult{res}}
	out.Pending = pendingTokens(out.Results)
	return out, nil
}

// continueWorkflow records the outcome of a confirmed workflow step and,
// when it succeeded, resumes the workflow after it.
func (e *Engine) continueWorkflow(ctx context.Context, runID, id string, idx int, res core.SkillResult) (*Outcome, error) {
	status := workflow.StepCompleted
	if !res.Success() {
		status = workflow.StepFailed
	}
	if err := e.workflows.MarkStep(ctx, id, idx, status, &res); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "engine.workflow.confirmed",
		slog.String("workflow_id", id),
		slog.Int("step", idx),
		slog.String("status", string(status)),
	)
	if !res.Success() {
		wf, err := e.workflows.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := e.workflows.SetState(ctx, id, workflow.StateFailed); err != nil {
			return nil, err
		}
		results := append(wf.CompletedPrefix(), res)
		out := &Outcome{RunID: runID, Text: wf.Goal, Mode: ModePlan, Commands: wf.Commands(), Results: results, WorkflowID: id}
		return out, nil
	}
	return e.Resume(ctx, id)
}

// Decline discards a held command.
func (e *Engine) Decline(ctx context.Context, token string) error {
	return e.dispatcher.Decline(ctx, token)
}

// Pending lists the commands waiting for confirmation.
func (e *Engine) Pending(ctx context.Context) ([]governance.Held, error) {
	return e.dispatcher.Pending(ctx)
}

// Resume continues a persisted run from its first unfinished step.
func (e *Engine) Resume(ctx context.Context, id string) (*Outcome, error) {
	if e.workflows == nil {
		return nil, errors.New(errors.CodeInvalidInput, "no workflow store configured", nil)
	}
	ctx, runID := core.EnsureRunID(ctx)
	wf, err := e.workflows.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rep, err := workflow.Resume(ctx, e.workflows, id, e.dispatcher, e.memory,
		workflow.WithChainOptions(e.chainOpts...), workflow.WithLogger(e.logger))
	if err != nil {
		return nil, err
	}
	out := &Outcome{
		RunID:      runID,
		Text:       wf.Goal,
		Mode:       ModePlan,
		Commands:   wf.Commands(),
		Results:    rep.Results,
		Issues:     rep.Issues,
		WorkflowID: rep.ID,
	}
	out.Pending = pendingTokens(out.Results)
	return out, nil
}

// heldStep returns the index and token of the last result when it is
// waiting for confirmation, or -1.
func heldStep(results []core.SkillResult) (int, string) {
	if len(results) == 0 {
		return -1, ""
	}
	last := len(results) - 1
	if results[last].Code() != core.CodeConfirmationRequired {
		return -1, ""
	}
	token, _ := results[last].Field("token")
	s, _ := token.(string)
	return last, s
}

func pendingTokens(results []core.SkillResult) []string {
	var out []string
	for _, r := range results {
		if r.Code() != core.CodeConfirmationRequired {
			continue
		}
		if token, ok := r.Field("token"); ok {
			if s, ok := token.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func issuesBefore(issues []chain.Issue, idx int) []chain.Issue {
	var out []chain.Issue
	for _, is := range issues {
		if is.Step < idx {
			out = append(out, is)
		}
	}
	return out
}
