package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jllopis/kyrax/pkg/audit"
	"github.com/jllopis/kyrax/pkg/core"
	"github.com/jllopis/kyrax/pkg/errors"
	"github.com/jllopis/kyrax/pkg/governance"
	"github.com/jllopis/kyrax/pkg/mcp"
	"github.com/jllopis/kyrax/pkg/orchestrator"
	"github.com/jllopis/kyrax/pkg/planner"
	"github.com/jllopis/kyrax/pkg/workflow"
)

func (c *cli) open(ctx context.Context, opts appOptions) (*app, error) {
	return newApp(ctx, c.cfg, c.logger, opts)
}

func (c *cli) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

// oneShot bounds a non-interactive command with the global timeout.
func (c *cli) oneShot(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.flags.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.flags.Timeout)
}

func (c *cli) printOutcome(out *orchestrator.Outcome) {
	if c.flags.JSON {
		printJSON(c.stdout, out)
		return
	}
	printOutcome(c.stdout, c.styles, out)
}

func (c *cli) runRun(ctx context.Context, args []string) error {
	fs := c.flagSet("run")
	inline := fs.Bool("confirm", false, "Ask for confirmation inline instead of leaving commands pending")
	planPath := fs.String("file", "", "Run a plan file (YAML or JSON)")
	if err := fs.Parse(args); err != nil {
		return NewUsageError("kyrax run [--confirm] <text> | kyrax run --file <plan>")
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" && *planPath == "" {
		return NewUsageError("kyrax run [--confirm] <text> | kyrax run --file <plan>")
	}

	opts := appOptions{}
	if *inline {
		opts.confirmer = governance.NewConsoleConfirmer(
			governance.WithConfirmInput(c.stdin),
			governance.WithConfirmOutput(c.stdout),
		)
	}
	a, err := c.open(ctx, opts)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := c.oneShot(ctx)
	defer cancel()

	var out *orchestrator.Outcome
	if *planPath != "" {
		file, err := planner.LoadPlanFile(*planPath)
		if err != nil {
			return errors.New(errors.CodeInvalidInput, "load plan file", err)
		}
		plan, err := a.engine.PlanFromFile(ctx, file)
		if err != nil {
			return err
		}
		out, err = a.engine.RunPlan(ctx, plan)
		if err != nil {
			return err
		}
	} else {
		out, err = a.engine.Handle(ctx, text)
		if err != nil {
			return err
		}
	}
	c.printOutcome(out)
	return nil
}

func (c *cli) runPlan(ctx context.Context, args []string) error {
	fs := c.flagSet("plan")
	export := fs.String("export", "", "Print the plan as a reusable plan file: yaml or json")
	if err := fs.Parse(args); err != nil {
		return NewUsageError("kyrax plan [--export yaml|json] <goal>")
	}
	goal := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if goal == "" {
		return NewUsageError("kyrax plan [--export yaml|json] <goal>")
	}

	a, err := c.open(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := c.oneShot(ctx)
	defer cancel()
	plan, err := a.engine.Plan(ctx, goal)
	if err != nil {
		return err
	}

	switch strings.ToLower(*export) {
	case "yaml", "yml":
		data, err := planner.MarshalYAML(planner.ToFile(plan))
		if err != nil {
			return err
		}
		_, err = c.stdout.Write(data)
		return err
	case "json":
		printJSON(c.stdout, planner.ToFile(plan))
		return nil
	case "":
	default:
		return NewUsageError("kyrax plan --export yaml|json <goal>")
	}
	if c.flags.JSON {
		printJSON(c.stdout, plan)
		return nil
	}
	printPlan(c.stdout, c.styles, plan)
	return nil
}

func (c *cli) runRepl(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return NewUsageError("kyrax repl")
	}
	// The confirmer shares the line reader so answers are not swallowed.
	in := bufio.NewReader(c.stdin)
	a, err := c.open(ctx, appOptions{confirmer: governance.NewConsoleConfirmer(
		governance.WithConfirmInput(in),
		governance.WithConfirmOutput(c.stdout),
	)})
	if err != nil {
		return err
	}
	defer a.close()
	stop := a.background(ctx)
	defer func() {
		if err := stop(); err != nil && ctx.Err() == nil {
			c.logger.Warn("background.failed", slog.String("error", err.Error()))
		}
	}()

	fmt.Fprintln(c.stdout, c.styles.title.Render("kyrax")+c.styles.muted.Render(" type a request, :pending, :memory or :quit"))
	for {
		fmt.Fprint(c.stdout, "> ")
		line, err := in.ReadString('\n')
		text := strings.TrimSpace(line)
		if text != "" {
			if quit := c.replLine(ctx, a, text); quit {
				return nil
			}
		}
		if err == io.EOF || ctx.Err() != nil {
			fmt.Fprintln(c.stdout)
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// replLine handles one line and reports whether the session should end.
func (c *cli) replLine(ctx context.Context, a *app, text string) bool {
	switch text {
	case ":quit", ":q", "exit", "quit":
		return true
	case ":pending":
		held, err := a.engine.Pending(ctx)
		if err != nil {
			wrapError(err).PrintError(c.stdout, c.flags.JSON)
			return false
		}
		c.printHeld(held)
		return false
	case ":memory":
		printJSON(c.stdout, a.memory.GetAll())
		return false
	}
	out, err := a.engine.Handle(ctx, text)
	if err != nil {
		wrapError(err).PrintError(c.stdout, c.flags.JSON)
		return false
	}
	c.printOutcome(out)
	return false
}

func (c *cli) runConfirm(ctx context.Context, args []string) error {
	const usage = "kyrax confirm list | kyrax confirm yes|no <token>"
	if len(args) == 0 {
		return NewUsageError(usage)
	}
	a, err := c.open(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()
	ctx, cancel := c.oneShot(ctx)
	defer cancel()

	switch args[0] {
	case "list":
		held, err := a.engine.Pending(ctx)
		if err != nil {
			return err
		}
		c.printHeld(held)
		return nil
	case "yes", "no":
		if len(args) != 2 {
			return NewUsageError(usage)
		}
		token := args[1]
		if args[0] == "no" {
			if err := a.engine.Decline(ctx, token); err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "declined %s\n", token)
			return nil
		}
		out, err := a.engine.Confirm(ctx, token)
		if err != nil {
			return err
		}
		c.printOutcome(out)
		return nil
	default:
		return NewUsageError(usage)
	}
}

func (c *cli) printHeld(held []governance.Held) {
	if c.flags.JSON {
		if held == nil {
			held = []governance.Held{}
		}
		printJSON(c.stdout, held)
		return
	}
	w := newTabWriter(c.stdout)
	writeRow(w, "TOKEN", "INTENT", "ACTOR", "EXPIRES_AT", "REASON")
	for _, h := range held {
		writeRow(w, h.Token, h.Command.Intent(), h.ActorID, formatTime(h.ExpiresAt), h.Reason)
	}
	_ = w.Flush()
}

func (c *cli) runWorkflows(ctx context.Context, args []string) error {
	const usage = "kyrax workflows list [--state s] [--limit n] | show|resume|cancel <id>"
	if len(args) == 0 {
		return NewUsageError(usage)
	}
	a, err := c.open(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()
	ctx, cancel := c.oneShot(ctx)
	defer cancel()

	switch args[0] {
	case "list":
		fs := c.flagSet("workflows list")
		state := fs.String("state", "", "Filter by state: active, paused, completed, failed, cancelled")
		limit := fs.Int("limit", 20, "Maximum workflows to list")
		if err := fs.Parse(args[1:]); err != nil {
			return NewUsageError(usage)
		}
		list, err := a.workflows.List(ctx, workflow.Filter{State: workflow.State(*state), Limit: *limit})
		if err != nil {
			return err
		}
		if c.flags.JSON {
			if list == nil {
				list = []workflow.Workflow{}
			}
			printJSON(c.stdout, list)
			return nil
		}
		w := newTabWriter(c.stdout)
		writeRow(w, "ID", "STATE", "STEPS", "UPDATED_AT", "GOAL")
		for _, wf := range list {
			writeRow(w, wf.ID, string(wf.State), progress(wf), formatTime(wf.UpdatedAt), truncate(wf.Goal, 60))
		}
		return w.Flush()
	case "show", "resume", "cancel":
		if len(args) != 2 {
			return NewUsageError(usage)
		}
		id := args[1]
		switch args[0] {
		case "show":
			wf, err := a.workflows.Get(ctx, id)
			if err != nil {
				return err
			}
			c.printWorkflow(wf)
			return nil
		case "resume":
			out, err := a.engine.Resume(ctx, id)
			if err != nil {
				return err
			}
			c.printOutcome(out)
			return nil
		default:
			if err := workflow.Cancel(ctx, a.workflows, id); err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "cancelled %s\n", id)
			return nil
		}
	default:
		return NewUsageError(usage)
	}
}

func progress(wf workflow.Workflow) string {
	done := 0
	for _, s := range wf.Steps {
		if s.Status == workflow.StepCompleted {
			done++
		}
	}
	return fmt.Sprintf("%d/%d", done, len(wf.Steps))
}

func (c *cli) printWorkflow(wf workflow.Workflow) {
	if c.flags.JSON {
		printJSON(c.stdout, wf)
		return
	}
	fmt.Fprintf(c.stdout, "%s %s  %s\n", c.styles.title.Render("Workflow"), wf.ID, wf.State)
	fmt.Fprintf(c.stdout, "Goal: %s\n", wf.Goal)
	w := newTabWriter(c.stdout)
	writeRow(w, "STEP", "INTENT", "STATUS", "ATTEMPTS", "LAST_ERROR")
	for _, s := range wf.Steps {
		writeRow(w, strconv.Itoa(s.Index), s.Command.Intent(), string(s.Status), strconv.Itoa(s.Attempts), s.LastError)
	}
	_ = w.Flush()
}

func (c *cli) runAudit(ctx context.Context, args []string) error {
	const usage = "kyrax audit list [--run id] [--type t] [--limit n] | kyrax audit verify"
	if len(args) == 0 {
		return NewUsageError(usage)
	}
	a, err := c.open(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()
	if a.audit == nil {
		return errors.New(errors.CodeInvalidInput, "audit log is disabled", nil)
	}
	ctx, cancel := c.oneShot(ctx)
	defer cancel()

	switch args[0] {
	case "list":
		fs := c.flagSet("audit list")
		runID := fs.String("run", "", "Filter by run id")
		eventType := fs.String("type", "", "Filter by event type")
		limit := fs.Int("limit", 50, "Maximum entries to list")
		if err := fs.Parse(args[1:]); err != nil {
			return NewUsageError(usage)
		}
		entries, err := a.audit.List(ctx, audit.Filter{RunID: *runID, EventType: *eventType, Limit: *limit})
		if err != nil {
			return err
		}
		if c.flags.JSON {
			if entries == nil {
				entries = []audit.Entry{}
			}
			printJSON(c.stdout, entries)
			return nil
		}
		w := newTabWriter(c.stdout)
		writeRow(w, "SEQ", "TIME", "EVENT", "RUN_ID", "PAYLOAD")
		for _, e := range entries {
			writeRow(w, strconv.FormatInt(e.Seq, 10), formatTime(e.Timestamp), e.EventType, e.RunID, truncate(string(e.Payload), 80))
		}
		return w.Flush()
	case "verify":
		n, err := a.audit.Verify(ctx)
		if err != nil {
			return err
		}
		if c.flags.JSON {
			printJSON(c.stdout, map[string]any{"verified": n, "ok": true})
			return nil
		}
		fmt.Fprintf(c.stdout, "%s %d entries verified\n", c.styles.ok.Render("✓"), n)
		return nil
	default:
		return NewUsageError(usage)
	}
}

func (c *cli) runMCP(ctx context.Context, args []string) error {
	if len(args) != 1 || args[0] != "serve" {
		return NewUsageError("kyrax mcp serve")
	}
	a, err := c.open(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()
	stop := a.background(ctx)
	defer func() { _ = stop() }()

	srv := mcp.NewServer(a.engine, "kyrax", version, mcp.WithServerLogger(c.logger))
	c.logger.Info("mcp.serve.stdio")
	return srv.ServeStdio()
}

func (c *cli) runHealth(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return NewUsageError("kyrax health")
	}
	a, err := c.open(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()
	ctx, cancel := c.oneShot(ctx)
	defer cancel()

	results, overall := a.health.CheckAll(ctx)
	if c.flags.JSON {
		rows := make([]map[string]any, 0, len(results))
		for _, r := range results {
			rows = append(rows, map[string]any{"component": r.Component, "status": r.Status, "message": r.Message})
		}
		printJSON(c.stdout, map[string]any{"status": overall, "checks": rows})
	} else {
		w := newTabWriter(c.stdout)
		writeRow(w, "COMPONENT", "STATUS", "MESSAGE")
		for _, r := range results {
			writeRow(w, r.Component, string(r.Status), r.Message)
		}
		_ = w.Flush()
		fmt.Fprintf(c.stdout, "overall: %s\n", overall)
	}
	if overall == core.HealthUnhealthy {
		return errors.New(errors.CodeInternal, "unhealthy components", nil)
	}
	return nil
}
