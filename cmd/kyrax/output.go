package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/jllopis/kyrax/pkg/core"
	"github.com/jllopis/kyrax/pkg/orchestrator"
	"github.com/jllopis/kyrax/pkg/planner"
)

var (
	colorSuccess = lipgloss.Color("#8BC34A")
	colorError   = lipgloss.Color("#E53935")
	colorWarning = lipgloss.Color("#FFC107")
	colorInfo    = lipgloss.Color("#2196F3")
	colorMuted   = lipgloss.Color("#8A8F98")
)

// styles renders through a renderer bound to the output writer, so colors
// are dropped when the output is not a terminal.
type styles struct {
	ok      lipgloss.Style
	fail    lipgloss.Style
	warn    lipgloss.Style
	title   lipgloss.Style
	muted   lipgloss.Style
	intent  lipgloss.Style
	marginL lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		ok:      r.NewStyle().Foreground(colorSuccess).Bold(true),
		fail:    r.NewStyle().Foreground(colorError).Bold(true),
		warn:    r.NewStyle().Foreground(colorWarning),
		title:   r.NewStyle().Foreground(colorInfo).Bold(true),
		muted:   r.NewStyle().Foreground(colorMuted),
		intent:  r.NewStyle().Bold(true),
		marginL: r.NewStyle().PaddingLeft(2),
	}
}

func printOutcome(w io.Writer, st styles, out *orchestrator.Outcome) {
	if out.Plan != nil {
		printPlan(w, st, out.Plan)
	}
	for i, cmd := range out.Commands {
		if i >= len(out.Results) {
			fmt.Fprintf(w, "%s %s %s\n", st.muted.Render("-"), stepLabel(st, i, cmd), st.muted.Render("not run"))
			continue
		}
		res := out.Results[i]
		mark := st.ok.Render("✓")
		msg := res.Message()
		if !res.Success() {
			mark = st.fail.Render("✗")
			if res.Code() == core.CodeConfirmationRequired {
				mark = st.warn.Render("?")
			}
			msg = fmt.Sprintf("%s %s", res.Code(), msg)
		}
		fmt.Fprintf(w, "%s %s %s\n", mark, stepLabel(st, i, cmd), msg)
	}
	for _, issue := range out.Issues {
		fmt.Fprintln(w, st.marginL.Render(st.warn.Render("issue: ")+issue.String()))
	}
	for _, token := range out.Pending {
		fmt.Fprintln(w, st.warn.Render("pending confirmation: ")+token+st.muted.Render("  (kyrax confirm yes "+token+")"))
	}
	if out.WorkflowID != "" {
		fmt.Fprintln(w, st.muted.Render("workflow "+out.WorkflowID))
	}
}

func stepLabel(st styles, i int, cmd core.Command) string {
	return fmt.Sprintf("[%d] %s", i+1, st.intent.Render(cmd.Intent()))
}

func printPlan(w io.Writer, st styles, plan *planner.Plan) {
	fmt.Fprintln(w, st.title.Render("Plan: ")+plan.Goal)
	if plan.Explanation != "" {
		fmt.Fprintln(w, st.marginL.Render(st.muted.Render(plan.Explanation)))
	}
	for i, step := range plan.Steps {
		fmt.Fprintln(w, st.marginL.Render(fmt.Sprintf("%d. %s %s", i+1, st.intent.Render(step.Command.Intent()), formatEntities(step.Command.Entities()))))
	}
	for _, issue := range plan.Issues {
		fmt.Fprintln(w, st.marginL.Render(st.warn.Render("dropped: ")+issue.String()))
	}
}

// formatEntities renders entities as sorted key=value pairs.
func formatEntities(entities map[string]any) string {
	keys := make([]string, 0, len(entities))
	for k := range entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, entities[k]))
	}
	return strings.Join(parts, " ")
}

func printJSON(w io.Writer, value any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(value)
}

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func writeRow(writer *tabwriter.Writer, cols ...string) {
	for i, col := range cols {
		cols[i] = normalizeCell(col)
	}
	fmt.Fprintln(writer, strings.Join(cols, "\t"))
}

func normalizeCell(value string) string {
	value = strings.ReplaceAll(value, "\t", " ")
	value = strings.ReplaceAll(value, "\n", " ")
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

func truncate(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	if limit <= 3 {
		return value[:limit]
	}
	return value[:limit-3] + "..."
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return "-"
	}
	return value.UTC().Format(time.RFC3339)
}
