package supervisor

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/Iron-Ham/hive/internal/budget"
	"github.com/Iron-Ham/hive/internal/errors"
	"github.com/Iron-Ham/hive/internal/perf"
	"github.com/Iron-Ham/hive/internal/phase"
	"github.com/Iron-Ham/hive/internal/pushgate"
	"github.com/Iron-Ham/hive/internal/registry"
	"github.com/Iron-Ham/hive/internal/retry"
	"github.com/Iron-Ham/hive/internal/taskqueue"
	"github.com/Iron-Ham/hive/internal/worker"
)

// Report is the end-of-session summary.
type Report struct {
	SessionID   string                 `json:"session_id"`
	Resumed     bool                   `json:"resumed,omitempty"`
	Phase       phase.Phase            `json:"phase"`
	Queue       taskqueue.QueueStatus  `json:"queue"`
	Tasks       []taskqueue.Task       `json:"tasks"`
	Budget      budget.Status          `json:"budget"`
	Escalated   []retry.Entry          `json:"escalated,omitempty"`
	Stuck       []registry.StuckReport `json:"stuck,omitempty"`
	Push        *pushgate.Result       `json:"push,omitempty"`
	Workers     []worker.Report        `json:"workers,omitempty"`
	Perf        perf.Summary           `json:"perf"`
	History     []phase.Transition     `json:"history,omitempty"`
	DroppedGaps []string               `json:"dropped_gaps,omitempty"`
	Skipped     []string               `json:"skipped,omitempty"`
	Duration    time.Duration          `json:"duration_ns,omitempty"`

	// StateDestroyed is set when the state directory was removed after DONE.
	StateDestroyed bool `json:"state_destroyed,omitempty"`

	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// BuildReport reads a report from the state directory without running a
// session.
func BuildReport(ctx context.Context, c *Components) (*Report, error) {
	r := &Report{}
	if err := r.collect(ctx, c); err != nil {
		return nil, err
	}
	return r, nil
}

// ExitCode maps Err to the process exit status.
func (r *Report) ExitCode() int {
	return errors.ExitCode(r.Err)
}

// collect refreshes the persisted parts of the report.
func (r *Report) collect(ctx context.Context, c *Components) error {
	sess, err := c.Session.Load(ctx)
	if err != nil {
		return err
	}
	if r.SessionID == "" {
		r.SessionID = sess.ID
	}
	r.Phase = sess.Phase
	r.History = sess.History
	r.Budget = budget.Status{
		Ceiling:   sess.BudgetCeiling,
		Spent:     sess.BudgetSpent,
		Remaining: sess.BudgetRemaining(),
		Exhausted: !budget.Allows(sess.BudgetSpent, sess.BudgetCeiling, 0),
	}

	if r.Queue, err = c.Queue.Status(ctx); err != nil {
		return err
	}
	if r.Tasks, err = c.Queue.Snapshot(ctx); err != nil {
		return err
	}
	rq, err := c.Queue.Retries(ctx)
	if err != nil {
		return err
	}
	r.Escalated = rq.Escalated

	entries, err := c.Ledger.Entries(ctx)
	if err != nil {
		return err
	}
	r.Perf = perf.Aggregate(entries)
	return nil
}

type reportStyles struct {
	header, ok, warn, bad, muted lipgloss.Style
}

func newReportStyles(styled bool) reportStyles {
	if !styled {
		plain := lipgloss.NewStyle()
		return reportStyles{plain, plain, plain, plain, plain}
	}
	return reportStyles{
		header: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#A78BFA")),
		ok:     lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")),
		warn:   lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")),
		bad:    lipgloss.NewStyle().Foreground(lipgloss.Color("#F87171")),
		muted:  lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF")),
	}
}

const ruleWidth = 50

// Render writes the text report. styled enables terminal colors.
func (r *Report) Render(w io.Writer, styled bool) error {
	st := newReportStyles(styled)
	var b strings.Builder

	section := func(title string) {
		b.WriteString("\n")
		b.WriteString(st.header.Render(title))
		b.WriteString("\n")
		b.WriteString(st.muted.Render(strings.Repeat("─", ruleWidth)))
		b.WriteString("\n")
	}

	section("SESSION SUMMARY")
	fmt.Fprintf(&b, "Session: %s\n", r.SessionID)
	phaseStyle := st.ok
	if r.Phase != phase.Done {
		phaseStyle = st.warn
	}
	fmt.Fprintf(&b, "Phase:   %s\n", phaseStyle.Render(string(r.Phase)))
	if r.Resumed {
		b.WriteString("Resumed: yes\n")
	}
	if r.Duration > 0 {
		fmt.Fprintf(&b, "Elapsed: %s\n", r.Duration.Round(time.Millisecond))
	}
	if r.StateDestroyed {
		b.WriteString(st.muted.Render("State directory removed") + "\n")
	}
	if r.Err != nil {
		fmt.Fprintf(&b, "Result:  %s (exit %d)\n", st.bad.Render(r.Err.Error()), r.ExitCode())
	} else if r.Error != "" {
		fmt.Fprintf(&b, "Result:  %s\n", st.bad.Render(r.Error))
	}

	section("TASKS")
	q := r.Queue
	fmt.Fprintf(&b, "Total: %d  Completed: %s  Failed: %s  Budget: %s\n", q.Total,
		st.ok.Render(fmt.Sprint(q.Completed)), countStyle(st, q.Failed).Render(fmt.Sprint(q.Failed)),
		countStyle(st, q.Budget).Render(fmt.Sprint(q.Budget)))
	if q.Pending > 0 || q.InProgress > 0 {
		fmt.Fprintf(&b, "Pending: %d  In progress: %d  Awaiting retry: %d\n", q.Pending, q.InProgress, q.AwaitingRetry)
	}
	for _, t := range r.Tasks {
		if t.Status == taskqueue.TaskCompleted {
			continue
		}
		line := fmt.Sprintf("  %s [%s] %s", t.ID, t.Status, truncate(t.Subject, 40))
		if t.FailureContext != "" {
			line += st.muted.Render(" (" + truncate(t.FailureContext, 60) + ")")
		}
		b.WriteString(line + "\n")
	}

	if len(r.Escalated) > 0 || len(r.Stuck) > 0 {
		section("NEEDS ATTENTION")
		for _, e := range r.Escalated {
			fmt.Fprintf(&b, "%s task %s escalated after %d attempts (%s)\n",
				st.bad.Render("!"), e.TaskID, e.AttemptCount, e.Reason)
		}
		for _, s := range r.Stuck {
			fmt.Fprintf(&b, "%s worker %s stuck: %s x%d", st.bad.Render("!"), s.WorkerID, s.Kind, s.Occurrences)
			if s.Signature != "" {
				fmt.Fprintf(&b, " %q", truncate(s.Signature, 60))
			}
			b.WriteString("\n")
		}
	}

	section("BUDGET")
	if r.Budget.Ceiling <= 0 {
		fmt.Fprintf(&b, "Spent: $%.2f (no ceiling)\n", r.Budget.Spent)
	} else {
		style := st.ok
		if r.Budget.Exhausted {
			style = st.bad
		}
		fmt.Fprintf(&b, "Spent: %s of $%.2f (remaining: $%.2f)\n",
			style.Render(fmt.Sprintf("$%.2f", r.Budget.Spent)), r.Budget.Ceiling, r.Budget.Remaining)
	}

	if r.Push != nil {
		section("PUSH")
		if r.Push.Satisfied() {
			fmt.Fprintf(&b, "%s %s is pushed to %s\n", st.ok.Render("✓"), r.Push.Branch, r.Push.Upstream)
		} else {
			fmt.Fprintf(&b, "%s %s: %s\n", st.bad.Render("✗"), r.Push.Branch, r.Push.Reason)
		}
	}

	if len(r.Perf.ByRole) > 0 {
		section("WORKERS BY ROLE")
		for _, s := range r.Perf.ByRole {
			fmt.Fprintf(&b, "%-16s runs %-3d ok %3.0f%%  avg $%.2f  avg %s\n",
				s.Key, s.Runs, s.SuccessRate()*100, s.AvgCost(), s.AvgDuration().Round(time.Millisecond))
		}
		t := r.Perf.Total
		fmt.Fprintf(&b, "%s\n", st.muted.Render(fmt.Sprintf("%d runs, $%.2f, %d turns", t.Runs, t.CostUSD, t.Turns)))
	}

	if len(r.Skipped) > 0 || len(r.DroppedGaps) > 0 {
		section("NOTES")
		for _, p := range r.Skipped {
			fmt.Fprintf(&b, "%s skipped\n", p)
		}
		for _, g := range r.DroppedGaps {
			fmt.Fprintf(&b, "gap not addressed: %s\n", g)
		}
	}

	b.WriteString("\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func countStyle(st reportStyles, n int) lipgloss.Style {
	if n > 0 {
		return st.bad
	}
	return st.ok
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
