package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/hive/internal/budget"
	"github.com/Iron-Ham/hive/internal/config"
	"github.com/Iron-Ham/hive/internal/logging"
	"github.com/Iron-Ham/hive/internal/registry"
	"github.com/Iron-Ham/hive/internal/session"
	"github.com/Iron-Ham/hive/internal/supervisor"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current session",
	Long: `Show the phase, budget, queue counts, retry entries and workers of the
session in the state directory. Safe to run while a supervisor is active.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// openState opens the components of an existing state directory without
// taking the supervisor lock. Reports false when no session exists.
func openState(ctx context.Context) (*config.Config, *supervisor.Components, session.State, bool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, session.State{}, false, err
	}
	if !fileExists(cfg.Session.StateDir) {
		return cfg, nil, session.State{}, false, nil
	}
	c, err := supervisor.OpenDir(cfg, logging.NopLogger())
	if err != nil {
		return nil, nil, session.State{}, false, err
	}
	st, err := c.Session.Load(ctx)
	if err != nil {
		return nil, nil, session.State{}, false, err
	}
	return cfg, c, st, st.ID != "", nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, c, st, ok, err := openState(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !ok {
		fmt.Fprintln(out, "No active session")
		return nil
	}
	return printStatus(ctx, out, cfg, c, st)
}

func printStatus(ctx context.Context, out io.Writer, cfg *config.Config, c *supervisor.Components, st session.State) error {
	q, err := c.Queue.Status(ctx)
	if err != nil {
		return err
	}
	rq, err := c.Queue.Retries(ctx)
	if err != nil {
		return err
	}
	workers, err := c.Registry.List(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "SESSION")
	fmt.Fprintln(out, strings.Repeat("─", 50))
	fmt.Fprintf(out, "Session: %s\n", st.ID)
	fmt.Fprintf(out, "Phase:   %s\n", st.Phase)
	fmt.Fprintf(out, "Started: %s\n", st.CreatedAt.Format("2006-01-02 15:04:05"))
	if lock, held := session.IsLocked(cfg.Session.StateDir); held {
		fmt.Fprintf(out, "Supervisor: PID %d on %s\n", lock.PID, lock.Hostname)
	} else {
		fmt.Fprintln(out, "Supervisor: not running")
	}
	if st.GapLoops > 0 || st.RetryLoops > 0 {
		fmt.Fprintf(out, "Loops:   %d retry, %d gap\n", st.RetryLoops, st.GapLoops)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "BUDGET")
	fmt.Fprintln(out, strings.Repeat("─", 50))
	if st.BudgetCeiling <= 0 {
		fmt.Fprintf(out, "Spent: $%.2f (no ceiling)\n", st.BudgetSpent)
	} else {
		fmt.Fprintf(out, "Spent: $%.2f of $%.2f (remaining: $%.2f)\n", st.BudgetSpent, st.BudgetCeiling, st.BudgetRemaining())
		if !budget.Allows(st.BudgetSpent, st.BudgetCeiling, 0) {
			fmt.Fprintln(out, "LIMIT REACHED: no further workers will be spawned")
		}
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "QUEUE")
	fmt.Fprintln(out, strings.Repeat("─", 50))
	fmt.Fprintf(out, "Total: %d  Pending: %d  In progress: %d\n", q.Total, q.Pending, q.InProgress)
	fmt.Fprintf(out, "Completed: %d  Failed: %d  Budget: %d\n", q.Completed, q.Failed, q.Budget)
	for _, e := range rq.Entries {
		fmt.Fprintf(out, "  retry %s (%s, attempt %d)\n", e.TaskID, e.Reason, e.AttemptCount)
	}
	for _, e := range rq.Escalated {
		fmt.Fprintf(out, "  escalated %s after %d attempts: %s\n", e.TaskID, e.AttemptCount, e.LastError)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "WORKERS")
	fmt.Fprintln(out, strings.Repeat("─", 50))
	if len(workers) == 0 {
		fmt.Fprintln(out, "No workers registered yet.")
	}
	for _, w := range workers {
		line := fmt.Sprintf("%-24s %-16s %-14s", w.WorkerID, w.Role, w.State)
		if w.CurrentTask != "" {
			line += " on " + w.CurrentTask
		}
		if w.State.Live() {
			line += fmt.Sprintf(" (heartbeat %s ago)", time.Since(w.LastHeartbeatAt).Round(time.Second))
		}
		if w.State == registry.StatePresumedDead && w.FailureSignature != "" {
			line += " last failure: " + w.FailureSignature
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out)
	return nil
}
