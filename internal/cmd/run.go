package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/Iron-Ham/hive/internal/config"
	"github.com/Iron-Ham/hive/internal/errors"
	"github.com/Iron-Ham/hive/internal/logging"
	"github.com/Iron-Ham/hive/internal/plan"
	"github.com/Iron-Ham/hive/internal/pushgate"
	"github.com/Iron-Ham/hive/internal/session"
	"github.com/Iron-Ham/hive/internal/supervisor"
	"github.com/Iron-Ham/hive/internal/taskqueue"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start or resume a session",
	Long: `Start a session from a task list, or resume the session stored in the
state directory.

A new session needs --tasks. When the state directory already holds an
unfinished session, the stored phase and queue are used and --tasks is
ignored.

Exit codes:
  0  session reached DONE
  1  fatal error
  2  lock timeout
  3  budget exhausted with work remaining
  4  stuck worker
  5  push blocked
  6  session timeout`,
	RunE: runRun,
}

var runTasksFile string

func init() {
	runCmd.Flags().StringVarP(&runTasksFile, "tasks", "t", "", "task list file (YAML, JSON or TOML)")
	runCmd.Flags().Float64("budget", 0, "budget ceiling in USD (0 = unlimited)")
	runCmd.Flags().Int("agents", 0, "number of implementation workers")
	runCmd.Flags().Bool("no-review", false, "skip verification and review")
	runCmd.Flags().Bool("push-required", false, "require the branch to be pushed before DONE")
	runCmd.Flags().Bool("keep-state", false, "keep the state directory after DONE")

	_ = viper.BindPFlag("budget.ceiling", runCmd.Flags().Lookup("budget"))
	_ = viper.BindPFlag("session.agents", runCmd.Flags().Lookup("agents"))
	_ = viper.BindPFlag("session.no_review", runCmd.Flags().Lookup("no-review"))
	_ = viper.BindPFlag("session.push_required", runCmd.Flags().Lookup("push-required"))
	_ = viper.BindPFlag("session.keep_state", runCmd.Flags().Lookup("keep-state"))

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if len(cfg.Worker.Command) == 0 {
		return errors.NewValidationError("worker.command is not set; configure the command run for each task").
			WithField("worker.command")
	}

	var tasks []taskqueue.NewTask
	if runTasksFile != "" {
		p, err := plan.Load(runTasksFile)
		if err != nil {
			return err
		}
		tasks = p.NewTasks()
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	c, err := supervisor.OpenDir(cfg, logger)
	if err != nil {
		return err
	}
	lock, err := session.AcquireLock(cfg.Session.StateDir, logger)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	repoDir, err := repoDir(cfg)
	if err != nil {
		return err
	}
	gate := pushgate.New(repoDir, pushgate.WithLogger(logger))
	spawner, err := newSpawner(cfg, c, repoDir, gate, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(c, spawner, supervisor.ConfigFrom(cfg),
		supervisor.WithLogger(logger),
		supervisor.WithPushGate(gate),
	)
	rep, runErr := sup.Run(ctx, tasks)
	if rep != nil {
		out := cmd.OutOrStdout()
		if err := rep.Render(out, isTerminal(out)); err != nil {
			return err
		}
	}
	return runErr
}

// newSpawner builds the spawner selected by worker.spawner.
func newSpawner(cfg *config.Config, c *supervisor.Components, repoDir string, gate *pushgate.Gate, logger *logging.Logger) (supervisor.Spawner, error) {
	if cfg.Worker.Spawner == config.SpawnerProcess {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate hive executable: %w", err)
		}
		stateDir, err := filepath.Abs(cfg.Session.StateDir)
		if err != nil {
			return nil, err
		}
		args := []string{"--state-dir", stateDir}
		if f := viper.ConfigFileUsed(); f != "" {
			args = append(args, "--config", f)
		}
		return supervisor.NewProcessSpawner(exe, args, nil, logger), nil
	}

	deps := c.WorkerDeps(supervisor.CommandExecutor(cfg, repoDir), gate, logger)
	return supervisor.NewInProcessSpawner(deps, logger, supervisor.WorkerOptions(cfg)...), nil
}

// repoDir is the repository the workers operate on and the push gate checks.
func repoDir(cfg *config.Config) (string, error) {
	if cfg.Push.RepoDir != "" {
		return cfg.Push.RepoDir, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	return cwd, nil
}

// isTerminal reports whether w is a terminal, which enables colors.
func isTerminal(w any) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
