package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/hive/internal/config"
	"github.com/Iron-Ham/hive/internal/errors"
	"github.com/Iron-Ham/hive/internal/phase"
	"github.com/Iron-Ham/hive/internal/pushgate"
	"github.com/Iron-Ham/hive/internal/supervisor"
	"github.com/Iron-Ham/hive/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one worker (started by the supervisor)",
	Hidden: true,
	Long: `Run a single worker against the state directory. The supervisor starts
workers this way when worker.spawner is "process"; running it by hand is
useful for debugging a role.`,
	RunE: runWorker,
}

var (
	workerID        string
	workerRole      string
	workerPhase     string
	workerScope     string
	workerModelTier string
)

func init() {
	workerCmd.Flags().StringVar(&workerID, "id", "", "worker id")
	workerCmd.Flags().StringVar(&workerRole, "role", "", "worker role")
	workerCmd.Flags().StringVar(&workerPhase, "phase", "", "phase the worker runs in")
	workerCmd.Flags().StringVar(&workerScope, "scope", "", "comma-separated task ids the worker may claim")
	workerCmd.Flags().StringVar(&workerModelTier, "model-tier", "", "model tier passed to the command")
	_ = workerCmd.MarkFlagRequired("id")
	_ = workerCmd.MarkFlagRequired("role")

	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := workerAssignment()
	if err != nil {
		return err
	}
	if a.ModelTier == "" {
		a.ModelTier = cfg.Worker.ModelTier
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
	dir, err := repoDir(cfg)
	if err != nil {
		return err
	}

	var exec worker.Executor
	if len(cfg.Worker.Command) > 0 {
		exec = supervisor.CommandExecutor(cfg, dir)
	}
	deps := c.WorkerDeps(exec, pushgate.New(dir, pushgate.WithLogger(logger)), logger)
	w, err := worker.New(a, deps, supervisor.WorkerOptions(cfg)...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	_, err = w.Run(ctx)
	return err
}

// workerAssignment builds the assignment from the flags. The phase
// defaults to the role's phase.
func workerAssignment() (worker.Assignment, error) {
	role, err := worker.ParseRole(workerRole)
	if err != nil {
		return worker.Assignment{}, err
	}
	a := worker.Assignment{
		WorkerID:  workerID,
		Role:      role,
		Phase:     phase.Phase(strings.ToUpper(workerPhase)),
		ModelTier: workerModelTier,
	}
	if workerPhase == "" {
		a.Phase = role.Behavior().Phase
	}
	if !a.Phase.Valid() {
		return worker.Assignment{}, errors.NewValidationError("unknown phase").WithField("phase").WithValue(workerPhase)
	}
	for _, id := range strings.Split(workerScope, ",") {
		if id = strings.TrimSpace(id); id != "" {
			a.TaskScope = append(a.TaskScope, id)
		}
	}
	return a, a.Validate()
}
