package supervisor

import (
	"time"

	"github.com/Iron-Ham/hive/internal/config"
	"github.com/Iron-Ham/hive/internal/logging"
	"github.com/Iron-Ham/hive/internal/mailbox"
	"github.com/Iron-Ham/hive/internal/perf"
	"github.com/Iron-Ham/hive/internal/registry"
	"github.com/Iron-Ham/hive/internal/retry"
	"github.com/Iron-Ham/hive/internal/session"
	"github.com/Iron-Ham/hive/internal/statestore"
	"github.com/Iron-Ham/hive/internal/taskqueue"
	"github.com/Iron-Ham/hive/internal/worker"
)

// Components are the clients of one state directory. The supervisor and
// every worker of a session build their own set over the same directory.
type Components struct {
	Store    *statestore.Store
	Session  *session.Handle
	Queue    *taskqueue.Queue
	Registry *registry.Registry
	Mailbox  *mailbox.Mailbox
	Ledger   *perf.Ledger
}

// Open builds the components over store.
func Open(store *statestore.Store, policy retry.Policy, logger *logging.Logger) *Components {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Components{
		Store:    store,
		Session:  session.Open(store, logger),
		Queue:    taskqueue.New(store, taskqueue.WithPolicy(policy), taskqueue.WithLogger(logger)),
		Registry: registry.New(store, logger),
		Mailbox:  mailbox.NewMailbox(store, mailbox.WithLogger(logger)),
		Ledger:   perf.NewLedger(store),
	}
}

// OpenDir opens the state directory configured in cfg and builds the
// components over it.
func OpenDir(cfg *config.Config, logger *logging.Logger) (*Components, error) {
	store, err := statestore.Open(cfg.Session.StateDir,
		statestore.WithLockTimeout(cfg.Lock.Timeout()),
		statestore.WithRetryAttempts(cfg.Lock.RetryAttempts),
		statestore.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	return Open(store, retry.Policy{MaxAttempts: cfg.Retry.MaxAttempts}, logger), nil
}

// WorkerDeps returns the dependencies of a worker running against c.
func (c *Components) WorkerDeps(exec worker.Executor, pusher worker.Pusher, logger *logging.Logger) worker.Deps {
	return worker.Deps{
		Queue:    c.Queue,
		Registry: c.Registry,
		Mailbox:  c.Mailbox,
		Ledger:   c.Ledger,
		Session:  c.Session,
		Executor: exec,
		Pusher:   pusher,
		Logger:   logger,
	}
}

// WorkerOptions translates the worker section of cfg.
func WorkerOptions(cfg *config.Config) []worker.Option {
	return []worker.Option{
		worker.WithIdlePoll(cfg.Worker.IdlePoll()),
		worker.WithHeartbeatInterval(cfg.Heartbeat.Interval() / 2),
		worker.WithStuckThreshold(cfg.Heartbeat.RepeatFailureThreshold),
	}
}

// CommandExecutor builds the executor that runs the configured worker
// command in dir.
func CommandExecutor(cfg *config.Config, dir string) *worker.CommandExecutor {
	return &worker.CommandExecutor{
		Argv:    cfg.Worker.Command,
		Dir:     dir,
		Timeout: cfg.Worker.TaskTimeout(),
	}
}

// Config holds the supervisor settings.
type Config struct {
	Agents           int
	NoReview         bool
	PushRequired     bool
	BudgetCeiling    float64
	WarningThreshold float64
	EstimatedCost    float64
	ModelTier        string
	MaxGapLoops      int
	KeepState        bool

	// Timeout bounds the whole session; zero means no limit.
	Timeout time.Duration
	// PollInterval is how often waits re-check the queue.
	PollInterval time.Duration
	// AckTimeout bounds each wait for a shutdown or push response.
	AckTimeout     time.Duration
	PushAttempts   int
	PushRetryDelay time.Duration

	Monitor registry.MonitorConfig
}

// ConfigFrom translates the loaded configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Agents:           cfg.Session.Agents,
		NoReview:         cfg.Session.NoReview,
		PushRequired:     cfg.Session.PushRequired,
		BudgetCeiling:    cfg.Budget.Ceiling,
		WarningThreshold: cfg.Budget.WarningThreshold,
		EstimatedCost:    cfg.Budget.EstimatedCostPerWorker,
		ModelTier:        cfg.Worker.ModelTier,
		MaxGapLoops:      cfg.Retry.MaxGapLoops,
		KeepState:        cfg.Session.KeepState,
		Timeout:          cfg.Session.Timeout(),
		PollInterval:     cfg.Worker.IdlePoll(),
		AckTimeout:       cfg.Shutdown.AckTimeout(),
		PushAttempts:     cfg.Push.MaxAttempts,
		PushRetryDelay:   cfg.Push.RetryDelay(),
		Monitor: registry.MonitorConfig{
			Interval:               cfg.Heartbeat.Interval(),
			WarnPolls:              cfg.Heartbeat.WarnPolls,
			MissedPolls:            cfg.Heartbeat.MissedPolls,
			RepeatFailureThreshold: cfg.Heartbeat.RepeatFailureThreshold,
			NoProgressPolls:        cfg.Heartbeat.NoProgressPolls,
		},
	}
}

func (c *Config) normalize() {
	if c.Agents < 1 {
		c.Agents = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.PushAttempts < 1 {
		c.PushAttempts = 1
	}
	if c.MaxGapLoops < 0 {
		c.MaxGapLoops = 0
	}
}
