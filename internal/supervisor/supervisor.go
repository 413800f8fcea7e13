package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/hive/internal/budget"
	"github.com/Iron-Ham/hive/internal/errors"
	"github.com/Iron-Ham/hive/internal/logging"
	"github.com/Iron-Ham/hive/internal/mailbox"
	"github.com/Iron-Ham/hive/internal/phase"
	"github.com/Iron-Ham/hive/internal/pushgate"
	"github.com/Iron-Ham/hive/internal/registry"
	"github.com/Iron-Ham/hive/internal/retry"
	"github.com/Iron-Ham/hive/internal/session"
	"github.com/Iron-Ham/hive/internal/taskqueue"
	"github.com/Iron-Ham/hive/internal/worker"
)

// PushChecker reports whether the working branch is pushed.
type PushChecker interface {
	CheckPushed(ctx context.Context) (pushgate.Result, error)
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPushGate sets the push checker. The default checks the current
// directory.
func WithPushGate(g PushChecker) Option {
	return func(s *Supervisor) {
		if g != nil {
			s.gate = g
		}
	}
}

// spawned tracks one worker started by this supervisor.
type spawned struct {
	assign worker.Assignment
	exited bool
	err    error
	report *worker.Report
}

// Supervisor drives one session. Run may be called once.
type Supervisor struct {
	c       *Components
	spawner Spawner
	cfg     Config
	gate    PushChecker
	machine *phase.Machine
	guard   *budget.Guard
	monitor *registry.Monitor
	logger  *logging.Logger

	inbox chan mailbox.Message
	exits chan Exit
	dead  chan string
	stuck chan registry.StuckReport
	done  chan struct{}

	// Fields below are owned by the Run goroutine.
	nextID        int
	workers       map[string]*spawned
	handled       map[string]bool
	acks          map[string]bool
	pushResponses []mailbox.PushResponse
	report        *Report
}

// New creates a supervisor over c that starts workers through spawner.
func New(c *Components, spawner Spawner, cfg Config, opts ...Option) *Supervisor {
	cfg.normalize()
	s := &Supervisor{
		c:       c,
		spawner: spawner,
		cfg:     cfg,
		logger:  logging.NopLogger(),
		inbox:   make(chan mailbox.Message, 64),
		exits:   make(chan Exit, 64),
		dead:    make(chan string, 64),
		stuck:   make(chan registry.StuckReport, 16),
		done:    make(chan struct{}),
		workers: make(map[string]*spawned),
		handled: make(map[string]bool),
		acks:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.gate == nil {
		s.gate = pushgate.New("", pushgate.WithLogger(s.logger))
	}

	s.machine = phase.NewMachine(c.Session,
		phase.WithMaxGapLoops(cfg.MaxGapLoops),
		phase.WithLogger(s.logger),
	)
	s.guard = budget.NewGuard(c.Session, budget.Config{WarningThreshold: cfg.WarningThreshold}, budget.Callbacks{
		OnWarning: func(spent, ceiling float64) {
			s.logger.Warn("budget warning threshold reached", "spent", spent, "ceiling", ceiling)
		},
		OnLimit: func(spent, ceiling float64) {
			s.logger.Warn("budget ceiling reached, no further spawns", "spent", spent, "ceiling", ceiling)
		},
	}, s.logger)
	s.monitor = registry.NewMonitor(c.Registry, c.Queue, s.progress, cfg.Monitor, registry.MonitorCallbacks{
		OnIdleWarning: func(rec registry.Record) {
			s.logger.Warn("worker idle", "worker_id", rec.WorkerID, "task_id", rec.CurrentTask)
		},
		OnPresumedDead: func(rec registry.Record, released []retry.Entry) {
			s.spawner.Stop(rec.WorkerID)
			select {
			case s.dead <- rec.WorkerID:
			default:
			}
		},
		OnStuck: func(rep registry.StuckReport) {
			select {
			case s.stuck <- rep:
			default:
			}
		},
	}, s.logger)
	return s
}

// Run initializes or resumes the session and drives it until DONE or a
// fatal condition. tasks seed the queue of a new session and are ignored
// when resuming. The returned report is non-nil whenever the session was
// initialized; its Err matches the returned error.
func (s *Supervisor) Run(ctx context.Context, tasks []taskqueue.NewTask) (*Report, error) {
	start := time.Now()

	existing, err := s.c.Session.Load(ctx)
	if err != nil {
		return nil, err
	}
	if existing.ID == "" && len(tasks) == 0 {
		return nil, errors.NewValidationError("a new session needs at least one task").WithField("tasks")
	}

	st, resumed, err := s.c.Session.Init(ctx, session.Params{
		BudgetCeiling:   s.cfg.BudgetCeiling,
		AgentsRequested: s.cfg.Agents,
		PushRequired:    s.cfg.PushRequired,
		NoReview:        s.cfg.NoReview,
	})
	if err != nil {
		return nil, err
	}
	s.logger = s.logger.WithSession(st.ID)
	s.report = &Report{SessionID: st.ID, Resumed: resumed}

	if err := s.seed(ctx, st, resumed, tasks); err != nil {
		return s.finish(ctx, start, err)
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if s.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var bg conc.WaitGroup
	bg.Go(func() { s.watchInbox(runCtx) })
	bg.Go(func() { s.monitor.Run(runCtx) })

	runErr := s.drive(runCtx)
	if runErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		s.logger.Error("session timed out", "timeout", s.cfg.Timeout.String())
		runErr = errors.NewTimeoutError("session", s.cfg.Timeout).WithRetryable(false)
	}

	close(s.done)
	cancel()
	s.spawner.Wait()
	bg.Wait()
	return s.finish(ctx, start, runErr)
}

// seed creates the queue of a new session or reconciles a resumed one.
func (s *Supervisor) seed(ctx context.Context, st session.State, resumed bool, tasks []taskqueue.NewTask) error {
	records, err := s.c.Registry.List(ctx)
	if err != nil {
		return err
	}
	s.nextID = len(records)

	if !resumed {
		created, err := s.c.Queue.Create(ctx, tasks)
		if err != nil {
			return err
		}
		s.logger.Info("session started", "tasks", len(created), "agents", s.cfg.Agents,
			"budget_ceiling", s.cfg.BudgetCeiling)
		return nil
	}

	if s.cfg.BudgetCeiling > 0 && s.cfg.BudgetCeiling != st.BudgetCeiling {
		if err := s.guard.SetCeiling(ctx, s.cfg.BudgetCeiling); err != nil {
			return err
		}
	}
	if len(tasks) > 0 {
		s.logger.Warn("resuming session, task list ignored", "tasks", len(tasks))
	}
	s.logger.Info("session resumed", "phase", string(st.Phase), "workers_seen", len(records))
	return nil
}

// finish completes the report, tears the state down after DONE and maps
// budget-refused work to its exit status.
func (s *Supervisor) finish(ctx context.Context, start time.Time, runErr error) (*Report, error) {
	ctx = context.WithoutCancel(ctx)
	if err := s.report.collect(ctx, s.c); err != nil {
		s.logger.Error("report incomplete", "error", err.Error())
		if runErr == nil {
			runErr = err
		}
	}
	s.report.Duration = time.Since(start)

	if runErr == nil && s.report.Queue.Budget > 0 {
		runErr = errors.NewBudgetExceededError(s.report.Budget.Ceiling, s.report.Budget.Spent, s.cfg.EstimatedCost)
	}

	if s.report.Phase == phase.Done && !s.cfg.KeepState {
		if err := s.c.Session.Destroy(); err != nil {
			s.logger.Error("state teardown failed", "error", err.Error())
		} else {
			s.report.StateDestroyed = true
		}
	}

	s.report.Err = runErr
	if runErr != nil {
		s.report.Error = runErr.Error()
		s.logger.Error("session halted", "phase", string(s.report.Phase), "exit_code", errors.ExitCode(runErr),
			"error", runErr.Error())
	} else {
		s.logger.Info("session complete", "duration", s.report.Duration.String())
	}
	return s.report, runErr
}

// drive runs phases until DONE.
func (s *Supervisor) drive(ctx context.Context) error {
	for {
		p, err := s.machine.Current(ctx)
		if err != nil {
			return err
		}
		switch p {
		case phase.ImplActive:
			err = s.implement(ctx)
		case phase.RetryCheck:
			err = s.retryCheck(ctx)
		case phase.VerifyFix:
			err = s.verify(ctx)
		case phase.Review:
			err = s.review(ctx)
		case phase.Shutdown:
			err = s.shutdown(ctx)
		case phase.Done:
			return nil
		default:
			return fmt.Errorf("unknown phase %q: %w", p, errors.ErrStateCorrupted)
		}
		if err != nil {
			return err
		}
	}
}

// spawn starts a worker for role. It returns false when the budget guard
// refuses the spawn. The git-coordinator does no billable work and is not
// subject to the guard.
func (s *Supervisor) spawn(ctx context.Context, role worker.Role, scope []string) (string, bool, error) {
	if role != worker.RoleGitCoordinator {
		ok, err := s.guard.CanSpawn(ctx, s.cfg.EstimatedCost)
		if err != nil {
			return "", false, err
		}
		if !ok {
			s.logger.Warn("spawn refused by budget", "role", string(role))
			return "", false, nil
		}
	}

	s.nextID++
	a := worker.Assignment{
		WorkerID:  fmt.Sprintf("%s-%d", role, s.nextID),
		Role:      role,
		Phase:     role.Behavior().Phase,
		TaskScope: scope,
		ModelTier: s.cfg.ModelTier,
	}
	if err := s.spawner.Spawn(ctx, a, s.onExit); err != nil {
		return "", false, err
	}
	s.workers[a.WorkerID] = &spawned{assign: a}
	s.logger.Info("worker spawned", "worker_id", a.WorkerID, "role", string(role), "scope", scope)
	return a.WorkerID, true, nil
}

// onExit is called by the spawner from worker goroutines.
func (s *Supervisor) onExit(e Exit) {
	select {
	case s.exits <- e:
	case <-s.done:
	}
}

// watchInbox forwards supervisor mail to the phase loop.
func (s *Supervisor) watchInbox(ctx context.Context) {
	err := s.c.Mailbox.Watch(ctx, mailbox.SupervisorRecipient, func(msg mailbox.Message) {
		select {
		case s.inbox <- msg:
		case <-ctx.Done():
		}
	})
	if err != nil {
		s.logger.Error("supervisor inbox watch stopped", "error", err.Error())
	}
}

// waitUntil processes events until cond holds, ctx ends or a stuck report
// escalates.
func (s *Supervisor) waitUntil(ctx context.Context, cond func(ctx context.Context) (bool, error)) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		ok, err := cond(ctx)
		if err != nil || ok {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-s.inbox:
			if err := s.handle(ctx, msg); err != nil {
				return err
			}
		case e := <-s.exits:
			if err := s.handleExit(ctx, e); err != nil {
				return err
			}
		case id := <-s.dead:
			if w, ok := s.workers[id]; ok && !w.exited {
				w.exited, w.err = true, registry.ErrPresumedDead
			}
		case rep := <-s.stuck:
			return s.escalate(rep)
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) allExited(ids []string) bool {
	for _, id := range ids {
		if w, ok := s.workers[id]; ok && !w.exited {
			return false
		}
	}
	return true
}

func (s *Supervisor) handle(ctx context.Context, msg mailbox.Message) error {
	if s.handled[msg.ID] {
		return nil
	}
	s.handled[msg.ID] = true

	switch msg.Type {
	case mailbox.MessageReport:
		var r worker.Report
		if err := msg.Decode(&r); err != nil {
			s.logger.Warn("malformed worker report", "from", msg.From, "error", err.Error())
			return nil
		}
		return s.handleReport(ctx, r)
	case mailbox.MessageShutdownResponse:
		var resp mailbox.ShutdownResponse
		if err := msg.Decode(&resp); err != nil {
			s.logger.Warn("malformed shutdown response", "from", msg.From, "error", err.Error())
			return nil
		}
		s.acks[msg.From] = resp.Approve
		if !resp.Approve {
			s.logger.Warn("worker declined shutdown", "worker_id", msg.From, "reason", resp.Reason)
		}
	case mailbox.MessagePushResponse:
		var resp mailbox.PushResponse
		if err := msg.Decode(&resp); err != nil {
			s.logger.Warn("malformed push response", "from", msg.From, "error", err.Error())
			return nil
		}
		s.pushResponses = append(s.pushResponses, resp)
	}
	return nil
}

func (s *Supervisor) handleReport(ctx context.Context, r worker.Report) error {
	s.report.Workers = append(s.report.Workers, r)
	if _, err := s.guard.RecordSpend(ctx, r.WorkerID, r.CostUSD); err != nil {
		return err
	}
	s.logger.Info("worker reported", "worker_id", r.WorkerID, "status", string(r.Status),
		"cost_usd", r.CostUSD, "completed", len(r.TasksCompleted), "failed", len(r.TasksFailed))

	w, ours := s.workers[r.WorkerID]
	if !ours {
		return nil
	}
	w.report = &r
	if r.Status == worker.ReportStuck {
		return s.escalate(registry.StuckReport{
			WorkerID:    r.WorkerID,
			Kind:        errors.StuckRepeatedFailure,
			Occurrences: s.monitorThreshold(),
			Signature:   r.Summary,
			At:          time.Now(),
		})
	}
	return nil
}

func (s *Supervisor) monitorThreshold() int {
	if s.cfg.Monitor.RepeatFailureThreshold > 0 {
		return s.cfg.Monitor.RepeatFailureThreshold
	}
	return registry.DefaultMonitorConfig().RepeatFailureThreshold
}

// handleExit records a worker exit and picks up the report it wrote just
// before stopping.
func (s *Supervisor) handleExit(ctx context.Context, e Exit) error {
	w, ok := s.workers[e.WorkerID]
	if !ok {
		return nil
	}
	w.exited, w.err = true, e.Err
	if e.Err != nil {
		s.logger.Warn("worker exited with error", "worker_id", e.WorkerID, "error", e.Err.Error())
	}

	msgs, err := s.c.Mailbox.Receive(ctx, mailbox.SupervisorRecipient)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := s.handle(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) escalate(rep registry.StuckReport) error {
	s.report.Stuck = append(s.report.Stuck, rep)
	s.logger.Error("stuck worker escalated", "worker_id", rep.WorkerID, "kind", string(rep.Kind),
		"occurrences", rep.Occurrences, "signature", rep.Signature)
	return rep.Err()
}

// progress counts settled tasks and finished workers for the no-progress
// check.
func (s *Supervisor) progress(ctx context.Context) (int, error) {
	st, err := s.c.Queue.Status(ctx)
	if err != nil {
		return 0, err
	}
	records, err := s.c.Registry.List(ctx)
	if err != nil {
		return 0, err
	}
	n := st.Completed + st.Failed + st.Budget
	for _, rec := range records {
		if rec.State == registry.StateShutDown {
			n++
		}
	}
	return n, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
