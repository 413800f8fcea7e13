package worker

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Iron-Ham/hive/internal/errors"
	"github.com/Iron-Ham/hive/internal/logging"
	"github.com/Iron-Ham/hive/internal/mailbox"
	"github.com/Iron-Ham/hive/internal/perf"
	"github.com/Iron-Ham/hive/internal/registry"
	"github.com/Iron-Ham/hive/internal/session"
	"github.com/Iron-Ham/hive/internal/taskqueue"
)

const (
	defaultIdlePoll          = 500 * time.Millisecond
	defaultHeartbeatInterval = 2 * time.Second
	defaultStuckThreshold    = 3

	// maxLockRetries is the number of consecutive lock timeouts the claim
	// loop absorbs before giving up.
	maxLockRetries = 3

	// finalizeTimeout bounds the bookkeeping done after the run context ends.
	finalizeTimeout = 10 * time.Second
)

// Pusher pushes the working branch. The git-coordinator uses it.
type Pusher interface {
	Push(ctx context.Context) error
}

// Deps are the shared components a worker talks to.
type Deps struct {
	Queue    *taskqueue.Queue
	Registry *registry.Registry
	Mailbox  *mailbox.Mailbox
	Ledger   *perf.Ledger
	Session  *session.Handle
	Executor Executor
	Pusher   Pusher
	Logger   *logging.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithIdlePoll sets how often an idle worker looks for claimable work.
func WithIdlePoll(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.idlePoll = d
		}
	}
}

// WithHeartbeatInterval sets the background heartbeat period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.heartbeatInterval = d
		}
	}
}

// WithStuckThreshold sets how many identical consecutive failures make the
// worker stop claiming and report itself stuck.
func WithStuckThreshold(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.stuckThreshold = n
		}
	}
}

// Worker runs one assignment.
type Worker struct {
	assign Assignment
	deps   Deps
	logger *logging.Logger

	idlePoll          time.Duration
	heartbeatInterval time.Duration
	stuckThreshold    int

	stopRequested atomic.Bool
	currentTask   atomic.Value // string
	pushRequests  chan mailbox.Message
	now           func() time.Time
}

// New validates a and returns a Worker.
func New(a Assignment, deps Deps, opts ...Option) (*Worker, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if deps.Queue == nil || deps.Registry == nil || deps.Mailbox == nil {
		return nil, errors.NewValidationError("worker needs a queue, a registry and a mailbox")
	}
	if deps.Executor == nil && !a.Role.Behavior().HandlesPush {
		return nil, errors.NewValidationError("worker needs an executor").WithField("executor")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	w := &Worker{
		assign:            a,
		deps:              deps,
		logger:            logger.WithWorker(a.WorkerID).With("role", string(a.Role)),
		idlePoll:          defaultIdlePoll,
		heartbeatInterval: defaultHeartbeatInterval,
		stuckThreshold:    defaultStuckThreshold,
		pushRequests:      make(chan mailbox.Message, 8),
		now:               time.Now,
	}
	w.currentTask.Store("")
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// ID returns the worker id.
func (w *Worker) ID() string {
	return w.assign.WorkerID
}

// Run performs the assignment and returns the report that was sent to the
// supervisor. An error means infrastructure failed; task failures are part
// of the report.
func (w *Worker) Run(ctx context.Context) (Report, error) {
	start := w.now()
	err := w.deps.Registry.Register(ctx, registry.Record{
		WorkerID:  w.assign.WorkerID,
		Role:      string(w.assign.Role),
		ModelTier: w.assign.ModelTier,
		PID:       os.Getpid(),
	})
	if err != nil {
		return Report{}, err
	}
	w.logger.Info("worker started", "phase", string(w.assign.Phase), "scope", len(w.assign.TaskScope))

	runCtx, cancel := context.WithCancelCause(ctx)
	var wg sync.WaitGroup
	wg.Go(func() { w.heartbeatLoop(runCtx, cancel) })
	wg.Go(func() { w.watchInbox(runCtx) })
	// A panicking job must silence the heartbeat so the monitor reclaims
	// the task.
	stop := sync.OnceFunc(func() {
		cancel(nil)
		wg.Wait()
	})
	defer stop()

	report := Report{
		WorkerID:  w.assign.WorkerID,
		Role:      w.assign.Role,
		Phase:     w.assign.Phase,
		ModelTier: w.assign.ModelTier,
	}
	runErr := w.runRole(runCtx, &report)
	if cause := context.Cause(runCtx); cause != nil && ctx.Err() == nil {
		runErr = cause
	}
	stop()

	report.Duration = w.now().Sub(start)
	if report.Status == "" {
		report.Status = ReportCompleted
	}
	if runErr != nil {
		if report.Status != ReportStuck {
			report.Status = ReportFailed
		}
		report.Error = runErr.Error()
	}

	w.finish(ctx, report, runErr)
	if errors.Is(runErr, registry.ErrPresumedDead) {
		// The monitor already released our tasks; exiting is the expected outcome.
		runErr = nil
	}
	return report, runErr
}

func (w *Worker) runRole(ctx context.Context, report *Report) error {
	b := w.assign.Role.Behavior()
	if b.Mutating && w.deps.Session != nil {
		if err := w.deps.Session.MarkMutatingWork(ctx); err != nil {
			return err
		}
	}
	switch {
	case b.ClaimsTasks:
		return w.claimLoop(ctx, report)
	case b.HandlesPush:
		return w.servePush(ctx)
	default:
		return w.runOnce(ctx, report)
	}
}

// claimLoop claims and executes tasks until nothing is left to claim, a
// shutdown is requested, or the worker is stuck.
func (w *Worker) claimLoop(ctx context.Context, report *Report) error {
	var (
		lastSignature string
		streak        int
		lockRetries   int
	)
	for ctx.Err() == nil && !w.stopRequested.Load() {
		task, err := w.deps.Queue.ClaimNext(ctx, w.assign.WorkerID, w.assign.TaskScope...)
		if err != nil {
			if errors.IsRetryable(err) && lockRetries < maxLockRetries {
				lockRetries++
				w.logger.Warn("claim failed, retrying", "error", err.Error(), "attempt", lockRetries)
				w.sleep(ctx)
				continue
			}
			return err
		}
		lockRetries = 0

		if task == nil {
			done, err := w.nothingLeft(ctx)
			if err != nil {
				return err
			}
			if done {
				break
			}
			w.sleep(ctx)
			continue
		}

		res, err := w.execute(ctx, task)
		if err != nil {
			_, _ = w.release(context.WithoutCancel(ctx), task.ID, taskqueue.Failed("", err.Error()))
			return err
		}
		report.CostUSD += res.CostUSD
		report.NumTurns += res.NumTurns

		outcome := taskqueue.Succeeded()
		if !res.Success {
			outcome = taskqueue.Failed("", res.Summary)
		}
		if _, err := w.release(ctx, task.ID, outcome); err != nil {
			var own *errors.OwnershipError
			if errors.As(err, &own) {
				w.logger.Warn("result discarded, task reassigned", "task_id", task.ID, "owner", own.Owner)
				continue
			}
			return err
		}

		if res.Success {
			report.TasksCompleted = append(report.TasksCompleted, task.ID)
			report.Summary = res.Summary
			lastSignature, streak = "", 0
			if err := w.deps.Registry.ClearFailures(ctx, w.assign.WorkerID); err != nil {
				return err
			}
			continue
		}

		report.TasksFailed = append(report.TasksFailed, task.ID)
		count, err := w.deps.Registry.RecordFailure(ctx, w.assign.WorkerID, res.FailureSignature)
		if err != nil {
			return err
		}
		if res.FailureSignature == lastSignature {
			streak++
		} else {
			lastSignature, streak = res.FailureSignature, 1
		}
		if max(count, streak) >= w.stuckThreshold {
			report.Status = ReportStuck
			report.Summary = res.FailureSignature
			w.logger.Error("worker stuck, stopping", "signature", res.FailureSignature, "occurrences", max(count, streak))
			return errors.NewStuckWorkerError(w.assign.WorkerID, errors.StuckRepeatedFailure, max(count, streak)).
				WithSignature(res.FailureSignature)
		}
	}

	if len(report.TasksFailed) > 0 && report.Status == "" {
		report.Status = ReportFailed
	}
	return nil
}

// nothingLeft reports whether the worker should exit: nothing is claimable
// and no other worker holds a task that could unblock more work.
func (w *Worker) nothingLeft(ctx context.Context) (bool, error) {
	st, err := w.deps.Queue.Status(ctx)
	if err != nil {
		return false, err
	}
	return st.InProgress == 0, nil
}

func (w *Worker) execute(ctx context.Context, task *taskqueue.Task) (Result, error) {
	w.currentTask.Store(task.ID)
	defer w.currentTask.Store("")
	w.beat(ctx)

	w.logger.Info("task started", "task_id", task.ID, "attempts", task.Attempts)
	res, err := w.deps.Executor.Execute(ctx, w.job(task))
	if err != nil {
		w.logger.Error("task could not run", "task_id", task.ID, "error", err.Error())
		return res, err
	}
	w.logger.Info("task finished", "task_id", task.ID, "success", res.Success, "cost_usd", res.CostUSD)
	return res, nil
}

func (w *Worker) release(ctx context.Context, taskID string, outcome taskqueue.Outcome) (taskqueue.Released, error) {
	rel, err := w.deps.Queue.Release(ctx, w.assign.WorkerID, taskID, outcome)
	w.beat(ctx)
	return rel, err
}

// runOnce executes a single job for roles that do not claim tasks.
func (w *Worker) runOnce(ctx context.Context, report *Report) error {
	w.beat(ctx)
	res, err := w.deps.Executor.Execute(ctx, w.job(nil))
	if err != nil {
		return err
	}
	report.CostUSD = res.CostUSD
	report.NumTurns = res.NumTurns
	report.Summary = res.Summary
	report.GapTasks = res.GapTasks
	if !res.Success {
		report.Status = ReportFailed
		if report.Summary == "" {
			report.Summary = res.FailureSignature
		}
	}
	return nil
}

// servePush answers push requests until shutdown is requested.
func (w *Worker) servePush(ctx context.Context) error {
	ticker := time.NewTicker(w.idlePoll)
	defer ticker.Stop()
	for !w.stopRequested.Load() {
		select {
		case <-ctx.Done():
			return nil
		case req := <-w.pushRequests:
			resp := mailbox.PushResponse{Pushed: true}
			if w.deps.Pusher == nil {
				resp = mailbox.PushResponse{Error: "no pusher configured"}
			} else if err := w.deps.Pusher.Push(ctx); err != nil {
				resp = mailbox.PushResponse{Error: err.Error()}
			}
			w.logger.Info("push request served", "request_id", req.ID, "pushed", resp.Pushed)
			if err := w.send(ctx, req.From, mailbox.MessagePushResponse, resp); err != nil {
				return err
			}
		case <-ticker.C:
		}
	}
	return nil
}

func (w *Worker) job(task *taskqueue.Task) Job {
	return Job{
		WorkerID:  w.assign.WorkerID,
		Role:      w.assign.Role,
		Phase:     w.assign.Phase,
		ModelTier: w.assign.ModelTier,
		ReadOnly:  w.assign.Role.Behavior().ReadOnly,
		Task:      task,
	}
}

// heartbeatLoop bumps the registry record until ctx ends. A rejected
// heartbeat means the monitor gave up on this worker; the run is canceled.
func (w *Worker) heartbeatLoop(ctx context.Context, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.beat(ctx); errors.Is(err, registry.ErrPresumedDead) {
				w.logger.Warn("heartbeat rejected, stopping")
				cancel(err)
				return
			}
		}
	}
}

func (w *Worker) beat(ctx context.Context) error {
	task, _ := w.currentTask.Load().(string)
	err := w.deps.Registry.Heartbeat(ctx, w.assign.WorkerID, task)
	if err != nil && ctx.Err() == nil {
		w.logger.Debug("heartbeat failed", "error", err.Error())
	}
	return err
}

// watchInbox routes shutdown and push requests.
func (w *Worker) watchInbox(ctx context.Context) {
	err := w.deps.Mailbox.Watch(ctx, w.assign.WorkerID, func(msg mailbox.Message) {
		if msg.IsBroadcast() {
			return
		}
		switch msg.Type {
		case mailbox.MessageShutdownRequest:
			if !w.stopRequested.Swap(true) {
				w.logger.Info("shutdown requested", "from", msg.From)
			}
		case mailbox.MessagePushRequest:
			select {
			case w.pushRequests <- msg:
			default:
				w.logger.Warn("push request dropped, queue full", "request_id", msg.ID)
			}
		}
	})
	if err != nil {
		w.logger.Error("inbox watch stopped", "error", err.Error())
	}
}

// finish reports to the supervisor and leaves the registry. It runs on a
// fresh context so that a canceled run still reports. After a failed run
// any task still owned is released; if that fails too, the registry record
// stays live so the heartbeat monitor reclaims the task.
func (w *Worker) finish(parent context.Context, report Report, runErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), finalizeTimeout)
	defer cancel()

	leave := true
	if runErr != nil && !errors.Is(runErr, registry.ErrPresumedDead) && w.assign.Role.Behavior().ClaimsTasks {
		released, err := w.deps.Queue.ForceRelease(ctx, w.assign.WorkerID, "worker exited: "+runErr.Error())
		switch {
		case err != nil:
			leave = false
			w.logger.Error("owned tasks not released, leaving them to the monitor", "error", err.Error())
		case len(released) > 0:
			w.logger.Warn("owned tasks released on exit", "count", len(released))
		}
	}

	if err := w.send(ctx, mailbox.SupervisorRecipient, mailbox.MessageReport, report); err != nil {
		w.logger.Error("report not delivered", "error", err.Error())
	}
	if w.deps.Ledger != nil {
		err := w.deps.Ledger.Append(ctx, perf.Entry{
			WorkerID:  report.WorkerID,
			Role:      string(report.Role),
			ModelTier: report.ModelTier,
			TaskID:    lastOf(report.TasksCompleted),
			Status:    string(report.Status),
			CostUSD:   report.CostUSD,
			NumTurns:  report.NumTurns,
			Duration:  report.Duration,
		})
		if err != nil {
			w.logger.Error("ledger append failed", "error", err.Error())
		}
	}
	if leave {
		if err := w.deps.Registry.MarkShutDown(ctx, w.assign.WorkerID); err != nil {
			w.logger.Error("registry update failed", "error", err.Error())
		}
	}
	if w.stopRequested.Load() {
		if err := w.send(ctx, mailbox.SupervisorRecipient, mailbox.MessageShutdownResponse,
			mailbox.ShutdownResponse{Approve: true}); err != nil {
			w.logger.Error("shutdown response not delivered", "error", err.Error())
		}
	}
	w.logger.Info("worker exited", "status", string(report.Status),
		"completed", len(report.TasksCompleted), "failed", len(report.TasksFailed))
}

func (w *Worker) send(ctx context.Context, to string, typ mailbox.MessageType, payload any) error {
	msg, err := mailbox.NewMessage(w.assign.WorkerID, to, typ, payload)
	if err != nil {
		return err
	}
	return w.deps.Mailbox.Send(ctx, msg)
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.idlePoll):
	}
}

func lastOf(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[len(ids)-1]
}
