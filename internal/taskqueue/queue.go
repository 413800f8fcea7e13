package taskqueue

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Iron-Ham/hive/internal/errors"
	"github.com/Iron-Ham/hive/internal/logging"
	"github.com/Iron-Ham/hive/internal/retry"
	"github.com/Iron-Ham/hive/internal/statestore"
)

// Queue is a handle on the shared task queue of one state directory. It holds
// no task state of its own: every operation is a single read-modify-write of
// queue.json and retries.json under the queue lock, so handles in different
// processes observe each other's changes.
type Queue struct {
	store  *statestore.Store
	policy retry.Policy
	logger *logging.Logger
	now    func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithPolicy sets the retry policy applied when attempts fail.
func WithPolicy(p retry.Policy) Option {
	return func(q *Queue) {
		q.policy = p
	}
}

// WithLogger attaches a logger.
func WithLogger(l *logging.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New returns a Queue backed by store.
func New(store *statestore.Store, opts ...Option) *Queue {
	q := &Queue{
		store:  store,
		policy: retry.DefaultPolicy(),
		logger: logging.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// update runs fn on the board and retry queue under the queue lock and
// persists both when fn succeeds.
func (q *Queue) update(ctx context.Context, fn func(b *board, rq *retry.Queue) error) error {
	return q.store.Do(ctx, statestore.KeyQueue, func(tx *statestore.Tx) error {
		b, err := loadBoard(tx)
		if err != nil {
			return err
		}
		rq, err := retry.Load(tx)
		if err != nil {
			return err
		}
		if err := fn(b, rq); err != nil {
			return err
		}
		if err := b.save(tx); err != nil {
			return err
		}
		return rq.Save(tx)
	})
}

// view runs fn on the board and retry queue under the queue lock without
// writing anything back.
func (q *Queue) view(ctx context.Context, fn func(b *board, rq *retry.Queue) error) error {
	return q.store.Do(ctx, statestore.KeyQueue, func(tx *statestore.Tx) error {
		b, err := loadBoard(tx)
		if err != nil {
			return err
		}
		rq, err := retry.Load(tx)
		if err != nil {
			return err
		}
		return fn(b, rq)
	})
}

// Create appends tasks in the given order. It rejects empty or duplicate ids
// and blocked_by references that are unknown or form a cycle; on error
// nothing is written.
func (q *Queue) Create(ctx context.Context, tasks []NewTask) ([]Task, error) {
	var created []Task
	err := q.update(ctx, func(b *board, _ *retry.Queue) error {
		now := q.now()
		seen := make(map[string]bool, len(tasks))
		for _, nt := range tasks {
			id := strings.TrimSpace(nt.ID)
			if id == "" {
				return errors.NewValidationError("task id must not be empty").WithField("id")
			}
			if _, exists := b.get(id); exists || seen[id] {
				return fmt.Errorf("%w: %s", errors.ErrDuplicateTask, id)
			}
			seen[id] = true
			b.add(&Task{
				ID:          id,
				Subject:     nt.Subject,
				Description: nt.Description,
				Status:      TaskPending,
				BlockedBy:   slices.Clone(nt.BlockedBy),
				CreatedAt:   now,
				Priority:    nt.Priority,
				GapLoop:     nt.GapLoop,
			})
		}
		if err := b.checkGraph(); err != nil {
			return err
		}
		created = created[:0]
		for _, nt := range tasks {
			t, _ := b.get(strings.TrimSpace(nt.ID))
			created = append(created, copyTask(t))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	q.logger.Info("tasks created", "count", len(created))
	return created, nil
}

// ClaimNext claims the first claimable task in creation order for workerID
// and returns it, or returns nil when no task is eligible.
//
// Without a scope, tasks waiting in the retry queue are skipped: they are
// left for replacement workers, which pass the retried task ids as scope.
// Claiming a task consumes its retry entry.
func (q *Queue) ClaimNext(ctx context.Context, workerID string, scope ...string) (*Task, error) {
	if workerID == "" {
		return nil, errors.NewValidationError("worker id must not be empty").WithField("worker_id")
	}

	var claimed *Task
	err := q.update(ctx, func(b *board, rq *retry.Queue) error {
		for _, task := range b.Tasks {
			if len(scope) > 0 {
				if !slices.Contains(scope, task.ID) {
					continue
				}
			} else if rq.Has(task.ID) {
				continue
			}
			if !b.isClaimable(task) {
				continue
			}

			now := q.now()
			task.Status = TaskInProgress
			task.Owner = workerID
			task.ClaimedAt = &now
			rq.Consume(task.ID)

			cp := copyTask(task)
			claimed = &cp
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		q.logger.Debug("task claimed", "task_id", claimed.ID, "worker_id", workerID)
	}
	return claimed, nil
}

// Release ends workerID's ownership of taskID. A successful outcome completes
// the task. A failed one returns it to pending with a retry entry, or fails
// it for good once the retry policy is exhausted. Returns
// *errors.OwnershipError when workerID no longer owns the task; the caller
// must discard its result.
func (q *Queue) Release(ctx context.Context, workerID, taskID string, outcome Outcome) (Released, error) {
	var res Released
	err := q.update(ctx, func(b *board, rq *retry.Queue) error {
		task, ok := b.get(taskID)
		if !ok {
			return taskNotFound(taskID)
		}
		if task.Status != TaskInProgress || task.Owner != workerID {
			return errors.NewOwnershipError(taskID, workerID, task.Owner)
		}

		now := q.now()
		if outcome.Success {
			task.Status = TaskCompleted
			task.Owner = ""
			task.CompletedAt = &now
			res.Unblocked = b.unblockedBy(taskID)
		} else {
			reason := outcome.Reason
			if !reason.Valid() {
				reason = retry.ReasonVerificationFailed
			}
			e := q.fail(task, rq, reason, workerID, outcome.Error, now)
			res.Retry = &e
		}
		res.Task = copyTask(task)
		return nil
	})
	if err != nil {
		return Released{}, err
	}

	switch {
	case outcome.Success:
		q.logger.Info("task completed", "task_id", taskID, "worker_id", workerID, "unblocked", len(res.Unblocked))
	case res.Retry.Escalated:
		q.logger.Warn("task retries exhausted", "task_id", taskID, "attempts", res.Retry.AttemptCount, "error", outcome.Error)
	default:
		q.logger.Info("task queued for retry", "task_id", taskID, "reason", string(res.Retry.Reason), "attempts", res.Retry.AttemptCount)
	}
	return res, nil
}

// fail records a failed attempt on an in-progress task.
func (q *Queue) fail(task *Task, rq *retry.Queue, reason retry.Reason, workerID, msg string, now time.Time) retry.Entry {
	task.Attempts++
	task.FailureContext = msg
	task.Owner = ""
	task.ClaimedAt = nil

	e := rq.Record(q.policy, retry.Entry{
		TaskID:       task.ID,
		Reason:       reason,
		AttemptCount: task.Attempts,
		CreatedAt:    now,
		LastError:    msg,
		WorkerID:     workerID,
	})
	if e.Escalated {
		task.Status = TaskFailed
		task.CompletedAt = &now
	} else {
		task.Status = TaskPending
	}
	return e
}

// ForceRelease returns every task owned by workerID to pending with a
// crashed retry entry. The heartbeat monitor calls it for presumed-dead
// workers. Tasks over the retry cap fail instead.
func (q *Queue) ForceRelease(ctx context.Context, workerID, reason string) ([]retry.Entry, error) {
	var entries []retry.Entry
	err := q.update(ctx, func(b *board, rq *retry.Queue) error {
		now := q.now()
		for _, task := range b.Tasks {
			if task.Status != TaskInProgress || task.Owner != workerID {
				continue
			}
			entries = append(entries, q.fail(task, rq, retry.ReasonCrashed, workerID, reason, now))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		q.logger.Warn("task force-released", "task_id", e.TaskID, "worker_id", workerID,
			"attempts", e.AttemptCount, "escalated", e.Escalated)
	}
	return entries, nil
}

// Requeue puts taskID back to pending with an explicit_requeue entry,
// regardless of the retry cap. Tasks in progress cannot be requeued.
func (q *Queue) Requeue(ctx context.Context, taskID, note string) (retry.Entry, error) {
	var entry retry.Entry
	err := q.update(ctx, func(b *board, rq *retry.Queue) error {
		task, ok := b.get(taskID)
		if !ok {
			return taskNotFound(taskID)
		}
		if task.Status == TaskInProgress {
			return errors.NewValidationError("task is in progress").WithField(taskID).WithValue(task.Owner)
		}
		task.Status = TaskPending
		task.Owner = ""
		task.ClaimedAt = nil
		task.CompletedAt = nil
		if note != "" {
			task.FailureContext = note
		}
		entry = rq.Requeue(retry.Entry{
			TaskID:       task.ID,
			AttemptCount: task.Attempts,
			CreatedAt:    q.now(),
			LastError:    note,
		})
		return nil
	})
	if err != nil {
		return retry.Entry{}, err
	}
	q.logger.Info("task requeued", "task_id", taskID)
	return entry, nil
}

// MarkBudget moves pending tasks to TaskBudget. With no ids every pending
// task is marked. Returns the ids that changed.
func (q *Queue) MarkBudget(ctx context.Context, taskIDs ...string) ([]string, error) {
	var marked []string
	err := q.update(ctx, func(b *board, rq *retry.Queue) error {
		now := q.now()
		for _, task := range b.Tasks {
			if task.Status != TaskPending {
				continue
			}
			if len(taskIDs) > 0 && !slices.Contains(taskIDs, task.ID) {
				continue
			}
			task.Status = TaskBudget
			task.CompletedAt = &now
			rq.Consume(task.ID)
			marked = append(marked, task.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(marked) > 0 {
		q.logger.Warn("tasks refused by budget", "tasks", marked)
	}
	return marked, nil
}

// FailBlocked settles pending tasks that can never run because a task they
// are blocked by ended failed or budget-refused. Each such task takes its
// blocker's status. Returns the ids that changed.
func (q *Queue) FailBlocked(ctx context.Context) ([]string, error) {
	var settled []string
	err := q.update(ctx, func(b *board, rq *retry.Queue) error {
		now := q.now()
		for changed := true; changed; {
			changed = false
			for _, task := range b.Tasks {
				if task.Status != TaskPending {
					continue
				}
				blocker, ok := b.terminalBlocker(task)
				if !ok {
					continue
				}
				task.Status = blocker.Status
				task.FailureContext = fmt.Sprintf("blocked by %s task %s", blocker.Status, blocker.ID)
				task.CompletedAt = &now
				rq.Consume(task.ID)
				settled = append(settled, task.ID)
				changed = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(settled) > 0 {
		q.logger.Warn("blocked tasks settled", "tasks", settled)
	}
	return settled, nil
}

// IsDrained returns true when no task is pending or in progress.
func (q *Queue) IsDrained(ctx context.Context) (bool, error) {
	st, err := q.Status(ctx)
	if err != nil {
		return false, err
	}
	return st.Drained(), nil
}

// Status returns a snapshot of the current queue state counts.
func (q *Queue) Status(ctx context.Context) (QueueStatus, error) {
	var s QueueStatus
	err := q.view(ctx, func(b *board, rq *retry.Queue) error {
		s.Total = len(b.Tasks)
		for _, task := range b.Tasks {
			switch task.Status {
			case TaskPending:
				s.Pending++
				if b.isClaimable(task) {
					s.Claimable++
				}
				if rq.Has(task.ID) {
					s.AwaitingRetry++
				}
			case TaskInProgress:
				s.InProgress++
			case TaskCompleted:
				s.Completed++
			case TaskFailed:
				s.Failed++
			case TaskBudget:
				s.Budget++
			}
		}
		s.Escalated = len(rq.Escalated)
		return nil
	})
	return s, err
}

// Snapshot returns copies of all tasks in creation order.
func (q *Queue) Snapshot(ctx context.Context) ([]Task, error) {
	var out []Task
	err := q.view(ctx, func(b *board, _ *retry.Queue) error {
		out = make([]Task, 0, len(b.Tasks))
		for _, task := range b.Tasks {
			out = append(out, copyTask(task))
		}
		return nil
	})
	return out, err
}

// Get returns the task with the given id.
func (q *Queue) Get(ctx context.Context, taskID string) (*Task, error) {
	var out *Task
	err := q.view(ctx, func(b *board, _ *retry.Queue) error {
		task, ok := b.get(taskID)
		if !ok {
			return taskNotFound(taskID)
		}
		cp := copyTask(task)
		out = &cp
		return nil
	})
	return out, err
}

// OwnedBy returns the tasks currently owned by workerID.
func (q *Queue) OwnedBy(ctx context.Context, workerID string) ([]Task, error) {
	var out []Task
	err := q.view(ctx, func(b *board, _ *retry.Queue) error {
		for _, task := range b.Tasks {
			if task.Owner == workerID {
				out = append(out, copyTask(task))
			}
		}
		return nil
	})
	return out, err
}

// Retries returns the retry queue.
func (q *Queue) Retries(ctx context.Context) (*retry.Queue, error) {
	return retry.Snapshot(ctx, q.store)
}

func taskNotFound(taskID string) error {
	return errors.NewNotFoundError("task", taskID).WithCause(errors.ErrTaskNotFound)
}
