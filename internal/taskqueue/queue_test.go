package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/hive/internal/errors"
	"github.com/Iron-Ham/hive/internal/retry"
	"github.com/Iron-Ham/hive/internal/statestore"
)

func newTestQueue(t *testing.T, dir string, opts ...Option) *Queue {
	t.Helper()
	store, err := statestore.Open(dir, statestore.WithLockTimeout(30*time.Second))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return New(store, opts...)
}

func independentTasks(n int) []NewTask {
	tasks := make([]NewTask, 0, n)
	for i := 1; i <= n; i++ {
		tasks = append(tasks, NewTask{ID: fmt.Sprintf("task-%d", i), Subject: fmt.Sprintf("Task %d", i)})
	}
	return tasks
}

func mustCreate(t *testing.T, q *Queue, tasks []NewTask) {
	t.Helper()
	if _, err := q.Create(context.Background(), tasks); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func mustClaim(t *testing.T, q *Queue, workerID string, scope ...string) *Task {
	t.Helper()
	task, err := q.ClaimNext(context.Background(), workerID, scope...)
	if err != nil {
		t.Fatalf("ClaimNext(%s): %v", workerID, err)
	}
	return task
}

func TestCreate(t *testing.T) {
	q := newTestQueue(t, t.TempDir())
	created, err := q.Create(context.Background(), []NewTask{
		{ID: "a", Subject: "first"},
		{ID: "b", Subject: "second", BlockedBy: []string{"a"}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("created %d tasks, want 2", len(created))
	}
	for i, task := range created {
		if task.Status != TaskPending || task.Owner != "" {
			t.Errorf("task %s = %+v, want pending and unowned", task.ID, task)
		}
		if task.Seq != i {
			t.Errorf("task %s seq = %d, want %d", task.ID, task.Seq, i)
		}
		if task.CreatedAt.IsZero() {
			t.Errorf("task %s has no created_at", task.ID)
		}
	}

	// A second batch continues the sequence.
	more, err := q.Create(context.Background(), []NewTask{{ID: "c", BlockedBy: []string{"b"}}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if more[0].Seq != 2 {
		t.Errorf("seq = %d, want 2", more[0].Seq)
	}
}

func TestCreate_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		tasks   []NewTask
		wantErr error
	}{
		{
			name:    "duplicate id",
			tasks:   []NewTask{{ID: "a"}, {ID: "a"}},
			wantErr: errors.ErrDuplicateTask,
		},
		{
			name:    "empty id",
			tasks:   []NewTask{{ID: " "}},
			wantErr: errors.ErrInvalidInput,
		},
		{
			name:    "unknown blocker",
			tasks:   []NewTask{{ID: "a", BlockedBy: []string{"ghost"}}},
			wantErr: errors.ErrInvalidInput,
		},
		{
			name:    "self block",
			tasks:   []NewTask{{ID: "a", BlockedBy: []string{"a"}}},
			wantErr: errors.ErrDependencyCycle,
		},
		{
			name: "cycle",
			tasks: []NewTask{
				{ID: "a", BlockedBy: []string{"c"}},
				{ID: "b", BlockedBy: []string{"a"}},
				{ID: "c", BlockedBy: []string{"b"}},
			},
			wantErr: errors.ErrDependencyCycle,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newTestQueue(t, t.TempDir())
			_, err := q.Create(context.Background(), tt.tasks)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Create error = %v, want %v", err, tt.wantErr)
			}
			tasks, err := q.Snapshot(context.Background())
			if err != nil {
				t.Fatalf("Snapshot: %v", err)
			}
			if len(tasks) != 0 {
				t.Errorf("rejected batch left %d tasks behind", len(tasks))
			}
		})
	}
}

func TestClaimNext_FIFO(t *testing.T) {
	q := newTestQueue(t, t.TempDir())
	mustCreate(t, q, []NewTask{
		{ID: "low", Priority: 5},
		{ID: "high", Priority: 0},
		{ID: "mid", Priority: 2},
	})

	for _, want := range []string{"low", "high", "mid"} {
		task := mustClaim(t, q, "w")
		if task == nil || task.ID != want {
			t.Fatalf("claimed %v, want %s (creation order, priority ignored)", task, want)
		}
		if task.Status != TaskInProgress || task.Owner != "w" || task.ClaimedAt == nil {
			t.Errorf("claimed task = %+v", task)
		}
	}
	if task := mustClaim(t, q, "w"); task != nil {
		t.Errorf("expected nil when exhausted, got %s", task.ID)
	}
}

func TestClaimNext_EmptyWorkerID(t *testing.T) {
	q := newTestQueue(t, t.TempDir())
	if _, err := q.ClaimNext(context.Background(), ""); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
}

func TestClaimNext_BlockingRespected(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, t.TempDir())
	mustCreate(t, q, []NewTask{
		{ID: "b", BlockedBy: []string{"a"}},
		{ID: "a"},
	})

	first := mustClaim(t, q, "w1")
	if first == nil || first.ID != "a" {
		t.Fatalf("claimed %v, want a", first)
	}
	if task := mustClaim(t, q, "w2"); task != nil {
		t.Fatalf("b claimed while a is %s", TaskInProgress)
	}

	res, err := q.Release(ctx, "w1", "a", Succeeded())
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if len(res.Unblocked) != 1 || res.Unblocked[0] != "b" {
		t.Errorf("Unblocked = %v, want [b]", res.Unblocked)
	}

	if task := mustClaim(t, q, "w2"); task == nil || task.ID != "b" {
		t.Errorf("claimed %v, want b once a completed", task)
	}
}

func TestClaimNext_Scope(t *testing.T) {
	q := newTestQueue(t, t.TempDir())
	mustCreate(t, q, independentTasks(3))

	task := mustClaim(t, q, "w", "task-3")
	if task == nil || task.ID != "task-3" {
		t.Fatalf("scoped claim = %v, want task-3", task)
	}
	if task := mustClaim(t, q, "w", "task-3"); task != nil {
		t.Errorf("scope exhausted but claimed %s", task.ID)
	}
}

func TestRelease_Ownership(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, t.TempDir())
	mustCreate(t, q, independentTasks(1))
	mustClaim(t, q, "w1")

	_, err := q.Release(ctx, "w2", "task-1", Succeeded())
	if !errors.Is(err, errors.ErrNotOwner) {
		t.Fatalf("error = %v, want ErrNotOwner", err)
	}
	var own *errors.OwnershipError
	if !errors.As(err, &own) || own.Owner != "w1" {
		t.Errorf("OwnershipError = %+v", own)
	}

	task, err := q.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.Status != TaskInProgress || task.Owner != "w1" {
		t.Errorf("stale release modified task: %+v", task)
	}

	if _, err := q.Release(ctx, "w1", "missing", Succeeded()); !errors.Is(err, errors.ErrTaskNotFound) {
		t.Errorf("release of unknown task: %v", err)
	}
}

func TestRelease_Failure(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, t.TempDir(), WithPolicy(retry.Policy{MaxAttempts: 1}))
	mustCreate(t, q, independentTasks(1))

	mustClaim(t, q, "w1")
	res, err := q.Release(ctx, "w1", "task-1", Failed(retry.ReasonVerificationFailed, "build broke"))
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if res.Task.Status != TaskPending || res.Task.Owner != "" || res.Task.Attempts != 1 {
		t.Errorf("task after failure = %+v", res.Task)
	}
	if res.Retry == nil || res.Retry.AttemptCount != 1 || res.Retry.Escalated {
		t.Fatalf("retry entry = %+v", res.Retry)
	}

	// Unscoped workers leave retried tasks for replacements.
	if task := mustClaim(t, q, "w2"); task != nil {
		t.Fatalf("unscoped claim took retried task %s", task.ID)
	}
	st, err := q.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.AwaitingRetry != 1 || st.Drained() {
		t.Errorf("status = %+v", st)
	}

	if task := mustClaim(t, q, "w2", "task-1"); task == nil {
		t.Fatal("replacement worker could not claim retried task")
	}
	rq, err := q.Retries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rq.Len() != 0 {
		t.Errorf("claim should consume the retry entry, got %+v", rq.Entries)
	}

	// Second failure exceeds MaxAttempts=1 and escalates.
	res, err = q.Release(ctx, "w2", "task-1", Failed(retry.ReasonVerificationFailed, "build broke again"))
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if res.Task.Status != TaskFailed || res.Task.Attempts != 2 || !res.Retry.Escalated {
		t.Errorf("escalation: task=%+v retry=%+v", res.Task, res.Retry)
	}
	drained, err := q.IsDrained(ctx)
	if err != nil || !drained {
		t.Errorf("IsDrained = %v, %v", drained, err)
	}
	rq, _ = q.Retries(ctx)
	if len(rq.Escalated) != 1 {
		t.Errorf("Escalated = %+v", rq.Escalated)
	}
}

// TestClaimNext_MutualExclusion runs many claimers, each with its own store
// handle, and checks every task is completed by exactly one of them.
func TestClaimNext_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	const numTasks, numWorkers = 30, 8
	mustCreate(t, newTestQueue(t, dir), independentTasks(numTasks))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = make(map[string]string)
	)
	for w := range numWorkers {
		workerID := fmt.Sprintf("worker-%d", w)
		q := newTestQueue(t, dir)
		wg.Go(func() {
			for {
				task, err := q.ClaimNext(ctx, workerID)
				if err != nil {
					t.Errorf("ClaimNext: %v", err)
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				if prev, dup := claimed[task.ID]; dup {
					t.Errorf("task %s claimed by %s and %s", task.ID, prev, workerID)
				}
				claimed[task.ID] = workerID
				mu.Unlock()
				if _, err := q.Release(ctx, workerID, task.ID, Succeeded()); err != nil {
					t.Errorf("Release: %v", err)
					return
				}
			}
		})
	}
	wg.Wait()

	if len(claimed) != numTasks {
		t.Errorf("claimed %d distinct tasks, want %d", len(claimed), numTasks)
	}
	q := newTestQueue(t, dir)
	st, err := q.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Completed != numTasks || !st.Drained() {
		t.Errorf("status = %+v, want %d completed and drained", st, numTasks)
	}
}

func TestEndToEnd_TwoWorkersThreeTasks(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := newTestQueue(t, dir)
	b := newTestQueue(t, dir)
	mustCreate(t, a, independentTasks(3))

	if task := mustClaim(t, a, "A"); task.ID != "task-1" {
		t.Fatalf("A claimed %s", task.ID)
	}
	if task := mustClaim(t, b, "B"); task.ID != "task-2" {
		t.Fatalf("B claimed %s", task.ID)
	}
	st, _ := a.Status(ctx)
	if st.Pending != 1 {
		t.Fatalf("pending = %d, want 1", st.Pending)
	}

	if _, err := a.Release(ctx, "A", "task-1", Succeeded()); err != nil {
		t.Fatal(err)
	}
	if task := mustClaim(t, a, "A"); task.ID != "task-3" {
		t.Fatalf("A claimed %s, want task-3", task.ID)
	}
	if _, err := b.Release(ctx, "B", "task-2", Succeeded()); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Release(ctx, "A", "task-3", Succeeded()); err != nil {
		t.Fatal(err)
	}

	drained, err := a.IsDrained(ctx)
	if err != nil || !drained {
		t.Errorf("IsDrained = %v, %v", drained, err)
	}
	rq, _ := a.Retries(ctx)
	if rq.Len() != 0 {
		t.Errorf("retry queue not empty: %+v", rq.Entries)
	}
}

func TestForceRelease_CrashRetry(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, t.TempDir())
	mustCreate(t, q, []NewTask{{ID: "task-4"}})
	mustClaim(t, q, "C")

	entries, err := q.ForceRelease(ctx, "C", "heartbeat lost")
	if err != nil {
		t.Fatalf("ForceRelease: %v", err)
	}
	if len(entries) != 1 || entries[0].Reason != retry.ReasonCrashed || entries[0].AttemptCount != 1 {
		t.Fatalf("entries = %+v", entries)
	}
	task, _ := q.Get(ctx, "task-4")
	if task.Status != TaskPending || task.Owner != "" {
		t.Errorf("task after force release = %+v", task)
	}

	// A second force release for the same worker finds nothing.
	again, err := q.ForceRelease(ctx, "C", "heartbeat lost")
	if err != nil || len(again) != 0 {
		t.Errorf("second ForceRelease = %+v, %v", again, err)
	}

	// A stale release from the crashed worker is rejected.
	if _, err := q.Release(ctx, "C", "task-4", Succeeded()); !errors.Is(err, errors.ErrNotOwner) {
		t.Errorf("stale release error = %v", err)
	}

	if task := mustClaim(t, q, "D", "task-4"); task == nil {
		t.Fatal("D could not claim task-4")
	}
	if _, err := q.Release(ctx, "D", "task-4", Succeeded()); err != nil {
		t.Fatal(err)
	}
	rq, _ := q.Retries(ctx)
	if rq.Len() != 0 {
		t.Errorf("retry queue = %+v, want empty", rq.Entries)
	}
}

func TestRequeue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, t.TempDir())
	mustCreate(t, q, independentTasks(1))
	mustClaim(t, q, "w")

	if _, err := q.Requeue(ctx, "task-1", ""); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("requeue of in-progress task: %v", err)
	}
	if _, err := q.Release(ctx, "w", "task-1", Succeeded()); err != nil {
		t.Fatal(err)
	}

	e, err := q.Requeue(ctx, "task-1", "redo with new API")
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if e.Reason != retry.ReasonExplicitRequeue {
		t.Errorf("reason = %s", e.Reason)
	}
	task, _ := q.Get(ctx, "task-1")
	if task.Status != TaskPending || task.CompletedAt != nil {
		t.Errorf("task = %+v", task)
	}
	if _, err := q.Requeue(ctx, "ghost", ""); !errors.Is(err, errors.ErrTaskNotFound) {
		t.Errorf("requeue unknown: %v", err)
	}
}

func TestMarkBudget(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, t.TempDir())
	mustCreate(t, q, independentTasks(3))
	mustClaim(t, q, "w")

	marked, err := q.MarkBudget(ctx)
	if err != nil {
		t.Fatalf("MarkBudget: %v", err)
	}
	if len(marked) != 2 {
		t.Errorf("marked = %v, want the two pending tasks", marked)
	}
	st, _ := q.Status(ctx)
	if st.Budget != 2 || st.InProgress != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestFailBlocked(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, t.TempDir(), WithPolicy(retry.Policy{MaxAttempts: 0}))
	mustCreate(t, q, []NewTask{
		{ID: "a"},
		{ID: "b", BlockedBy: []string{"a"}},
		{ID: "c", BlockedBy: []string{"b"}},
		{ID: "d"},
	})
	mustClaim(t, q, "w")
	if _, err := q.Release(ctx, "w", "a", Failed(retry.ReasonVerificationFailed, "boom")); err != nil {
		t.Fatal(err)
	}

	settled, err := q.FailBlocked(ctx)
	if err != nil {
		t.Fatalf("FailBlocked: %v", err)
	}
	if len(settled) != 2 {
		t.Errorf("settled = %v, want [b c]", settled)
	}
	c, _ := q.Get(ctx, "c")
	if c.Status != TaskFailed || c.FailureContext == "" {
		t.Errorf("c = %+v", c)
	}
	d, _ := q.Get(ctx, "d")
	if d.Status != TaskPending {
		t.Errorf("unrelated task changed: %+v", d)
	}
}

func TestOwnedBy(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, t.TempDir())
	mustCreate(t, q, independentTasks(2))
	mustClaim(t, q, "w1")

	owned, err := q.OwnedBy(ctx, "w1")
	if err != nil || len(owned) != 1 || owned[0].ID != "task-1" {
		t.Errorf("OwnedBy = %+v, %v", owned, err)
	}
	if owned, _ := q.OwnedBy(ctx, "w2"); len(owned) != 0 {
		t.Errorf("OwnedBy(w2) = %+v", owned)
	}
}
