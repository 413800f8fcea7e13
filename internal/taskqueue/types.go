package taskqueue

import (
	"time"

	"github.com/Iron-Ham/hive/internal/retry"
)

// TaskStatus represents the current state of a queued task.
type TaskStatus string

const (
	// TaskPending indicates the task is waiting to be claimed.
	TaskPending TaskStatus = "pending"

	// TaskInProgress indicates a worker owns the task.
	TaskInProgress TaskStatus = "in_progress"

	// TaskCompleted indicates the task finished successfully.
	TaskCompleted TaskStatus = "completed"

	// TaskFailed indicates the task exhausted its retries or is blocked by
	// a task that did.
	TaskFailed TaskStatus = "failed"

	// TaskBudget indicates the budget guard refused to spawn a worker for
	// the task.
	TaskBudget TaskStatus = "budget"
)

// String returns the string representation of the task status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal returns true if this status represents a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskBudget
}

// Task is one unit of work. Status is TaskInProgress exactly when Owner is
// non-empty.
type Task struct {
	ID          string     `json:"id"`
	Subject     string     `json:"subject"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	Owner       string     `json:"owner,omitempty"`
	BlockedBy   []string   `json:"blocked_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Seq is the creation order. Claims scan tasks by ascending Seq.
	Seq int `json:"seq"`

	// Priority is carried from the task list for reporting; it does not
	// change claim order.
	Priority int `json:"priority,omitempty"`

	// Attempts counts failed attempts. It never decreases.
	Attempts int `json:"attempts,omitempty"`

	// FailureContext contains error context from the most recent failure.
	FailureContext string `json:"failure_context,omitempty"`

	// GapLoop is the verification gap loop that created the task; zero for
	// tasks from the initial plan.
	GapLoop int `json:"gap_loop,omitempty"`
}

// NewTask is the input to Queue.Create.
type NewTask struct {
	ID          string   `json:"id" yaml:"id"`
	Subject     string   `json:"subject" yaml:"subject"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	BlockedBy   []string `json:"blocked_by,omitempty" yaml:"blocked_by,omitempty"`
	Priority    int      `json:"priority,omitempty" yaml:"priority,omitempty"`
	GapLoop     int      `json:"gap_loop,omitempty" yaml:"-"`
}

// Outcome is what a worker reports when it releases a task.
type Outcome struct {
	Success bool
	Reason  retry.Reason
	Error   string
}

// Succeeded is the outcome of a completed task.
func Succeeded() Outcome {
	return Outcome{Success: true}
}

// Failed is the outcome of a failed attempt. An empty reason means
// verification_failed.
func Failed(reason retry.Reason, msg string) Outcome {
	if reason == "" {
		reason = retry.ReasonVerificationFailed
	}
	return Outcome{Reason: reason, Error: msg}
}

// Released describes the effect of a release.
type Released struct {
	Task Task

	// Retry is the entry recorded for a failed attempt, nil on success.
	Retry *retry.Entry

	// Unblocked lists tasks that became claimable because Task completed.
	Unblocked []string
}

// QueueStatus is a snapshot of the queue's current state counts.
type QueueStatus struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Budget     int `json:"budget"`

	// Claimable counts pending tasks whose blockers are all completed.
	Claimable int `json:"claimable"`

	// AwaitingRetry counts pending tasks with a retry entry.
	AwaitingRetry int `json:"awaiting_retry"`

	// Escalated counts tasks whose retries were exhausted.
	Escalated int `json:"escalated"`
}

// Drained reports whether no task is pending or in progress.
func (s QueueStatus) Drained() bool {
	return s.Pending == 0 && s.InProgress == 0
}
