// Package retry holds the retry queue: tasks whose owning worker crashed or
// whose result failed verification, waiting to be claimed again.
//
// The queue lives in retries.json and is guarded by the same lock key as the
// task queue, so an entry inserted by a release is visible to the very next
// claim scan. Callers load and save it inside a statestore transaction.
// Attempt counts are monotonic per task; once a task exceeds the configured
// maximum its entry is escalated to the operator instead of being retried.
package retry

import (
	"context"
	"slices"
	"time"

	"github.com/Iron-Ham/hive/internal/statestore"
)

// FileName is the state file holding the retry queue.
const FileName = "retries.json"

// Reason records why a task was sent back for another attempt.
type Reason string

const (
	ReasonCrashed            Reason = "crashed"
	ReasonVerificationFailed Reason = "verification_failed"
	ReasonExplicitRequeue    Reason = "explicit_requeue"
)

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonCrashed, ReasonVerificationFailed, ReasonExplicitRequeue:
		return true
	}
	return false
}

// Entry is one task waiting for reassignment.
type Entry struct {
	TaskID       string    `json:"task_id"`
	Reason       Reason    `json:"reason"`
	AttemptCount int       `json:"attempt_count"`
	CreatedAt    time.Time `json:"created_at"`
	Escalated    bool      `json:"escalated,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	WorkerID     string    `json:"worker_id,omitempty"` // worker that held the task
}

// Policy caps the number of failed attempts a task may accumulate.
type Policy struct {
	// MaxAttempts is the highest attempt count that is still retried.
	// Zero disables retries entirely.
	MaxAttempts int
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3}
}

// ShouldRetry reports whether a task that has failed attempts times may be
// attempted again.
func (p Policy) ShouldRetry(attempts int) bool {
	return attempts <= p.MaxAttempts
}

// Queue is the persisted retry state: entries still eligible for another
// attempt, and entries escalated to the operator.
type Queue struct {
	Entries   []Entry `json:"entries"`
	Escalated []Entry `json:"escalated,omitempty"`
}

// Load reads the retry queue inside a transaction. A missing file yields an
// empty queue.
func Load(tx *statestore.Tx) (*Queue, error) {
	q := &Queue{}
	if _, err := tx.Read(FileName, q); err != nil {
		return nil, err
	}
	return q, nil
}

// Save stages the retry queue for commit.
func (q *Queue) Save(tx *statestore.Tx) error {
	if q.Entries == nil {
		q.Entries = []Entry{}
	}
	return tx.Write(FileName, q)
}

// Record adds an entry for a task that has now failed attempts times. The
// entry is escalated when the policy forbids another attempt. An existing
// pending entry for the same task is replaced, so a task appears at most
// once. The stored entry is returned.
func (q *Queue) Record(p Policy, e Entry) Entry {
	q.remove(e.TaskID)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if !p.ShouldRetry(e.AttemptCount) {
		e.Escalated = true
		q.Escalated = append(q.Escalated, e)
		return e
	}
	q.Entries = append(q.Entries, e)
	return e
}

// Requeue adds an operator-requested entry. It bypasses the policy and lifts
// any earlier escalation of the task.
func (q *Queue) Requeue(e Entry) Entry {
	q.remove(e.TaskID)
	q.Escalated = slices.DeleteFunc(q.Escalated, func(x Entry) bool { return x.TaskID == e.TaskID })
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.Reason = ReasonExplicitRequeue
	e.Escalated = false
	q.Entries = append(q.Entries, e)
	return e
}

// Consume removes and returns the pending entry for taskID, if any.
// Claiming a retried task consumes its entry.
func (q *Queue) Consume(taskID string) (Entry, bool) {
	i := q.index(taskID)
	if i < 0 {
		return Entry{}, false
	}
	e := q.Entries[i]
	q.Entries = slices.Delete(q.Entries, i, i+1)
	return e, true
}

// Has reports whether taskID has a pending entry.
func (q *Queue) Has(taskID string) bool {
	return q.index(taskID) >= 0
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	return len(q.Entries)
}

// TaskIDs returns the task ids with pending entries, oldest first.
func (q *Queue) TaskIDs() []string {
	ids := make([]string, 0, len(q.Entries))
	for _, e := range q.Entries {
		ids = append(ids, e.TaskID)
	}
	return ids
}

func (q *Queue) index(taskID string) int {
	return slices.IndexFunc(q.Entries, func(e Entry) bool { return e.TaskID == taskID })
}

func (q *Queue) remove(taskID string) {
	q.Entries = slices.DeleteFunc(q.Entries, func(e Entry) bool { return e.TaskID == taskID })
}

// Snapshot returns a copy of the retry queue for read-only callers.
func Snapshot(ctx context.Context, store *statestore.Store) (*Queue, error) {
	var q *Queue
	err := store.Do(ctx, statestore.KeyQueue, func(tx *statestore.Tx) error {
		var err error
		q, err = Load(tx)
		return err
	})
	return q, err
}
