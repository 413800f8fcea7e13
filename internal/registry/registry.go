// Package registry tracks the workers of a session and detects the ones that
// stop making progress.
//
// Worker records live in workers.json under the statestore "registry" lock.
// Workers bump their heartbeat on every claim and release and on a ticker;
// the supervisor's [Monitor] polls the records and moves silent workers
// through idle-warned to presumed-dead, force-releasing their tasks.
package registry

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/Iron-Ham/hive/internal/errors"
	"github.com/Iron-Ham/hive/internal/logging"
	"github.com/Iron-Ham/hive/internal/statestore"
)

// FileName is the state file holding worker records.
const FileName = "workers.json"

// State is a worker's liveness state.
type State string

const (
	StateActive       State = "active"
	StateIdleWarned   State = "idle-warned"
	StatePresumedDead State = "presumed-dead"
	StateShutDown     State = "shut-down"
)

// Live reports whether the worker may still claim work.
func (s State) Live() bool {
	return s == StateActive || s == StateIdleWarned
}

// ErrPresumedDead is returned to a worker that heartbeats after the monitor
// gave up on it. Its tasks have been reassigned; it must stop.
var ErrPresumedDead = errors.New("worker presumed dead")

// Record is the registry entry for one worker.
type Record struct {
	WorkerID        string    `json:"worker_id"`
	Role            string    `json:"role"`
	ModelTier       string    `json:"model_tier,omitempty"`
	PID             int       `json:"pid,omitempty"`
	SpawnedAt       time.Time `json:"spawned_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`

	// HeartbeatSeq increases on every heartbeat. The monitor compares it
	// between polls instead of comparing wall-clock ages.
	HeartbeatSeq int64  `json:"heartbeat_seq"`
	State        State  `json:"state"`
	CurrentTask  string `json:"current_task,omitempty"`

	FailureSignature string `json:"failure_signature,omitempty"`
	FailureCount     int    `json:"failure_count,omitempty"`
	StuckReported    bool   `json:"stuck_reported,omitempty"`
}

type roster struct {
	Workers []*Record `json:"workers"`
}

func (r *roster) find(workerID string) *Record {
	i := slices.IndexFunc(r.Workers, func(rec *Record) bool { return rec.WorkerID == workerID })
	if i < 0 {
		return nil
	}
	return r.Workers[i]
}

// Registry is a handle on the worker records of one state directory.
type Registry struct {
	store  *statestore.Store
	logger *logging.Logger
	now    func() time.Time
}

// New returns a Registry backed by store.
func New(store *statestore.Store, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Registry{store: store, logger: logger, now: time.Now}
}

func (r *Registry) update(ctx context.Context, fn func(ro *roster) error) error {
	return statestore.Update(ctx, r.store, statestore.KeyRegistry, FileName, fn)
}

func (r *Registry) modify(ctx context.Context, workerID string, fn func(rec *Record) error) error {
	return r.update(ctx, func(ro *roster) error {
		rec := ro.find(workerID)
		if rec == nil {
			return errors.NewNotFoundError("worker", workerID)
		}
		return fn(rec)
	})
}

// Register adds an active record for a newly spawned worker.
func (r *Registry) Register(ctx context.Context, rec Record) error {
	if rec.WorkerID == "" {
		return errors.NewValidationError("worker id must not be empty").WithField("worker_id")
	}
	now := r.now()
	err := r.update(ctx, func(ro *roster) error {
		if ro.find(rec.WorkerID) != nil {
			return errors.NewValidationError("worker already registered").WithField("worker_id").WithValue(rec.WorkerID)
		}
		rec.State = StateActive
		rec.SpawnedAt = now
		rec.LastHeartbeatAt = now
		rec.HeartbeatSeq = 1
		ro.Workers = append(ro.Workers, &rec)
		return nil
	})
	if err == nil {
		r.logger.Info("worker registered", "worker_id", rec.WorkerID, "role", rec.Role)
	}
	return err
}

// Heartbeat records observable progress by workerID. An idle-warned worker
// becomes active again. A presumed-dead or shut-down worker gets
// ErrPresumedDead.
func (r *Registry) Heartbeat(ctx context.Context, workerID, currentTask string) error {
	return r.modify(ctx, workerID, func(rec *Record) error {
		if !rec.State.Live() {
			return fmt.Errorf("%w: %s is %s", ErrPresumedDead, workerID, rec.State)
		}
		rec.HeartbeatSeq++
		rec.LastHeartbeatAt = r.now()
		rec.CurrentTask = currentTask
		rec.State = StateActive
		return nil
	})
}

// RecordFailure notes a failed attempt with an observable signature (for
// example a normalized build error). Identical consecutive signatures
// accumulate; a different one restarts the count. Returns the count.
func (r *Registry) RecordFailure(ctx context.Context, workerID, signature string) (int, error) {
	var count int
	err := r.modify(ctx, workerID, func(rec *Record) error {
		if rec.FailureSignature == signature {
			rec.FailureCount++
		} else {
			rec.FailureSignature = signature
			rec.FailureCount = 1
			rec.StuckReported = false
		}
		count = rec.FailureCount
		return nil
	})
	return count, err
}

// ClearFailures resets the failure streak after a success.
func (r *Registry) ClearFailures(ctx context.Context, workerID string) error {
	return r.modify(ctx, workerID, func(rec *Record) error {
		rec.FailureSignature = ""
		rec.FailureCount = 0
		rec.StuckReported = false
		return nil
	})
}

// MarkShutDown records that workerID acknowledged shutdown or exited.
func (r *Registry) MarkShutDown(ctx context.Context, workerID string) error {
	err := r.modify(ctx, workerID, func(rec *Record) error {
		if rec.State != StatePresumedDead {
			rec.State = StateShutDown
		}
		rec.CurrentTask = ""
		return nil
	})
	if err == nil {
		r.logger.Debug("worker shut down", "worker_id", workerID)
	}
	return err
}

// Remove deletes the record for workerID.
func (r *Registry) Remove(ctx context.Context, workerID string) error {
	return r.update(ctx, func(ro *roster) error {
		ro.Workers = slices.DeleteFunc(ro.Workers, func(rec *Record) bool { return rec.WorkerID == workerID })
		return nil
	})
}

// Get returns a copy of the record for workerID.
func (r *Registry) Get(ctx context.Context, workerID string) (Record, error) {
	var out Record
	err := r.store.Do(ctx, statestore.KeyRegistry, func(tx *statestore.Tx) error {
		var ro roster
		if _, err := tx.Read(FileName, &ro); err != nil {
			return err
		}
		rec := ro.find(workerID)
		if rec == nil {
			return errors.NewNotFoundError("worker", workerID)
		}
		out = *rec
		return nil
	})
	return out, err
}

// List returns copies of all records in registration order.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	ro, err := statestore.Load[roster](ctx, r.store, statestore.KeyRegistry, FileName)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(ro.Workers))
	for _, rec := range ro.Workers {
		out = append(out, *rec)
	}
	return out, nil
}

// Live returns the records of workers that are active or idle-warned.
func (r *Registry) Live(ctx context.Context) ([]Record, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(rec Record) bool { return !rec.State.Live() }), nil
}
