package registry

import (
	"context"
	"testing"
	"time"

	"github.com/Iron-Ham/hive/internal/errors"
	"github.com/Iron-Ham/hive/internal/statestore"
)

func newTestRegistry(t *testing.T) (*Registry, *statestore.Store) {
	t.Helper()
	store, err := statestore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return New(store, nil), store
}

func mustRegister(t *testing.T, r *Registry, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := r.Register(context.Background(), Record{WorkerID: id, Role: "implementation"}); err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
	}
}

func TestStateLive(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StateActive, true},
		{StateIdleWarned, true},
		{StatePresumedDead, false},
		{StateShutDown, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.Live(); got != tt.want {
				t.Errorf("Live() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegister(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	mustRegister(t, r, "w1")
	rec, err := r.Get(ctx, "w1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.State != StateActive || rec.HeartbeatSeq != 1 {
		t.Errorf("record = %+v, want active with seq 1", rec)
	}
	if !rec.SpawnedAt.Equal(fixed) || !rec.LastHeartbeatAt.Equal(fixed) {
		t.Errorf("timestamps = %v/%v, want %v", rec.SpawnedAt, rec.LastHeartbeatAt, fixed)
	}

	if err := r.Register(ctx, Record{WorkerID: "w1"}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("duplicate Register error = %v, want ErrInvalidInput", err)
	}
	if err := r.Register(ctx, Record{}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("empty Register error = %v, want ErrInvalidInput", err)
	}
}

func TestHeartbeat(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	mustRegister(t, r, "w1")

	if err := r.Heartbeat(ctx, "w1", "task-1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	rec, _ := r.Get(ctx, "w1")
	if rec.HeartbeatSeq != 2 || rec.CurrentTask != "task-1" {
		t.Errorf("record = %+v, want seq 2 on task-1", rec)
	}

	// An idle-warned worker comes back to active.
	if err := r.modify(ctx, "w1", func(rec *Record) error {
		rec.State = StateIdleWarned
		return nil
	}); err != nil {
		t.Fatalf("modify: %v", err)
	}
	if err := r.Heartbeat(ctx, "w1", ""); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if rec, _ := r.Get(ctx, "w1"); rec.State != StateActive {
		t.Errorf("state = %s, want active", rec.State)
	}

	if err := r.Heartbeat(ctx, "missing", ""); !errors.Is(err, &errors.NotFoundError{}) {
		t.Errorf("Heartbeat(missing) error = %v, want NotFoundError", err)
	}
}

func TestHeartbeatAfterPresumedDead(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	mustRegister(t, r, "w1")
	if err := r.modify(ctx, "w1", func(rec *Record) error {
		rec.State = StatePresumedDead
		return nil
	}); err != nil {
		t.Fatalf("modify: %v", err)
	}

	err := r.Heartbeat(ctx, "w1", "task-1")
	if !errors.Is(err, ErrPresumedDead) {
		t.Fatalf("Heartbeat error = %v, want ErrPresumedDead", err)
	}
	rec, _ := r.Get(ctx, "w1")
	if rec.HeartbeatSeq != 1 {
		t.Errorf("seq = %d, want unchanged 1", rec.HeartbeatSeq)
	}
}

func TestRecordFailure(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	mustRegister(t, r, "w1")

	steps := []struct {
		sig  string
		want int
	}{
		{"build: undefined foo", 1},
		{"build: undefined foo", 2},
		{"test: TestBar failed", 1},
		{"test: TestBar failed", 2},
		{"test: TestBar failed", 3},
	}
	for i, step := range steps {
		got, err := r.RecordFailure(ctx, "w1", step.sig)
		if err != nil {
			t.Fatalf("RecordFailure #%d: %v", i, err)
		}
		if got != step.want {
			t.Errorf("RecordFailure #%d = %d, want %d", i, got, step.want)
		}
	}

	if err := r.ClearFailures(ctx, "w1"); err != nil {
		t.Fatalf("ClearFailures: %v", err)
	}
	rec, _ := r.Get(ctx, "w1")
	if rec.FailureCount != 0 || rec.FailureSignature != "" {
		t.Errorf("record = %+v, want cleared failures", rec)
	}
}

func TestMarkShutDownAndLive(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	mustRegister(t, r, "w1", "w2", "w3")

	if err := r.MarkShutDown(ctx, "w2"); err != nil {
		t.Fatalf("MarkShutDown: %v", err)
	}
	if err := r.modify(ctx, "w3", func(rec *Record) error {
		rec.State = StatePresumedDead
		return nil
	}); err != nil {
		t.Fatalf("modify: %v", err)
	}
	// Shutting down a dead worker keeps it dead.
	if err := r.MarkShutDown(ctx, "w3"); err != nil {
		t.Fatalf("MarkShutDown: %v", err)
	}

	live, err := r.Live(ctx)
	if err != nil {
		t.Fatalf("Live: %v", err)
	}
	if len(live) != 1 || live[0].WorkerID != "w1" {
		t.Errorf("Live = %+v, want only w1", live)
	}
	if rec, _ := r.Get(ctx, "w3"); rec.State != StatePresumedDead {
		t.Errorf("w3 state = %s, want presumed-dead", rec.State)
	}

	if err := r.Remove(ctx, "w1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	all, _ := r.List(ctx)
	if len(all) != 2 {
		t.Errorf("List after Remove = %d records, want 2", len(all))
	}
}

func TestRegistrySharedAcrossHandles(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()
	mustRegister(t, r, "w1")

	other, err := statestore.Open(store.Dir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r2 := New(other, nil)
	if err := r2.Heartbeat(ctx, "w1", "task-9"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	rec, _ := r.Get(ctx, "w1")
	if rec.CurrentTask != "task-9" {
		t.Errorf("current task = %q, want task-9", rec.CurrentTask)
	}
}
