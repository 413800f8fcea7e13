// Package perf keeps the append-only performance ledger of a session.
//
// Every finished worker report becomes one line of ledger.jsonl. The ledger
// is never rewritten; [Aggregate] folds it into per-worker and per-role
// summaries for `hive report`.
package perf

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/Iron-Ham/hive/internal/errors"
	"github.com/Iron-Ham/hive/internal/statestore"
)

// FileName is the ledger file in the state directory.
const FileName = "ledger.jsonl"

// Entry is one worker outcome.
type Entry struct {
	WorkerID  string        `json:"worker_id"`
	Role      string        `json:"role"`
	ModelTier string        `json:"model_tier,omitempty"`
	TaskID    string        `json:"task_id,omitempty"`
	Status    string        `json:"status"`
	CostUSD   float64       `json:"cost_usd"`
	NumTurns  int           `json:"num_turns"`
	Duration  time.Duration `json:"duration_ns"`
	Timestamp time.Time     `json:"timestamp"`
}

// Ledger appends to and reads the ledger of one state directory.
type Ledger struct {
	store *statestore.Store
	now   func() time.Time
}

// NewLedger returns a Ledger backed by store.
func NewLedger(store *statestore.Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Append writes e as a new line. A zero timestamp is set to now.
func (l *Ledger) Append(ctx context.Context, e Entry) error {
	if e.WorkerID == "" {
		return errors.NewValidationError("ledger entry needs a worker id").WithField("worker_id")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	return l.store.Append(ctx, statestore.KeyLedger, FileName, e)
}

// Entries returns every entry in append order.
func (l *Ledger) Entries(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := l.store.ReadLines(ctx, statestore.KeyLedger, FileName, func(line []byte) error {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return errors.NewStoreError("decode ledger line", errors.Join(errors.ErrStateCorrupted, err)).
				WithPath(l.store.Path(FileName))
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// Stats are totals over a group of entries.
type Stats struct {
	Key       string
	Runs      int
	Completed int
	Failed    int
	Stuck     int
	CostUSD   float64
	Turns     int
	Duration  time.Duration
}

// AvgCost returns the mean cost per run.
func (s Stats) AvgCost() float64 {
	if s.Runs == 0 {
		return 0
	}
	return s.CostUSD / float64(s.Runs)
}

// AvgDuration returns the mean duration per run.
func (s Stats) AvgDuration() time.Duration {
	if s.Runs == 0 {
		return 0
	}
	return s.Duration / time.Duration(s.Runs)
}

// SuccessRate returns completed runs over all runs, in [0, 1].
func (s Stats) SuccessRate() float64 {
	if s.Runs == 0 {
		return 0
	}
	return float64(s.Completed) / float64(s.Runs)
}

func (s *Stats) add(e Entry) {
	s.Runs++
	switch e.Status {
	case "completed":
		s.Completed++
	case "failed":
		s.Failed++
	case "stuck":
		s.Stuck++
	}
	s.CostUSD += e.CostUSD
	s.Turns += e.NumTurns
	s.Duration += e.Duration
}

// Summary groups ledger totals. Slices are sorted by key.
type Summary struct {
	Total    Stats
	ByWorker []Stats
	ByRole   []Stats
}

// Aggregate folds entries into a Summary.
func Aggregate(entries []Entry) Summary {
	total := Stats{Key: "total"}
	workers := make(map[string]*Stats)
	roles := make(map[string]*Stats)

	for _, e := range entries {
		total.add(e)
		group(workers, e.WorkerID).add(e)
		group(roles, e.Role).add(e)
	}
	return Summary{Total: total, ByWorker: sorted(workers), ByRole: sorted(roles)}
}

func group(m map[string]*Stats, key string) *Stats {
	s, ok := m[key]
	if !ok {
		s = &Stats{Key: key}
		m[key] = s
	}
	return s
}

func sorted(m map[string]*Stats) []Stats {
	out := make([]Stats, 0, len(m))
	for _, s := range m {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b Stats) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	return out
}
