package session

import (
	"time"

	"github.com/Iron-Ham/hive/internal/phase"
)

// FileName is the state file holding the session singleton.
const FileName = "session.json"

// State is the per-run session singleton. Monetary and count fields are
// never negative and BudgetSpent never decreases. Once Phase is DONE the
// state is immutable.
type State struct {
	ID    string      `json:"id"`
	Phase phase.Phase `json:"phase"`

	BudgetCeiling  float64         `json:"budget_ceiling"`
	BudgetSpent    float64         `json:"budget_spent"`
	BudgetWarned   bool            `json:"budget_warning,omitempty"`
	ChargedWorkers map[string]bool `json:"charged_workers,omitempty"`

	AgentsRequested int  `json:"agents_requested"`
	PushRequired    bool `json:"push_required"`
	PushSatisfied   bool `json:"push_satisfied,omitempty"`
	NoReview        bool `json:"no_review,omitempty"`

	// MutatingWork is set once a worker in a role that commits has run.
	MutatingWork bool `json:"mutating_work,omitempty"`

	GapLoops   int                `json:"gap_loops,omitempty"`
	RetryLoops int                `json:"retry_loops,omitempty"`
	History    []phase.Transition `json:"history,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Params are the operator inputs fixed at session start.
type Params struct {
	BudgetCeiling   float64
	AgentsRequested int
	PushRequired    bool
	NoReview        bool
}

// Finished reports whether the session reached DONE.
func (s *State) Finished() bool {
	return s.Phase.IsTerminal()
}

// BudgetRemaining returns the unspent budget, or -1 when the budget is
// unlimited.
func (s *State) BudgetRemaining() float64 {
	if s.BudgetCeiling <= 0 {
		return -1
	}
	return max(s.BudgetCeiling-s.BudgetSpent, 0)
}

func (s *State) phaseRecord() phase.Record {
	return phase.Record{
		Phase:         s.Phase,
		History:       append([]phase.Transition(nil), s.History...),
		NoReview:      s.NoReview,
		GapLoops:      s.GapLoops,
		RetryLoops:    s.RetryLoops,
		PushSatisfied: s.PushSatisfied,
	}
}

func (s *State) applyPhaseRecord(r phase.Record) {
	s.Phase = r.Phase
	s.History = r.History
	s.GapLoops = r.GapLoops
	s.RetryLoops = r.RetryLoops
	s.PushSatisfied = r.PushSatisfied
}
