// Package phase defines the session lifecycle state machine: the phases a
// hive session moves through, which transitions are valid, and the
// preconditions for entering each phase.
package phase

import (
	"errors"
	"slices"
	"time"
)

// Phase represents a discrete stage in the session lifecycle.
type Phase string

const (
	// ImplActive is the main work phase: implementation workers claim,
	// execute and release tasks until the queue is drained.
	ImplActive Phase = "IMPL_ACTIVE"

	// RetryCheck inspects the retry queue. Pending entries send the session
	// back to ImplActive with replacement workers scoped to those tasks.
	RetryCheck Phase = "RETRY_CHECK"

	// VerifyFix runs verification workers. Plan gaps they report become new
	// tasks and loop back to ImplActive, a bounded number of times.
	VerifyFix Phase = "VERIFY_FIX"

	// Review runs read-only review workers.
	Review Phase = "REVIEW"

	// Shutdown sends the termination handshake to every live worker and
	// evaluates the push gate.
	Shutdown Phase = "SHUTDOWN"

	// Done is terminal. Session state is immutable from here on.
	Done Phase = "DONE"
)

// AllPhases returns all defined phases in lifecycle order.
func AllPhases() []Phase {
	return []Phase{ImplActive, RetryCheck, VerifyFix, Review, Shutdown, Done}
}

// IsTerminal returns true if the phase is Done.
func (p Phase) IsTerminal() bool {
	return p == Done
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return slices.Contains(AllPhases(), p)
}

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// ChangeCallback is called after a transition has been persisted.
type ChangeCallback func(t Transition)

// Transition captures metadata about a single phase transition.
type Transition struct {
	// From is empty for the initial phase.
	From      Phase     `json:"from,omitempty"`
	To        Phase     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// ValidTransitions defines which phase transitions are allowed.
// This is the canonical source of truth for the phase state machine.
var ValidTransitions = map[Phase][]Phase{
	ImplActive: {
		RetryCheck, // queue drained
	},

	RetryCheck: {
		ImplActive, // retry entries pending or tasks left: drain again
		VerifyFix,  // nothing to retry
		Shutdown,   // nothing to retry and review disabled
	},

	VerifyFix: {
		ImplActive, // verification found plan gaps
		Review,     // verification clean
	},

	Review: {
		Shutdown,
	},

	Shutdown: {
		Done,
	},

	// Terminal: no transitions out
	Done: {},
}

// CanTransition checks whether a transition from one phase to another is valid
// according to the ValidTransitions map.
func CanTransition(from, to Phase) bool {
	validTargets, exists := ValidTransitions[from]
	if !exists {
		return false
	}
	return slices.Contains(validTargets, to)
}

// Conditions are the session facts the transition constraints depend on.
type Conditions struct {
	NoReview      bool
	GapLoops      int
	MaxGapLoops   int
	PushSatisfied bool
}

// Constraint is a precondition for a specific transition beyond its
// presence in ValidTransitions.
type Constraint struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

var (
	constraintNoReview = Constraint{
		Name:        "noreview_shortcut",
		Description: "RETRY_CHECK may skip to SHUTDOWN only when review is disabled",
	}
	constraintGapLoops = Constraint{
		Name:        "gap_loop_limit",
		Description: "verification gap loops are bounded; further gaps are escalated",
	}
	constraintPushGate = Constraint{
		Name:        "push_gate",
		Description: "DONE requires the push gate to be satisfied",
	}
)

// CheckConstraints returns the first constraint the transition violates,
// or nil.
func CheckConstraints(from, to Phase, c Conditions) *Constraint {
	switch {
	case from == RetryCheck && to == Shutdown && !c.NoReview:
		return &constraintNoReview
	case from == VerifyFix && to == ImplActive && c.GapLoops >= c.MaxGapLoops:
		return &constraintGapLoops
	case to == Done && !c.PushSatisfied:
		return &constraintPushGate
	}
	return nil
}

// Common errors for phase transitions.
var (
	// ErrInvalidTransition indicates an attempted transition that is not allowed.
	ErrInvalidTransition = errors.New("invalid phase transition")

	// ErrTerminalPhase indicates an attempt to transition from a terminal phase.
	ErrTerminalPhase = errors.New("cannot transition from terminal phase")

	// ErrConstraintNotSatisfied indicates a phase constraint was not met.
	ErrConstraintNotSatisfied = errors.New("phase constraint not satisfied")
)

// TransitionError wraps transition failures with additional context.
type TransitionError struct {
	From       Phase
	To         Phase
	Constraint *Constraint // nil if not a constraint violation
	Err        error
}

func (e *TransitionError) Error() string {
	if e.Constraint != nil {
		return "phase transition from " + string(e.From) + " to " + string(e.To) +
			" blocked: constraint '" + e.Constraint.Name + "' not satisfied"
	}
	return "phase transition from " + string(e.From) + " to " + string(e.To) +
		" failed: " + e.Err.Error()
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// NewTransitionError creates a new TransitionError.
func NewTransitionError(from, to Phase, err error) *TransitionError {
	return &TransitionError{From: from, To: to, Err: err}
}

// NewConstraintError creates a TransitionError for a constraint violation.
func NewConstraintError(from, to Phase, constraint Constraint) *TransitionError {
	return &TransitionError{
		From:       from,
		To:         to,
		Constraint: &constraint,
		Err:        ErrConstraintNotSatisfied,
	}
}

// Durations returns the time spent in each phase according to history,
// measuring the open phase up to now.
func Durations(history []Transition, now time.Time) map[Phase]time.Duration {
	out := make(map[Phase]time.Duration)
	for i, t := range history {
		end := now
		if i+1 < len(history) {
			end = history[i+1].Timestamp
		}
		if t.To.IsTerminal() {
			continue
		}
		out[t.To] += end.Sub(t.Timestamp)
	}
	return out
}
