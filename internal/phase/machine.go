package phase

import (
	"context"
	"sync"
	"time"

	"github.com/Iron-Ham/hive/internal/logging"
)

// DefaultMaxGapLoops bounds VERIFY_FIX → IMPL_ACTIVE loops.
const DefaultMaxGapLoops = 3

// Record is the persisted slice of session state the machine owns.
type Record struct {
	Phase         Phase
	History       []Transition
	NoReview      bool
	GapLoops      int
	RetryLoops    int
	PushSatisfied bool
}

// Persister loads and mutates the phase record under the session lock.
// UpdatePhase must persist the record only when fn returns nil.
type Persister interface {
	LoadPhase(ctx context.Context) (Record, error)
	UpdatePhase(ctx context.Context, fn func(r *Record) error) error
}

// Machine drives a session through its phases. Every transition is
// validated and persisted through the Persister, so the stored phase is the
// only source of truth.
type Machine struct {
	store       Persister
	maxGapLoops int
	logger      *logging.Logger
	now         func() time.Time

	mu        sync.Mutex
	callbacks []ChangeCallback
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithMaxGapLoops overrides DefaultMaxGapLoops.
func WithMaxGapLoops(n int) MachineOption {
	return func(m *Machine) {
		if n >= 0 {
			m.maxGapLoops = n
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *logging.Logger) MachineOption {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMachine returns a Machine persisting through store.
func NewMachine(store Persister, opts ...MachineOption) *Machine {
	m := &Machine{
		store:       store,
		maxGapLoops: DefaultMaxGapLoops,
		logger:      logging.NopLogger(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnChange registers a callback invoked after each persisted transition.
// Callbacks run in registration order.
func (m *Machine) OnChange(cb ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Current returns the stored phase.
func (m *Machine) Current(ctx context.Context) (Phase, error) {
	r, err := m.store.LoadPhase(ctx)
	if err != nil {
		return "", err
	}
	return r.Phase, nil
}

// GapLoopsLeft reports how many more VERIFY_FIX → IMPL_ACTIVE loops are
// allowed.
func (m *Machine) GapLoopsLeft(ctx context.Context) (int, error) {
	r, err := m.store.LoadPhase(ctx)
	if err != nil {
		return 0, err
	}
	return max(m.maxGapLoops-r.GapLoops, 0), nil
}

// SetPushSatisfied records the latest push gate result. DONE can only be
// entered while it is true.
func (m *Machine) SetPushSatisfied(ctx context.Context, satisfied bool) error {
	return m.store.UpdatePhase(ctx, func(r *Record) error {
		if r.Phase.IsTerminal() {
			return NewTransitionError(r.Phase, r.Phase, ErrTerminalPhase)
		}
		r.PushSatisfied = satisfied
		return nil
	})
}

// Transition moves the session to the given phase. It fails with a
// *TransitionError when the move is not in ValidTransitions, starts from a
// terminal phase, or violates a constraint.
func (m *Machine) Transition(ctx context.Context, to Phase, reason string) error {
	var t Transition
	err := m.store.UpdatePhase(ctx, func(r *Record) error {
		from := r.Phase
		if from.IsTerminal() {
			return NewTransitionError(from, to, ErrTerminalPhase)
		}
		if !CanTransition(from, to) {
			return NewTransitionError(from, to, ErrInvalidTransition)
		}
		if c := CheckConstraints(from, to, Conditions{
			NoReview:      r.NoReview,
			GapLoops:      r.GapLoops,
			MaxGapLoops:   m.maxGapLoops,
			PushSatisfied: r.PushSatisfied,
		}); c != nil {
			return NewConstraintError(from, to, *c)
		}

		switch {
		case from == VerifyFix && to == ImplActive:
			r.GapLoops++
		case from == RetryCheck && to == ImplActive:
			r.RetryLoops++
		}

		t = Transition{From: from, To: to, Timestamp: m.now(), Reason: reason}
		r.Phase = to
		r.History = append(r.History, t)
		return nil
	})
	if err != nil {
		m.logger.Warn("phase transition rejected", "to", string(to), "error", err.Error())
		return err
	}

	m.logger.Info("phase transition", "from", string(t.From), "to", string(t.To), "reason", reason)

	m.mu.Lock()
	callbacks := append([]ChangeCallback(nil), m.callbacks...)
	m.mu.Unlock()
	for _, cb := range callbacks {
		cb(t)
	}
	return nil
}
