// Package session owns the session singleton: the phase, budget and run
// parameters every component must see consistently. The state lives in
// session.json under the statestore "session" lock and is reached through a
// [Handle] created at session start and destroyed at teardown.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/hive/internal/errors"
	"github.com/Iron-Ham/hive/internal/logging"
	"github.com/Iron-Ham/hive/internal/phase"
	"github.com/Iron-Ham/hive/internal/statestore"
)

// Handle gives access to the session state of one state directory.
// It implements phase.Persister.
type Handle struct {
	store  *statestore.Store
	logger *logging.Logger
	now    func() time.Time
}

var _ phase.Persister = (*Handle)(nil)

// Open returns a handle on an existing or future session in store.
func Open(store *statestore.Store, logger *logging.Logger) *Handle {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Handle{store: store, logger: logger, now: time.Now}
}

// Init creates the session state at IMPL_ACTIVE, or resumes the stored one.
// It returns the state and whether it was resumed. A finished session
// cannot be resumed.
func (h *Handle) Init(ctx context.Context, p Params) (State, bool, error) {
	if p.BudgetCeiling < 0 {
		return State{}, false, errors.NewValidationError("budget ceiling must not be negative").
			WithField("budget_ceiling").WithValue(p.BudgetCeiling)
	}
	if p.AgentsRequested < 0 {
		return State{}, false, errors.NewValidationError("agent count must not be negative").
			WithField("agents_requested").WithValue(p.AgentsRequested)
	}

	var (
		st      State
		resumed bool
	)
	err := h.store.Do(ctx, statestore.KeySession, func(tx *statestore.Tx) error {
		found, err := tx.Read(FileName, &st)
		if err != nil {
			return err
		}
		if found && st.ID != "" {
			if st.Finished() {
				return fmt.Errorf("%w: %s", errors.ErrSessionFinished, st.ID)
			}
			resumed = true
			return nil
		}

		now := h.now()
		st = State{
			ID:              uuid.NewString(),
			Phase:           phase.ImplActive,
			BudgetCeiling:   p.BudgetCeiling,
			AgentsRequested: p.AgentsRequested,
			PushRequired:    p.PushRequired,
			NoReview:        p.NoReview,
			History:         []phase.Transition{{To: phase.ImplActive, Timestamp: now, Reason: "session start"}},
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		return tx.Write(FileName, &st)
	})
	if err != nil {
		return State{}, false, err
	}

	if resumed {
		h.logger.Info("session resumed", "session_id", st.ID, "phase", string(st.Phase))
	} else {
		h.logger.Info("session created", "session_id", st.ID,
			"budget_ceiling", st.BudgetCeiling, "agents", st.AgentsRequested)
	}
	return st, resumed, nil
}

// Load returns the current session state. A missing session yields the
// zero State.
func (h *Handle) Load(ctx context.Context) (State, error) {
	return statestore.Load[State](ctx, h.store, statestore.KeySession, FileName)
}

// Update applies fn to the session state under the session lock. It fails
// with errors.ErrSessionFinished once the session is DONE, and rejects
// changes that make a field negative or lower BudgetSpent.
func (h *Handle) Update(ctx context.Context, fn func(s *State) error) error {
	return statestore.Update(ctx, h.store, statestore.KeySession, FileName, func(s *State) error {
		if s.ID == "" {
			return fmt.Errorf("session not initialized: %w", errors.ErrInvalidInput)
		}
		if s.Finished() {
			return fmt.Errorf("%w: %s", errors.ErrSessionFinished, s.ID)
		}
		before := s.BudgetSpent
		if err := fn(s); err != nil {
			return err
		}
		if err := validate(s, before); err != nil {
			return err
		}
		s.UpdatedAt = h.now()
		return nil
	})
}

func validate(s *State, spentBefore float64) error {
	switch {
	case s.BudgetSpent < spentBefore:
		return errors.NewValidationError("budget_spent must never decrease").
			WithField("budget_spent").WithValue(s.BudgetSpent)
	case s.BudgetSpent < 0, s.BudgetCeiling < 0:
		return errors.NewValidationError("budget fields must not be negative")
	case s.AgentsRequested < 0, s.GapLoops < 0, s.RetryLoops < 0:
		return errors.NewValidationError("counts must not be negative")
	}
	return nil
}

// LoadPhase implements phase.Persister.
func (h *Handle) LoadPhase(ctx context.Context) (phase.Record, error) {
	st, err := h.Load(ctx)
	if err != nil {
		return phase.Record{}, err
	}
	return st.phaseRecord(), nil
}

// UpdatePhase implements phase.Persister. Transitions out of DONE are
// reported by the phase machine, so the finished check is left to it.
func (h *Handle) UpdatePhase(ctx context.Context, fn func(r *phase.Record) error) error {
	return statestore.Update(ctx, h.store, statestore.KeySession, FileName, func(s *State) error {
		if s.ID == "" {
			return fmt.Errorf("session not initialized: %w", errors.ErrInvalidInput)
		}
		r := s.phaseRecord()
		if err := fn(&r); err != nil {
			return err
		}
		s.applyPhaseRecord(r)
		s.UpdatedAt = h.now()
		return nil
	})
}

// MarkMutatingWork records that a committing role ran, which arms the push
// gate.
func (h *Handle) MarkMutatingWork(ctx context.Context) error {
	return h.Update(ctx, func(s *State) error {
		s.MutatingWork = true
		return nil
	})
}

// Destroy removes the whole state directory. Call it only at teardown,
// after every worker acknowledged shutdown.
func (h *Handle) Destroy() error {
	h.logger.Info("session state destroyed", "dir", h.store.Dir())
	return h.store.Destroy()
}
