// Package budget provides the budget guard: admission control that refuses
// new workers once the session's spend ceiling would be exceeded.
//
// Spend lives in the session state and is mutated only by [Guard.RecordSpend].
// Exhausting the budget stops future spawns; workers already running are
// left to finish.
package budget

import (
	"context"

	"github.com/Iron-Ham/hive/internal/errors"
	"github.com/Iron-Ham/hive/internal/logging"
	"github.com/Iron-Ham/hive/internal/session"
)

// DefaultWarningThreshold is the fraction of the ceiling that triggers
// OnWarning.
const DefaultWarningThreshold = 0.8

// Callbacks defines callbacks for budget events. Both fire at most once per
// session, after the crossing spend has been persisted.
type Callbacks struct {
	// OnWarning is called when spend first reaches the warning threshold.
	OnWarning func(spent, ceiling float64)
	// OnLimit is called when spend first reaches the ceiling.
	OnLimit func(spent, ceiling float64)
}

// Config holds budget configuration.
type Config struct {
	// WarningThreshold is a fraction of the ceiling in (0, 1]. Zero selects
	// DefaultWarningThreshold.
	WarningThreshold float64
}

// Guard enforces the session budget.
type Guard struct {
	session   *session.Handle
	config    Config
	callbacks Callbacks
	logger    *logging.Logger
}

// NewGuard creates a budget guard over the session state.
func NewGuard(h *session.Handle, cfg Config, callbacks Callbacks, logger *logging.Logger) *Guard {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.WarningThreshold <= 0 || cfg.WarningThreshold > 1 {
		cfg.WarningThreshold = DefaultWarningThreshold
	}
	return &Guard{session: h, config: cfg, callbacks: callbacks, logger: logger}
}

// Allows reports whether a worker with the given estimated cost may be
// spawned given spent and ceiling. A ceiling of zero means unlimited. Once
// spent reaches the ceiling nothing is admitted, whatever the estimate.
func Allows(spent, ceiling, estimate float64) bool {
	if ceiling <= 0 {
		return true
	}
	estimate = max(estimate, 0)
	return spent < ceiling && spent+estimate <= ceiling
}

// CanSpawn reports whether spend plus estimatedCost stays within the
// ceiling.
func (g *Guard) CanSpawn(ctx context.Context, estimatedCost float64) (bool, error) {
	st, err := g.session.Load(ctx)
	if err != nil {
		return false, err
	}
	ok := Allows(st.BudgetSpent, st.BudgetCeiling, estimatedCost)
	if !ok {
		g.logger.Warn("spawn refused by budget",
			"spent", st.BudgetSpent, "ceiling", st.BudgetCeiling, "estimate", estimatedCost)
	}
	return ok, nil
}

// Admit is CanSpawn returning *errors.BudgetExceededError on refusal.
func (g *Guard) Admit(ctx context.Context, estimatedCost float64) error {
	st, err := g.session.Load(ctx)
	if err != nil {
		return err
	}
	if !Allows(st.BudgetSpent, st.BudgetCeiling, estimatedCost) {
		g.logger.Warn("spawn refused by budget",
			"spent", st.BudgetSpent, "ceiling", st.BudgetCeiling, "estimate", estimatedCost)
		return errors.NewBudgetExceededError(st.BudgetCeiling, st.BudgetSpent, estimatedCost)
	}
	return nil
}

// RecordSpend adds a completed worker's cost to the session spend. It is the
// only mutator of budget_spent. A worker is charged at most once; repeated
// calls for the same worker and negative costs are ignored. Reports whether
// the spend was applied.
func (g *Guard) RecordSpend(ctx context.Context, workerID string, cost float64) (bool, error) {
	if workerID == "" {
		return false, errors.NewValidationError("worker id must not be empty").WithField("worker_id")
	}
	if cost < 0 {
		g.logger.Warn("negative cost ignored", "worker_id", workerID, "cost", cost)
		return false, nil
	}

	var (
		applied        bool
		warn, limit    bool
		spent, ceiling float64
	)
	err := g.session.Update(ctx, func(s *session.State) error {
		if s.ChargedWorkers[workerID] {
			return nil
		}
		if s.ChargedWorkers == nil {
			s.ChargedWorkers = make(map[string]bool)
		}
		before := s.BudgetSpent
		s.BudgetSpent += cost
		s.ChargedWorkers[workerID] = true
		applied = true
		spent, ceiling = s.BudgetSpent, s.BudgetCeiling

		if ceiling > 0 {
			if !s.BudgetWarned && spent >= ceiling*g.config.WarningThreshold {
				s.BudgetWarned = true
				warn = true
			}
			limit = before < ceiling && spent >= ceiling
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if !applied {
		g.logger.Debug("spend already recorded", "worker_id", workerID)
		return false, nil
	}

	g.logger.Info("spend recorded", "worker_id", workerID, "cost", cost, "spent", spent, "ceiling", ceiling)
	if warn {
		g.logger.Warn("budget warning threshold reached", "spent", spent, "ceiling", ceiling)
		if g.callbacks.OnWarning != nil {
			g.callbacks.OnWarning(spent, ceiling)
		}
	}
	if limit {
		g.logger.Warn("budget limit reached", "spent", spent, "ceiling", ceiling)
		if g.callbacks.OnLimit != nil {
			g.callbacks.OnLimit(spent, ceiling)
		}
	}
	return true, nil
}

// SetCeiling replaces the budget ceiling, for an operator raising the
// limit. Zero removes the limit.
func (g *Guard) SetCeiling(ctx context.Context, ceiling float64) error {
	if ceiling < 0 {
		return errors.NewValidationError("budget ceiling must not be negative").
			WithField("budget_ceiling").WithValue(ceiling)
	}
	err := g.session.Update(ctx, func(s *session.State) error {
		s.BudgetCeiling = ceiling
		if ceiling == 0 || s.BudgetSpent < ceiling*g.config.WarningThreshold {
			s.BudgetWarned = false
		}
		return nil
	})
	if err == nil {
		g.logger.Info("budget ceiling changed", "ceiling", ceiling)
	}
	return err
}

// Status is a snapshot of the session budget.
type Status struct {
	Ceiling   float64
	Spent     float64
	Remaining float64 // -1 when unlimited
	Exhausted bool
}

// Status returns the current budget snapshot.
func (g *Guard) Status(ctx context.Context) (Status, error) {
	st, err := g.session.Load(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Ceiling:   st.BudgetCeiling,
		Spent:     st.BudgetSpent,
		Remaining: st.BudgetRemaining(),
		Exhausted: !Allows(st.BudgetSpent, st.BudgetCeiling, 0),
	}, nil
}
