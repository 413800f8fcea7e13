package phase

import (
	"context"
	"errors"
	"testing"
)

// memPersister keeps the record in memory and commits only on success.
type memPersister struct {
	rec Record
}

func (p *memPersister) LoadPhase(context.Context) (Record, error) {
	return p.rec, nil
}

func (p *memPersister) UpdatePhase(_ context.Context, fn func(r *Record) error) error {
	r := p.rec
	r.History = append([]Transition(nil), p.rec.History...)
	if err := fn(&r); err != nil {
		return err
	}
	p.rec = r
	return nil
}

func newTestMachine(noReview bool, opts ...MachineOption) (*Machine, *memPersister) {
	p := &memPersister{rec: Record{Phase: ImplActive, NoReview: noReview}}
	return NewMachine(p, opts...), p
}

func TestMachine_FullLifecycle(t *testing.T) {
	ctx := context.Background()
	m, p := newTestMachine(false)

	var seen []Phase
	m.OnChange(func(tr Transition) { seen = append(seen, tr.To) })

	for _, to := range []Phase{RetryCheck, VerifyFix, Review, Shutdown} {
		if err := m.Transition(ctx, to, ""); err != nil {
			t.Fatalf("Transition(%s): %v", to, err)
		}
	}

	// DONE is gated on the push result.
	err := m.Transition(ctx, Done, "")
	var te *TransitionError
	if !errors.As(err, &te) || te.Constraint == nil || te.Constraint.Name != "push_gate" {
		t.Fatalf("DONE without push: %v", err)
	}
	if cur, _ := m.Current(ctx); cur != Shutdown {
		t.Errorf("rejected transition changed phase to %s", cur)
	}

	if err := m.SetPushSatisfied(ctx, true); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(ctx, Done, "push confirmed"); err != nil {
		t.Fatalf("Transition(DONE): %v", err)
	}

	if len(seen) != 5 || seen[4] != Done {
		t.Errorf("callbacks saw %v", seen)
	}
	if len(p.rec.History) != 5 || p.rec.History[4].Reason != "push confirmed" {
		t.Errorf("history = %+v", p.rec.History)
	}

	// Terminal: nothing moves, not even push state.
	if err := m.Transition(ctx, ImplActive, ""); !errors.Is(err, ErrTerminalPhase) {
		t.Errorf("transition out of DONE: %v", err)
	}
	if err := m.SetPushSatisfied(ctx, false); !errors.Is(err, ErrTerminalPhase) {
		t.Errorf("SetPushSatisfied after DONE: %v", err)
	}
}

func TestMachine_NoSkipping(t *testing.T) {
	m, _ := newTestMachine(false)
	err := m.Transition(context.Background(), VerifyFix, "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("IMPL_ACTIVE -> VERIFY_FIX: %v", err)
	}
}

func TestMachine_NoReviewShortcut(t *testing.T) {
	ctx := context.Background()

	m, _ := newTestMachine(false)
	_ = m.Transition(ctx, RetryCheck, "")
	if err := m.Transition(ctx, Shutdown, ""); !errors.Is(err, ErrConstraintNotSatisfied) {
		t.Errorf("shortcut with review enabled: %v", err)
	}

	m, _ = newTestMachine(true)
	_ = m.Transition(ctx, RetryCheck, "")
	if err := m.Transition(ctx, Shutdown, "no review"); err != nil {
		t.Errorf("shortcut with noreview: %v", err)
	}
}

func TestMachine_GapLoopsBounded(t *testing.T) {
	ctx := context.Background()
	m, p := newTestMachine(false, WithMaxGapLoops(2))

	loop := func() error {
		for _, to := range []Phase{RetryCheck, VerifyFix} {
			if err := m.Transition(ctx, to, ""); err != nil {
				return err
			}
		}
		return m.Transition(ctx, ImplActive, "gap tasks")
	}

	for i := range 2 {
		if err := loop(); err != nil {
			t.Fatalf("gap loop %d: %v", i+1, err)
		}
	}
	if left, _ := m.GapLoopsLeft(ctx); left != 0 {
		t.Errorf("GapLoopsLeft = %d, want 0", left)
	}
	if err := loop(); !errors.Is(err, ErrConstraintNotSatisfied) {
		t.Errorf("third gap loop: %v", err)
	}
	if p.rec.GapLoops != 2 {
		t.Errorf("GapLoops = %d, want 2", p.rec.GapLoops)
	}
	if p.rec.Phase != VerifyFix {
		t.Errorf("phase = %s, want VERIFY_FIX", p.rec.Phase)
	}
}

func TestMachine_RetryLoopCounted(t *testing.T) {
	ctx := context.Background()
	m, p := newTestMachine(false)
	_ = m.Transition(ctx, RetryCheck, "")
	if err := m.Transition(ctx, ImplActive, "retry entries pending"); err != nil {
		t.Fatal(err)
	}
	if p.rec.RetryLoops != 1 {
		t.Errorf("RetryLoops = %d, want 1", p.rec.RetryLoops)
	}
}
