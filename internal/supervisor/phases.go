package supervisor

import (
	"context"
	"fmt"
	"strings"

	"github.com/Iron-Ham/hive/internal/errors"
	"github.com/Iron-Ham/hive/internal/phase"
	"github.com/Iron-Ham/hive/internal/taskqueue"
	"github.com/Iron-Ham/hive/internal/worker"
)

// implement runs one round of implementation workers and waits until all
// of them have exited and no task is in progress.
func (s *Supervisor) implement(ctx context.Context) error {
	// A resumed session may hold tasks whose blockers already failed.
	if _, err := s.c.Queue.FailBlocked(ctx); err != nil {
		return err
	}
	mark, err := s.progressMark(ctx)
	if err != nil {
		return err
	}
	st, err := s.c.Queue.Status(ctx)
	if err != nil {
		return err
	}
	rq, err := s.c.Queue.Retries(ctx)
	if err != nil {
		return err
	}

	var ids []string
	refused := false

	// Tasks awaiting retry go to replacement workers scoped to them so a
	// fresh worker picks each one up before anything else.
	if retrying := s.pendingRetries(ctx, rq.TaskIDs()); len(retrying) > 0 {
		for _, scope := range splitScope(retrying, s.cfg.Agents) {
			id, ok, err := s.spawn(ctx, worker.RoleImplementation, scope)
			if err != nil {
				return err
			}
			if !ok {
				refused = true
				break
			}
			ids = append(ids, id)
		}
	}

	fresh := min(s.cfg.Agents, st.Pending-st.AwaitingRetry)
	for i := 0; i < fresh && !refused; i++ {
		id, ok, err := s.spawn(ctx, worker.RoleImplementation, nil)
		if err != nil {
			return err
		}
		if !ok {
			refused = true
			break
		}
		ids = append(ids, id)
	}

	if refused && len(ids) == 0 {
		marked, err := s.c.Queue.MarkBudget(ctx)
		if err != nil {
			return err
		}
		s.logger.Warn("budget exhausted, pending tasks not attempted", "tasks", len(marked))
		return s.machine.Transition(ctx, phase.RetryCheck, "budget exhausted")
	}
	if refused {
		s.logger.Warn("budget allowed only part of the worker pool", "spawned", len(ids))
	}

	// Wait for in-progress tasks too: on resume they belong to workers of a
	// previous run that the monitor has to declare dead first.
	err = s.waitUntil(ctx, func(ctx context.Context) (bool, error) {
		if !s.allExited(ids) {
			return false, nil
		}
		st, err := s.c.Queue.Status(ctx)
		return st.InProgress == 0, err
	})
	if err != nil {
		return err
	}

	if len(ids) > 0 {
		after, err := s.progressMark(ctx)
		if err != nil {
			return err
		}
		if after == mark {
			return s.escalate(noProgress(ids))
		}
	}
	return s.machine.Transition(ctx, phase.RetryCheck, fmt.Sprintf("%d workers finished", len(ids)))
}

// progressMark grows whenever a task settles or a failed attempt is
// recorded.
func (s *Supervisor) progressMark(ctx context.Context) (int, error) {
	tasks, err := s.c.Queue.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		n += t.Attempts
		if t.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

// pendingRetries filters ids down to tasks that are still pending.
func (s *Supervisor) pendingRetries(ctx context.Context, ids []string) []string {
	var out []string
	for _, id := range ids {
		t, err := s.c.Queue.Get(ctx, id)
		if err != nil {
			s.logger.Warn("retry entry without task", "task_id", id, "error", err.Error())
			continue
		}
		if t.Status == taskqueue.TaskPending {
			out = append(out, id)
		}
	}
	return out
}

// splitScope deals ids round-robin into at most n scopes.
func splitScope(ids []string, n int) [][]string {
	n = max(min(n, len(ids)), 1)
	scopes := make([][]string, n)
	for i, id := range ids {
		scopes[i%n] = append(scopes[i%n], id)
	}
	return scopes
}

// retryCheck fails tasks whose blockers can no longer complete, then
// either loops back for retries or moves on.
func (s *Supervisor) retryCheck(ctx context.Context) error {
	failed, err := s.c.Queue.FailBlocked(ctx)
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		s.logger.Warn("tasks blocked by unfinished work", "tasks", failed)
	}

	st, err := s.c.Queue.Status(ctx)
	if err != nil {
		return err
	}
	if !st.Drained() {
		return s.machine.Transition(ctx, phase.ImplActive,
			fmt.Sprintf("%d tasks awaiting retry", st.Pending))
	}

	sess, err := s.c.Session.Load(ctx)
	if err != nil {
		return err
	}
	if sess.NoReview {
		s.report.Skipped = append(s.report.Skipped, string(phase.VerifyFix), string(phase.Review))
		return s.machine.Transition(ctx, phase.Shutdown, "queue drained, review disabled")
	}
	return s.machine.Transition(ctx, phase.VerifyFix, "queue drained")
}

// verify runs one verification worker. Gaps it reports become tasks and
// send the session back to implementation while gap loops remain.
func (s *Supervisor) verify(ctx context.Context) error {
	r, ok, err := s.runSingle(ctx, worker.RoleVerifyFix)
	if err != nil {
		return err
	}
	if !ok {
		s.report.Skipped = append(s.report.Skipped, string(phase.VerifyFix))
		return s.machine.Transition(ctx, phase.Review, "budget exhausted, verification skipped")
	}
	if r == nil || len(r.GapTasks) == 0 {
		return s.machine.Transition(ctx, phase.Review, "no gaps found")
	}

	left, err := s.machine.GapLoopsLeft(ctx)
	if err != nil {
		return err
	}
	if left <= 0 {
		for _, g := range r.GapTasks {
			s.report.DroppedGaps = append(s.report.DroppedGaps, g.Subject)
		}
		s.logger.Warn("gap loops exhausted, gaps dropped", "gaps", len(r.GapTasks))
		return s.machine.Transition(ctx, phase.Review, "gap loops exhausted")
	}

	sess, err := s.c.Session.Load(ctx)
	if err != nil {
		return err
	}
	gaps := gapTasks(sess.GapLoops+1, r.GapTasks)
	if _, err := s.c.Queue.Create(ctx, gaps); err != nil {
		return err
	}
	s.logger.Info("gap tasks queued", "gaps", len(gaps), "loop", sess.GapLoops+1)
	return s.machine.Transition(ctx, phase.ImplActive, fmt.Sprintf("%d gaps found", len(gaps)))
}

// gapTasks namespaces the ids of gaps found in loop so they cannot collide
// with existing tasks. Dependencies between gaps are remapped and any other
// reference is dropped.
func gapTasks(loop int, gaps []taskqueue.NewTask) []taskqueue.NewTask {
	prefix := fmt.Sprintf("gap%d-", loop)
	ids := make(map[string]string, len(gaps))
	out := make([]taskqueue.NewTask, len(gaps))
	for i, g := range gaps {
		id := strings.TrimSpace(g.ID)
		if id == "" {
			id = fmt.Sprint(i + 1)
		}
		out[i] = g
		out[i].ID = prefix + id
		out[i].GapLoop = loop
		if strings.TrimSpace(out[i].Subject) == "" {
			out[i].Subject = id
		}
		if g.ID != "" {
			ids[g.ID] = out[i].ID
		}
	}
	for i := range out {
		var deps []string
		for _, dep := range out[i].BlockedBy {
			if mapped, ok := ids[dep]; ok {
				deps = append(deps, mapped)
			}
		}
		out[i].BlockedBy = deps
	}
	return out
}

// review runs one read-only review worker.
func (s *Supervisor) review(ctx context.Context) error {
	r, ok, err := s.runSingle(ctx, worker.RoleReview)
	if err != nil {
		return err
	}
	if !ok {
		s.report.Skipped = append(s.report.Skipped, string(phase.Review))
		return s.machine.Transition(ctx, phase.Shutdown, "budget exhausted, review skipped")
	}
	reason := "review finished"
	if r != nil && r.Summary != "" {
		reason = "review: " + r.Summary
	}
	return s.machine.Transition(ctx, phase.Shutdown, reason)
}

// runSingle spawns one worker for role and waits for it to exit. It
// returns false when the budget refused the spawn.
func (s *Supervisor) runSingle(ctx context.Context, role worker.Role) (*worker.Report, bool, error) {
	id, ok, err := s.spawn(ctx, role, nil)
	if err != nil || !ok {
		return nil, ok, err
	}
	err = s.waitUntil(ctx, func(context.Context) (bool, error) {
		return s.allExited([]string{id}), nil
	})
	if err != nil {
		return nil, true, err
	}
	w := s.workers[id]
	if w.report == nil && w.err != nil && !errors.Is(w.err, context.Canceled) {
		s.logger.Warn("worker exited without a report", "worker_id", id, "error", w.err.Error())
	}
	return w.report, true, nil
}
