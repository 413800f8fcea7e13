package supervisor

import (
	"context"
	"time"

	"github.com/Iron-Ham/hive/internal/errors"
	"github.com/Iron-Ham/hive/internal/mailbox"
	"github.com/Iron-Ham/hive/internal/phase"
	"github.com/Iron-Ham/hive/internal/pushgate"
	"github.com/Iron-Ham/hive/internal/registry"
	"github.com/Iron-Ham/hive/internal/worker"
)

// shutdown evaluates the push gate and then runs the termination handshake
// with every live worker. A blocked push halts the session in SHUTDOWN.
func (s *Supervisor) shutdown(ctx context.Context) error {
	if err := s.pushGate(ctx); err != nil {
		return err
	}
	if err := s.handshake(ctx); err != nil {
		return err
	}
	return s.machine.Transition(ctx, phase.Done, "all workers shut down")
}

func (s *Supervisor) pushGate(ctx context.Context) error {
	sess, err := s.c.Session.Load(ctx)
	if err != nil {
		return err
	}
	if !sess.PushRequired || !sess.MutatingWork {
		s.logger.Debug("push gate bypassed", "push_required", sess.PushRequired, "mutating_work", sess.MutatingWork)
		return s.machine.SetPushSatisfied(ctx, true)
	}

	res, err := s.gate.CheckPushed(ctx)
	if err != nil {
		return err
	}
	if !res.Satisfied() {
		res, err = s.coordinatePush(ctx, res)
		if err != nil {
			return err
		}
	}
	s.report.Push = &res

	if !res.Satisfied() {
		if err := s.machine.SetPushSatisfied(ctx, false); err != nil {
			return err
		}
		s.logger.Error("push gate blocked", "branch", res.Branch, "reason", res.Reason)
		return res.Err()
	}
	s.logger.Info("push gate satisfied", "branch", res.Branch, "upstream", res.Upstream)
	return s.machine.SetPushSatisfied(ctx, true)
}

// coordinatePush asks a git-coordinator worker to push, re-checking the
// branch after each response.
func (s *Supervisor) coordinatePush(ctx context.Context, res pushgate.Result) (pushgate.Result, error) {
	id, _, err := s.spawn(ctx, worker.RoleGitCoordinator, nil)
	if err != nil {
		return res, err
	}

	for attempt := 1; attempt <= s.cfg.PushAttempts; attempt++ {
		seen := len(s.pushResponses)
		if err := s.send(ctx, id, mailbox.MessagePushRequest, nil); err != nil {
			return res, err
		}

		waitCtx, cancel := context.WithTimeout(ctx, s.cfg.AckTimeout)
		err := s.waitUntil(waitCtx, func(context.Context) (bool, error) {
			return len(s.pushResponses) > seen || s.allExited([]string{id}), nil
		})
		cancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return res, err
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if len(s.pushResponses) > seen {
			if resp := s.pushResponses[len(s.pushResponses)-1]; !resp.Pushed {
				s.logger.Warn("push attempt failed", "attempt", attempt, "error", resp.Error)
			}
		} else {
			s.logger.Warn("no push response", "attempt", attempt, "worker_id", id)
		}

		res, err = s.gate.CheckPushed(ctx)
		if err != nil {
			return res, err
		}
		if res.Satisfied() || s.allExited([]string{id}) || attempt == s.cfg.PushAttempts {
			break
		}
		if err := sleepCtx(ctx, s.cfg.PushRetryDelay); err != nil {
			return res, err
		}
	}
	return res, nil
}

// handshake sends shutdown_request to each live worker and waits until
// each has answered or is no longer live. Workers that do not answer in
// time are stopped and marked shut down.
func (s *Supervisor) handshake(ctx context.Context) error {
	live, err := s.c.Registry.Live(ctx)
	if err != nil {
		return err
	}
	if len(live) == 0 {
		return nil
	}

	pending := make(map[string]bool, len(live))
	for _, rec := range live {
		pending[rec.WorkerID] = true
		if err := s.send(ctx, rec.WorkerID, mailbox.MessageShutdownRequest, nil); err != nil {
			return err
		}
	}
	s.logger.Info("shutdown requested", "workers", len(pending))

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.AckTimeout)
	defer cancel()
	err = s.waitUntil(waitCtx, func(ctx context.Context) (bool, error) {
		for id := range pending {
			if _, acked := s.acks[id]; acked {
				delete(pending, id)
				continue
			}
			rec, err := s.c.Registry.Get(ctx, id)
			if err != nil {
				var nf *errors.NotFoundError
				if errors.As(err, &nf) {
					delete(pending, id)
					continue
				}
				return false, err
			}
			if !rec.State.Live() {
				delete(pending, id)
			}
		}
		return len(pending) == 0, nil
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	for id := range pending {
		s.logger.Warn("worker did not acknowledge shutdown", "worker_id", id,
			"timeout", s.cfg.AckTimeout.String())
		s.spawner.Stop(id)
		if err := s.c.Registry.MarkShutDown(ctx, id); err != nil && !errors.Is(err, registry.ErrPresumedDead) {
			return err
		}
	}
	return nil
}

func (s *Supervisor) send(ctx context.Context, to string, typ mailbox.MessageType, payload any) error {
	msg, err := mailbox.NewMessage(mailbox.SupervisorRecipient, to, typ, payload)
	if err != nil {
		return err
	}
	return s.c.Mailbox.Send(ctx, msg)
}

// noProgress reports a round of workers that exited without settling or
// failing a single task.
func noProgress(ids []string) registry.StuckReport {
	return registry.StuckReport{
		WorkerID:    "*",
		Kind:        errors.StuckNoProgress,
		Occurrences: len(ids),
		Signature:   "workers exited without progress",
		At:          time.Now(),
	}
}
