package registry

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Iron-Ham/hive/internal/errors"
	"github.com/Iron-Ham/hive/internal/logging"
	"github.com/Iron-Ham/hive/internal/retry"
)

// MonitorConfig holds the heartbeat thresholds. All counts are in polls.
type MonitorConfig struct {
	// Interval between polls in Run.
	Interval time.Duration
	// WarnPolls unchanged polls move a worker to idle-warned.
	WarnPolls int
	// MissedPolls unchanged polls move a worker to presumed-dead.
	MissedPolls int
	// RepeatFailureThreshold identical consecutive failures raise a stuck
	// report.
	RepeatFailureThreshold int
	// NoProgressPolls polls without a completed task while workers are live
	// raise a stuck report. Zero disables the check.
	NoProgressPolls int
}

// DefaultMonitorConfig returns the default thresholds.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:               5 * time.Second,
		WarnPolls:              3,
		MissedPolls:            6,
		RepeatFailureThreshold: 3,
		NoProgressPolls:        60,
	}
}

// Releaser force-releases the tasks of a dead worker.
type Releaser interface {
	ForceRelease(ctx context.Context, workerID, reason string) ([]retry.Entry, error)
}

// ProgressFunc returns a counter that grows while the session makes progress,
// typically the number of completed tasks.
type ProgressFunc func(ctx context.Context) (int, error)

// StuckReport describes a worker the operator must look at. Stuck workers
// are reported, never silently retried.
type StuckReport struct {
	WorkerID    string
	Kind        errors.StuckKind
	Occurrences int
	Signature   string
	CurrentTask string
	At          time.Time
}

// Err returns the report as a *errors.StuckWorkerError.
func (r StuckReport) Err() error {
	return errors.NewStuckWorkerError(r.WorkerID, r.Kind, r.Occurrences).WithSignature(r.Signature)
}

// MonitorCallbacks are invoked from Poll after state has been persisted.
type MonitorCallbacks struct {
	OnIdleWarning  func(rec Record)
	OnPresumedDead func(rec Record, released []retry.Entry)
	OnStuck        func(report StuckReport)
}

// PollResult summarizes one poll.
type PollResult struct {
	Warned   []string
	Dead     []string
	Released []retry.Entry
	Stuck    []StuckReport
}

type observation struct {
	seq       int64
	unchanged int
}

// Monitor detects silent and stuck workers. Detection counts polls rather
// than wall-clock time, so a given sequence of heartbeats and polls always
// yields the same transitions.
type Monitor struct {
	registry  *Registry
	releaser  Releaser
	progress  ProgressFunc
	config    MonitorConfig
	callbacks MonitorCallbacks
	logger    *logging.Logger

	mu             sync.Mutex
	seen           map[string]*observation
	unreleased     map[string]Record // presumed dead, tasks not yet released
	lastProgress   int
	stalledPolls   int
	stallReported  bool
	progressPrimed bool
}

// NewMonitor creates a monitor. progress may be nil to disable the
// no-progress check.
func NewMonitor(reg *Registry, releaser Releaser, progress ProgressFunc, cfg MonitorConfig, callbacks MonitorCallbacks, logger *logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.NopLogger()
	}
	def := DefaultMonitorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MissedPolls <= 0 {
		cfg.MissedPolls = def.MissedPolls
	}
	if cfg.WarnPolls <= 0 || cfg.WarnPolls > cfg.MissedPolls {
		cfg.WarnPolls = cfg.MissedPolls
	}
	if cfg.RepeatFailureThreshold <= 0 {
		cfg.RepeatFailureThreshold = def.RepeatFailureThreshold
	}
	return &Monitor{
		registry:   reg,
		releaser:   releaser,
		progress:   progress,
		config:     cfg,
		callbacks:  callbacks,
		logger:     logger,
		seen:       make(map[string]*observation),
		unreleased: make(map[string]Record),
	}
}

// Run polls every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Poll(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("heartbeat poll failed", "error", err.Error())
			}
		}
	}
}

// Poll inspects every live worker once. The first poll that sees a worker
// records its heartbeat as a baseline; each later poll without a new
// heartbeat counts as missed. A worker is presumed dead on exactly the
// MissedPolls-th missed poll and its tasks are force-released once. A
// release that fails is retried on every later poll until it succeeds.
func (m *Monitor) Poll(ctx context.Context) (PollResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		res          PollResult
		warned, dead []Record
		stuck        []StuckReport
		live         int
	)
	threshold := m.config.RepeatFailureThreshold
	now := time.Now()

	err := m.registry.update(ctx, func(ro *roster) error {
		for _, rec := range ro.Workers {
			if !rec.State.Live() {
				delete(m.seen, rec.WorkerID)
				continue
			}
			live++

			obs, ok := m.seen[rec.WorkerID]
			switch {
			case !ok:
				m.seen[rec.WorkerID] = &observation{seq: rec.HeartbeatSeq}
			case obs.seq != rec.HeartbeatSeq:
				obs.seq = rec.HeartbeatSeq
				obs.unchanged = 0
			default:
				obs.unchanged++
				switch {
				case obs.unchanged >= m.config.MissedPolls:
					rec.State = StatePresumedDead
					delete(m.seen, rec.WorkerID)
					dead = append(dead, *rec)
				case obs.unchanged >= m.config.WarnPolls && rec.State == StateActive:
					rec.State = StateIdleWarned
					warned = append(warned, *rec)
				}
			}

			if rec.FailureCount >= threshold && !rec.StuckReported {
				rec.StuckReported = true
				stuck = append(stuck, StuckReport{
					WorkerID:    rec.WorkerID,
					Kind:        errors.StuckRepeatedFailure,
					Occurrences: rec.FailureCount,
					Signature:   rec.FailureSignature,
					CurrentTask: rec.CurrentTask,
					At:          now,
				})
			}
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	for _, rec := range warned {
		res.Warned = append(res.Warned, rec.WorkerID)
		m.logger.Warn("worker idle", "worker_id", rec.WorkerID, "polls", m.config.WarnPolls)
		if m.callbacks.OnIdleWarning != nil {
			m.callbacks.OnIdleWarning(rec)
		}
	}

	for _, rec := range dead {
		res.Dead = append(res.Dead, rec.WorkerID)
		m.logger.Warn("worker presumed dead", "worker_id", rec.WorkerID,
			"last_heartbeat_at", rec.LastHeartbeatAt, "polls", m.config.MissedPolls)
		m.unreleased[rec.WorkerID] = rec
	}
	releaseErr := m.releaseDead(ctx, &res)

	if report, ok, err := m.checkProgress(ctx, live-len(dead), now); err != nil {
		return res, err
	} else if ok {
		stuck = append(stuck, report)
	}

	for _, report := range stuck {
		res.Stuck = append(res.Stuck, report)
		m.logger.Error("worker stuck", "worker_id", report.WorkerID, "kind", string(report.Kind),
			"occurrences", report.Occurrences, "signature", report.Signature)
		if m.callbacks.OnStuck != nil {
			m.callbacks.OnStuck(report)
		}
	}
	return res, releaseErr
}

// releaseDead force-releases the tasks of every presumed-dead worker whose
// release has not succeeded yet. Failed releases stay pending.
func (m *Monitor) releaseDead(ctx context.Context, res *PollResult) error {
	ids := make([]string, 0, len(m.unreleased))
	for id := range m.unreleased {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var firstErr error
	for _, id := range ids {
		rec := m.unreleased[id]
		var released []retry.Entry
		if m.releaser != nil {
			var err error
			released, err = m.releaser.ForceRelease(ctx, id, "worker stopped heartbeating")
			if err != nil {
				m.logger.Warn("force release failed, will retry", "worker_id", id, "error", err.Error())
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		}
		delete(m.unreleased, id)
		res.Released = append(res.Released, released...)
		if m.callbacks.OnPresumedDead != nil {
			m.callbacks.OnPresumedDead(rec, released)
		}
	}
	return firstErr
}

// checkProgress raises one no-progress report per stall.
func (m *Monitor) checkProgress(ctx context.Context, live int, now time.Time) (StuckReport, bool, error) {
	if m.progress == nil || m.config.NoProgressPolls <= 0 {
		return StuckReport{}, false, nil
	}
	done, err := m.progress(ctx)
	if err != nil {
		return StuckReport{}, false, err
	}
	if !m.progressPrimed || done != m.lastProgress || live == 0 {
		m.progressPrimed = true
		m.lastProgress = done
		m.stalledPolls = 0
		m.stallReported = false
		return StuckReport{}, false, nil
	}

	m.stalledPolls++
	if m.stalledPolls < m.config.NoProgressPolls || m.stallReported {
		return StuckReport{}, false, nil
	}
	m.stallReported = true
	return StuckReport{
		WorkerID:    "*",
		Kind:        errors.StuckNoProgress,
		Occurrences: m.stalledPolls,
		At:          now,
	}, true, nil
}

// ReportFailure records a failed attempt by workerID. The stuck report, if
// the streak reaches the threshold, is raised by the next Poll.
func (m *Monitor) ReportFailure(ctx context.Context, workerID, signature string) (int, error) {
	return m.registry.RecordFailure(ctx, workerID, signature)
}
