package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/hive/internal/logging"
	"github.com/Iron-Ham/hive/internal/worker"
)

// Exit is delivered once per spawned worker when it stops. Err is nil for
// a clean exit; a panic or non-zero process exit is reported here.
type Exit struct {
	WorkerID string
	Err      error
}

// Spawner starts workers. Implementations must be safe for concurrent use.
type Spawner interface {
	// Spawn starts the worker described by a and returns once it is
	// running. done is called exactly once when the worker stops.
	Spawn(ctx context.Context, a worker.Assignment, done func(Exit)) error
	// Stop asks a running worker to stop abruptly. Unknown ids are ignored.
	Stop(workerID string)
	// Wait blocks until every spawned worker has stopped.
	Wait()
}

// InProcessSpawner runs each worker on its own goroutine. A panicking
// worker is recovered and reported as an Exit error; its registry record
// is left for the heartbeat monitor to reclaim.
type InProcessSpawner struct {
	deps   worker.Deps
	opts   []worker.Option
	logger *logging.Logger

	wg      conc.WaitGroup
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewInProcessSpawner returns a spawner whose workers share deps.
func NewInProcessSpawner(deps worker.Deps, logger *logging.Logger, opts ...worker.Option) *InProcessSpawner {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &InProcessSpawner{
		deps:    deps,
		opts:    opts,
		logger:  logger,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Spawn implements Spawner.
func (s *InProcessSpawner) Spawn(ctx context.Context, a worker.Assignment, done func(Exit)) error {
	w, err := worker.New(a, s.deps, s.opts...)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancels[a.WorkerID] = cancel
	s.mu.Unlock()

	s.wg.Go(func() {
		var runErr error
		recovered := panics.Try(func() {
			_, runErr = w.Run(wctx)
		})
		if recovered != nil {
			runErr = recovered.AsError()
			s.logger.Error("worker panicked", "worker_id", a.WorkerID, "panic", fmt.Sprint(recovered.Value))
		}

		s.mu.Lock()
		delete(s.cancels, a.WorkerID)
		s.mu.Unlock()
		cancel()
		done(Exit{WorkerID: a.WorkerID, Err: runErr})
	})
	return nil
}

// Stop implements Spawner.
func (s *InProcessSpawner) Stop(workerID string) {
	s.mu.Lock()
	cancel, ok := s.cancels[workerID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Wait implements Spawner.
func (s *InProcessSpawner) Wait() {
	s.wg.Wait()
}

// ProcessSpawner runs each worker as a `hive worker` subprocess.
type ProcessSpawner struct {
	executable string
	args       []string
	env        []string
	logger     *logging.Logger

	wg    sync.WaitGroup
	mu    sync.Mutex
	procs map[string]*os.Process
}

// NewProcessSpawner returns a spawner that runs executable with the
// assignment's arguments followed by args (for example --state-dir).
func NewProcessSpawner(executable string, args, env []string, logger *logging.Logger) *ProcessSpawner {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &ProcessSpawner{
		executable: executable,
		args:       args,
		env:        env,
		logger:     logger,
		procs:      make(map[string]*os.Process),
	}
}

// Spawn implements Spawner.
func (s *ProcessSpawner) Spawn(ctx context.Context, a worker.Assignment, done func(Exit)) error {
	if err := a.Validate(); err != nil {
		return err
	}
	args := append(a.Args(), s.args...)
	cmd := exec.CommandContext(ctx, s.executable, args...)
	cmd.Env = append(os.Environ(), s.env...)
	// Workers log to the shared debug.log; stray output goes to ours.
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker %s: %w", a.WorkerID, err)
	}
	s.logger.Debug("worker process started", "worker_id", a.WorkerID, "pid", cmd.Process.Pid)

	s.mu.Lock()
	s.procs[a.WorkerID] = cmd.Process
	s.mu.Unlock()

	s.wg.Go(func() {
		err := cmd.Wait()
		s.mu.Lock()
		delete(s.procs, a.WorkerID)
		s.mu.Unlock()
		if err != nil {
			err = fmt.Errorf("worker %s: %w", a.WorkerID, err)
		}
		done(Exit{WorkerID: a.WorkerID, Err: err})
	})
	return nil
}

// Stop implements Spawner.
func (s *ProcessSpawner) Stop(workerID string) {
	s.mu.Lock()
	p, ok := s.procs[workerID]
	s.mu.Unlock()
	if ok {
		if err := p.Kill(); err != nil {
			s.logger.Warn("failed to kill worker", "worker_id", workerID, "error", err.Error())
		}
	}
}

// Wait implements Spawner.
func (s *ProcessSpawner) Wait() {
	s.wg.Wait()
}
