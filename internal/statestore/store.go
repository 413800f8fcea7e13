package statestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/hive/internal/errors"
	"github.com/Iron-Ham/hive/internal/logging"
)

const (
	locksDir = "locks"

	// DefaultLockTimeout bounds how long WithLock waits for a lock.
	DefaultLockTimeout = 5 * time.Second

	defaultPollInterval = 5 * time.Millisecond
	maxPollInterval     = 200 * time.Millisecond
)

// Lock keys shared by the packages that persist session state.
const (
	KeyQueue    = "queue"
	KeySession  = "session"
	KeyRegistry = "registry"
	KeyLedger   = "ledger"
	KeyMailbox  = "mailbox"
)

// Store guards the JSON files of one state directory.
// It is safe for concurrent use by goroutines and processes.
type Store struct {
	dir           string
	lockTimeout   time.Duration
	pollInterval  time.Duration
	retryAttempts int
	logger        *logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout sets the maximum wait for a lock. Zero or negative values
// are ignored.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithRetryAttempts sets how many lock timeouts Update, Load and Do absorb
// before returning one. Values below 1 are ignored.
func WithRetryAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.retryAttempts = n
		}
	}
}

// WithPollInterval sets the initial backoff between acquisition attempts.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithLogger attaches a logger. Lock timeouts are logged at WARN.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open returns a Store rooted at dir, creating the directory layout if needed.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:           dir,
		lockTimeout:   DefaultLockTimeout,
		pollInterval:  defaultPollInterval,
		retryAttempts: 1,
		logger:        logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Join(dir, locksDir), 0755); err != nil {
		return nil, errors.NewStoreError("create state directory", err).WithPath(dir)
	}
	return s, nil
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the absolute path of a state file.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// LockTimeout returns the configured acquisition bound.
func (s *Store) LockTimeout() time.Duration {
	return s.lockTimeout
}

// WithLock runs fn while holding the exclusive lock for key. Values written
// through tx are committed atomically after fn returns nil and discarded
// otherwise. Returns *errors.LockTimeoutError if the lock is not acquired
// within the lock timeout.
func (s *Store) WithLock(ctx context.Context, key string, fn func(tx *Tx) error) error {
	fl, err := s.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = fl.unlock() }()

	tx := &Tx{store: s, staged: make(map[string][]byte)}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// Do is WithLock retried with backoff up to the configured retry attempts.
// fn must not have side effects outside tx, since it may run again.
func (s *Store) Do(ctx context.Context, key string, fn func(tx *Tx) error) error {
	return s.Retry(ctx, key, s.retryAttempts, fn)
}

// Retry calls WithLock up to attempts times, backing off between attempts
// while the failure is a lock timeout. Any other error is returned at once.
func (s *Store) Retry(ctx context.Context, key string, attempts int, fn func(tx *Tx) error) error {
	if attempts < 1 {
		attempts = 1
	}
	backoff := s.pollInterval
	var err error
	for i := range attempts {
		err = s.WithLock(ctx, key, fn)
		if err == nil || !errors.IsRetryable(err) || i == attempts-1 {
			return err
		}
		s.logger.Warn("lock busy, backing off", "key", key, "attempt", i+1, "backoff", backoff.String())
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "retry "+key)
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, time.Second)
	}
	return err
}

// acquire polls the lock with exponential backoff until the timeout.
func (s *Store) acquire(ctx context.Context, key string) (*fileLock, error) {
	fl := newFileLock(filepath.Join(s.dir, locksDir, key+".lock"))
	start := time.Now()
	deadline := start.Add(s.lockTimeout)
	wait := s.pollInterval

	for {
		ok, err := fl.tryLock()
		if err != nil {
			fl.close()
			return nil, errors.NewStoreError("acquire lock "+key, err).WithPath(fl.path)
		}
		if ok {
			return fl, nil
		}

		if time.Now().Add(wait).After(deadline) {
			fl.close()
			waited := time.Since(start).Round(time.Millisecond)
			s.logger.Warn("lock acquisition timed out", "key", key, "waited", waited.String())
			return nil, errors.NewLockTimeoutError(key, s.lockTimeout)
		}

		select {
		case <-ctx.Done():
			fl.close()
			return nil, errors.Wrap(ctx.Err(), "acquire lock "+key)
		case <-time.After(wait):
		}
		wait = min(wait*2, maxPollInterval)
	}
}

// Append adds v as one JSON line to name while holding the lock for key.
func (s *Store) Append(ctx context.Context, key, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s entry: %w", name, err)
	}
	data = append(data, '\n')

	return s.WithLock(ctx, key, func(*Tx) error {
		f, err := os.OpenFile(s.Path(name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return errors.NewStoreError("open for append", err).WithPath(s.Path(name))
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return errors.NewStoreError("append", err).WithPath(s.Path(name))
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return errors.NewStoreError("sync", err).WithPath(s.Path(name))
		}
		return f.Close()
	})
}

// ReadLines calls fn for each non-empty line of name while holding the lock
// for key. A missing file yields no lines.
func (s *Store) ReadLines(ctx context.Context, key, name string, fn func(line []byte) error) error {
	return s.WithLock(ctx, key, func(*Tx) error {
		f, err := os.Open(s.Path(name))
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return errors.NewStoreError("open", err).WithPath(s.Path(name))
		}
		defer func() { _ = f.Close() }()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			if err := fn(line); err != nil {
				return err
			}
		}
		if err := scanner.Err(); err != nil {
			return errors.NewStoreError("scan", err).WithPath(s.Path(name))
		}
		return nil
	})
}

// Destroy removes the state directory. Only the supervisor calls this, at
// teardown, after every worker has acknowledged shutdown.
func (s *Store) Destroy() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return errors.NewStoreError("destroy state directory", err).WithPath(s.dir)
	}
	return nil
}

// Tx is the view of the state directory inside one WithLock call.
type Tx struct {
	store  *Store
	staged map[string][]byte
	order  []string
}

// Read decodes name into v. A missing or empty file leaves v untouched and
// returns false, so callers get safe defaults on the first run. A file that
// does not decode is reported as a fatal *errors.StoreError.
func (tx *Tx) Read(name string, v any) (bool, error) {
	data, ok := tx.staged[name]
	if !ok {
		var err error
		data, err = os.ReadFile(tx.store.Path(name))
		if err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, errors.NewStoreError("read", err).WithPath(tx.store.Path(name))
		}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, errors.NewStoreError("decode", errors.Join(errors.ErrStateCorrupted, err)).WithPath(tx.store.Path(name))
	}
	return true, nil
}

// Write stages v to be persisted as name when the transaction commits.
// Later writes to the same name replace earlier ones.
func (tx *Tx) Write(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	if _, seen := tx.staged[name]; !seen {
		tx.order = append(tx.order, name)
	}
	tx.staged[name] = data
	return nil
}

func (tx *Tx) commit() error {
	for _, name := range tx.order {
		if err := writeFileAtomic(tx.store.Path(name), tx.staged[name]); err != nil {
			return err
		}
	}
	return nil
}

// writeFileAtomic writes data to a temp file next to target, syncs it and
// renames it into place.
func writeFileAtomic(target string, data []byte) error {
	tmp := target + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.NewStoreError("create temp file", err).WithPath(tmp)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errors.NewStoreError("write temp file", err).WithPath(tmp)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errors.NewStoreError("sync temp file", err).WithPath(tmp)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return errors.NewStoreError("close temp file", err).WithPath(tmp)
	}

	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp) // best-effort cleanup
		return errors.NewStoreError("rename temp file", err).WithPath(target)
	}
	return nil
}

// Update loads name (zero value on first run), applies fn and persists the
// result, all under the lock for key. Lock timeouts are retried as in Do.
func Update[T any](ctx context.Context, s *Store, key, name string, fn func(v *T) error) error {
	return s.Do(ctx, key, func(tx *Tx) error {
		var v T
		if _, err := tx.Read(name, &v); err != nil {
			return err
		}
		if err := fn(&v); err != nil {
			return err
		}
		return tx.Write(name, &v)
	})
}

// Load returns the current contents of name under the lock for key.
func Load[T any](ctx context.Context, s *Store, key, name string) (T, error) {
	var v T
	err := s.Do(ctx, key, func(tx *Tx) error {
		_, err := tx.Read(name, &v)
		return err
	})
	return v, err
}
