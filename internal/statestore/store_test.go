package statestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/hive/internal/errors"
)

type counter struct {
	N int `json:"n"`
}

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestOpen_CreatesLayout(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Dir() != dir {
		t.Errorf("Dir() = %q, want %q", s.Dir(), dir)
	}
	if info, err := os.Stat(filepath.Join(dir, locksDir)); err != nil || !info.IsDir() {
		t.Errorf("locks directory missing: %v", err)
	}
	if s.LockTimeout() != DefaultLockTimeout {
		t.Errorf("LockTimeout() = %v, want %v", s.LockTimeout(), DefaultLockTimeout)
	}
}

func TestWithLock_ReadMissingReturnsDefaults(t *testing.T) {
	s := openTestStore(t)
	err := s.WithLock(context.Background(), "queue", func(tx *Tx) error {
		c := counter{N: 7}
		found, err := tx.Read("missing.json", &c)
		if err != nil {
			return err
		}
		if found {
			t.Error("found = true for missing file")
		}
		if c.N != 7 {
			t.Errorf("value mutated on missing file: %d", c.N)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock: %v", err)
	}
}

func TestWithLock_CommitsOnSuccess(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.WithLock(ctx, "queue", func(tx *Tx) error {
		if err := tx.Write("a.json", counter{N: 1}); err != nil {
			return err
		}
		// Read-your-writes inside the transaction.
		var c counter
		if _, err := tx.Read("a.json", &c); err != nil {
			return err
		}
		if c.N != 1 {
			t.Errorf("staged read = %d, want 1", c.N)
		}
		return tx.Write("a.json", counter{N: 2})
	})
	if err != nil {
		t.Fatalf("WithLock: %v", err)
	}

	data, err := os.ReadFile(s.Path("a.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var c counter
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if c.N != 2 {
		t.Errorf("persisted N = %d, want 2", c.N)
	}
	if _, err := os.Stat(s.Path("a.json") + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should not remain after commit")
	}
}

func TestWithLock_DiscardsOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := Update(ctx, s, "k", "c.json", func(c *counter) error {
		c.N = 5
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	boom := errors.New("boom")
	err := s.WithLock(ctx, "k", func(tx *Tx) error {
		if err := tx.Write("c.json", counter{N: 99}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithLock error = %v, want boom", err)
	}

	c, err := Load[counter](ctx, s, "k", "c.json")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.N != 5 {
		t.Errorf("N = %d after failed transaction, want 5", c.N)
	}
}

func TestWithLock_CorruptFileIsFatal(t *testing.T) {
	s := openTestStore(t)
	if err := os.WriteFile(s.Path("queue.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Load[counter](context.Background(), s, "queue", "queue.json")
	if err == nil {
		t.Fatal("expected error for corrupt file")
	}
	if !errors.Is(err, errors.ErrStateCorrupted) {
		t.Errorf("error %v should match ErrStateCorrupted", err)
	}
	if !errors.IsFatal(err) {
		t.Errorf("corrupt state should be fatal, got severity %v", errors.GetSeverity(err))
	}
	var se *errors.StoreError
	if !errors.As(err, &se) || !strings.HasSuffix(se.Path, "queue.json") {
		t.Errorf("expected StoreError with path, got %#v", err)
	}
}

func TestWithLock_EmptyFileReturnsDefaults(t *testing.T) {
	s := openTestStore(t)
	if err := os.WriteFile(s.Path("session.json"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	c, err := Load[counter](context.Background(), s, "session", "session.json")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.N != 0 {
		t.Errorf("N = %d, want 0", c.N)
	}
}

func TestWithLock_Timeout(t *testing.T) {
	s := openTestStore(t, WithLockTimeout(50*time.Millisecond), WithPollInterval(time.Millisecond))

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.WithLock(context.Background(), "queue", func(*Tx) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held
	defer close(done)

	start := time.Now()
	err := s.WithLock(context.Background(), "queue", func(*Tx) error {
		t.Error("callback must not run without the lock")
		return nil
	})
	if !errors.Is(err, errors.ErrLockTimeout) {
		t.Fatalf("error = %v, want ErrLockTimeout", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("lock timeout should be retryable")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
	if errors.ExitCode(err) != errors.ExitLockTimeout {
		t.Errorf("ExitCode = %d, want %d", errors.ExitCode(err), errors.ExitLockTimeout)
	}
}

func TestWithLock_KeysAreIndependent(t *testing.T) {
	s := openTestStore(t, WithLockTimeout(100*time.Millisecond))

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.WithLock(context.Background(), "queue", func(*Tx) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held
	defer close(done)

	if err := s.WithLock(context.Background(), "session", func(*Tx) error { return nil }); err != nil {
		t.Errorf("different key should not block: %v", err)
	}
}

func TestWithLock_ContextCanceled(t *testing.T) {
	s := openTestStore(t, WithLockTimeout(5*time.Second))

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.WithLock(context.Background(), "queue", func(*Tx) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held
	defer close(done)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.WithLock(ctx, "queue", func(*Tx) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
}

// TestWithLock_MutualExclusion increments a counter from many goroutines,
// each through its own Store handle and therefore its own descriptor.
func TestWithLock_MutualExclusion(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	const workers, rounds = 8, 25

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for range workers {
		wg.Go(func() {
			s, err := Open(dir, WithLockTimeout(30*time.Second))
			if err != nil {
				errCh <- err
				return
			}
			for range rounds {
				if err := Update(ctx, s, "queue", "counter.json", func(c *counter) error {
					c.N++
					return nil
				}); err != nil {
					errCh <- err
					return
				}
			}
		})
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("worker error: %v", err)
	}

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	c, err := Load[counter](ctx, s, "queue", "counter.json")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.N != workers*rounds {
		t.Errorf("counter = %d, want %d (lost update)", c.N, workers*rounds)
	}
}

func TestRetry(t *testing.T) {
	t.Run("succeeds after holder releases", func(t *testing.T) {
		s := openTestStore(t, WithLockTimeout(20*time.Millisecond), WithPollInterval(time.Millisecond))

		held := make(chan struct{})
		go func() {
			_ = s.WithLock(context.Background(), "queue", func(*Tx) error {
				close(held)
				time.Sleep(40 * time.Millisecond)
				return nil
			})
		}()
		<-held

		calls := 0
		err := s.Retry(context.Background(), "queue", 20, func(*Tx) error {
			calls++
			return nil
		})
		if err != nil {
			t.Fatalf("Retry: %v", err)
		}
		if calls != 1 {
			t.Errorf("callback ran %d times, want 1", calls)
		}
	})

	t.Run("non-retryable error returns immediately", func(t *testing.T) {
		s := openTestStore(t)
		calls := 0
		err := s.Retry(context.Background(), "queue", 5, func(*Tx) error {
			calls++
			return errors.ErrInvalidInput
		})
		if !errors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("error = %v", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})
}

func TestUpdate_RetriesLockTimeouts(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		wantErr  bool
	}{
		{"single attempt gives up", 1, true},
		{"retries outlast the holder", 10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t, WithLockTimeout(20*time.Millisecond), WithPollInterval(time.Millisecond),
				WithRetryAttempts(tt.attempts))

			held := make(chan struct{})
			released := make(chan struct{})
			go func() {
				defer close(released)
				_ = s.WithLock(context.Background(), "queue", func(*Tx) error {
					close(held)
					time.Sleep(60 * time.Millisecond)
					return nil
				})
			}()
			<-held
			defer func() { <-released }()

			err := Update(context.Background(), s, "queue", "counter.json", func(c *counter) error {
				c.N++
				return nil
			})
			if tt.wantErr {
				if !errors.Is(err, errors.ErrLockTimeout) {
					t.Fatalf("Update() error = %v, want ErrLockTimeout", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Update() error = %v", err)
			}
			got, err := Load[counter](context.Background(), s, "queue", "counter.json")
			if err != nil {
				t.Fatal(err)
			}
			if got.N != 1 {
				t.Errorf("counter = %d, want 1", got.N)
			}
		})
	}
}

func TestAppendAndReadLines(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if err := s.Append(ctx, "ledger", "ledger.jsonl", counter{N: i}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	var got []int
	err := s.ReadLines(ctx, "ledger", "ledger.jsonl", func(line []byte) error {
		var c counter
		if err := json.Unmarshal(line, &c); err != nil {
			return err
		}
		got = append(got, c.N)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadLines: %v", err)
	}
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("lines = %v, want [1 2 3]", got)
	}
}

func TestReadLines_MissingFile(t *testing.T) {
	s := openTestStore(t)
	err := s.ReadLines(context.Background(), "ledger", "nope.jsonl", func([]byte) error {
		t.Error("callback should not run")
		return nil
	})
	if err != nil {
		t.Errorf("ReadLines on missing file: %v", err)
	}
}

func TestDestroy(t *testing.T) {
	s := openTestStore(t)
	if err := Update(context.Background(), s, "session", "session.json", func(c *counter) error {
		c.N = 1
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := os.Stat(s.Dir()); !os.IsNotExist(err) {
		t.Error("state directory should be removed")
	}
}

func TestFileLock_UnlockWithoutLock(t *testing.T) {
	fl := newFileLock(filepath.Join(t.TempDir(), "x.lock"))
	if err := fl.unlock(); err != nil {
		t.Errorf("unlock without lock: %v", err)
	}
}

func TestFileLock_SecondDescriptorBlocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	a := newFileLock(path)
	b := newFileLock(path)
	defer a.close()
	defer b.close()

	ok, err := a.tryLock()
	if err != nil || !ok {
		t.Fatalf("first tryLock = %v, %v", ok, err)
	}
	ok, err = b.tryLock()
	if err != nil {
		t.Fatalf("second tryLock: %v", err)
	}
	if ok {
		t.Fatal("second descriptor acquired a held lock")
	}
	if err := a.unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	ok, err = b.tryLock()
	if err != nil || !ok {
		t.Errorf("tryLock after release = %v, %v", ok, err)
	}
}

func TestFileLock_InvalidDir(t *testing.T) {
	fl := newFileLock("/nonexistent/dir/x.lock")
	if _, err := fl.tryLock(); err == nil {
		t.Error("tryLock should fail for nonexistent directory")
	}
}
