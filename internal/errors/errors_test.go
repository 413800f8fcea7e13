package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityDebug, "debug"},
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.severity.String(); got != tt.want {
				t.Errorf("Severity.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLockTimeoutError(t *testing.T) {
	err := NewLockTimeoutError("queue", 5*time.Second)

	if got := err.Error(); got != "lock timeout [key=queue]: waited 5s" {
		t.Errorf("Error() = %q", got)
	}
	if !err.IsRetryable() {
		t.Error("lock timeouts should be retryable")
	}
	if !errors.Is(err, ErrLockTimeout) {
		t.Error("errors.Is(err, ErrLockTimeout) = false")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("errors.Is(err, ErrTimeout) = false")
	}

	wrapped := fmt.Errorf("claim: %w", err)
	var target *LockTimeoutError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As should find LockTimeoutError through wrapping")
	}
	if target.Key != "queue" {
		t.Errorf("Key = %q, want queue", target.Key)
	}
}

func TestOwnershipError(t *testing.T) {
	err := NewOwnershipError("task-1", "worker-a", "worker-b")

	want := "ownership error [task=task-1, worker=worker-a, owner=worker-b]: stale claim: task is not owned by this worker"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrNotOwner) {
		t.Error("errors.Is(err, ErrNotOwner) = false")
	}
	if err.IsRetryable() {
		t.Error("ownership errors are not retryable")
	}

	noOwner := NewOwnershipError("task-1", "worker-a", "")
	if got := noOwner.Error(); got != "ownership error [task=task-1, worker=worker-a, owner=<none>]: stale claim: task is not owned by this worker" {
		t.Errorf("Error() = %q", got)
	}
}

func TestStuckWorkerError(t *testing.T) {
	err := NewStuckWorkerError("worker-c", StuckRepeatedFailure, 3).WithSignature("go build: undefined: Foo")

	if !errors.Is(err, ErrWorkerStuck) {
		t.Error("errors.Is(err, ErrWorkerStuck) = false")
	}
	want := "stuck worker [worker=worker-c, count=3]: repeated_failure (go build: undefined: Foo)"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if ExitCode(err) != ExitStuck {
		t.Errorf("ExitCode = %d, want %d", ExitCode(err), ExitStuck)
	}
}

func TestBudgetExceededError(t *testing.T) {
	err := NewBudgetExceededError(10, 9.5, 1)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Error("errors.Is(err, ErrBudgetExceeded) = false")
	}
	want := "budget exceeded [spent=$9.50, estimate=$1.00, ceiling=$10.00]: spawn refused"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestPushBlockedError(t *testing.T) {
	tests := []struct {
		name string
		err  *PushBlockedError
		want string
	}{
		{
			name: "no context",
			err:  NewPushBlockedError("no upstream configured"),
			want: "push blocked: no upstream configured",
		},
		{
			name: "with branch",
			err:  NewPushBlockedError("2 commits not on remote").WithBranch("main", "origin/main", 2),
			want: "push blocked [branch=main, upstream=origin/main, ahead=2]: 2 commits not on remote",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
			if !errors.Is(tt.err, ErrPushBlocked) {
				t.Error("errors.Is(err, ErrPushBlocked) = false")
			}
		})
	}
}

func TestStoreError(t *testing.T) {
	err := NewStoreError("decode queue.json", ErrStateCorrupted).WithPath("/tmp/s/queue.json")

	if !IsFatal(err) {
		t.Error("store errors should be fatal")
	}
	if !errors.Is(err, ErrStateCorrupted) {
		t.Error("errors.Is(err, ErrStateCorrupted) = false")
	}
	want := "state store error [path=/tmp/s/queue.json]: decode queue.json: state file corrupted"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNotFoundError(t *testing.T) {
	err := NewNotFoundError("task", "t-9")
	if got := err.Error(); got != `task "t-9" not found` {
		t.Errorf("Error() = %q", got)
	}
	var target *NotFoundError
	if !errors.As(Wrap(err, "requeue"), &target) {
		t.Error("errors.As should find NotFoundError")
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("must be positive").WithField("budget").WithValue(-1)
	if got := err.Error(); got != "validation error [budget=-1]: must be positive" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, ErrInvalidInput) {
		t.Error("errors.Is(err, ErrInvalidInput) = false")
	}
}

func TestTimeoutError(t *testing.T) {
	err := NewTimeoutError("session", time.Minute)
	if got := err.Error(); got != "timeout error: session (timeout: 1m0s)" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("errors.Is(err, ErrTimeout) = false")
	}
	if !IsRetryable(err) {
		t.Error("timeouts default to retryable")
	}
	if IsRetryable(err.WithRetryable(false)) {
		t.Error("WithRetryable(false) should stick")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"lock timeout", NewLockTimeoutError("queue", time.Second), true},
		{"wrapped lock timeout", Wrap(NewLockTimeoutError("queue", time.Second), "claim"), true},
		{"ownership", NewOwnershipError("t", "w", "o"), false},
		{"sentinel timeout", Wrap(ErrTimeout, "wait"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"plain", errors.New("boom"), ExitFailure},
		{"lock", NewLockTimeoutError("queue", time.Second), ExitLockTimeout},
		{"budget", Wrap(NewBudgetExceededError(1, 1, 1), "spawn"), ExitBudget},
		{"stuck", NewStuckWorkerError("w", StuckNoProgress, 5), ExitStuck},
		{"push", NewPushBlockedError("ahead"), ExitPushBlocked},
		{"session timeout", NewTimeoutError("session", time.Hour), ExitSessionTimeout},
		{"store", NewStoreError("read", ErrStateCorrupted), ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestGetSeverity(t *testing.T) {
	if GetSeverity(nil) != SeverityDebug {
		t.Error("nil should be debug severity")
	}
	if GetSeverity(errors.New("x")) != SeverityError {
		t.Error("plain errors default to SeverityError")
	}
	if GetSeverity(NewStoreError("x", nil)) != SeverityCritical {
		t.Error("store errors are critical")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if Wrapf(nil, "ctx %d", 1) != nil {
		t.Error("Wrapf(nil) should be nil")
	}
	err := Wrapf(ErrTaskNotFound, "release %s", "t-1")
	if err.Error() != "release t-1: task not found" {
		t.Errorf("Wrapf() = %q", err.Error())
	}
	if !errors.Is(err, ErrTaskNotFound) {
		t.Error("Wrapf should preserve the chain")
	}
}
