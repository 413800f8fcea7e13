// Package errors provides centralized error definitions and error handling utilities
// for hive. It defines the orchestration error taxonomy, semantic error types,
// constructors with context wrapping, and classification helpers.
//
// # Error Types
//
// Orchestration errors map one-to-one onto the way the supervisor reacts:
//   - LockTimeoutError: a state lock could not be acquired in time (retry with backoff)
//   - OwnershipError: a worker released a task it no longer owns (discard and re-claim)
//   - StuckWorkerError: a worker keeps failing the same way or makes no progress (operator)
//   - BudgetExceededError: the budget guard refused a spawn (work is marked BUDGET)
//   - PushBlockedError: local commits are not on the remote (session pauses in SHUTDOWN)
//   - StoreError: shared state is unreadable or corrupted (fatal)
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
//	err := errors.NewOwnershipError("task-3", "worker-a", "worker-b")
//	if errors.Is(err, errors.ErrNotOwner) { ... }
//
//	var lockErr *errors.LockTimeoutError
//	if errors.As(err, &lockErr) { ... }
//
//	if errors.IsRetryable(err) { ... }
//	if errors.IsFatal(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that abort the session.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// State store sentinel errors
var (
	// ErrLockTimeout indicates a state lock was not acquired within its deadline.
	ErrLockTimeout = New("lock acquisition timed out")
	// ErrStateCorrupted indicates a state file could not be decoded.
	ErrStateCorrupted = New("state file corrupted")
	// ErrSessionLocked indicates another supervisor owns the state directory.
	ErrSessionLocked = New("session is locked by another supervisor")
	// ErrSessionFinished indicates an attempt to mutate a session that reached DONE.
	ErrSessionFinished = New("session is finished")
)

// Task queue sentinel errors
var (
	// ErrTaskNotFound indicates that a task could not be found.
	ErrTaskNotFound = New("task not found")
	// ErrNotOwner indicates a release by a worker that no longer owns the task.
	ErrNotOwner = New("task is not owned by this worker")
	// ErrInvalidTransition indicates a task status change that is not allowed.
	ErrInvalidTransition = New("invalid status transition")
	// ErrDependencyCycle indicates a circular blocked_by chain.
	ErrDependencyCycle = New("dependency cycle detected")
	// ErrDuplicateTask indicates two tasks share an id.
	ErrDuplicateTask = New("duplicate task id")
)

// Supervision sentinel errors
var (
	// ErrWorkerStuck indicates a worker repeats the same failure or makes no progress.
	ErrWorkerStuck = New("worker is stuck")
	// ErrBudgetExceeded indicates the budget guard refused a spawn.
	ErrBudgetExceeded = New("budget exceeded")
	// ErrPushBlocked indicates local commits are missing from the remote.
	ErrPushBlocked = New("unpushed commits block completion")
	// ErrRetriesExhausted indicates a task hit its retry cap.
	ErrRetriesExhausted = New("retries exhausted")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// HiveError is the base interface for all hive errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type HiveError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// -----------------------------------------------------------------------------
// Orchestration Errors
// -----------------------------------------------------------------------------

// LockTimeoutError is returned when a state lock could not be acquired before
// its deadline. It is transient: callers retry with backoff.
//
// Example:
//
//	err := errors.NewLockTimeoutError("queue", 5*time.Second)
//	fmt.Println(err) // "lock timeout [key=queue]: waited 5s"
type LockTimeoutError struct {
	baseError
	Key    string
	Waited time.Duration
}

// NewLockTimeoutError creates a new LockTimeoutError.
func NewLockTimeoutError(key string, waited time.Duration) *LockTimeoutError {
	return &LockTimeoutError{
		baseError: baseError{
			message:    fmt.Sprintf("waited %s", waited),
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Key:    key,
		Waited: waited,
	}
}

// WithCause adds a cause to the error.
func (e *LockTimeoutError) WithCause(cause error) *LockTimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *LockTimeoutError) Error() string {
	base := fmt.Sprintf("lock timeout [key=%s]: %s", e.Key, e.message)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *LockTimeoutError) Is(target error) bool {
	if _, ok := target.(*LockTimeoutError); ok {
		return true
	}
	if target == ErrLockTimeout || target == ErrTimeout {
		return true
	}
	return e.baseError.Is(target)
}

// OwnershipError is returned when a worker releases a task that is owned by
// someone else (or nobody). The caller must discard its local result.
type OwnershipError struct {
	baseError
	TaskID   string
	WorkerID string
	Owner    string
}

// NewOwnershipError creates a new OwnershipError.
func NewOwnershipError(taskID, workerID, owner string) *OwnershipError {
	return &OwnershipError{
		baseError: baseError{
			message:    "stale claim",
			cause:      ErrNotOwner,
			severity:   SeverityWarning,
			userFacing: true,
		},
		TaskID:   taskID,
		WorkerID: workerID,
		Owner:    owner,
	}
}

// Error returns the formatted error message.
func (e *OwnershipError) Error() string {
	owner := e.Owner
	if owner == "" {
		owner = "<none>"
	}
	return fmt.Sprintf("ownership error [task=%s, worker=%s, owner=%s]: %s: %v",
		e.TaskID, e.WorkerID, owner, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *OwnershipError) Is(target error) bool {
	if _, ok := target.(*OwnershipError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// StuckKind describes why a worker was declared stuck.
type StuckKind string

const (
	// StuckRepeatedFailure means the same failure signature repeated.
	StuckRepeatedFailure StuckKind = "repeated_failure"
	// StuckNoProgress means the task list made no progress for too many polls.
	StuckNoProgress StuckKind = "no_progress"
)

// StuckWorkerError reports a worker that needs operator attention. It is
// never retried automatically.
type StuckWorkerError struct {
	baseError
	WorkerID    string
	Kind        StuckKind
	Occurrences int
	Signature   string
}

// NewStuckWorkerError creates a new StuckWorkerError.
func NewStuckWorkerError(workerID string, kind StuckKind, occurrences int) *StuckWorkerError {
	return &StuckWorkerError{
		baseError: baseError{
			message:    string(kind),
			cause:      ErrWorkerStuck,
			severity:   SeverityError,
			userFacing: true,
		},
		WorkerID:    workerID,
		Kind:        kind,
		Occurrences: occurrences,
	}
}

// WithSignature records the repeated failure signature.
func (e *StuckWorkerError) WithSignature(sig string) *StuckWorkerError {
	e.Signature = sig
	return e
}

// Error returns the formatted error message.
func (e *StuckWorkerError) Error() string {
	parts := []string{fmt.Sprintf("worker=%s", e.WorkerID), fmt.Sprintf("count=%d", e.Occurrences)}
	msg := fmt.Sprintf("stuck worker [%s]: %s", strings.Join(parts, ", "), e.message)
	if e.Signature != "" {
		msg += fmt.Sprintf(" (%s)", e.Signature)
	}
	return msg
}

// Is checks if this error matches the target.
func (e *StuckWorkerError) Is(target error) bool {
	if _, ok := target.(*StuckWorkerError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// BudgetExceededError is returned when spawning would push spend past the
// ceiling. The session continues with reduced scope.
type BudgetExceededError struct {
	baseError
	Ceiling  float64
	Spent    float64
	Estimate float64
}

// NewBudgetExceededError creates a new BudgetExceededError.
func NewBudgetExceededError(ceiling, spent, estimate float64) *BudgetExceededError {
	return &BudgetExceededError{
		baseError: baseError{
			message:    "spawn refused",
			cause:      ErrBudgetExceeded,
			severity:   SeverityWarning,
			userFacing: true,
		},
		Ceiling:  ceiling,
		Spent:    spent,
		Estimate: estimate,
	}
}

// Error returns the formatted error message.
func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded [spent=$%.2f, estimate=$%.2f, ceiling=$%.2f]: %s",
		e.Spent, e.Estimate, e.Ceiling, e.message)
}

// Is checks if this error matches the target.
func (e *BudgetExceededError) Is(target error) bool {
	if _, ok := target.(*BudgetExceededError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// PushBlockedError is returned by the push gate when local commits are not
// present on the remote tracking branch.
type PushBlockedError struct {
	baseError
	Branch   string
	Upstream string
	Ahead    int
}

// NewPushBlockedError creates a new PushBlockedError.
func NewPushBlockedError(reason string) *PushBlockedError {
	return &PushBlockedError{
		baseError: baseError{
			message:    reason,
			cause:      ErrPushBlocked,
			severity:   SeverityError,
			userFacing: true,
		},
	}
}

// WithBranch adds branch context to the error.
func (e *PushBlockedError) WithBranch(branch, upstream string, ahead int) *PushBlockedError {
	e.Branch = branch
	e.Upstream = upstream
	e.Ahead = ahead
	return e
}

// Error returns the formatted error message.
func (e *PushBlockedError) Error() string {
	var parts []string
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}
	if e.Upstream != "" {
		parts = append(parts, fmt.Sprintf("upstream=%s", e.Upstream))
	}
	if e.Ahead > 0 {
		parts = append(parts, fmt.Sprintf("ahead=%d", e.Ahead))
	}
	prefix := "push blocked"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("push blocked [%s]", strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *PushBlockedError) Is(target error) bool {
	if _, ok := target.(*PushBlockedError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// StoreError represents a failure of the shared state store itself. These are
// critical: continuing could silently lose work.
//
// Example:
//
//	err := errors.NewStoreError("decode queue.json", errors.ErrStateCorrupted).WithPath(path)
type StoreError struct {
	baseError
	Path string
}

// NewStoreError creates a new StoreError.
func NewStoreError(message string, cause error) *StoreError {
	return &StoreError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityCritical,
			userFacing: true,
		},
	}
}

// WithPath adds the offending file path to the error context.
func (e *StoreError) WithPath(path string) *StoreError {
	e.Path = path
	return e
}

// Error returns the formatted error message.
func (e *StoreError) Error() string {
	prefix := "state store error"
	if e.Path != "" {
		prefix = fmt.Sprintf("state store error [path=%s]", e.Path)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *StoreError) Is(target error) bool {
	if _, ok := target.(*StoreError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s not found", resourceType),
			severity:   SeverityError,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.ResourceID != "" {
		return fmt.Sprintf("%s %q not found", e.ResourceType, e.ResourceID)
	}
	return fmt.Sprintf("%s not found", e.ResourceType)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			cause:      ErrInvalidInput,
			severity:   SeverityError,
			userFacing: true,
		},
	}
}

// WithField adds the name of the invalid field.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		if e.Value != nil {
			return fmt.Sprintf("validation error [%s=%v]: %s", e.Field, e.Value, e.message)
		}
		return fmt.Sprintf("validation error [%s]: %s", e.Field, e.message)
	}
	return fmt.Sprintf("validation error: %s", e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("waiting for shutdown acks", 30*time.Second)
//	fmt.Println(err) // "timeout error: waiting for shutdown acks (timeout: 30s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithRetryable sets whether the error is retryable (default true for timeouts).
func (e *TimeoutError) WithRetryable(r bool) *TimeoutError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if target == ErrTimeout {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
//
// Example:
//
//	if errors.IsRetryable(err) {
//	    time.Sleep(backoff)
//	    return retry(operation)
//	}
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var hiveErr HiveError
	if As(err, &hiveErr) {
		return hiveErr.IsRetryable()
	}

	return Is(err, ErrTimeout)
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var hiveErr HiveError
	if As(err, &hiveErr) {
		return hiveErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement HiveError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var hiveErr HiveError
	if As(err, &hiveErr) {
		return hiveErr.Severity()
	}

	return SeverityError
}

// IsFatal returns true when the error means shared infrastructure failed and
// the session must abort.
func IsFatal(err error) bool {
	return GetSeverity(err) == SeverityCritical
}

// Process exit codes.
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitLockTimeout    = 2
	ExitBudget         = 3
	ExitStuck          = 4
	ExitPushBlocked    = 5
	ExitSessionTimeout = 6
)

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var (
		lockErr   *LockTimeoutError
		budgetErr *BudgetExceededError
		stuckErr  *StuckWorkerError
		pushErr   *PushBlockedError
		timeout   *TimeoutError
	)
	switch {
	case As(err, &lockErr):
		return ExitLockTimeout
	case As(err, &budgetErr):
		return ExitBudget
	case As(err, &stuckErr):
		return ExitStuck
	case As(err, &pushErr):
		return ExitPushBlocked
	case As(err, &timeout):
		return ExitSessionTimeout
	default:
		return ExitFailure
	}
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
// Unlike a fresh error, this preserves the HiveError interface via %w.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
