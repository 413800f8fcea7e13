package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "heartbeat.missed_polls")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidSpawners returns the list of valid worker spawners
func ValidSpawners() []string {
	return []string{SpawnerInProcess, SpawnerProcess}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateSession()...)
	errors = append(errors, c.validateLock()...)
	errors = append(errors, c.validateHeartbeat()...)
	errors = append(errors, c.validateRetry()...)
	errors = append(errors, c.validateBudget()...)
	errors = append(errors, c.validateWorker()...)
	errors = append(errors, c.validatePush()...)

	if c.Shutdown.AckTimeoutMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "shutdown.ack_timeout_ms",
			Value:   c.Shutdown.AckTimeoutMs,
			Message: "must be positive",
		})
	}

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}

func (c *Config) validateSession() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Session.StateDir) == "" {
		errors = append(errors, ValidationError{
			Field:   "session.state_dir",
			Value:   c.Session.StateDir,
			Message: "must not be empty",
		})
	}
	if c.Session.Agents < 1 {
		errors = append(errors, ValidationError{
			Field:   "session.agents",
			Value:   c.Session.Agents,
			Message: "must be at least 1",
		})
	}
	if c.Session.TimeoutMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "session.timeout_minutes",
			Value:   c.Session.TimeoutMinutes,
			Message: "must be non-negative (0 = no limit)",
		})
	}

	return errors
}

func (c *Config) validateLock() []ValidationError {
	var errors []ValidationError

	if c.Lock.TimeoutMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "lock.timeout_ms",
			Value:   c.Lock.TimeoutMs,
			Message: "must be positive",
		})
	}
	if c.Lock.RetryAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "lock.retry_attempts",
			Value:   c.Lock.RetryAttempts,
			Message: "must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateHeartbeat() []ValidationError {
	var errors []ValidationError
	h := c.Heartbeat

	if h.IntervalMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "heartbeat.interval_ms",
			Value:   h.IntervalMs,
			Message: "must be positive",
		})
	}
	if h.WarnPolls < 1 {
		errors = append(errors, ValidationError{
			Field:   "heartbeat.warn_polls",
			Value:   h.WarnPolls,
			Message: "must be at least 1",
		})
	}
	if h.MissedPolls < 1 {
		errors = append(errors, ValidationError{
			Field:   "heartbeat.missed_polls",
			Value:   h.MissedPolls,
			Message: "must be at least 1",
		})
	} else if h.WarnPolls > h.MissedPolls {
		errors = append(errors, ValidationError{
			Field:   "heartbeat.warn_polls",
			Value:   h.WarnPolls,
			Message: fmt.Sprintf("must not exceed missed_polls (%d)", h.MissedPolls),
		})
	}
	if h.RepeatFailureThreshold < 1 {
		errors = append(errors, ValidationError{
			Field:   "heartbeat.repeat_failure_threshold",
			Value:   h.RepeatFailureThreshold,
			Message: "must be at least 1",
		})
	}
	if h.NoProgressPolls < 0 {
		errors = append(errors, ValidationError{
			Field:   "heartbeat.no_progress_polls",
			Value:   h.NoProgressPolls,
			Message: "must be non-negative (0 = disabled)",
		})
	}

	return errors
}

func (c *Config) validateRetry() []ValidationError {
	var errors []ValidationError

	if c.Retry.MaxAttempts < 0 {
		errors = append(errors, ValidationError{
			Field:   "retry.max_attempts",
			Value:   c.Retry.MaxAttempts,
			Message: "must be non-negative",
		})
	}
	if c.Retry.MaxGapLoops < 0 {
		errors = append(errors, ValidationError{
			Field:   "retry.max_gap_loops",
			Value:   c.Retry.MaxGapLoops,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateBudget() []ValidationError {
	var errors []ValidationError

	if c.Budget.Ceiling < 0 {
		errors = append(errors, ValidationError{
			Field:   "budget.ceiling",
			Value:   c.Budget.Ceiling,
			Message: "must be non-negative (0 = unlimited)",
		})
	}
	if c.Budget.WarningThreshold < 0 || c.Budget.WarningThreshold > 1 {
		errors = append(errors, ValidationError{
			Field:   "budget.warning_threshold",
			Value:   c.Budget.WarningThreshold,
			Message: "must be between 0 and 1",
		})
	}
	if c.Budget.EstimatedCostPerWorker < 0 {
		errors = append(errors, ValidationError{
			Field:   "budget.estimated_cost_per_worker",
			Value:   c.Budget.EstimatedCostPerWorker,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateWorker() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidSpawners(), c.Worker.Spawner) {
		errors = append(errors, ValidationError{
			Field:   "worker.spawner",
			Value:   c.Worker.Spawner,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidSpawners(), ", ")),
		})
	}
	if c.Worker.IdlePollMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "worker.idle_poll_ms",
			Value:   c.Worker.IdlePollMs,
			Message: "must be positive",
		})
	}
	if c.Worker.TaskTimeoutMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "worker.task_timeout_minutes",
			Value:   c.Worker.TaskTimeoutMinutes,
			Message: "must be non-negative (0 = no limit)",
		})
	}
	if len(c.Worker.Command) > 0 && strings.TrimSpace(c.Worker.Command[0]) == "" {
		errors = append(errors, ValidationError{
			Field:   "worker.command",
			Value:   c.Worker.Command,
			Message: "first element must name an executable",
		})
	}

	return errors
}

func (c *Config) validatePush() []ValidationError {
	var errors []ValidationError

	if c.Push.MaxAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "push.max_attempts",
			Value:   c.Push.MaxAttempts,
			Message: "must be at least 1",
		})
	}
	if c.Push.RetryDelayMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "push.retry_delay_ms",
			Value:   c.Push.RetryDelayMs,
			Message: "must be non-negative",
		})
	}

	return errors
}
