package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete hive configuration
type Config struct {
	Session   SessionConfig   `mapstructure:"session"`
	Lock      LockConfig      `mapstructure:"lock"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Push      PushConfig      `mapstructure:"push"`
	Shutdown  ShutdownConfig  `mapstructure:"shutdown"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// SessionConfig controls a supervisor session
type SessionConfig struct {
	// StateDir holds the shared state files (default: .hive)
	StateDir string `mapstructure:"state_dir"`
	// Agents is the number of implementation workers to spawn
	Agents int `mapstructure:"agents"`
	// NoReview skips the verification and review phases
	NoReview bool `mapstructure:"no_review"`
	// PushRequired gates completion on the branch being pushed
	PushRequired bool `mapstructure:"push_required"`
	// TimeoutMinutes bounds the whole session (0 = no limit)
	TimeoutMinutes int `mapstructure:"timeout_minutes"`
	// KeepState leaves the state directory in place after DONE
	KeepState bool `mapstructure:"keep_state"`
}

// LockConfig controls the state directory locks
type LockConfig struct {
	// TimeoutMs is the maximum wait for a lock before giving up
	TimeoutMs int `mapstructure:"timeout_ms"`
	// RetryAttempts is how many times callers retry a lock timeout
	RetryAttempts int `mapstructure:"retry_attempts"`
}

// HeartbeatConfig controls silent and stuck worker detection.
// Thresholds are counted in polls, not wall-clock time.
type HeartbeatConfig struct {
	IntervalMs             int `mapstructure:"interval_ms"`
	WarnPolls              int `mapstructure:"warn_polls"`
	MissedPolls            int `mapstructure:"missed_polls"`
	RepeatFailureThreshold int `mapstructure:"repeat_failure_threshold"`
	// NoProgressPolls without a completed task raise a stuck report (0 = disabled)
	NoProgressPolls int `mapstructure:"no_progress_polls"`
}

// RetryConfig controls task retries and gap-fill loops
type RetryConfig struct {
	// MaxAttempts is the number of failed attempts a task may have before
	// it is escalated instead of retried
	MaxAttempts int `mapstructure:"max_attempts"`
	// MaxGapLoops bounds verify-fix round trips back to implementation
	MaxGapLoops int `mapstructure:"max_gap_loops"`
}

// BudgetConfig controls spending
type BudgetConfig struct {
	// Ceiling is the session budget in USD (0 = unlimited)
	Ceiling float64 `mapstructure:"ceiling"`
	// WarningThreshold is the fraction of the ceiling that triggers a warning
	WarningThreshold float64 `mapstructure:"warning_threshold"`
	// EstimatedCostPerWorker is charged against the ceiling before a spawn
	EstimatedCostPerWorker float64 `mapstructure:"estimated_cost_per_worker"`
}

// WorkerConfig controls how workers run
type WorkerConfig struct {
	// Command is the argv run once per claimed task
	Command []string `mapstructure:"command"`
	// ModelTier is passed to the command as HIVE_MODEL_TIER
	ModelTier string `mapstructure:"model_tier"`
	// Spawner is "inprocess" (goroutines) or "process" (hive worker subprocesses)
	Spawner string `mapstructure:"spawner"`
	// IdlePollMs is how often an idle worker looks for claimable work
	IdlePollMs int `mapstructure:"idle_poll_ms"`
	// TaskTimeoutMinutes bounds one command run (0 = no limit)
	TaskTimeoutMinutes int `mapstructure:"task_timeout_minutes"`
}

// PushConfig controls the push gate
type PushConfig struct {
	// MaxAttempts is how many push requests are made before giving up
	MaxAttempts int `mapstructure:"max_attempts"`
	// RetryDelayMs is the pause between push attempts
	RetryDelayMs int `mapstructure:"retry_delay_ms"`
	// RepoDir is the repository checked by the gate (default: current directory)
	RepoDir string `mapstructure:"repo_dir"`
}

// ShutdownConfig controls the termination handshake
type ShutdownConfig struct {
	// AckTimeoutMs is how long to wait for shutdown responses
	AckTimeoutMs int `mapstructure:"ack_timeout_ms"`
}

// LoggingConfig controls the debug log
type LoggingConfig struct {
	// Enabled writes <state-dir>/debug.log
	Enabled bool `mapstructure:"enabled"`
	// Level is one of debug, info, warn, error
	Level string `mapstructure:"level"`
}

// Spawner names.
const (
	SpawnerInProcess = "inprocess"
	SpawnerProcess   = "process"
)

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			StateDir: ".hive",
			Agents:   2,
		},
		Lock: LockConfig{
			TimeoutMs:     5000,
			RetryAttempts: 3,
		},
		Heartbeat: HeartbeatConfig{
			IntervalMs:             5000,
			WarnPolls:              3,
			MissedPolls:            6,
			RepeatFailureThreshold: 3,
			NoProgressPolls:        60,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			MaxGapLoops: 3,
		},
		Budget: BudgetConfig{
			WarningThreshold: 0.8,
		},
		Worker: WorkerConfig{
			ModelTier:  "standard",
			Spawner:    SpawnerInProcess,
			IdlePollMs: 500,
		},
		Push: PushConfig{
			MaxAttempts:  3,
			RetryDelayMs: 2000,
		},
		Shutdown: ShutdownConfig{
			AckTimeoutMs: 10000,
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
		},
	}
}

// Timeout returns the session timeout, zero when unlimited
func (c *SessionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// Timeout returns the lock acquisition bound
func (c *LockConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Interval returns the heartbeat poll interval
func (c *HeartbeatConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// IdlePoll returns the idle worker poll interval
func (c *WorkerConfig) IdlePoll() time.Duration {
	return time.Duration(c.IdlePollMs) * time.Millisecond
}

// TaskTimeout returns the per-task command bound, zero when unlimited
func (c *WorkerConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutMinutes) * time.Minute
}

// RetryDelay returns the pause between push attempts
func (c *PushConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// AckTimeout returns the shutdown acknowledgement bound
func (c *ShutdownConfig) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutMs) * time.Millisecond
}

// SetDefaults registers default values with the global viper instance
func SetDefaults() {
	SetDefaultsOn(viper.GetViper())
}

// SetDefaultsOn registers default values with v
func SetDefaultsOn(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("session.state_dir", defaults.Session.StateDir)
	v.SetDefault("session.agents", defaults.Session.Agents)
	v.SetDefault("session.no_review", defaults.Session.NoReview)
	v.SetDefault("session.push_required", defaults.Session.PushRequired)
	v.SetDefault("session.timeout_minutes", defaults.Session.TimeoutMinutes)
	v.SetDefault("session.keep_state", defaults.Session.KeepState)

	v.SetDefault("lock.timeout_ms", defaults.Lock.TimeoutMs)
	v.SetDefault("lock.retry_attempts", defaults.Lock.RetryAttempts)

	v.SetDefault("heartbeat.interval_ms", defaults.Heartbeat.IntervalMs)
	v.SetDefault("heartbeat.warn_polls", defaults.Heartbeat.WarnPolls)
	v.SetDefault("heartbeat.missed_polls", defaults.Heartbeat.MissedPolls)
	v.SetDefault("heartbeat.repeat_failure_threshold", defaults.Heartbeat.RepeatFailureThreshold)
	v.SetDefault("heartbeat.no_progress_polls", defaults.Heartbeat.NoProgressPolls)

	v.SetDefault("retry.max_attempts", defaults.Retry.MaxAttempts)
	v.SetDefault("retry.max_gap_loops", defaults.Retry.MaxGapLoops)

	v.SetDefault("budget.ceiling", defaults.Budget.Ceiling)
	v.SetDefault("budget.warning_threshold", defaults.Budget.WarningThreshold)
	v.SetDefault("budget.estimated_cost_per_worker", defaults.Budget.EstimatedCostPerWorker)

	v.SetDefault("worker.command", defaults.Worker.Command)
	v.SetDefault("worker.model_tier", defaults.Worker.ModelTier)
	v.SetDefault("worker.spawner", defaults.Worker.Spawner)
	v.SetDefault("worker.idle_poll_ms", defaults.Worker.IdlePollMs)
	v.SetDefault("worker.task_timeout_minutes", defaults.Worker.TaskTimeoutMinutes)

	v.SetDefault("push.max_attempts", defaults.Push.MaxAttempts)
	v.SetDefault("push.retry_delay_ms", defaults.Push.RetryDelayMs)
	v.SetDefault("push.repo_dir", defaults.Push.RepoDir)

	v.SetDefault("shutdown.ack_timeout_ms", defaults.Shutdown.AckTimeoutMs)

	v.SetDefault("logging.enabled", defaults.Logging.Enabled)
	v.SetDefault("logging.level", defaults.Logging.Level)
}

// Load reads the configuration from the global viper instance and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads the configuration from v and validates it
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "hive")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hive"
	}
	return filepath.Join(home, ".config", "hive")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
