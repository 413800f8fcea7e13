package worker

import (
	"strings"
	"time"

	"github.com/Iron-Ham/hive/internal/errors"
	"github.com/Iron-Ham/hive/internal/phase"
	"github.com/Iron-Ham/hive/internal/taskqueue"
)

// Assignment is the spawn contract between the supervisor and a worker.
type Assignment struct {
	WorkerID string      `json:"worker_id"`
	Role     Role        `json:"role"`
	Phase    phase.Phase `json:"phase"`
	// TaskScope restricts claims to these task ids. Replacement workers for
	// retried tasks are scoped; the initial pool is not.
	TaskScope []string `json:"task_scope,omitempty"`
	ModelTier string   `json:"model_tier,omitempty"`
}

// Validate checks the assignment against the role table.
func (a Assignment) Validate() error {
	if strings.TrimSpace(a.WorkerID) == "" {
		return errors.NewValidationError("worker id must not be empty").WithField("worker_id")
	}
	if !a.Role.IsValid() {
		return errors.NewValidationError("unknown role").WithField("role").WithValue(string(a.Role))
	}
	if want := a.Role.Behavior().Phase; a.Phase != want {
		return errors.NewValidationError("role " + string(a.Role) + " runs only in " + string(want)).
			WithField("phase").WithValue(string(a.Phase))
	}
	if len(a.TaskScope) > 0 && !a.Role.Behavior().ClaimsTasks {
		return errors.NewValidationError("only task-claiming roles take a scope").WithField("task_scope")
	}
	return nil
}

// Args returns the `hive worker` arguments that reproduce a.
func (a Assignment) Args() []string {
	args := []string{"worker",
		"--id", a.WorkerID,
		"--role", string(a.Role),
		"--phase", string(a.Phase),
	}
	if len(a.TaskScope) > 0 {
		args = append(args, "--scope", strings.Join(a.TaskScope, ","))
	}
	if a.ModelTier != "" {
		args = append(args, "--model-tier", a.ModelTier)
	}
	return args
}

// ReportStatus is the final status of a worker.
type ReportStatus string

const (
	ReportCompleted ReportStatus = "completed"
	ReportFailed    ReportStatus = "failed"
	ReportStuck     ReportStatus = "stuck"
)

// Report is what a worker sends to the supervisor when it exits.
type Report struct {
	WorkerID       string              `json:"worker_id"`
	Role           Role                `json:"role"`
	Phase          phase.Phase         `json:"phase"`
	ModelTier      string              `json:"model_tier,omitempty"`
	Status         ReportStatus        `json:"status"`
	Summary        string              `json:"summary,omitempty"`
	CostUSD        float64             `json:"cost_usd"`
	NumTurns       int                 `json:"num_turns"`
	Duration       time.Duration       `json:"duration_ns"`
	TasksCompleted []string            `json:"tasks_completed,omitempty"`
	TasksFailed    []string            `json:"tasks_failed,omitempty"`
	GapTasks       []taskqueue.NewTask `json:"gap_tasks,omitempty"`
	Error          string              `json:"error,omitempty"`
}
