package taskqueue

import (
	"testing"

	"github.com/Iron-Ham/hive/internal/retry"
)

func TestTaskStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   TaskStatus
		terminal bool
	}{
		{TaskPending, false},
		{TaskInProgress, false},
		{TaskCompleted, true},
		{TaskFailed, true},
		{TaskBudget, true},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("TaskStatus(%q).IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
			}
		})
	}
}

func TestOutcomeConstructors(t *testing.T) {
	if !Succeeded().Success {
		t.Error("Succeeded() should be a success")
	}
	o := Failed("", "tests failed")
	if o.Success || o.Reason != retry.ReasonVerificationFailed || o.Error != "tests failed" {
		t.Errorf("Failed() = %+v", o)
	}
	if Failed(retry.ReasonCrashed, "").Reason != retry.ReasonCrashed {
		t.Error("explicit reason should be kept")
	}
}

func TestQueueStatus_Drained(t *testing.T) {
	tests := []struct {
		name string
		s    QueueStatus
		want bool
	}{
		{"empty", QueueStatus{}, true},
		{"all terminal", QueueStatus{Total: 3, Completed: 1, Failed: 1, Budget: 1}, true},
		{"pending", QueueStatus{Total: 1, Pending: 1}, false},
		{"in progress", QueueStatus{Total: 1, InProgress: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.Drained(); got != tt.want {
				t.Errorf("Drained() = %v, want %v", got, tt.want)
			}
		})
	}
}
