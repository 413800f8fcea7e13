package taskqueue

import (
	"fmt"

	"github.com/Iron-Ham/hive/internal/errors"
)

// isClaimable returns true if the task can be claimed: it must be pending
// and every task it is blocked by must be completed.
func (b *board) isClaimable(task *Task) bool {
	if task.Status != TaskPending {
		return false
	}
	for _, depID := range task.BlockedBy {
		dep, ok := b.get(depID)
		if !ok || dep.Status != TaskCompleted {
			return false
		}
	}
	return true
}

// unblockedBy returns the IDs of tasks that become claimable after the
// given task completes.
func (b *board) unblockedBy(taskID string) []string {
	var unblocked []string
	for _, task := range b.Tasks {
		if task.Status != TaskPending {
			continue
		}
		dependsOnCompleted := false
		allDepsCompleted := true
		for _, depID := range task.BlockedBy {
			if depID == taskID {
				dependsOnCompleted = true
			}
			dep, ok := b.get(depID)
			if !ok || dep.Status != TaskCompleted {
				allDepsCompleted = false
			}
		}
		if dependsOnCompleted && allDepsCompleted {
			unblocked = append(unblocked, task.ID)
		}
	}
	return unblocked
}

// terminalBlocker returns the first blocker of task that reached a terminal
// state other than completed. Such a task can never become claimable.
func (b *board) terminalBlocker(task *Task) (*Task, bool) {
	for _, depID := range task.BlockedBy {
		dep, ok := b.get(depID)
		if ok && dep.Status.IsTerminal() && dep.Status != TaskCompleted {
			return dep, true
		}
	}
	return nil, false
}

// checkGraph verifies that every blocked_by reference resolves and that the
// dependency graph is acyclic.
func (b *board) checkGraph() error {
	for _, task := range b.Tasks {
		for _, depID := range task.BlockedBy {
			if depID == task.ID {
				return fmt.Errorf("%w: %s blocks itself", errors.ErrDependencyCycle, task.ID)
			}
			if _, ok := b.get(depID); !ok {
				return errors.NewValidationError("unknown blocked_by reference").
					WithField(task.ID).WithValue(depID)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(b.Tasks))
	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("%w: %v", errors.ErrDependencyCycle, append(path, id))
		case done:
			return nil
		}
		state[id] = visiting
		task, _ := b.get(id)
		for _, depID := range task.BlockedBy {
			if err := visit(depID, append(path, id)); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, task := range b.Tasks {
		if err := visit(task.ID, nil); err != nil {
			return err
		}
	}
	return nil
}
