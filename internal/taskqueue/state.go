package taskqueue

import (
	"slices"

	"github.com/Iron-Ham/hive/internal/statestore"
)

// FileName is the state file holding the task queue.
const FileName = "queue.json"

// board is the persisted queue. Tasks are kept sorted by Seq.
type board struct {
	NextSeq int     `json:"next_seq"`
	Tasks   []*Task `json:"tasks"`

	index map[string]*Task
}

// loadBoard reads the queue inside a transaction. A missing file yields an
// empty board.
func loadBoard(tx *statestore.Tx) (*board, error) {
	b := &board{}
	if _, err := tx.Read(FileName, b); err != nil {
		return nil, err
	}
	slices.SortStableFunc(b.Tasks, func(x, y *Task) int { return x.Seq - y.Seq })
	b.reindex()
	return b, nil
}

func (b *board) save(tx *statestore.Tx) error {
	if b.Tasks == nil {
		b.Tasks = []*Task{}
	}
	return tx.Write(FileName, b)
}

func (b *board) reindex() {
	b.index = make(map[string]*Task, len(b.Tasks))
	for _, t := range b.Tasks {
		b.index[t.ID] = t
		if t.Seq >= b.NextSeq {
			b.NextSeq = t.Seq + 1
		}
	}
}

func (b *board) get(id string) (*Task, bool) {
	t, ok := b.index[id]
	return t, ok
}

func (b *board) add(t *Task) {
	t.Seq = b.NextSeq
	b.NextSeq++
	b.Tasks = append(b.Tasks, t)
	b.index[t.ID] = t
}

// copyTask returns a deep copy so callers never alias persisted state.
func copyTask(t *Task) Task {
	cp := *t
	cp.BlockedBy = slices.Clone(t.BlockedBy)
	return cp
}
