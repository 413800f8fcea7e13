package mailbox

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"github.com/Iron-Ham/hive/internal/errors"
	"github.com/Iron-Ham/hive/internal/statestore"
)

const (
	// mailboxDir is the directory within the state directory that holds inboxes.
	mailboxDir = "mailbox"

	// indexFile is the append-only JSONL file within each inbox directory.
	indexFile = "index.jsonl"
)

// Store provides file-based inbox storage on top of a statestore.Store.
type Store struct {
	state *statestore.Store
}

// NewStore creates a Store in the state directory of st. Inbox directories
// are created lazily on first write.
func NewStore(st *statestore.Store) *Store {
	return &Store{state: st}
}

// Send appends msg to the recipient's inbox. If msg.ID is empty, a unique
// ID is generated. If msg.Timestamp is zero, the current time is used.
func (s *Store) Send(ctx context.Context, msg Message) error {
	if msg.From == "" {
		return errors.NewValidationError("mailbox: message From field is required").WithField("from")
	}
	if msg.To == "" {
		return errors.NewValidationError("mailbox: message To field is required").WithField("to")
	}
	if !ValidateMessageType(msg.Type) {
		return errors.NewValidationError("mailbox: unknown message type").WithField("type").WithValue(string(msg.Type))
	}

	if msg.ID == "" {
		msg.ID = generateID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if err := os.MkdirAll(s.dir(msg.To), 0o755); err != nil {
		return errors.NewStoreError("mailbox: create inbox", err).WithPath(s.dir(msg.To))
	}
	return s.state.Append(ctx, statestore.KeyMailbox, s.rel(msg.To), msg)
}

// ReadBroadcast returns all messages from the broadcast inbox.
func (s *Store) ReadBroadcast(ctx context.Context) ([]Message, error) {
	return s.readIndex(ctx, BroadcastRecipient)
}

// ReadFor returns all messages addressed directly to recipient.
func (s *Store) ReadFor(ctx context.Context, recipient string) ([]Message, error) {
	if recipient == "" {
		return nil, errors.NewValidationError("mailbox: recipient is required").WithField("to")
	}
	return s.readIndex(ctx, recipient)
}

// ReadAll returns broadcast and direct messages for recipient, sorted
// chronologically.
func (s *Store) ReadAll(ctx context.Context, recipient string) ([]Message, error) {
	broadcast, err := s.ReadBroadcast(ctx)
	if err != nil {
		return nil, err
	}
	direct, err := s.ReadFor(ctx, recipient)
	if err != nil {
		return nil, err
	}
	all := append(broadcast, direct...)
	sortMessages(all)
	return all, nil
}

func (s *Store) dir(recipient string) string {
	return filepath.Join(s.state.Dir(), mailboxDir, recipient)
}

func (s *Store) rel(recipient string) string {
	return filepath.Join(mailboxDir, recipient, indexFile)
}

// readIndex reads every message of an inbox. Malformed lines are skipped:
// a torn line from a crashed writer must not wedge the reader.
func (s *Store) readIndex(ctx context.Context, recipient string) ([]Message, error) {
	var messages []Message
	err := s.state.ReadLines(ctx, statestore.KeyMailbox, s.rel(recipient), func(line []byte) error {
		var msg Message
		if json.Unmarshal(line, &msg) == nil {
			messages = append(messages, msg)
		}
		return nil
	})
	return messages, err
}

// sortMessages sorts messages chronologically, keeping file order for ties.
func sortMessages(msgs []Message) {
	slices.SortStableFunc(msgs, func(a, b Message) int {
		return cmp.Compare(a.Timestamp.UnixNano(), b.Timestamp.UnixNano())
	})
}

// idCounter provides per-process uniqueness for message IDs.
var idCounter atomic.Uint64

// generateID produces a unique message ID using timestamp, PID, and atomic counter.
func generateID() string {
	return fmt.Sprintf("msg-%d-%d-%d", time.Now().UnixNano(), os.Getpid(), idCounter.Add(1))
}
