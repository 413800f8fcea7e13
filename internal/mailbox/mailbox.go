package mailbox

import (
	"context"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/hive/internal/errors"
	"github.com/Iron-Ham/hive/internal/logging"
	"github.com/Iron-Ham/hive/internal/statestore"
)

const (
	// defaultPollInterval is the fallback interval for Watch.
	defaultPollInterval = 250 * time.Millisecond

	// maxWatchErrors is the number of consecutive read errors before Watch
	// gives up.
	maxWatchErrors = 5
)

// Mailbox wraps a Store and adds watching on top of it.
type Mailbox struct {
	store        *Store
	pollInterval time.Duration
	logger       *logging.Logger
}

// NewMailbox creates a Mailbox in the state directory of st.
func NewMailbox(st *statestore.Store, opts ...Option) *Mailbox {
	m := &Mailbox{
		store:        NewStore(st),
		pollInterval: defaultPollInterval,
		logger:       logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Send delivers a message.
func (m *Mailbox) Send(ctx context.Context, msg Message) error {
	if err := m.store.Send(ctx, msg); err != nil {
		return err
	}
	m.logger.Debug("message sent", "from", msg.From, "to", msg.To, "type", string(msg.Type))
	return nil
}

// Receive returns every message visible to recipient, broadcast included,
// sorted chronologically.
func (m *Mailbox) Receive(ctx context.Context, recipient string) ([]Message, error) {
	return m.store.ReadAll(ctx, recipient)
}

// cursor remembers how many lines of each inbox were delivered. Broadcast
// and direct inboxes grow independently, so offsets are kept per inbox.
type cursor struct {
	recipient string
	broadcast int
	direct    int
}

// next returns the messages appended since the last call.
func (m *Mailbox) next(ctx context.Context, c *cursor) ([]Message, error) {
	broadcast, err := m.store.ReadBroadcast(ctx)
	if err != nil {
		return nil, err
	}
	direct, err := m.store.ReadFor(ctx, c.recipient)
	if err != nil {
		return nil, err
	}

	var fresh []Message
	if len(broadcast) > c.broadcast {
		fresh = append(fresh, broadcast[c.broadcast:]...)
		c.broadcast = len(broadcast)
	}
	if len(direct) > c.direct {
		fresh = append(fresh, direct[c.direct:]...)
		c.direct = len(direct)
	}
	sortMessages(fresh)
	return fresh, nil
}

// Watch calls handler for every message visible to recipient, starting with
// those already present, until ctx is done. Each message is delivered once.
// Handler runs on the calling goroutine. Returns nil when ctx is canceled.
func (m *Mailbox) Watch(ctx context.Context, recipient string, handler func(Message)) error {
	wake := m.watchDirs(ctx, recipient)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	c := &cursor{recipient: recipient}
	consecutiveErrors := 0
	for {
		msgs, err := m.next(ctx, c)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil
		case err != nil:
			consecutiveErrors++
			m.logger.Warn("mailbox read failed", "recipient", recipient, "error", err.Error())
			if consecutiveErrors >= maxWatchErrors {
				return err
			}
		default:
			consecutiveErrors = 0
			for _, msg := range msgs {
				handler(msg)
				if ctx.Err() != nil {
					return nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-ticker.C:
		}
	}
}

// watchDirs starts an fsnotify watcher on the inboxes of recipient. The
// returned channel receives a value whenever an inbox changes. When the
// watcher cannot be created the channel never fires and Watch relies on
// polling alone.
func (m *Mailbox) watchDirs(ctx context.Context, recipient string) <-chan struct{} {
	wake := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Warn("mailbox watcher unavailable, polling", "error", err.Error())
		return wake
	}
	for _, dir := range []string{m.store.dir(recipient), m.store.dir(BroadcastRecipient)} {
		if err := os.MkdirAll(dir, 0o755); err == nil {
			err = watcher.Add(dir)
		}
		if err != nil {
			m.logger.Warn("mailbox watch failed, polling", "dir", dir, "error", err.Error())
		}
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn("mailbox watcher error", "error", err.Error())
			}
		}
	}()
	return wake
}

// WaitFor blocks until a message visible to recipient satisfies match and
// returns it. Messages already in the inbox are considered first. Returns
// a *errors.TimeoutError when ctx expires first.
func (m *Mailbox) WaitFor(ctx context.Context, recipient string, match func(Message) bool) (Message, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		found Message
		ok    bool
	)
	err := m.Watch(watchCtx, recipient, func(msg Message) {
		if !ok && match(msg) {
			found, ok = msg, true
			cancel()
		}
	})
	if ok {
		return found, nil
	}
	if err != nil {
		return Message{}, err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Message{}, errors.NewTimeoutError("waiting for message to "+recipient, 0)
	}
	return Message{}, errors.Wrap(ctx.Err(), "wait for message")
}
