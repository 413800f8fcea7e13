package mailbox

import (
	"time"

	"github.com/Iron-Ham/hive/internal/logging"
)

// Option configures a Mailbox.
type Option func(*Mailbox)

// WithPollInterval sets the fallback polling interval of Watch. Zero or
// negative values are ignored.
func WithPollInterval(d time.Duration) Option {
	return func(m *Mailbox) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithLogger attaches a logger for watcher failures.
func WithLogger(l *logging.Logger) Option {
	return func(m *Mailbox) {
		if l != nil {
			m.logger = l
		}
	}
}
