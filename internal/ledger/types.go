package ledger

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("ledger disabled")

// Subscriber status values.
const (
	StatusActive       = "active"
	StatusUnsubscribed = "unsubscribed"
	StatusPaid         = "paid"
)

// Config configures the subscriber ledger.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL via DSN
//
// If Driver is empty or "none", the ledger is disabled and progress lives
// only in memory.
type Config struct {
	Driver      string
	Path        string        // file and sqlite drivers
	DSN         string        // postgres driver
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry is one subscriber row. Keep it compact and schema-stable.
type Entry struct {
	UserID       int64     `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	Status       string    `json:"status"`
	Paid         bool      `json:"paid,omitempty"`
	LastIndex    int       `json:"last_index"`
	SubscribedAt time.Time `json:"subscribed_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Subscribed reports whether the entry still receives automatic deliveries.
func (e Entry) Subscribed() bool { return e.Status != "" && e.Status != StatusUnsubscribed }
