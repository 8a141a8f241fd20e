package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the delivery audit store.
//
// Driver values:
//   - "file": dependency-free jsonl append log
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Outcome of one notification's trip through the delivery queue.
const (
	OutcomeDelivered  = "delivered"
	OutcomeFailed     = "failed"
	OutcomeSuppressed = "suppressed"
)

// DeliveryEntry records the terminal outcome of a single notification.
// Keep it compact and schema-stable.
type DeliveryEntry struct {
	At             time.Time `json:"at"`
	NotificationID string    `json:"notification_id"`
	Kind           string    `json:"kind"`
	Category       string    `json:"category"`
	Priority       string    `json:"priority"`
	Method         string    `json:"method"` // immediate | batched
	Outcome        string    `json:"outcome"`
	Attempts       int       `json:"attempts,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// BatchEntry records one batch finalization.
type BatchEntry struct {
	At         time.Time `json:"at"`
	BatchID    string    `json:"batch_id"`
	TotalItems int       `json:"total_items"`
	Suppressed int       `json:"suppressed"`
	Quiet      bool      `json:"quiet"`
}
