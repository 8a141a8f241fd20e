package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrStopped     = errors.New("engine stopped")
	ErrInvalidKind = errors.New("invalid notification kind")
)

// Kind classifies what a notification looks like to the end user.
type Kind string

const (
	KindInfo    Kind = "info"
	KindSuccess Kind = "success"
	KindWarning Kind = "warning"
	KindError   Kind = "error"
	KindSystem  Kind = "system"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindInfo:
		return KindInfo, nil
	case KindSuccess:
		return KindSuccess, nil
	case KindWarning:
		return KindWarning, nil
	case KindError:
		return KindError, nil
	case KindSystem:
		return KindSystem, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// Priority orders notifications by urgency. The zero value is PriorityLow.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "medium", "normal":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical", "urgent":
		return PriorityCritical, nil
	}
	return 0, fmt.Errorf("invalid priority %q", s)
}

// Category groups notifications for batching and immediate-delivery rules.
// The set is open-ended; these are the ones the host application uses today.
type Category string

const (
	CategoryProposal   Category = "proposal"
	CategoryProject    Category = "project"
	CategoryUser       Category = "user"
	CategorySystem     Category = "system"
	CategoryDeadline   Category = "deadline"
	CategoryCompliance Category = "compliance"
)

// Notification is one discrete event flowing through the engine.
//
// ID, CreatedAt, Priority, Category and ExpiresAt never change after Add().
// Delivered, BatchID and RetryCount are mutated only by the engine's
// accumulator and delivery queue.
type Notification struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	CreatedAt time.Time      `json:"created_at"`
	Priority  Priority       `json:"priority"`
	Category  Category       `json:"category"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	Delivered  bool      `json:"delivered"`
	ExpiresAt  time.Time `json:"expires_at,omitzero"` // zero means never
	BatchID    string    `json:"batch_id,omitempty"`  // empty for immediate deliveries
	RetryCount int       `json:"retry_count"`
}

func (n *Notification) expired(now time.Time) bool {
	return !n.ExpiresAt.IsZero() && now.After(n.ExpiresAt)
}

// DeliveryMethod records how a notification reached the sink.
type DeliveryMethod string

const (
	DeliveryImmediate DeliveryMethod = "immediate"
	DeliveryBatched   DeliveryMethod = "batched"
)

// BatchSummary is the finalized, immutable unit handed to delivery and to
// subscribers. Notifications preserve arrival order.
type BatchSummary struct {
	BatchID         string             `json:"batch_id"`
	CreatedAt       time.Time          `json:"created_at"`
	DeliveredAt     time.Time          `json:"delivered_at,omitzero"`
	Notifications   []Notification     `json:"notifications"`
	TotalItems      int                `json:"total_items"`
	CategoryCounts  map[Category]int   `json:"category_counts"`
	PriorityCounts  map[Priority]int   `json:"priority_counts"`
	DeliveryMethod  DeliveryMethod     `json:"delivery_method"`
	QuietMode       bool               `json:"quiet_mode"`
	SuppressedCount int                `json:"suppressed_count"`
}

// Sink is the external capability that performs the actual, final hand-off
// of a notification (toast dispatcher, chat message, queue push, ...).
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// SinkFunc adapts a plain function to a Sink.
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Deliver(ctx context.Context, n Notification) error { return f(ctx, n) }

// Hooks are purely observational lifecycle callbacks supplied by the host.
// Any of them may be nil.
type Hooks struct {
	BatchDelivered         func(BatchSummary)
	NotificationDelivered  func(Notification)
	NotificationSuppressed func(Notification)
}

// Stats is a point-in-time snapshot of engine state for introspection.
type Stats struct {
	PendingCount    int       `json:"pending_count"`
	QueueLength     int       `json:"queue_length"`
	ActiveGroups    int       `json:"active_groups"`
	SubscriberCount int       `json:"subscriber_count"`
	IsProcessing    bool      `json:"is_processing"`
	LastBatchTime   time.Time `json:"last_batch_time,omitzero"`
	DeliveredTotal  uint64    `json:"delivered_total"`
	FailedTotal     uint64    `json:"failed_total"`
	SuppressedTotal uint64    `json:"suppressed_total"`
	BatchesTotal    uint64    `json:"batches_total"`
	Config          Config    `json:"config"`
}

// groupKey clusters notifications for batching. High-urgency records get
// their own narrow group so they are not delayed by unrelated low-priority
// traffic sharing the same category.
type groupKey struct {
	category Category
	priority Priority // set only for high/critical groups
	kind     Kind     // set only for high/critical groups
	urgent   bool
}

func keyFor(n *Notification) groupKey {
	if n.Priority >= PriorityHigh {
		return groupKey{category: n.Category, priority: n.Priority, kind: n.Kind, urgent: true}
	}
	return groupKey{category: n.Category}
}

func (k groupKey) String() string {
	if k.urgent {
		return fmt.Sprintf("%s/%s/%s", k.category, k.priority, k.kind)
	}
	return string(k.category)
}
