package engine

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// QuietWindow is a time-of-day range in minutes since midnight.
//
// Membership semantics (both forms supported explicitly, no silent fallback):
//   - Start < End: same-day window, inclusive (Start <= now <= End).
//   - Start > End: the window wraps past midnight (now >= Start || now <= End).
//   - Start == End: the window is empty and never matches.
type QuietWindow struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (w QuietWindow) Contains(now time.Time) bool {
	m := now.Hour()*60 + now.Minute()
	switch {
	case w.Start == w.End:
		return false
	case w.Start < w.End:
		return m >= w.Start && m <= w.End
	default:
		return m >= w.Start || m <= w.End
	}
}

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock value %q (want HH:MM)", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// Config is the engine's runtime configuration. It is replaced atomically as
// a whole by Apply(); individual fields are never mutated in place.
type Config struct {
	// Batching.
	MaxBatchSize int           `json:"max_batch_size"`
	MaxWaitTime  time.Duration `json:"max_wait_time"`

	// Bypass and suppression policy.
	PriorityBypassThreshold Priority     `json:"priority_bypass_threshold"`
	BypassCategories        []Category   `json:"bypass_categories,omitempty"`
	QuietHours              *QuietWindow `json:"quiet_hours,omitempty"`
	WeekendSuppression      bool         `json:"weekend_suppression"`

	// Background loops.
	SizeCheckInterval time.Duration `json:"size_check_interval"`
	SweepInterval     time.Duration `json:"sweep_interval"`

	// Delivery queue.
	ChunkSize  int           `json:"chunk_size"`
	ChunkPause time.Duration `json:"chunk_pause"`
	RetryMax   int           `json:"retry_max"`
	RetryBase  time.Duration `json:"retry_base"`
	RatePerSec int           `json:"rate_per_sec"` // 0 disables the limiter
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize < 1 {
		c.MaxBatchSize = 10
	}
	if c.MaxWaitTime <= 0 {
		c.MaxWaitTime = 30 * time.Second
	}
	if c.PriorityBypassThreshold < PriorityHigh {
		c.PriorityBypassThreshold = PriorityHigh
	}
	if c.SizeCheckInterval <= 0 {
		c.SizeCheckInterval = 5 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 60 * time.Second
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 5
	}
	if c.ChunkPause <= 0 {
		c.ChunkPause = 100 * time.Millisecond
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	} else if c.RetryMax == 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	return c
}

// clone deep-copies the mutable parts so a returned snapshot can't be
// mutated under a reader.
func (c Config) clone() Config {
	c.BypassCategories = slices.Clone(c.BypassCategories)
	if c.QuietHours != nil {
		w := *c.QuietHours
		c.QuietHours = &w
	}
	return c
}

// Decision is the suppression policy's verdict for one record.
type Decision int

const (
	DecisionBatch Decision = iota
	DecisionImmediate
	DecisionDrop
)

func (d Decision) String() string {
	switch d {
	case DecisionBatch:
		return "batch"
	case DecisionImmediate:
		return "immediate"
	case DecisionDrop:
		return "drop"
	}
	return "unknown"
}

// Classify decides whether a record is dropped, delivered immediately, or
// queued for batching. Pure function of config, record and current time.
func (c Config) Classify(n *Notification, now time.Time) Decision {
	if n.expired(now) {
		return DecisionDrop
	}
	// Critical always goes through, regardless of quiet hours or weekends.
	if n.Priority == PriorityCritical {
		return DecisionImmediate
	}
	if c.inSuppressionWindow(now) {
		return DecisionDrop
	}
	if n.Priority >= c.PriorityBypassThreshold {
		return DecisionImmediate
	}
	if slices.Contains(c.BypassCategories, n.Category) {
		return DecisionImmediate
	}
	if n.Kind == KindError && n.Category == CategorySystem {
		return DecisionImmediate
	}
	return DecisionBatch
}

func (c Config) inSuppressionWindow(now time.Time) bool {
	if c.QuietHours != nil && c.QuietHours.Contains(now) {
		return true
	}
	if c.WeekendSuppression {
		switch now.Weekday() {
		case time.Saturday, time.Sunday:
			return true
		}
	}
	return false
}
