// Package engine implements the adaptive notification batching and delivery
// pipeline: a suppression policy decides per record between drop, immediate
// delivery and batching; batched records accumulate in debounced groups that
// finalize into immutable batch summaries; summaries fan out to subscribers
// and members drain through a retrying, chunked delivery queue.
package engine

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"notifyd/internal/eventbus"
	"notifyd/pkg/logx"
)

// group is one pending batch: records in arrival order plus the debounce
// timer that finalizes them.
type group struct {
	records []*Notification
	timer   *time.Timer
}

// Engine owns all mutable batching state. Construct with New, then
// Start(ctx) before the first Add. All methods are safe for concurrent use.
type Engine struct {
	log   logx.Logger
	snk   Sink
	bus   eventbus.Bus
	hooks Hooks
	now   func() time.Time

	mu            sync.Mutex
	cfg           Config
	groups        map[groupKey]*group
	lastBatchTime time.Time
	suppressed    int // dropped since the last finalization
	running       bool
	runCtx        context.Context
	runCancel     context.CancelFunc
	loops         *cron.Cron
	limiter       *rate.Limiter

	// Delivery queue; guarded by qmu, never by mu (see queue.go).
	qmu       sync.Mutex
	qItems    []*Notification
	qDraining bool

	// Batch subscribers; guarded by smu (see publisher.go).
	smu  sync.RWMutex
	subs map[string]func(BatchSummary)

	deliveredTotal  atomic.Uint64
	failedTotal     atomic.Uint64
	suppressedTotal atomic.Uint64
	batchesTotal    atomic.Uint64
}

type Option func(*Engine)

// WithClock injects a wall-clock source. Used by tests; defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithHooks installs the host's lifecycle callbacks.
func WithHooks(h Hooks) Option {
	return func(e *Engine) { e.hooks = h }
}

func New(cfg Config, snk Sink, log logx.Logger, bus eventbus.Bus, opts ...Option) *Engine {
	e := &Engine{
		log:    log,
		snk:    snk,
		bus:    bus,
		now:    time.Now,
		groups: map[groupKey]*group{},
		subs:   map[string]func(BatchSummary){},
	}
	e.applyLocked(cfg)
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	e.runCtx, e.runCancel = context.WithCancel(ctx)
	if err := e.startLoopsLocked(); err != nil {
		e.runCancel()
		e.runCtx, e.runCancel = nil, nil
		return err
	}
	e.running = true
	e.log.Info("engine started",
		logx.Int("max_batch_size", e.cfg.MaxBatchSize),
		logx.Duration("max_wait", e.cfg.MaxWaitTime),
		logx.Duration("size_check", e.cfg.SizeCheckInterval),
		logx.Duration("sweep", e.cfg.SweepInterval))
	return nil
}

// Stop halts background loops and cancels pending debounce timers. Pending
// groups are left in place; hosts that want them delivered should call
// ForceDeliverAll first.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	loops := e.loops
	e.loops = nil
	cancel := e.runCancel
	e.runCancel = nil
	e.runCtx = nil
	for _, g := range e.groups {
		if g.timer != nil {
			g.timer.Stop()
		}
	}
	e.mu.Unlock()

	if loops != nil {
		select {
		case <-loops.Stop().Done():
		case <-ctx.Done():
		}
	}
	if cancel != nil {
		cancel()
	}
	e.log.Info("engine stopped")
}

func (e *Engine) startLoopsLocked() error {
	c := cron.New()
	if _, err := c.AddFunc("@every "+e.cfg.SizeCheckInterval.String(), e.sizeCheckPass); err != nil {
		return fmt.Errorf("size-check loop: %w", err)
	}
	if _, err := c.AddFunc("@every "+e.cfg.SweepInterval.String(), e.sweepExpired); err != nil {
		return fmt.Errorf("expiry-sweep loop: %w", err)
	}
	c.Start()
	e.loops = c
	return nil
}

// Add runs the record through the suppression policy and routes it. The
// engine assigns ID and CreatedAt; Delivered, BatchID and RetryCount on the
// input are ignored. The returned id is assigned even when the record is
// dropped (a drop is a terminal outcome, not an error).
func (e *Engine) Add(n Notification) (string, error) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return "", ErrStopped
	}
	cfg := e.cfg
	now := e.now()

	rec := &Notification{
		ID:        uuid.NewString(),
		Kind:      n.Kind,
		Title:     n.Title,
		Body:      n.Body,
		CreatedAt: now,
		Priority:  n.Priority,
		Category:  n.Category,
		Metadata:  maps.Clone(n.Metadata),
		ExpiresAt: n.ExpiresAt,
	}
	if rec.Kind == "" {
		rec.Kind = KindInfo
	}

	switch cfg.Classify(rec, now) {
	case DecisionDrop:
		e.suppressed++
		e.mu.Unlock()
		e.reportSuppressed(*rec)
		return rec.ID, nil

	case DecisionImmediate:
		e.mu.Unlock()
		e.publishEvent(eventbus.EventAccepted, notificationEvent(rec, ""))
		e.submitForDelivery(rec)
		return rec.ID, nil

	default:
		e.enqueueLocked(rec, cfg)
		e.mu.Unlock()
		e.publishEvent(eventbus.EventQueued, notificationEvent(rec, ""))
		return rec.ID, nil
	}
}

// enqueueLocked appends the record to its group and (re)starts the group's
// debounce timer: the group fires MaxWaitTime after its LAST arrival.
func (e *Engine) enqueueLocked(rec *Notification, cfg Config) {
	key := keyFor(rec)
	g := e.groups[key]
	if g == nil {
		g = &group{}
		e.groups[key] = g
	}
	g.records = append(g.records, rec)
	if g.timer == nil {
		g.timer = time.AfterFunc(cfg.MaxWaitTime, func() { e.onGroupTimer(key) })
	} else {
		g.timer.Reset(cfg.MaxWaitTime)
	}
	e.log.Debug("notification queued",
		logx.String("id", rec.ID),
		logx.String("group", key.String()),
		logx.Int("pending", len(g.records)))
}

// Apply atomically replaces the engine configuration. Background loop
// intervals take effect immediately; in-flight debounce timers keep their
// previous deadline.
func (e *Engine) Apply(cfg Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.cfg
	e.applyLocked(cfg)
	if e.running && (prev.SizeCheckInterval != e.cfg.SizeCheckInterval || prev.SweepInterval != e.cfg.SweepInterval) {
		old := e.loops
		if err := e.startLoopsLocked(); err != nil {
			e.loops = old
			return err
		}
		if old != nil {
			old.Stop()
		}
	}
	return nil
}

func (e *Engine) applyLocked(cfg Config) {
	e.cfg = cfg.withDefaults()
	if e.cfg.RatePerSec > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(e.cfg.RatePerSec), e.cfg.RatePerSec)
	} else {
		e.limiter = nil
	}
}

// Config returns an immutable snapshot of the current configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.clone()
}

// PendingCount reports how many records sit in pending batch groups.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, g := range e.groups {
		total += len(g.records)
	}
	return total
}

// Pending returns copies of all pending records, newest first.
func (e *Engine) Pending() []Notification {
	e.mu.Lock()
	out := make([]Notification, 0, 16)
	for _, g := range e.groups {
		for _, r := range g.records {
			out = append(out, *r)
		}
	}
	e.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	pending := 0
	for _, g := range e.groups {
		pending += len(g.records)
	}
	st := Stats{
		PendingCount:  pending,
		ActiveGroups:  len(e.groups),
		LastBatchTime: e.lastBatchTime,
		Config:        e.cfg.clone(),
	}
	e.mu.Unlock()

	e.qmu.Lock()
	st.QueueLength = len(e.qItems)
	st.IsProcessing = e.qDraining
	e.qmu.Unlock()

	st.SubscriberCount = e.SubscriberCount()
	st.DeliveredTotal = e.deliveredTotal.Load()
	st.FailedTotal = e.failedTotal.Load()
	st.SuppressedTotal = e.suppressedTotal.Load()
	st.BatchesTotal = e.batchesTotal.Load()
	return st
}

func (e *Engine) reportSuppressed(n Notification) {
	e.suppressedTotal.Add(1)
	e.log.Debug("notification suppressed",
		logx.String("id", n.ID),
		logx.String("category", string(n.Category)),
		logx.String("priority", n.Priority.String()))
	e.publishEvent(eventbus.EventSuppressed, notificationEvent(&n, ""))
	if fn := e.hooks.NotificationSuppressed; fn != nil {
		e.safeHook(func() { fn(n) })
	}
}

func (e *Engine) publishEvent(typ string, data any) {
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

// safeHook shields the engine from panicking host callbacks.
func (e *Engine) safeHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic in lifecycle hook", logx.Any("panic", r))
		}
	}()
	fn()
}

// NotificationEvent is the bus payload for per-record lifecycle events.
type NotificationEvent struct {
	ID       string   `json:"id"`
	Kind     Kind     `json:"kind"`
	Category Category `json:"category"`
	Priority Priority `json:"priority"`
	BatchID  string   `json:"batch_id,omitempty"`
	Attempts int      `json:"attempts,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func notificationEvent(n *Notification, errMsg string) NotificationEvent {
	return NotificationEvent{
		ID:       n.ID,
		Kind:     n.Kind,
		Category: n.Category,
		Priority: n.Priority,
		BatchID:  n.BatchID,
		Attempts: n.RetryCount + 1,
		Error:    errMsg,
	}
}

// BatchEvent is the bus payload for batch finalizations.
type BatchEvent struct {
	BatchID    string         `json:"batch_id"`
	TotalItems int            `json:"total_items"`
	Method     DeliveryMethod `json:"method"`
	QuietMode  bool           `json:"quiet_mode"`
	Suppressed int            `json:"suppressed"`
}
