package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"notifyd/pkg/logx"
)

// captureSink records deliveries and can fail the first failUntil attempts of
// every record, which is enough to exercise the retry path.
type captureSink struct {
	mu        sync.Mutex
	failUntil int
	attempts  map[string]int
	delivered []Notification
}

func newCaptureSink() *captureSink {
	return &captureSink{attempts: map[string]int{}}
}

func (s *captureSink) Deliver(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[n.ID]++
	if s.attempts[n.ID] <= s.failUntil {
		return errors.New("sink unavailable")
	}
	s.delivered = append(s.delivered, n)
	return nil
}

func (s *captureSink) attemptCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[id]
}

func (s *captureSink) deliveredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

func (s *captureSink) deliveredRecords() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.delivered))
	copy(out, s.delivered)
	return out
}

func newTestEngine(t *testing.T, cfg Config, snk Sink, opts ...Option) *Engine {
	t.Helper()
	e := New(cfg, snk, logx.Nop(), nil, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		e.Stop(stopCtx)
		cancel()
	})
	return e
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAddBeforeStart(t *testing.T) {
	t.Parallel()
	e := New(Config{}, newCaptureSink(), logx.Nop(), nil)
	if _, err := e.Add(Notification{Title: "x", Category: CategoryProject}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Add on stopped engine: err = %v, want ErrStopped", err)
	}
}

func TestImmediateDeliveryBypassesBatching(t *testing.T) {
	t.Parallel()
	snk := newCaptureSink()
	e := newTestEngine(t, Config{ChunkPause: 5 * time.Millisecond}, snk)

	id, err := e.Add(Notification{Title: "db down", Category: CategorySystem, Priority: PriorityCritical})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	waitFor(t, 2*time.Second, "immediate delivery", func() bool { return snk.deliveredCount() == 1 })

	rec := snk.deliveredRecords()[0]
	if rec.ID != id {
		t.Fatalf("delivered id = %s, want %s", rec.ID, id)
	}
	if rec.BatchID != "" {
		t.Fatalf("immediate delivery carries batch id %q", rec.BatchID)
	}
	if got := e.PendingCount(); got != 0 {
		t.Fatalf("PendingCount = %d, want 0", got)
	}
	waitFor(t, time.Second, "delivered counter", func() bool { return e.Stats().DeliveredTotal == 1 })
}

func TestDebounceResetsOnArrival(t *testing.T) {
	t.Parallel()
	snk := newCaptureSink()
	e := newTestEngine(t, Config{MaxWaitTime: 120 * time.Millisecond, ChunkPause: 5 * time.Millisecond}, snk)

	sums := make(chan BatchSummary, 4)
	e.Subscribe(func(s BatchSummary) { sums <- s })

	start := time.Now()
	if _, err := e.Add(Notification{Title: "one", Category: CategoryProject, Priority: PriorityMedium}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, err := e.Add(Notification{Title: "two", Category: CategoryProject, Priority: PriorityMedium}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	var sum BatchSummary
	select {
	case sum = <-sums:
	case <-time.After(2 * time.Second):
		t.Fatal("no batch within 2s")
	}

	// The second arrival pushed the deadline to ~180ms after start. Firing at
	// the first arrival's original 120ms deadline would mean the reset was lost.
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("batch fired after %v, debounce was not extended", elapsed)
	}
	if sum.TotalItems != 2 {
		t.Fatalf("TotalItems = %d, want 2", sum.TotalItems)
	}

	select {
	case extra := <-sums:
		t.Fatalf("unexpected second batch %s", extra.BatchID)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestBatchSummaryCounts(t *testing.T) {
	t.Parallel()
	snk := newCaptureSink()
	e := newTestEngine(t, Config{MaxWaitTime: 80 * time.Millisecond, ChunkPause: 5 * time.Millisecond}, snk)

	sums := make(chan BatchSummary, 1)
	e.Subscribe(func(s BatchSummary) { sums <- s })

	for _, title := range []string{"a", "b", "c"} {
		if _, err := e.Add(Notification{Title: title, Category: CategoryProject, Priority: PriorityMedium}); err != nil {
			t.Fatalf("Add %s: %v", title, err)
		}
	}

	var sum BatchSummary
	select {
	case sum = <-sums:
	case <-time.After(2 * time.Second):
		t.Fatal("no batch within 2s")
	}

	if sum.TotalItems != 3 || len(sum.Notifications) != 3 {
		t.Fatalf("TotalItems = %d, len = %d, want 3", sum.TotalItems, len(sum.Notifications))
	}
	if sum.CategoryCounts[CategoryProject] != 3 {
		t.Fatalf("CategoryCounts[project] = %d, want 3", sum.CategoryCounts[CategoryProject])
	}
	if sum.PriorityCounts[PriorityMedium] != 3 {
		t.Fatalf("PriorityCounts[medium] = %d, want 3", sum.PriorityCounts[PriorityMedium])
	}
	if sum.DeliveryMethod != DeliveryBatched {
		t.Fatalf("DeliveryMethod = %s, want batched", sum.DeliveryMethod)
	}
	if sum.Notifications[0].Title != "a" || sum.Notifications[2].Title != "c" {
		t.Fatal("batch members not in arrival order")
	}

	waitFor(t, 2*time.Second, "member deliveries", func() bool { return snk.deliveredCount() == 3 })
	for _, rec := range snk.deliveredRecords() {
		if rec.BatchID != sum.BatchID {
			t.Fatalf("member %s has batch id %q, want %q", rec.ID, rec.BatchID, sum.BatchID)
		}
	}
	if st := e.Stats(); st.BatchesTotal != 1 {
		t.Fatalf("BatchesTotal = %d, want 1", st.BatchesTotal)
	}
}

func TestSizeThresholdOverridesDebounce(t *testing.T) {
	t.Parallel()
	snk := newCaptureSink()
	e := newTestEngine(t, Config{
		MaxBatchSize:      3,
		MaxWaitTime:       10 * time.Second,
		SizeCheckInterval: time.Second,
		ChunkPause:        5 * time.Millisecond,
	}, snk)

	sums := make(chan BatchSummary, 1)
	e.Subscribe(func(s BatchSummary) { sums <- s })

	for i := 0; i < 3; i++ {
		if _, err := e.Add(Notification{Title: "n", Category: CategoryProposal, Priority: PriorityLow}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	// The debounce window is 10s, so only the size-check loop can finalize
	// this group in time.
	select {
	case sum := <-sums:
		if sum.TotalItems != 3 {
			t.Fatalf("TotalItems = %d, want 3", sum.TotalItems)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("full group was not finalized by the size check")
	}
}

func TestCrossGroupThrottle(t *testing.T) {
	t.Parallel()
	snk := newCaptureSink()
	e := newTestEngine(t, Config{MaxWaitTime: 200 * time.Millisecond, ChunkPause: 5 * time.Millisecond}, snk)

	times := make(chan time.Time, 4)
	e.Subscribe(func(BatchSummary) { times <- time.Now() })

	if _, err := e.Add(Notification{Title: "a", Category: CategoryProject, Priority: PriorityMedium}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, err := e.Add(Notification{Title: "b", Category: CategoryUser, Priority: PriorityMedium}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	var first, second time.Time
	select {
	case first = <-times:
	case <-time.After(2 * time.Second):
		t.Fatal("first batch never fired")
	}
	select {
	case second = <-times:
	case <-time.After(2 * time.Second):
		t.Fatal("second batch never fired")
	}

	// The second group's timer expires 100ms after the first batch, but a
	// small group must wait out a full MaxWaitTime since the last batch.
	if gap := second.Sub(first); gap < 150*time.Millisecond {
		t.Fatalf("batches emitted %v apart, throttle did not reschedule", gap)
	}
}

func TestForceDeliverAllIdempotent(t *testing.T) {
	t.Parallel()
	snk := newCaptureSink()
	e := newTestEngine(t, Config{MaxWaitTime: 10 * time.Second, ChunkPause: 5 * time.Millisecond}, snk)

	sums := make(chan BatchSummary, 4)
	e.Subscribe(func(s BatchSummary) { sums <- s })

	for i := 0; i < 2; i++ {
		if _, err := e.Add(Notification{Title: "n", Category: CategoryDeadline, Priority: PriorityMedium}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	e.ForceDeliverAll()
	select {
	case sum := <-sums:
		if sum.TotalItems != 2 {
			t.Fatalf("TotalItems = %d, want 2", sum.TotalItems)
		}
	case <-time.After(time.Second):
		t.Fatal("forced flush produced no batch")
	}
	if got := e.PendingCount(); got != 0 {
		t.Fatalf("PendingCount after flush = %d, want 0", got)
	}

	e.ForceDeliverAll()
	select {
	case sum := <-sums:
		t.Fatalf("second flush produced batch %s", sum.BatchID)
	case <-time.After(200 * time.Millisecond):
	}
	if st := e.Stats(); st.BatchesTotal != 1 {
		t.Fatalf("BatchesTotal = %d, want 1", st.BatchesTotal)
	}
}

func TestSweepPurgesExpired(t *testing.T) {
	t.Parallel()
	snk := newCaptureSink()
	e := newTestEngine(t, Config{
		MaxWaitTime:   10 * time.Second,
		SweepInterval: time.Second,
	}, snk)

	if _, err := e.Add(Notification{
		Title:     "stale",
		Category:  CategoryProject,
		Priority:  PriorityMedium,
		ExpiresAt: time.Now().Add(50 * time.Millisecond),
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := e.PendingCount(); got != 1 {
		t.Fatalf("PendingCount = %d, want 1", got)
	}

	waitFor(t, 3*time.Second, "sweep", func() bool {
		st := e.Stats()
		return st.PendingCount == 0 && st.SuppressedTotal == 1
	})
	if snk.deliveredCount() != 0 {
		t.Fatal("expired record was delivered")
	}
}

func TestQuietHoursRouting(t *testing.T) {
	t.Parallel()
	// Wednesday 02:30, inside a 22:00-08:00 window that wraps midnight.
	clock := time.Date(2026, 3, 4, 2, 30, 0, 0, time.UTC)
	snk := newCaptureSink()
	suppressed := make(chan Notification, 1)
	e := newTestEngine(t, Config{
		QuietHours: &QuietWindow{Start: 22 * 60, End: 8 * 60},
		ChunkPause: 5 * time.Millisecond,
	}, snk,
		WithClock(func() time.Time { return clock }),
		WithHooks(Hooks{NotificationSuppressed: func(n Notification) { suppressed <- n }}))

	if _, err := e.Add(Notification{Title: "fyi", Category: CategoryProject, Priority: PriorityLow}); err != nil {
		t.Fatalf("Add low: %v", err)
	}
	if _, err := e.Add(Notification{Title: "pager", Category: CategorySystem, Priority: PriorityCritical}); err != nil {
		t.Fatalf("Add critical: %v", err)
	}

	select {
	case n := <-suppressed:
		if n.Title != "fyi" {
			t.Fatalf("suppressed %q, want the low-priority record", n.Title)
		}
	case <-time.After(time.Second):
		t.Fatal("low-priority record was not suppressed")
	}
	waitFor(t, 2*time.Second, "critical delivery", func() bool { return snk.deliveredCount() == 1 })
	if rec := snk.deliveredRecords()[0]; rec.Priority != PriorityCritical {
		t.Fatalf("delivered priority = %s, want critical", rec.Priority)
	}
	if st := e.Stats(); st.SuppressedTotal != 1 {
		t.Fatalf("SuppressedTotal = %d, want 1", st.SuppressedTotal)
	}
}

func TestPendingNewestFirst(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	var (
		mu   sync.Mutex
		tick int
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	snk := newCaptureSink()
	e := newTestEngine(t, Config{MaxWaitTime: 10 * time.Second}, snk, WithClock(clock))

	for _, title := range []string{"oldest", "middle", "newest"} {
		if _, err := e.Add(Notification{Title: title, Category: CategoryProject, Priority: PriorityMedium}); err != nil {
			t.Fatalf("Add %s: %v", title, err)
		}
	}

	pending := e.Pending()
	if len(pending) != 3 {
		t.Fatalf("len(Pending) = %d, want 3", len(pending))
	}
	if pending[0].Title != "newest" || pending[2].Title != "oldest" {
		t.Fatalf("Pending order = [%s %s %s], want newest first",
			pending[0].Title, pending[1].Title, pending[2].Title)
	}
}

func TestApplyReplacesConfig(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, Config{}, newCaptureSink())

	if err := e.Apply(Config{MaxBatchSize: 25, RatePerSec: 50}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	cfg := e.Config()
	if cfg.MaxBatchSize != 25 {
		t.Fatalf("MaxBatchSize = %d, want 25", cfg.MaxBatchSize)
	}
	if cfg.RatePerSec != 50 {
		t.Fatalf("RatePerSec = %d, want 50", cfg.RatePerSec)
	}
	// Unset fields come back as defaults, never as zeroes.
	if cfg.MaxWaitTime != 30*time.Second {
		t.Fatalf("MaxWaitTime = %v, want 30s default", cfg.MaxWaitTime)
	}
	if cfg.RetryMax != 3 {
		t.Fatalf("RetryMax = %d, want 3 default", cfg.RetryMax)
	}
}

func TestSubscriberPanicIsolated(t *testing.T) {
	t.Parallel()
	snk := newCaptureSink()
	e := newTestEngine(t, Config{MaxWaitTime: 80 * time.Millisecond, ChunkPause: 5 * time.Millisecond}, snk)

	e.Subscribe(func(BatchSummary) { panic("subscriber bug") })
	sums := make(chan BatchSummary, 1)
	e.Subscribe(func(s BatchSummary) { sums <- s })

	if _, err := e.Add(Notification{Title: "n", Category: CategoryProject, Priority: PriorityMedium}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	select {
	case <-sums:
	case <-time.After(2 * time.Second):
		t.Fatal("healthy subscriber starved by a panicking one")
	}
	waitFor(t, 2*time.Second, "delivery despite subscriber panic", func() bool { return snk.deliveredCount() == 1 })
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	e := New(Config{}, newCaptureSink(), logx.Nop(), nil)
	id := e.Subscribe(func(BatchSummary) {})
	if got := e.SubscriberCount(); got != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", got)
	}
	e.Unsubscribe(id)
	if got := e.SubscriberCount(); got != 0 {
		t.Fatalf("SubscriberCount after Unsubscribe = %d, want 0", got)
	}
}
