package engine

import (
	"time"

	"github.com/google/uuid"

	"notifyd/internal/eventbus"
	"notifyd/pkg/logx"
)

// onGroupTimer fires when a group's debounce window elapses. If the group is
// still small and another batch was finalized less than MaxWaitTime ago, the
// timer is rescheduled instead: this throttles overall batch-emission rate
// across otherwise unrelated groups.
func (e *Engine) onGroupTimer(key groupKey) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	g := e.groups[key]
	if g == nil || len(g.records) == 0 {
		e.mu.Unlock()
		return
	}
	now := e.now()
	cfg := e.cfg
	if len(g.records) < cfg.MaxBatchSize && !e.lastBatchTime.IsZero() {
		if elapsed := now.Sub(e.lastBatchTime); elapsed < cfg.MaxWaitTime {
			delay := cfg.MaxWaitTime - elapsed
			g.timer.Reset(delay)
			e.mu.Unlock()
			e.log.Debug("batch throttled", logx.String("group", key.String()), logx.Duration("delay", delay))
			return
		}
	}
	sum, members, dropped := e.finalizeGroupLocked(key, now)
	e.mu.Unlock()

	e.afterFinalize(sum, members, dropped)
}

// finalizeGroupLocked removes the group, stamps its surviving members with a
// fresh batch id and builds the immutable summary. Records that expired while
// pending are returned separately as dropped. Callers hold e.mu.
func (e *Engine) finalizeGroupLocked(key groupKey, now time.Time) (*BatchSummary, []*Notification, []*Notification) {
	g := e.groups[key]
	if g == nil {
		return nil, nil, nil
	}
	if g.timer != nil {
		g.timer.Stop()
	}
	delete(e.groups, key)

	members := make([]*Notification, 0, len(g.records))
	var dropped []*Notification
	for _, r := range g.records {
		if r.expired(now) {
			dropped = append(dropped, r)
			continue
		}
		members = append(members, r)
	}
	if len(members) == 0 {
		e.suppressed += len(dropped)
		return nil, nil, dropped
	}

	batchID := uuid.NewString()
	sum := &BatchSummary{
		BatchID:        batchID,
		CreatedAt:      now,
		DeliveredAt:    now,
		Notifications:  make([]Notification, 0, len(members)),
		TotalItems:     len(members),
		CategoryCounts: map[Category]int{},
		PriorityCounts: map[Priority]int{},
		DeliveryMethod: DeliveryBatched,
		QuietMode:      e.cfg.inSuppressionWindow(now),
	}
	for _, r := range members {
		r.BatchID = batchID
		sum.Notifications = append(sum.Notifications, *r)
		sum.CategoryCounts[r.Category]++
		sum.PriorityCounts[r.Priority]++
	}
	sum.SuppressedCount = e.suppressed + len(dropped)
	e.suppressed = 0
	e.lastBatchTime = now
	e.batchesTotal.Add(1)
	return sum, members, dropped
}

// afterFinalize performs the non-locked half of a finalization: reporting
// dropped records and handing the summary to the publisher and the delivery
// queue.
func (e *Engine) afterFinalize(sum *BatchSummary, members, dropped []*Notification) {
	for _, r := range dropped {
		e.reportSuppressed(*r)
	}
	if sum == nil {
		return
	}
	e.deliverSummary(*sum, members)
}

// deliverSummary hands a finalized summary to subscribers and pushes its
// members into the delivery queue. Subscriber faults are isolated per
// subscriber and never block delivery.
func (e *Engine) deliverSummary(sum BatchSummary, members []*Notification) {
	e.log.Info("batch finalized",
		logx.String("batch", sum.BatchID),
		logx.Int("items", sum.TotalItems),
		logx.Bool("quiet", sum.QuietMode),
		logx.Int("suppressed", sum.SuppressedCount))

	e.publishSummary(sum)
	e.publishEvent(eventbus.EventBatchFinal, BatchEvent{
		BatchID:    sum.BatchID,
		TotalItems: sum.TotalItems,
		Method:     sum.DeliveryMethod,
		QuietMode:  sum.QuietMode,
		Suppressed: sum.SuppressedCount,
	})
	e.submitForDelivery(members...)
	if fn := e.hooks.BatchDelivered; fn != nil {
		e.safeHook(func() { fn(sum) })
	}
}

// sizeCheckPass force-finalizes any group that already reached MaxBatchSize,
// regardless of its debounce state: size always wins over time. A fault while
// evaluating one group must not halt the pass for the others.
func (e *Engine) sizeCheckPass() {
	type finalized struct {
		sum     *BatchSummary
		members []*Notification
		dropped []*Notification
	}
	var out []finalized

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	now := e.now()
	maxSize := e.cfg.MaxBatchSize
	for key, g := range e.groups {
		if len(g.records) < maxSize {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("size-check failed for group", logx.String("group", key.String()), logx.Any("panic", r))
				}
			}()
			sum, members, dropped := e.finalizeGroupLocked(key, now)
			out = append(out, finalized{sum, members, dropped})
		}()
	}
	e.mu.Unlock()

	for _, f := range out {
		e.afterFinalize(f.sum, f.members, f.dropped)
	}
}

// sweepExpired purges expired records from pending groups. Groups emptied by
// the purge are removed together with their timers.
func (e *Engine) sweepExpired() {
	var dropped []*Notification

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	now := e.now()
	for key, g := range e.groups {
		kept := g.records[:0]
		for _, r := range g.records {
			if r.expired(now) {
				dropped = append(dropped, r)
				continue
			}
			kept = append(kept, r)
		}
		g.records = kept
		if len(g.records) == 0 {
			if g.timer != nil {
				g.timer.Stop()
			}
			delete(e.groups, key)
		}
	}
	e.suppressed += len(dropped)
	e.mu.Unlock()

	for _, r := range dropped {
		e.reportSuppressed(*r)
	}
	if len(dropped) > 0 {
		e.log.Debug("expired notifications purged", logx.Int("count", len(dropped)))
	}
}

// ForceDeliverAll clears every pending group and immediately finalizes and
// delivers everything outstanding. Used for shutdown or manual flush. Actual
// sink hand-off completes asynchronously via the delivery queue. Calling it
// again with no new arrivals is a no-op.
func (e *Engine) ForceDeliverAll() {
	type finalized struct {
		sum     *BatchSummary
		members []*Notification
		dropped []*Notification
	}
	var out []finalized

	e.mu.Lock()
	now := e.now()
	for key := range e.groups {
		sum, members, dropped := e.finalizeGroupLocked(key, now)
		out = append(out, finalized{sum, members, dropped})
	}
	e.mu.Unlock()

	for _, f := range out {
		e.afterFinalize(f.sum, f.members, f.dropped)
	}
	if len(out) > 0 {
		e.log.Info("forced flush", logx.Int("groups", len(out)))
	}
}
