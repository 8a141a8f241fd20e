package engine

import (
	"context"
	"runtime/debug"
	"time"

	"notifyd/internal/eventbus"
	"notifyd/pkg/logx"
)

const sinkCallTimeout = 10 * time.Second

// submitForDelivery pushes records onto the FIFO delivery queue and kicks the
// drain goroutine if none is in flight. The qDraining guard guarantees at
// most one drain pass runs at a time, so concurrent submissions never race on
// the chunking logic.
func (e *Engine) submitForDelivery(recs ...*Notification) {
	if len(recs) == 0 {
		return
	}
	e.mu.Lock()
	ctx := e.runCtx
	e.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	e.qmu.Lock()
	e.qItems = append(e.qItems, recs...)
	start := !e.qDraining
	if start {
		e.qDraining = true
	}
	e.qmu.Unlock()

	if start {
		go e.drain(ctx)
	}
}

// drain processes the queue in fixed-size chunks separated by a short pause,
// bounding synchronous work and yielding between chunks.
func (e *Engine) drain(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic in delivery drain", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			e.qmu.Lock()
			e.qDraining = false
			e.qmu.Unlock()
		}
	}()

	for {
		e.mu.Lock()
		chunkSize := e.cfg.ChunkSize
		pause := e.cfg.ChunkPause
		e.mu.Unlock()

		e.qmu.Lock()
		if len(e.qItems) == 0 {
			e.qDraining = false
			e.qmu.Unlock()
			return
		}
		n := min(chunkSize, len(e.qItems))
		chunk := make([]*Notification, n)
		copy(chunk, e.qItems[:n])
		e.qItems = append(e.qItems[:0], e.qItems[n:]...)
		e.qmu.Unlock()

		for _, rec := range chunk {
			e.deliverOne(ctx, rec)
		}

		select {
		case <-ctx.Done():
			e.qmu.Lock()
			e.qDraining = false
			e.qmu.Unlock()
			return
		case <-time.After(pause):
		}
	}
}

// deliverOne hands one record to the sink. Failures are retried with linear
// backoff (RetryBase * retryCount) up to RetryMax retries after the initial
// attempt; after that the record is terminally failed and stays undelivered.
func (e *Engine) deliverOne(ctx context.Context, rec *Notification) {
	e.mu.Lock()
	cfg := e.cfg
	lim := e.limiter
	e.mu.Unlock()

	if rec.expired(e.now()) {
		e.suppressedTotal.Add(1)
		e.publishEvent(eventbus.EventSuppressed, notificationEvent(rec, "expired before delivery"))
		return
	}

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			// Engine shutting down; leave the record queued-but-undelivered.
			return
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, sinkCallTimeout)
	err := e.snk.Deliver(callCtx, *rec)
	cancel()

	if err == nil {
		rec.Delivered = true
		e.deliveredTotal.Add(1)
		e.publishEvent(eventbus.EventDelivered, notificationEvent(rec, ""))
		if fn := e.hooks.NotificationDelivered; fn != nil {
			e.safeHook(func() { fn(*rec) })
		}
		return
	}

	if rec.RetryCount < cfg.RetryMax {
		rec.RetryCount++
		delay := cfg.RetryBase * time.Duration(rec.RetryCount)
		e.log.Debug("delivery failed, retry scheduled",
			logx.String("id", rec.ID),
			logx.Int("attempt", rec.RetryCount),
			logx.Duration("delay", delay),
			logx.Err(err))
		time.AfterFunc(delay, func() { e.resubmit(rec) })
		return
	}

	e.failedTotal.Add(1)
	e.log.Warn("delivery failed permanently",
		logx.String("id", rec.ID),
		logx.String("category", string(rec.Category)),
		logx.Int("attempts", rec.RetryCount+1),
		logx.Err(err))
	e.publishEvent(eventbus.EventFailed, notificationEvent(rec, err.Error()))
}

// resubmit puts a record back on the queue after its retry backoff, unless
// the engine stopped in the meantime.
func (e *Engine) resubmit(rec *Notification) {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return
	}
	e.submitForDelivery(rec)
}
