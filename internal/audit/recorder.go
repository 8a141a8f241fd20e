// Package audit bridges engine lifecycle events to the delivery audit store.
// It subscribes to the event bus so the engine's hot path never blocks on
// persistence.
package audit

import (
	"context"
	"sync"
	"time"

	"notifyd/internal/engine"
	"notifyd/internal/eventbus"
	"notifyd/internal/storage"
	"notifyd/pkg/logx"
)

const writeTimeout = 2 * time.Second

type Recorder struct {
	store storage.Store
	log   logx.Logger

	unsub func()
	wg    sync.WaitGroup
}

func NewRecorder(store storage.Store, log logx.Logger) *Recorder {
	return &Recorder{store: store, log: log}
}

func (r *Recorder) Start(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(128)
	r.unsub = unsub
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				r.handle(ev)
			}
		}
	}()
}

func (r *Recorder) Stop() {
	if r.unsub != nil {
		r.unsub()
	}
	r.wg.Wait()
}

func (r *Recorder) handle(ev eventbus.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	switch ev.Type {
	case eventbus.EventDelivered:
		err = r.appendDelivery(ctx, ev, storage.OutcomeDelivered)
	case eventbus.EventFailed:
		err = r.appendDelivery(ctx, ev, storage.OutcomeFailed)
	case eventbus.EventSuppressed:
		err = r.appendDelivery(ctx, ev, storage.OutcomeSuppressed)
	case eventbus.EventBatchFinal:
		if be, ok := ev.Data.(engine.BatchEvent); ok {
			err = r.store.AppendBatch(ctx, storage.BatchEntry{
				At:         ev.Time,
				BatchID:    be.BatchID,
				TotalItems: be.TotalItems,
				Suppressed: be.Suppressed,
				Quiet:      be.QuietMode,
			})
		}
	}
	if err != nil {
		r.log.Warn("audit write failed", logx.String("event", ev.Type), logx.Err(err))
	}
}

func (r *Recorder) appendDelivery(ctx context.Context, ev eventbus.Event, outcome string) error {
	ne, ok := ev.Data.(engine.NotificationEvent)
	if !ok {
		return nil
	}
	method := string(engine.DeliveryImmediate)
	if ne.BatchID != "" {
		method = string(engine.DeliveryBatched)
	}
	return r.store.AppendDelivery(ctx, storage.DeliveryEntry{
		At:             ev.Time,
		NotificationID: ne.ID,
		Kind:           string(ne.Kind),
		Category:       string(ne.Category),
		Priority:       ne.Priority.String(),
		Method:         method,
		Outcome:        outcome,
		Attempts:       ne.Attempts,
		Error:          ne.Error,
	})
}
