package engine

import (
	"github.com/google/uuid"

	"notifyd/pkg/logx"
)

// Subscribe registers a callback invoked with every finalized batch summary
// and returns its subscription id.
func (e *Engine) Subscribe(fn func(BatchSummary)) string {
	id := uuid.NewString()
	e.smu.Lock()
	e.subs[id] = fn
	e.smu.Unlock()
	return id
}

func (e *Engine) Unsubscribe(id string) {
	e.smu.Lock()
	delete(e.subs, id)
	e.smu.Unlock()
}

func (e *Engine) SubscriberCount() int {
	e.smu.RLock()
	defer e.smu.RUnlock()
	return len(e.subs)
}

// publishSummary fans a summary out to all current subscribers. A panicking
// subscriber is logged and must not prevent delivery to the others.
func (e *Engine) publishSummary(sum BatchSummary) {
	e.smu.RLock()
	type sub struct {
		id string
		fn func(BatchSummary)
	}
	snapshot := make([]sub, 0, len(e.subs))
	for id, fn := range e.subs {
		if fn != nil {
			snapshot = append(snapshot, sub{id, fn})
		}
	}
	e.smu.RUnlock()

	for _, s := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("panic in batch subscriber",
						logx.String("subscription", s.id),
						logx.String("batch", sum.BatchID),
						logx.Any("panic", r))
				}
			}()
			s.fn(sum)
		}()
	}
}
