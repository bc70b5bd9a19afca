package storage

import (
	"context"
	"encoding/json"
	"time"

	"tickwheel/internal/eventbus"
	logx "tickwheel/pkg/logx"
)

// Recorder copies task.* and wheel.* events from the bus into a Store.
type Recorder struct {
	store Store
	bus   eventbus.Bus
	log   logx.Logger
}

func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	return &Recorder{store: store, bus: bus, log: log}
}

// Run subscribes and writes until ctx is done. Events dropped by the bus
// under backpressure are not journaled.
func (r *Recorder) Run(ctx context.Context) error {
	ch, unsub := r.bus.Subscribe(512, eventbus.FamilyTask, eventbus.FamilyWheel)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			rec := ToRecord(e)
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := r.store.AppendEvent(wctx, rec); err != nil {
				r.log.Warn("journal append failed", logx.String("type", e.Type), logx.Err(err))
			}
			cancel()
		}
	}
}

// ToRecord converts a bus event. The payload is stored as JSON and its "key"
// field, when present, is lifted into Record.Key.
func ToRecord(e eventbus.Event) Record {
	rec := Record{At: e.Time, Type: e.Type}
	if e.Data == nil {
		return rec
	}
	b, err := json.Marshal(e.Data)
	if err != nil {
		return rec
	}
	rec.Data = b
	var probe struct {
		Key string `json:"key"`
	}
	if json.Unmarshal(b, &probe) == nil {
		rec.Key = probe.Key
	}
	return rec
}
