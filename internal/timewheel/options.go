package timewheel

import (
	"time"

	"tickwheel/internal/eventbus"
	logx "tickwheel/pkg/logx"
)

type Option func(*Wheel)

// WithClock overrides the wall clock. Tests use it to pin the reference time.
func WithClock(now func() time.Time) Option {
	return func(w *Wheel) {
		if now != nil {
			w.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(w *Wheel) { w.log = log }
}

func WithBus(bus eventbus.Bus) Option {
	return func(w *Wheel) {
		if bus != nil {
			w.bus = bus
		}
	}
}

// WithDispatcher supplies an externally owned dispatcher. The wheel never closes it.
func WithDispatcher(d Dispatcher) Option {
	return func(w *Wheel) {
		if d != nil {
			w.dispatcher = d
		}
	}
}

// WithWorkers sets the size of the owned default dispatcher. Ignored with WithDispatcher.
func WithWorkers(n int) Option {
	return func(w *Wheel) {
		if n > 0 {
			w.workers = n
		}
	}
}
