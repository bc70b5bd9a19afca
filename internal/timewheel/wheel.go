package timewheel

import (
	"container/list"
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"tickwheel/internal/eventbus"
	"tickwheel/internal/runtime/supervisor"
	logx "tickwheel/pkg/logx"
)

// Wheel is a single-level timing wheel.
//
// The cursor points at the slot for the boundary ref. Each tick moves ref forward
// by exactly one interval and the cursor by one slot, then fires the entries of
// that slot whose rotation count is exhausted. Ticks and submissions share one
// exclusive lock; jobs are handed to the dispatcher after the lock is released.
type Wheel struct {
	mu        sync.RWMutex
	slots     []*list.List
	index     map[string]*entry
	cursor    int
	ref       int64 // unix ms
	step      int64 // interval in ms
	interval  time.Duration
	slotCount int
	stopped   bool
	cause     error

	ticks     atomic.Uint64
	fired     atomic.Uint64
	submitted atomic.Uint64
	replaced  atomic.Uint64
	rejected  atomic.Uint64

	dispatcher Dispatcher
	owned      *PoolDispatcher
	workers    int

	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	life     sync.Mutex
	sup      *supervisor.Supervisor
	running  bool
	halting  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
}

// New builds a wheel without starting its driver.
func New(cfg Config, opts ...Option) *Wheel {
	cfg = cfg.withDefaults()
	w := &Wheel{
		slots:     make([]*list.List, cfg.SlotCount),
		index:     make(map[string]*entry),
		interval:  cfg.Interval,
		step:      cfg.Interval.Milliseconds(),
		slotCount: cfg.SlotCount,
		workers:   DefaultWorkers,
		bus:       eventbus.Nop{},
		now:       time.Now,
		done:      make(chan struct{}),
	}
	for i := range w.slots {
		w.slots[i] = list.New()
	}
	for _, o := range opts {
		if o != nil {
			o(w)
		}
	}
	if w.dispatcher == nil {
		pd, err := NewPoolDispatcher(w.workers, w.log)
		if err != nil {
			// Only reachable with a broken pool size; fall back to one goroutine per job.
			w.log.Error("default dispatcher unavailable; using goroutines", logx.Err(err))
			w.dispatcher = goDispatcher(w.log)
		} else {
			w.owned = pd
			w.dispatcher = pd
		}
	}
	w.ref = alignMillis(w.nowMs(), w.interval)
	return w
}

// NewWheel builds a wheel from a slot count and a tick interval in seconds and
// starts its driver immediately. A nil dispatcher gets a default pool of five workers.
func NewWheel(slotCount, tickIntervalSeconds int, d Dispatcher) *Wheel {
	w := New(Config{
		SlotCount: slotCount,
		Interval:  time.Duration(tickIntervalSeconds) * time.Second,
	}, WithDispatcher(d))
	_ = w.Start(context.Background())
	return w
}

// alignMillis floors now to a whole second when the interval is a whole number
// of seconds and to a multiple of the interval otherwise.
func alignMillis(now int64, interval time.Duration) int64 {
	unit := int64(1000)
	if interval%time.Second != 0 {
		unit = interval.Milliseconds()
	}
	if unit <= 0 {
		return now
	}
	return now - now%unit
}

func (w *Wheel) nowMs() int64 { return w.now().UnixMilli() }

// Start launches the driver. It is idempotent while running and fails with
// ErrStopped once the wheel has stopped. Cancelling ctx halts the wheel for good.
func (w *Wheel) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	w.life.Lock()
	defer w.life.Unlock()

	if w.Stopped() {
		return ErrStopped
	}
	if w.running {
		return nil
	}

	// Re-anchor on the current boundary. Tasks submitted before Start only move later.
	w.mu.Lock()
	w.ref = alignMillis(w.nowMs(), w.interval)
	ref, pending := w.ref, len(w.index)
	w.mu.Unlock()

	w.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(w.log))
	w.running = true
	w.sup.Go0("timewheel.driver", w.drive)

	w.log.Info("wheel started",
		logx.Int("slots", w.slotCount),
		logx.Duration("interval", w.interval),
		logx.Millis("reference", ref),
		logx.Int("pending", pending),
	)
	w.bus.Publish(eventbus.Event{Type: eventbus.WheelStarted, Data: map[string]any{
		"slots":       w.slotCount,
		"interval_ms": w.step,
	}})
	return nil
}

// Stop halts the driver, waits for it (bounded by ctx) and closes the owned dispatcher.
// Pending tasks are abandoned. Stop is idempotent.
func (w *Wheel) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	w.life.Lock()
	defer w.life.Unlock()

	w.halting.Store(true)
	var err error
	if w.sup != nil {
		err = w.sup.Stop(ctx)
	} else {
		w.halt(nil)
	}
	if w.owned != nil {
		if cerr := w.owned.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Done is closed once the wheel has stopped for any reason.
func (w *Wheel) Done() <-chan struct{} { return w.done }

func (w *Wheel) Stopped() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stopped
}

// Err reports why the wheel stopped. It is nil while running and after a requested Stop.
func (w *Wheel) Err() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cause
}

func (w *Wheel) drive(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("wheel driver panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			w.halt(fmt.Errorf("%w: driver panic: %v", ErrStopped, r))
		}
	}()

	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	for {
		w.mu.RLock()
		next := w.ref + w.step
		w.mu.RUnlock()

		// Sleep only what is left of the current interval.
		if wait := time.Duration(next-w.nowMs()) * time.Millisecond; wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				w.interrupted(ctx)
				return
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			w.interrupted(ctx)
			return
		}

		behind := 0
		for w.tick(w.nowMs()) {
			behind++
			if ctx.Err() != nil {
				w.interrupted(ctx)
				return
			}
		}
		if behind > 1 {
			w.log.Warn("wheel driver caught up on missed ticks", logx.Int("ticks", behind))
		}
	}
}

func (w *Wheel) interrupted(ctx context.Context) {
	if w.halting.Load() {
		w.halt(nil)
		return
	}
	cause := context.Cause(ctx)
	w.log.Error("wheel driver interrupted; wheel stopped permanently",
		logx.Err(cause),
		logx.Int("pending", w.Len()),
	)
	w.halt(fmt.Errorf("%w: driver interrupted: %v", ErrStopped, cause))
}

func (w *Wheel) halt(cause error) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		w.doneOnce.Do(func() { close(w.done) })
		return
	}
	w.stopped = true
	w.cause = cause
	pending := len(w.index)
	w.mu.Unlock()

	if pending > 0 {
		w.log.Warn("pending tasks abandoned", logx.Int("pending", pending))
	}
	if cause == nil {
		w.log.Info("wheel stopped", logx.Uint64("ticks", w.ticks.Load()), logx.Uint64("fired", w.fired.Load()))
	}
	data := map[string]any{"pending": pending}
	if cause != nil {
		data["error"] = cause.Error()
	}
	w.bus.Publish(eventbus.Event{Type: eventbus.WheelStopped, Data: data})
	w.doneOnce.Do(func() { close(w.done) })
}

// tick advances one slot if the next boundary has been reached by now.
func (w *Wheel) tick(now int64) bool {
	w.mu.Lock()
	if w.stopped || now < w.ref+w.step {
		w.mu.Unlock()
		return false
	}
	due := w.advanceLocked()
	w.mu.Unlock()

	w.fire(due)
	return true
}

// advance forces one tick regardless of the clock.
func (w *Wheel) advance() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	due := w.advanceLocked()
	w.mu.Unlock()

	w.fire(due)
}

func (w *Wheel) advanceLocked() []*entry {
	w.ref += w.step
	w.cursor = (w.cursor + 1) % w.slotCount
	w.ticks.Add(1)

	l := w.slots[w.cursor]
	var due []*entry
	for el := l.Front(); el != nil; {
		next := el.Next()
		en := el.Value.(*entry)
		if en.rotations > 0 {
			en.rotations--
		} else {
			l.Remove(el)
			en.elem = nil
			if w.index[en.key] == en {
				delete(w.index, en.key)
			}
			due = append(due, en)
		}
		el = next
	}
	if w.log.Enabled(logx.LevelTrace) {
		w.log.Trace("wheel tick", logx.Int("cursor", w.cursor), logx.Millis("reference", w.ref), logx.Int("due", len(due)), logx.Int("slot_len", l.Len()))
	}
	return due
}

func (w *Wheel) fire(due []*entry) {
	for _, en := range due {
		w.fired.Add(1)
		w.log.Info("task fired", logx.String("key", en.key), logx.Int("slot", en.slot), logx.Millis("due", en.due))
		w.bus.Publish(eventbus.Event{Type: eventbus.TaskFired, Data: TaskEvent{
			Key:  en.key,
			Slot: en.slot,
			Due:  time.UnixMilli(en.due),
		}})
		w.dispatcher.Dispatch(en.key, en.job)
	}
}

// Contains reports whether key is pending.
func (w *Wheel) Contains(key string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.index[key]
	return ok
}

// Len returns the number of pending tasks.
func (w *Wheel) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.index)
}

func (w *Wheel) Interval() time.Duration { return w.interval }

func (w *Wheel) Snapshot() Snapshot {
	w.mu.RLock()
	snap := Snapshot{
		SlotCount:  w.slotCount,
		IntervalMs: w.step,
		Cursor:     w.cursor,
		Reference:  time.UnixMilli(w.ref),
		Pending:    len(w.index),
		Slots:      make([]int, w.slotCount),
		Stopped:    w.stopped,
	}
	for i, l := range w.slots {
		snap.Slots[i] = l.Len()
	}
	w.mu.RUnlock()

	w.life.Lock()
	snap.Running = w.running && !snap.Stopped
	w.life.Unlock()

	snap.Ticks = w.ticks.Load()
	snap.Fired = w.fired.Load()
	snap.Submitted = w.submitted.Load()
	snap.Replaced = w.replaced.Load()
	snap.Rejected = w.rejected.Load()
	return snap
}
