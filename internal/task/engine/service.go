package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tickwheel/internal/eventbus"
	rtsup "tickwheel/internal/runtime/supervisor"
	logx "tickwheel/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Drop reasons, also used as the error string on task.dropped events.
const (
	dropQueueFull = "queue_full"
	dropStale     = "stale_queue_delay"
)

// Service executes fired jobs on a bounded queue drained by a fixed worker set.
type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu  sync.Mutex
	cfg Config
	cur *pool // nil while stopped

	stats     stats
	history   *history
	fullWarn  throttle
	staleWarn throttle
}

// pool is one generation of workers and their queue. Apply swaps in a new
// generation when the pool shape changes.
type pool struct {
	queue chan queuedTask
	quit  chan struct{} // closed when Stop begins
	sup   *rtsup.Supervisor
	done  chan struct{} // set by Stop, closed once every worker has exited
}

type stats struct {
	executed         atomic.Uint64
	failed           atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64
	inFlight         atomic.Int32
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		history: newHistory(cfg.HistorySize),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// running reports whether a pool is live and not stopping. Callers hold mu.
func (s *Service) running() bool { return s.cur != nil && s.cur.done == nil }

// Apply swaps the config. The pool is rebuilt when the worker count or queue
// size change; queued tasks of the old pool are abandoned.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.history.resize(cfg.HistorySize)

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	live := s.running()
	s.mu.Unlock()

	switch {
	case !live:
		if cfg.Enabled && !prev.Enabled {
			s.Start(ctx)
		}
	case !cfg.Enabled:
		s.Stop(ctx)
	case prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize:
		s.log.Info("engine resizing",
			logx.Int("workers", cfg.Workers),
			logx.Int("queue", cfg.QueueSize),
		)
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches a pool. It is idempotent and waits out an in-progress Stop.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	for s.cur != nil {
		if s.cur.done == nil {
			s.mu.Unlock()
			return
		}
		done := s.cur.done
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}
	p := &pool{
		queue: make(chan queuedTask, cfg.QueueSize),
		quit:  make(chan struct{}),
		sup:   rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log)),
	}
	s.cur = p
	s.mu.Unlock()

	s.stats.inFlight.Store(0)
	for i := 0; i < cfg.Workers; i++ {
		p.sup.GoRestart(fmt.Sprintf("engine.worker.%d", i), s.workerLoop(p, i),
			rtsup.WithPublishFirstError(true),
		)
	}
	s.log.Info("engine started",
		logx.Int("workers", cfg.Workers),
		logx.Int("queue", cfg.QueueSize),
		logx.Int("retry_max", cfg.RetryMax),
	)
}

// workerLoop adapts worker to the supervisor restart contract: a clean exit
// during Stop is final, anything else is restarted.
func (s *Service) workerLoop(p *pool, idx int) func(context.Context) error {
	return func(ctx context.Context) error {
		s.worker(ctx, p, idx)
		select {
		case <-p.quit:
			return context.Canceled
		default:
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return errors.New("worker exited unexpectedly")
	}
}

// Stop ends the current pool. Workers finish the job in hand; queued jobs
// are abandoned. The wait is bounded by ctx, cleanup continues after it.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	p := s.cur
	if p == nil {
		s.mu.Unlock()
		return
	}
	if p.done != nil {
		done := p.done
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	p.done = make(chan struct{})
	close(p.quit)
	s.mu.Unlock()

	p.sup.Cancel()
	go func() {
		_ = p.sup.Wait(context.Background())
		abandoned := len(p.queue)

		s.mu.Lock()
		if s.cur == p {
			s.cur = nil
		}
		s.mu.Unlock()
		s.stats.inFlight.Store(0)

		if abandoned > 0 {
			s.log.Warn("engine stopped with queued tasks", logx.Int("abandoned", abandoned))
		}
		close(p.done)
	}()

	select {
	case <-p.done:
		s.log.Info("engine stopped")
	case <-ctx.Done():
		s.log.Warn("engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue adds t without blocking. A full queue drops the task and returns
// ErrQueueFull. Use Submit for backpressure instead.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until t is queued, ctx is done or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return ErrNoRun
	}
	if t.Key = strings.TrimSpace(t.Key); t.Key == "" {
		t.Key = "anonymous"
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}

	s.mu.Lock()
	cfg := s.cfg
	p := s.cur
	stopping := p != nil && p.done != nil
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case p == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	now := time.Now()
	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: t.Opt.withDefaults(cfg)}

	if !block {
		select {
		case p.queue <- qt:
			return nil
		default:
			s.drop(now, t, dropQueueFull, 0, len(p.queue))
			return ErrQueueFull
		}
	}
	select {
	case p.queue <- qt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	p := s.cur
	live := s.running()
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Running:          live,
		Workers:          cfg.Workers,
		InFlight:         int(s.stats.inFlight.Load()),
		Executed:         s.stats.executed.Load(),
		Failed:           s.stats.failed.Load(),
		DroppedQueueFull: s.stats.droppedQueueFull.Load(),
		DroppedStale:     s.stats.droppedStale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
		History:          s.history.items(),
	}
	snap.Dropped = snap.DroppedQueueFull + snap.DroppedStale
	if p != nil {
		snap.QueueLen = len(p.queue)
		snap.QueueCap = cap(p.queue)
	}
	return snap
}

// drop counts, publishes and (throttled) logs a task that never ran.
func (s *Service) drop(now time.Time, t Task, reason string, queueDelay time.Duration, queueLen int) {
	warn := &s.fullWarn
	counter := &s.stats.droppedQueueFull
	if reason == dropStale {
		warn = &s.staleWarn
		counter = &s.stats.droppedStale
	}
	n := counter.Add(1)

	s.bus.Publish(eventbus.Event{Type: eventbus.TaskDropped, Time: now, Data: TaskEvent{
		ID: t.ID, Key: t.Key, Started: now, QueueDelay: queueDelay, Error: reason,
	}})

	if warn.allow(now, warnThrottleEvery) {
		s.log.Warn("task dropped",
			logx.String("reason", reason),
			logx.String("key", t.Key),
			logx.String("id", t.ID),
			logx.Int("queue_len", queueLen),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_total", n),
		)
	}
}

// throttle lets at most one event through per window.
type throttle struct{ last atomic.Int64 }

func (t *throttle) allow(now time.Time, every time.Duration) bool {
	prev := t.last.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(every) {
		return false
	}
	return t.last.CompareAndSwap(prev, n)
}
