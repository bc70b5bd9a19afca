package timewheel

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	logx "tickwheel/pkg/logx"
)

const backlogSize = 1024

type dispatchItem struct {
	key string
	job Job
}

// PoolDispatcher runs jobs on a fixed-size ants pool.
//
// Dispatch only enqueues into a buffered backlog; a feeder goroutine hands items
// to the pool and blocks while every worker is busy. When the backlog is full the
// item waits on its own goroutine instead of being dropped.
type PoolDispatcher struct {
	pool    *ants.Pool
	log     logx.Logger
	backlog chan dispatchItem
	quit    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	wg        sync.WaitGroup

	done     atomic.Uint64
	failed   atomic.Uint64
	panics   atomic.Uint64
	overflow atomic.Uint64
}

// DispatcherStats is a point-in-time view of a PoolDispatcher.
type DispatcherStats struct {
	Workers  int    `json:"workers"`
	Running  int    `json:"running"`
	Backlog  int    `json:"backlog"`
	Done     uint64 `json:"done"`
	Failed   uint64 `json:"failed"`
	Panics   uint64 `json:"panics"`
	Overflow uint64 `json:"overflow"`
}

func NewPoolDispatcher(workers int, log logx.Logger) (*PoolDispatcher, error) {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	log = log.With(logx.String("comp", "dispatcher"))
	pool, err := ants.NewPool(workers,
		ants.WithExpiryDuration(time.Minute),
		ants.WithPanicHandler(func(p any) {
			log.Error("dispatcher worker panicked", logx.Any("panic", p))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("timewheel: dispatcher pool: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &PoolDispatcher{
		pool:    pool,
		log:     log,
		backlog: make(chan dispatchItem, backlogSize),
		quit:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	d.wg.Add(1)
	go d.feed()
	return d, nil
}

func (d *PoolDispatcher) Dispatch(key string, job Job) {
	if job == nil {
		return
	}
	it := dispatchItem{key: key, job: job}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.Warn("dispatcher closed; job dropped", logx.String("key", key))
		return
	}
	select {
	case d.backlog <- it:
	default:
		d.overflow.Add(1)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			select {
			case d.backlog <- it:
			case <-d.quit:
			}
		}()
	}
}

func (d *PoolDispatcher) feed() {
	defer d.wg.Done()
	for {
		select {
		case <-d.quit:
			return
		case it := <-d.backlog:
			if err := d.pool.Submit(func() { d.run(it) }); err != nil {
				d.log.Warn("dispatcher rejected job", logx.String("key", it.key), logx.Err(err))
			}
		}
	}
}

func (d *PoolDispatcher) run(it dispatchItem) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			d.log.Error("job panicked", logx.String("key", it.key), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	if err := it.job(d.ctx); err != nil {
		d.failed.Add(1)
		d.log.Warn("job failed", logx.String("key", it.key), logx.Err(err))
		return
	}
	d.done.Add(1)
}

// Close stops accepting jobs, cancels the context of running jobs and releases
// the pool. Jobs still in the backlog are dropped. Close is idempotent.
func (d *PoolDispatcher) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	first := false
	d.closeOnce.Do(func() {
		first = true
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.quit)
		d.cancel()
	})
	if !first {
		return nil
	}

	waited := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		d.pool.Release()
		return ctx.Err()
	}

	if n := len(d.backlog); n > 0 {
		d.log.Warn("dispatcher closed with queued jobs", logx.Int("dropped", n))
	}

	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if timeout <= 0 {
		d.pool.Release()
		return nil
	}
	return d.pool.ReleaseTimeout(timeout)
}

func (d *PoolDispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Workers:  d.pool.Cap(),
		Running:  d.pool.Running(),
		Backlog:  len(d.backlog),
		Done:     d.done.Load(),
		Failed:   d.failed.Load(),
		Panics:   d.panics.Load(),
		Overflow: d.overflow.Load(),
	}
}

// goDispatcher runs each job on its own goroutine.
func goDispatcher(log logx.Logger) Dispatcher {
	return DispatcherFunc(func(key string, job Job) {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("job panicked", logx.String("key", key), logx.Any("panic", r))
				}
			}()
			if err := job(context.Background()); err != nil {
				log.Warn("job failed", logx.String("key", key), logx.Err(err))
			}
		}()
	})
}
