package engine

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"tickwheel/internal/eventbus"
	logx "tickwheel/pkg/logx"
)

// slowTask is the duration above which a completed task is logged at info.
const slowTask = 750 * time.Millisecond

func (s *Service) worker(ctx context.Context, p *pool, idx int) {
	// Per-worker RNG so concurrent retries do not contend on the global source.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(idx)<<32))

	for {
		// A closed quit wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case qt := <-p.queue:
			s.stats.inFlight.Add(1)
			s.execOne(ctx, p, qt, rng)
			s.stats.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, p *pool, qt queuedTask, rng *rand.Rand) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	t := qt.task

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()

	if maxDelay > 0 && queueDelay > maxDelay {
		s.drop(start, t, dropStale, queueDelay, len(p.queue))
		s.history.add(HistoryItem{ID: t.ID, Key: t.Key, Started: start, QueueDelay: queueDelay, Error: dropStale})
		return
	}

	s.log.Debug("task started", logx.String("key", t.Key), logx.String("id", t.ID), logx.Duration("queue_delay", queueDelay))
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Time: start, Data: TaskEvent{
		ID: t.ID, Key: t.Key, Started: start, QueueDelay: queueDelay,
	}})

	attempts, err := s.attempts(ctx, p, qt, rng)
	s.finish(t, start, queueDelay, attempts, err)
}

// attempts runs the task until it succeeds, fails permanently or runs out
// of retries. It returns the number of runs and the last error.
func (s *Service) attempts(ctx context.Context, p *pool, qt queuedTask, rng *rand.Rand) (int, error) {
	limit := 1 + qt.opt.RetryMax
	for n := 1; ; n++ {
		err := s.runOnce(ctx, qt)
		if err == nil {
			return n, nil
		}
		if inner := permanent(err); inner != nil {
			return n, inner
		}
		if n >= limit {
			return n, err
		}

		wait := backoffDelayWithHint(qt.opt, n, err, rng)
		s.log.Debug("task retry scheduled",
			logx.String("key", qt.task.Key),
			logx.Int("attempt", n+1),
			logx.Duration("delay", wait),
			logx.Err(err),
		)
		if wait <= 0 {
			continue
		}
		tmr := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return n, ctx.Err()
		case <-p.quit:
			tmr.Stop()
			return n, ErrStopping
		case <-tmr.C:
		}
	}
}

// runOnce calls the job with its timeout. A panic becomes an error.
func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked", logx.String("key", qt.task.Key), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qt.task.Run(ctx)
}

func (s *Service) finish(t Task, start time.Time, queueDelay time.Duration, attempts int, err error) {
	dur := time.Since(start)
	ev := TaskEvent{ID: t.ID, Key: t.Key, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	fields := []logx.Field{
		logx.String("key", t.Key),
		logx.Duration("queue_delay", queueDelay),
		logx.Duration("dur", dur),
		logx.Int("attempts", attempts),
	}

	if err != nil {
		s.stats.failed.Add(1)
		ev.Error = err.Error()
		s.log.Warn("task failed", append(fields, logx.Err(err))...)
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: ev})
	} else {
		s.stats.executed.Add(1)
		if dur >= slowTask {
			s.log.Info("task completed", fields...)
		} else {
			s.log.Debug("task completed", fields...)
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: ev})
	}
	s.history.add(HistoryItem(ev))
}

func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	hint, ok := retryHint(err)
	if !ok {
		return backoffDelay(opt, retry, rng)
	}
	ceiling := opt.RetryMaxDelay
	if ceiling <= 0 {
		ceiling = defaultRetryMaxDelay
	}
	d := min(max(hint, 0), ceiling)
	return min(jitter(d, opt.RetryJitter, rng), ceiling)
}

// backoffDelay doubles RetryBase per retry up to RetryMaxDelay, then jitters.
func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	base := opt.RetryBase
	if base <= 0 {
		base = defaultRetryBase
	}
	ceiling := opt.RetryMaxDelay
	if ceiling <= 0 {
		ceiling = defaultRetryMaxDelay
	}
	d := base
	for i := 1; i < retry && d < ceiling; i++ {
		d *= 2
	}
	return min(jitter(min(d, ceiling), opt.RetryJitter, rng), ceiling)
}

func jitter(d time.Duration, frac float64, rng *rand.Rand) time.Duration {
	if frac <= 0 {
		frac = defaultRetryJitter
	}
	if d <= 0 || rng == nil {
		return d
	}
	r := (rng.Float64()*2 - 1) * frac
	return max(time.Duration(float64(d)*(1+r)), 0)
}
