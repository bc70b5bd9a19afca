package timewheel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

type recorder struct {
	mu    sync.Mutex
	keys  []string
	ticks []uint64
	w     *Wheel
}

func (r *recorder) Dispatch(key string, job Job) {
	_ = job(context.Background())
	r.mu.Lock()
	r.keys = append(r.keys, key)
	if r.w != nil {
		r.ticks = append(r.ticks, r.w.ticks.Load())
	}
	r.mu.Unlock()
}

func (r *recorder) fired() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

func noop(context.Context) error { return nil }

func newManualWheel(t *testing.T, slots int, interval time.Duration) (*Wheel, *recorder) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 300*int(time.Millisecond), time.UTC)}
	rec := &recorder{}
	w := New(Config{SlotCount: slots, Interval: interval}, WithClock(clock.Now), WithDispatcher(rec))
	rec.w = w
	return w, rec
}

func (w *Wheel) entryFor(key string) (slot, rotations int, ok bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	en, ok := w.index[key]
	if !ok {
		return 0, 0, false
	}
	return en.slot, en.rotations, true
}

func TestNewDefaultsAndAlignment(t *testing.T) {
	t.Parallel()

	w, _ := newManualWheel(t, 0, 0)
	snap := w.Snapshot()
	require.Equal(t, DefaultSlotCount, snap.SlotCount)
	require.Equal(t, int64(1000), snap.IntervalMs)
	require.Equal(t, 0, snap.Cursor)
	require.Equal(t, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), snap.Reference.UTC())
	require.False(t, snap.Running)
	require.False(t, snap.Stopped)

	require.Equal(t, int64(1_000), alignMillis(1_999, time.Second))
	require.Equal(t, int64(1_950), alignMillis(1_999, 50*time.Millisecond))
	require.Equal(t, int64(0), alignMillis(1_999, 2*time.Second+500*time.Millisecond)%2_500)
}

func TestScenarioRelativeThreeSeconds(t *testing.T) {
	t.Parallel()

	w, rec := newManualWheel(t, 10, time.Second)
	require.NoError(t, w.SubmitAfter("A", noop, 3, time.Second))

	slot, rotations, ok := w.entryFor("A")
	require.True(t, ok)
	require.Equal(t, 4, slot)
	require.Equal(t, 0, rotations)

	for i := 0; i < 3; i++ {
		w.advance()
	}
	require.Empty(t, rec.fired())
	require.True(t, w.Contains("A"))

	w.advance()
	require.Equal(t, []string{"A"}, rec.fired())
	require.Equal(t, 4, w.Snapshot().Cursor)
	require.False(t, w.Contains("A"))
	require.Zero(t, w.Len())
}

func TestScenarioRelativeTwentyThreeSeconds(t *testing.T) {
	t.Parallel()

	w, rec := newManualWheel(t, 10, time.Second)
	require.NoError(t, w.SubmitAfter("B", noop, 23, time.Second))

	slot, rotations, ok := w.entryFor("B")
	require.True(t, ok)
	require.Equal(t, 4, slot)
	require.Equal(t, 2, rotations)

	visits := 0
	for i := 1; i <= 24; i++ {
		w.advance()
		if w.Snapshot().Cursor == 4 {
			visits++
		}
		if i < 24 {
			require.Empty(t, rec.fired(), "fired early on tick %d", i)
		}
	}
	require.Equal(t, 3, visits)
	require.Equal(t, []string{"B"}, rec.fired())
	require.Zero(t, w.Len())
}

func TestFiresOnFirstBoundaryAtOrAfterTarget(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		delay     time.Duration
		wantTicks uint64
	}{
		{"one tick", time.Second, 1},
		{"between ticks rounds up", 1500 * time.Millisecond, 2},
		{"one millisecond", time.Millisecond, 1},
		{"sub-millisecond past a boundary", time.Second + 500*time.Microsecond, 2},
		{"exactly one rotation", 10 * time.Second, 10},
		{"one rotation plus one", 11 * time.Second, 11},
		{"exactly two rotations", 20 * time.Second, 20},
		{"long", 95 * time.Second, 95},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			w, rec := newManualWheel(t, 10, time.Second)
			at := w.Snapshot().Reference.Add(tc.delay)
			require.NoError(t, w.SubmitAt("k", noop, at))

			for i := uint64(1); i < tc.wantTicks; i++ {
				w.advance()
			}
			require.Empty(t, rec.fired())
			w.advance()
			require.Equal(t, []string{"k"}, rec.fired())
			require.Equal(t, []uint64{tc.wantTicks}, rec.ticks)

			// Never again.
			for i := 0; i < 25; i++ {
				w.advance()
			}
			require.Len(t, rec.fired(), 1)
		})
	}
}

func TestSubmitAfterZeroDefersToNextTick(t *testing.T) {
	t.Parallel()

	w, rec := newManualWheel(t, 10, time.Second)
	require.NoError(t, w.SubmitAfter("z", noop, 0, time.Second))
	w.advance()
	require.Equal(t, []string{"z"}, rec.fired())
}

func TestSubmitAfterExactLoopMultiple(t *testing.T) {
	t.Parallel()

	// 9s plus one tick of margin is exactly one loop of a 10x1s wheel.
	w, rec := newManualWheel(t, 10, time.Second)
	require.NoError(t, w.SubmitAfter("R", noop, 9, time.Second))

	slot, rotations, ok := w.entryFor("R")
	require.True(t, ok)
	require.Equal(t, 0, slot)
	require.Equal(t, 0, rotations)

	for i := 0; i < 9; i++ {
		w.advance()
	}
	require.Empty(t, rec.fired())
	w.advance()
	require.Equal(t, []string{"R"}, rec.fired())
	require.Equal(t, []uint64{10}, rec.ticks)
}

func TestSubmitAfterRejectsOverflowingDelay(t *testing.T) {
	t.Parallel()

	w, rec := newManualWheel(t, 10, time.Second)

	cases := []struct {
		name  string
		delay int
		unit  time.Duration
	}{
		{"seconds past duration range", 18446744074, time.Second},
		{"max int seconds", math.MaxInt, time.Second},
		{"max int hours", math.MaxInt, time.Hour},
	}
	for _, tc := range cases {
		err := w.SubmitAfter("huge", noop, tc.delay, tc.unit)
		require.ErrorIs(t, err, ErrDelayOutOfRange, tc.name)
		require.Equal(t, "delay_out_of_range", ErrorCode(err), tc.name)
	}
	require.False(t, w.Contains("huge"))

	// The largest representable duration is still accepted and stays pending.
	maxSeconds := int(math.MaxInt64 / int64(time.Second))
	require.NoError(t, w.SubmitAfter("far", noop, maxSeconds, time.Second))
	_, rotations, ok := w.entryFor("far")
	require.True(t, ok)
	require.Greater(t, rotations, 1_000_000)

	for i := 0; i < 50; i++ {
		w.advance()
	}
	require.Empty(t, rec.fired())
	require.True(t, w.Contains("far"))
}

func TestSubmitAfterSubSecondUnit(t *testing.T) {
	t.Parallel()

	w, rec := newManualWheel(t, 8, 100*time.Millisecond)
	require.NoError(t, w.SubmitAfter("ms", noop, 250, time.Millisecond))

	// 250ms rounds up to 300ms, plus one tick of margin.
	for i := 0; i < 3; i++ {
		w.advance()
	}
	require.Empty(t, rec.fired())
	w.advance()
	require.Equal(t, []string{"ms"}, rec.fired())
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	w, _ := newManualWheel(t, 10, time.Second)
	ref := w.Snapshot().Reference

	cases := []struct {
		name   string
		submit func() error
		want   error
	}{
		{"empty key", func() error { return w.SubmitAt("", noop, ref.Add(time.Hour)) }, ErrInvalidKey},
		{"blank key", func() error { return w.SubmitAfter("  ", noop, 1, time.Second) }, ErrInvalidKey},
		{"nil job", func() error { return w.SubmitAt("k", nil, ref.Add(time.Hour)) }, ErrMissingWorkOrTime},
		{"nil job relative", func() error { return w.SubmitAfter("k", nil, 1, time.Second) }, ErrMissingWorkOrTime},
		{"zero time", func() error { return w.SubmitAt("k", noop, time.Time{}) }, ErrMissingWorkOrTime},
		{"zero unit", func() error { return w.SubmitAfter("k", noop, 1, 0) }, ErrMissingWorkOrTime},
		{"past", func() error { return w.SubmitAt("k", noop, ref.Add(-time.Second)) }, ErrTriggerTimePassed},
		{"at reference", func() error { return w.SubmitAt("k", noop, ref) }, ErrTriggerTimePassed},
		{"negative delay", func() error { return w.SubmitAfter("k", noop, -1, time.Second) }, ErrTriggerTimePassed},
	}

	for _, tc := range cases {
		err := tc.submit()
		require.Error(t, err, tc.name)
		require.True(t, errors.Is(err, tc.want), "%s: got %v", tc.name, err)
	}
	require.Zero(t, w.Len())
	require.Equal(t, uint64(len(cases)), w.Snapshot().Rejected)
}

func TestResubmitReplacesPendingEntry(t *testing.T) {
	t.Parallel()

	w, rec := newManualWheel(t, 10, time.Second)

	var calls []string
	var mu sync.Mutex
	job := func(tag string) Job {
		return func(context.Context) error {
			mu.Lock()
			calls = append(calls, tag)
			mu.Unlock()
			return nil
		}
	}

	require.NoError(t, w.SubmitAfter("K", job("first"), 2, time.Second))
	require.NoError(t, w.SubmitAfter("K", job("second"), 5, time.Second))
	require.Equal(t, 1, w.Len())

	snap := w.Snapshot()
	require.Equal(t, 0, snap.Slots[3])
	require.Equal(t, 1, snap.Slots[6])
	require.Equal(t, uint64(1), snap.Replaced)

	for i := 0; i < 5; i++ {
		w.advance()
	}
	require.Empty(t, rec.fired())
	w.advance()
	require.Equal(t, []string{"K"}, rec.fired())

	for i := 0; i < 20; i++ {
		w.advance()
	}
	mu.Lock()
	require.Equal(t, []string{"second"}, calls)
	mu.Unlock()
}

func TestResubmitAfterFireIsFresh(t *testing.T) {
	t.Parallel()

	w, rec := newManualWheel(t, 4, time.Second)
	require.NoError(t, w.SubmitAfter("K", noop, 0, time.Second))
	w.advance()
	require.NoError(t, w.SubmitAfter("K", noop, 0, time.Second))
	w.advance()
	require.Equal(t, []string{"K", "K"}, rec.fired())
}

func TestStoppedWheelRejects(t *testing.T) {
	t.Parallel()

	w, rec := newManualWheel(t, 10, time.Second)
	require.NoError(t, w.SubmitAfter("pending", noop, 1, time.Second))
	require.NoError(t, w.Stop(context.Background()))
	require.NoError(t, w.Stop(context.Background()))

	require.True(t, w.Stopped())
	require.NoError(t, w.Err())
	require.ErrorIs(t, w.SubmitAfter("k", noop, 1, time.Second), ErrStopped)
	require.ErrorIs(t, w.Start(context.Background()), ErrStopped)

	select {
	case <-w.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	w.advance()
	w.advance()
	require.Empty(t, rec.fired())
}

func TestConcurrentSubmitAndTick(t *testing.T) {
	t.Parallel()

	const n = 500
	w, rec := newManualWheel(t, 16, time.Second)

	stop := make(chan struct{})
	ticked := make(chan struct{})
	go func() {
		defer close(ticked)
		for {
			select {
			case <-stop:
				return
			default:
				w.advance()
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			delay := rand.Intn(40)
			assert.NoError(t, w.SubmitAfter(fmt.Sprintf("task-%d", i), noop, delay, time.Second))
		}(i)
	}
	wg.Wait()
	close(stop)
	<-ticked

	// Longest delay is 40 ticks plus margin.
	for i := 0; i < 45; i++ {
		w.advance()
	}

	fired := rec.fired()
	require.Len(t, fired, n)
	seen := make(map[string]int, n)
	for _, k := range fired {
		seen[k]++
	}
	require.Len(t, seen, n)
	for k, c := range seen {
		require.Equal(t, 1, c, k)
	}
	require.Zero(t, w.Len())
	require.Equal(t, uint64(n), w.Snapshot().Fired)
}

func TestDriverFiresOnRealClock(t *testing.T) {
	t.Parallel()

	fired := make(chan string, 1)
	w := New(Config{SlotCount: 8, Interval: 20 * time.Millisecond},
		WithDispatcher(DispatcherFunc(func(key string, job Job) {
			_ = job(context.Background())
			fired <- key
		})),
	)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	require.NoError(t, w.SubmitAfter("rt", noop, 2, 20*time.Millisecond))
	select {
	case key := <-fired:
		require.Equal(t, "rt", key)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not fire")
	}
	require.True(t, w.Snapshot().Running)
}

func TestDriverDriftBound(t *testing.T) {
	t.Parallel()

	const (
		interval = 20 * time.Millisecond
		ticks    = 10
		slack    = 25 * time.Millisecond
	)

	type firing struct {
		key string
		at  time.Time
	}
	fired := make(chan firing, ticks)
	w := New(Config{SlotCount: 4, Interval: interval},
		WithDispatcher(DispatcherFunc(func(key string, job Job) {
			fired <- firing{key: key, at: time.Now()}
		})),
	)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	// A few ticks of headroom so a tick racing the submissions cannot reject them.
	ref := w.Snapshot().Reference
	dueAt := func(i int) time.Time { return ref.Add(time.Duration(i+3) * interval) }
	for i := 0; i < ticks; i++ {
		due := dueAt(i)
		require.NoError(t, w.SubmitAt(fmt.Sprintf("t%d", i), noop, due))
	}

	var got []firing
	timeout := time.After(3 * time.Second)
	for len(got) < ticks {
		select {
		case f := <-fired:
			got = append(got, f)
		case <-timeout:
			t.Fatalf("only %d of %d tasks fired", len(got), ticks)
		}
	}

	for i, f := range got {
		require.Equal(t, fmt.Sprintf("t%d", i), f.key)
		due := dueAt(i)
		late := f.at.Sub(due)
		require.GreaterOrEqual(t, late, time.Duration(0), "t%d fired early", i)
		require.Less(t, late, slack, "t%d fired %s late", i, late)
	}
	span := got[len(got)-1].at.Sub(got[0].at)
	require.InDelta(t, float64((ticks-1)*interval), float64(span), float64(slack))
}

func TestParentCancelStopsWheelPermanently(t *testing.T) {
	t.Parallel()

	w := New(Config{SlotCount: 4, Interval: 10 * time.Millisecond}, WithDispatcher(DispatcherFunc(func(string, Job) {})))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.SubmitAfter("abandoned", noop, 100, 10*time.Millisecond))

	cancel()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("wheel did not stop after cancellation")
	}

	require.True(t, w.Stopped())
	require.ErrorIs(t, w.Err(), ErrStopped)
	require.ErrorIs(t, w.SubmitAfter("late", noop, 1, time.Second), ErrStopped)
	require.ErrorIs(t, w.Start(context.Background()), ErrStopped)
	require.NoError(t, w.Stop(context.Background()))
}

func TestNewWheelStartsDriver(t *testing.T) {
	t.Parallel()

	w := NewWheel(0, 0, nil)
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	snap := w.Snapshot()
	require.True(t, snap.Running)
	require.Equal(t, DefaultSlotCount, snap.SlotCount)
	require.Equal(t, int64(1000), snap.IntervalMs)
	require.NotNil(t, w.owned)
}

func TestErrorCode(t *testing.T) {
	t.Parallel()

	require.Equal(t, "invalid_key", ErrorCode(fmt.Errorf("x: %w", ErrInvalidKey)))
	require.Equal(t, "missing_work_or_time", ErrorCode(ErrMissingWorkOrTime))
	require.Equal(t, "trigger_time_passed", ErrorCode(ErrTriggerTimePassed))
	require.Equal(t, "stopped", ErrorCode(ErrStopped))
	require.Equal(t, "delay_out_of_range", ErrorCode(ErrDelayOutOfRange))
	require.Equal(t, "internal", ErrorCode(errors.New("boom")))
	require.Equal(t, "", ErrorCode(nil))
}
