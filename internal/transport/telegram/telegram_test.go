package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tickwheel/internal/services/delay"
	"tickwheel/internal/task/engine"
	"tickwheel/internal/timewheel"
	kit "tickwheel/internal/transport"
	logx "tickwheel/pkg/logx"
)

type sent struct {
	to   kit.ChatTarget
	text string
}

type fakeSender struct {
	mu  sync.Mutex
	out []sent
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, sent{to: to, text: text})
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(f.out)}, nil
}

func (f *fakeSender) last(t *testing.T) sent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.out)
	return f.out[len(f.out)-1]
}

type fakeScheduler struct {
	prints []string
	reqs   []delay.Request
	err    error
}

func (f *fakeScheduler) SubmitPrint(_ context.Context, key, description string, secs int) error {
	if f.err != nil {
		return f.err
	}
	f.prints = append(f.prints, fmt.Sprintf("%s|%s|%d", key, description, secs))
	return nil
}

func (f *fakeScheduler) Schedule(_ context.Context, req delay.Request) error {
	if f.err != nil {
		return f.err
	}
	f.reqs = append(f.reqs, req)
	return nil
}

func (f *fakeScheduler) Status() timewheel.Snapshot {
	return timewheel.Snapshot{
		SlotCount:  10,
		IntervalMs: 1000,
		Cursor:     3,
		Reference:  time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC),
		Pending:    1234,
		Fired:      1500000,
	}
}

type fakeEngine struct{}

func (fakeEngine) Snapshot() engine.Snapshot {
	return engine.Snapshot{Workers: 5, QueueLen: 2, QueueCap: 1024, Executed: 12345}
}

const owner = 42

func newTestHandler(sched *fakeScheduler) (*Handler, *fakeSender) {
	snd := &fakeSender{}
	h := NewHandler(sched, snd, logx.Nop(), WithOwners([]int64{owner}), WithEngine(fakeEngine{}))
	h.now = func() time.Time { return time.Date(2026, 10, 18, 8, 0, 3, 0, time.UTC) }
	return h, snd
}

func msg(from int64, text string) kit.Message {
	return kit.Message{ChatID: -100, ThreadID: 7, FromID: from, Text: text}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		cmd  string
		args []string
		ok   bool
	}{
		{in: "/delay k 5 hello world", cmd: "delay", args: []string{"k", "5", "hello", "world"}, ok: true},
		{in: "/Status@wheel_bot", cmd: "status", args: []string{}, ok: true},
		{in: "  /help  ", cmd: "help", args: []string{}, ok: true},
		{in: "hello", ok: false},
		{in: "/", ok: false},
		{in: "", ok: false},
	}
	for _, tt := range tests {
		cmd, args, ok := parseCommand(tt.in)
		require.Equal(t, tt.ok, ok, tt.in)
		if !tt.ok {
			continue
		}
		require.Equal(t, tt.cmd, cmd, tt.in)
		require.Equal(t, tt.args, args, tt.in)
	}
}

func TestDelayCommand(t *testing.T) {
	t.Parallel()

	sched := &fakeScheduler{}
	h, snd := newTestHandler(sched)
	ctx := context.Background()

	h.Handle(ctx, msg(owner, "/delay order-1 3 close the order"))
	require.Equal(t, []string{"order-1|close the order|3"}, sched.prints)
	require.Equal(t, "scheduled order-1 in 3s", snd.last(t).text)
	require.Equal(t, kit.ChatTarget{ChatID: -100, ThreadID: 7}, snd.last(t).to)

	h.Handle(ctx, msg(owner, "/delay order-2 in:2m ping"))
	require.Equal(t, []delay.Request{{Key: "order-2", Description: "ping", When: "in:2m"}}, sched.reqs)

	h.Handle(ctx, msg(owner, "/delay order-3"))
	require.Equal(t, delayUsage, snd.last(t).text)

	h.Handle(ctx, msg(7, "/delay order-4 1 nope"))
	require.Equal(t, "not allowed", snd.last(t).text)
	require.Len(t, sched.prints, 1)

	sched.err = fmt.Errorf("submit %q: %w", "k", timewheel.ErrTriggerTimePassed)
	h.Handle(ctx, msg(owner, "/delay k -1 late"))
	require.Equal(t, "failed: trigger_time_passed", snd.last(t).text)
}

func TestOwnersHotSwap(t *testing.T) {
	t.Parallel()

	sched := &fakeScheduler{}
	h, snd := newTestHandler(sched)
	h.SetOwners(nil)
	h.Handle(context.Background(), msg(owner, "/delay k 1 x"))
	require.Equal(t, "not allowed", snd.last(t).text)

	h.SetOwners([]int64{owner})
	h.Handle(context.Background(), msg(owner, "/delay k 1 x"))
	require.Len(t, sched.prints, 1)
}

func TestStatusAndHelp(t *testing.T) {
	t.Parallel()

	h, snd := newTestHandler(&fakeScheduler{})
	h.Handle(context.Background(), msg(1, "/status"))
	out := snd.last(t).text
	require.Contains(t, out, "wheel: running")
	require.Contains(t, out, "slots: 10 x 1s (cursor 3)")
	require.Contains(t, out, "pending: 1,234")
	require.Contains(t, out, "fired: 1,500,000")
	require.Contains(t, out, "last tick: 3 seconds ago")
	require.Contains(t, out, "executed 12,345")

	h.Handle(context.Background(), msg(1, "/help"))
	require.Contains(t, snd.last(t).text, "/delay - ")

	n := len(snd.out)
	h.Handle(context.Background(), msg(1, "just chatting"))
	h.Handle(context.Background(), msg(1, "/unknown"))
	require.Len(t, snd.out, n)
}

func TestRunStopsOnClose(t *testing.T) {
	t.Parallel()

	sched := &fakeScheduler{}
	h, _ := newTestHandler(sched)
	in := make(chan kit.Message, 1)
	in <- msg(owner, "/delay k 1 x")
	close(in)
	require.NoError(t, h.Run(context.Background(), in))
	require.Len(t, sched.prints, 1)
}

func TestSplitText(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"short"}, splitText("short", 10, ""))

	long := strings.Repeat("a", 25)
	parts := splitText(long, 10, "")
	require.Equal(t, []string{strings.Repeat("a", 10), strings.Repeat("a", 10), strings.Repeat("a", 5)}, parts)

	lines := "aaaaaa\nbbbbbb\ncccccc"
	require.Equal(t, []string{"aaaaaa", "bbbbbb", "cccccc"}, splitText(lines, 10, ""))

	html := "abcdefg<b>bold</b>"
	parts = splitText(html, 9, "HTML")
	require.Equal(t, "abcdefg", parts[0])
	require.Equal(t, html, strings.Join(parts, ""))
}
