package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "tickwheel/internal/runtime/supervisor"
	kit "tickwheel/internal/transport"
	logx "tickwheel/pkg/logx"
)

const (
	textLimit        = 4000
	menuDescLimit    = 256
	defaultPoll      = 10 * time.Second
	stopGrace        = 2 * time.Second
	dropReportPeriod = 5 * time.Second
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// BotCommand is one entry of the Telegram command menu.
type BotCommand struct {
	Command     string
	Description string
}

// Adapter is a long-polling Telegram transport. Inbound text goes to the
// channel passed to Start; replies and log lines leave through SendText.
type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	mu  sync.Mutex
	out chan<- kit.Message
	sup *rtsup.Supervisor // non-nil while running

	dropped atomic.Uint64

	menuMu  sync.Mutex
	menuSig string
}

var _ kit.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = defaultPoll
	}
	bot, err := tele.NewBot(tele.Settings{Token: token, Poller: &tele.LongPoller{Timeout: poll}})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{log: log, bot: bot}
	bot.Handle(tele.OnText, a.onText)
	return a, nil
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Chat == nil {
		return nil
	}
	msg := kit.Message{ID: m.ID, ChatID: m.Chat.ID, ThreadID: m.ThreadID, Text: m.Text}
	if u := m.Sender; u != nil {
		msg.FromID, msg.FromUsername = u.ID, u.Username
	}

	a.mu.Lock()
	out := a.out
	a.mu.Unlock()
	if out == nil {
		return nil
	}
	select {
	case out <- msg:
	default:
		a.dropped.Add(1)
	}
	return nil
}

// Start begins polling. Polling failures are restarted with backoff and never
// cancel ctx. A second Start while running is a no-op.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.out = out
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))

	a.sup.Go0("telegram.drops", func(c context.Context) { a.reportDrops(c, cap(out)) })
	a.sup.GoRestart("telegram.poll", func(c context.Context) error {
		stop := context.AfterFunc(c, a.bot.Stop)
		defer stop()
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return c.Err()
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDrops(ctx context.Context, capacity int) {
	t := time.NewTicker(dropReportPeriod)
	defer t.Stop()
	for {
		done := false
		select {
		case <-ctx.Done():
			done = true
		case <-t.C:
		}
		if n := a.dropped.Swap(0); n > 0 {
			a.log.Warn("inbound messages dropped", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
		}
		if done {
			return
		}
	}
}

// Stop cancels polling and waits at most stopGrace, or less if ctx expires
// first, for a pending getUpdates call to return.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup, a.out = nil, nil
	a.mu.Unlock()
	if sup == nil {
		return nil
	}

	a.log.Info("stopping")
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, stopGrace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with error", logx.Err(err))
	}
	return nil
}

// SendText sends text, split across messages when it exceeds the Telegram
// limit. The returned ref points at the first message.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	var so kit.SendOptions
	if opt != nil {
		so = *opt
	}
	first := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}
	for i, chunk := range splitText(text, textLimit, so.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, chunk, &tele.SendOptions{
			ParseMode:             so.ParseMode,
			DisableWebPagePreview: so.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first.MessageID = msg.ID
		}
	}
	return first, nil
}

// UpdateMenuCommands pushes cmds with setMyCommands unless the same list was
// already pushed.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error {
	menu := make([]tele.Command, 0, len(cmds))
	var sig strings.Builder
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		desc := c.Description
		if desc == "" {
			desc = c.Command
		}
		if len(desc) > menuDescLimit {
			desc = desc[:menuDescLimit]
		}
		menu = append(menu, tele.Command{Text: c.Command, Description: desc})
		sig.WriteString(c.Command + "\x00" + desc + "\x00")
	}

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if sig.String() == a.menuSig {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(menu); err != nil {
		return err
	}
	a.menuSig = sig.String()
	a.log.Info("menu commands updated", logx.Int("count", len(menu)))
	return nil
}

// splitText cuts s into chunks of at most limit runes. It prefers to cut
// after a newline and, in HTML mode, never inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, "HTML")

	var out []string
	for len(rs) > limit {
		cut := chunkEnd(rs, limit, html)
		out = append(out, strings.TrimRight(string(rs[:cut]), "\n"))
		rs = rs[cut:]
		for len(rs) > 0 && rs[0] == '\n' {
			rs = rs[1:]
		}
	}
	if len(rs) > 0 {
		out = append(out, strings.TrimRight(string(rs), "\n"))
	}
	return out
}

func chunkEnd(rs []rune, limit int, html bool) int {
	end := limit
	// A newline in the last two thirds wins over a hard cut.
	for i := limit - 1; i > 0 && i >= limit/3; i-- {
		if rs[i] == '\n' {
			end = i + 1
			break
		}
	}
	if !html {
		return end
	}
	open, closed := -1, -1
	for i, r := range rs[:end] {
		switch r {
		case '<':
			open = i
		case '>':
			closed = i
		}
	}
	if open > closed && open > 1 {
		return open
	}
	return end
}
