package telegram

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"tickwheel/internal/services/delay"
	"tickwheel/internal/task/engine"
	"tickwheel/internal/timewheel"
	kit "tickwheel/internal/transport"
	logx "tickwheel/pkg/logx"
)

// Scheduler is what the chat commands need from the delay service.
type Scheduler interface {
	SubmitPrint(ctx context.Context, key, description string, delaySeconds int) error
	Schedule(ctx context.Context, req delay.Request) error
	Status() timewheel.Snapshot
}

type EngineStatus interface {
	Snapshot() engine.Snapshot
}

// Commands lists the menu entries the handler answers to.
var Commands = []BotCommand{
	{Command: "delay", Description: "schedule a print task: /delay <key> <seconds|when> <text>"},
	{Command: "status", Description: "wheel and dispatcher status"},
	{Command: "help", Description: "show commands"},
}

type request struct {
	msg  kit.Message
	cmd  string
	args []string
	log  logx.Logger
}

type handlerFunc func(ctx context.Context, req *request) (string, error)

type middleware func(next handlerFunc) handlerFunc

func chain(h handlerFunc, m ...middleware) handlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func mwTimeout(d time.Duration) middleware {
	return func(next handlerFunc) handlerFunc {
		return func(ctx context.Context, req *request) (string, error) {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func mwPanicRecover() middleware {
	return func(next handlerFunc) handlerFunc {
		return func(ctx context.Context, req *request) (reply string, err error) {
			defer func() {
				if r := recover(); r != nil {
					req.log.Error("panic recovered", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func mwRequestLog() middleware {
	return func(next handlerFunc) handlerFunc {
		return func(ctx context.Context, req *request) (string, error) {
			start := time.Now()
			reply, err := next(ctx, req)
			fields := []logx.Field{
				logx.Int64("chat_id", req.msg.ChatID),
				logx.Int64("from_id", req.msg.FromID),
				logx.String("cmd", req.cmd),
				logx.Duration("dur", time.Since(start)),
			}
			if err != nil {
				req.log.Warn("command failed", append(fields, logx.Err(err))...)
			} else {
				req.log.Debug("command ok", fields...)
			}
			return reply, err
		}
	}
}

var errNotOwner = errors.New("not allowed")

// Handler answers /delay, /status and /help. /delay is restricted to the
// owner allow-list; an empty list refuses everyone.
type Handler struct {
	sched  Scheduler
	engine EngineStatus
	sender kit.Sender
	log    logx.Logger

	mu     sync.RWMutex
	owners map[int64]struct{}

	routes map[string]handlerFunc
	now    func() time.Time
}

type HandlerOption func(*Handler)

func WithEngine(e EngineStatus) HandlerOption { return func(h *Handler) { h.engine = e } }

func WithOwners(ids []int64) HandlerOption { return func(h *Handler) { h.SetOwners(ids) } }

func NewHandler(sched Scheduler, sender kit.Sender, log logx.Logger, opts ...HandlerOption) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Handler{sched: sched, sender: sender, log: log, owners: map[int64]struct{}{}, now: time.Now}
	for _, o := range opts {
		o(h)
	}
	mws := []middleware{mwPanicRecover(), mwRequestLog(), mwTimeout(10 * time.Second)}
	h.routes = map[string]handlerFunc{
		"delay":  chain(h.ownerOnly(h.cmdDelay), mws...),
		"status": chain(h.cmdStatus, mws...),
		"help":   chain(h.cmdHelp, mws...),
		"start":  chain(h.cmdHelp, mws...),
	}
	return h
}

// SetOwners replaces the allow-list. Safe during hot reload.
func (h *Handler) SetOwners(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	h.mu.Lock()
	h.owners = m
	h.mu.Unlock()
}

func (h *Handler) isOwner(id int64) bool {
	h.mu.RLock()
	_, ok := h.owners[id]
	h.mu.RUnlock()
	return ok
}

func (h *Handler) ownerOnly(next handlerFunc) handlerFunc {
	return func(ctx context.Context, req *request) (string, error) {
		if !h.isOwner(req.msg.FromID) {
			return "", errNotOwner
		}
		return next(ctx, req)
	}
}

// Run consumes messages until ctx is done or in is closed.
func (h *Handler) Run(ctx context.Context, in <-chan kit.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-in:
			if !ok {
				return nil
			}
			h.Handle(ctx, m)
		}
	}
}

// Handle dispatches one message. Non-command text is ignored.
func (h *Handler) Handle(ctx context.Context, m kit.Message) {
	cmd, args, ok := parseCommand(m.Text)
	if !ok {
		return
	}
	fn, ok := h.routes[cmd]
	if !ok {
		return
	}
	req := &request{msg: m, cmd: cmd, args: args, log: h.log.With(logx.String("cmd", cmd))}
	reply, err := fn(ctx, req)
	if err != nil {
		reply = errorReply(err)
	}
	if reply == "" || h.sender == nil {
		return
	}
	to := kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
	if _, err := h.sender.SendText(ctx, to, reply, &kit.SendOptions{DisablePreview: true}); err != nil {
		h.log.Warn("reply failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
	}
}

// parseCommand splits "/cmd@bot a b" into ("cmd", [a b]).
func parseCommand(text string) (string, []string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	cmd := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	if cmd == "" {
		return "", nil, false
	}
	return strings.ToLower(cmd), fields[1:], true
}

const delayUsage = "usage: /delay <key> <seconds|when> <text>"

func (h *Handler) cmdDelay(ctx context.Context, req *request) (string, error) {
	if len(req.args) < 3 {
		return delayUsage, nil
	}
	key, when := req.args[0], req.args[1]
	text := strings.Join(req.args[2:], " ")

	if secs, err := strconv.Atoi(when); err == nil {
		if err := h.sched.SubmitPrint(ctx, key, text, secs); err != nil {
			return "", err
		}
		return fmt.Sprintf("scheduled %s in %ds", key, secs), nil
	}
	if err := h.sched.Schedule(ctx, delay.Request{Key: key, Description: text, When: when}); err != nil {
		return "", err
	}
	return fmt.Sprintf("scheduled %s (%s)", key, when), nil
}

func (h *Handler) cmdStatus(ctx context.Context, req *request) (string, error) {
	s := h.sched.Status()

	var b strings.Builder
	state := "running"
	if s.Stopped {
		state = "stopped"
	}
	fmt.Fprintf(&b, "wheel: %s\n", state)
	fmt.Fprintf(&b, "slots: %d x %s (cursor %d)\n", s.SlotCount, time.Duration(s.IntervalMs)*time.Millisecond, s.Cursor)
	fmt.Fprintf(&b, "pending: %s\n", humanize.Comma(int64(s.Pending)))
	fmt.Fprintf(&b, "fired: %s, submitted: %s, replaced: %s, rejected: %s\n",
		humanize.Comma(int64(s.Fired)), humanize.Comma(int64(s.Submitted)),
		humanize.Comma(int64(s.Replaced)), humanize.Comma(int64(s.Rejected)))
	if !s.Reference.IsZero() {
		fmt.Fprintf(&b, "last tick: %s\n", humanize.RelTime(s.Reference, h.now(), "ago", "from now"))
	}
	if h.engine != nil {
		e := h.engine.Snapshot()
		fmt.Fprintf(&b, "dispatcher: %d workers, queue %d/%d, executed %s, failed %s, dropped %s",
			e.Workers, e.QueueLen, e.QueueCap,
			humanize.Comma(int64(e.Executed)), humanize.Comma(int64(e.Failed)), humanize.Comma(int64(e.Dropped)))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (h *Handler) cmdHelp(ctx context.Context, req *request) (string, error) {
	var b strings.Builder
	for _, c := range Commands {
		fmt.Fprintf(&b, "/%s - %s\n", c.Command, c.Description)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func errorReply(err error) string {
	switch {
	case errors.Is(err, errNotOwner):
		return "not allowed"
	case errors.Is(err, delay.ErrInvalidWhen):
		return "failed: invalid_when (" + err.Error() + ")"
	}
	if code := timewheel.ErrorCode(err); code != "internal" {
		return "failed: " + code
	}
	return "failed: " + err.Error()
}
