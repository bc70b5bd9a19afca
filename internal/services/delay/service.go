package delay

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"tickwheel/internal/timewheel"
	logx "tickwheel/pkg/logx"
)

// Wheel is the part of the timing wheel the service needs.
type Wheel interface {
	SubmitAt(key string, job timewheel.Job, at time.Time) error
	SubmitAfter(key string, job timewheel.Job, delay int, unit time.Duration) error
	Contains(key string) bool
	Snapshot() timewheel.Snapshot
}

type Config struct {
	// Timezone for cron expressions (IANA name). Empty means local time.
	Timezone string
	// Output receives print task text: "stdout" (default), "stderr" or "none".
	Output string
}

// Request describes one print task. When, if set, overrides DelaySeconds.
type Request struct {
	Key          string `json:"key"`
	Description  string `json:"description"`
	DelaySeconds int    `json:"delay_seconds"`
	When         string `json:"when,omitempty"`
}

type Option func(*Service)

// WithWriter sends print output to w regardless of Config.Output.
func WithWriter(w io.Writer) Option {
	return func(s *Service) { s.fixedOut = w }
}

// WithClock overrides time.Now for cron evaluation.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service turns task descriptions into wheel jobs.
type Service struct {
	wheel Wheel
	log   logx.Logger
	now   func() time.Time

	mu       sync.RWMutex
	cfg      Config
	loc      *time.Location
	out      io.Writer
	outMu    sync.Mutex
	fixedOut io.Writer
}

func New(cfg Config, wheel Wheel, log logx.Logger, opts ...Option) (*Service, error) {
	s := &Service{wheel: wheel, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if err := s.Apply(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the timezone and output name without applying them.
func (c Config) Validate() error {
	_, _, err := c.resolve()
	return err
}

func (c Config) resolve() (*time.Location, io.Writer, error) {
	loc := time.Local
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, nil, fmt.Errorf("delay: timezone %q: %w", tz, err)
		}
		loc = l
	}
	out, err := outputWriter(c.Output)
	if err != nil {
		return nil, nil, err
	}
	return loc, out, nil
}

// Apply swaps timezone and output. A bad timezone leaves the previous config in place.
func (s *Service) Apply(cfg Config) error {
	loc, out, err := cfg.resolve()
	if err != nil {
		return err
	}
	if s.fixedOut != nil {
		out = s.fixedOut
	}

	s.mu.Lock()
	s.cfg = cfg
	s.loc = loc
	s.out = out
	s.mu.Unlock()
	return nil
}

func outputWriter(name string) (io.Writer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "none":
		return io.Discard, nil
	default:
		return nil, fmt.Errorf("delay: unknown output %q (stdout|stderr|none)", name)
	}
}

// SubmitPrint schedules description to be printed delaySeconds after the
// current tick, plus one tick of margin.
func (s *Service) SubmitPrint(ctx context.Context, key, description string, delaySeconds int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.log.Info("print task received",
		logx.String("key", key),
		logx.String("description", description),
		logx.Int("delay_seconds", delaySeconds),
	)
	return s.wheel.SubmitAfter(key, s.printJob(key, description), delaySeconds, time.Second)
}

// Schedule submits req. A non-empty When is parsed with ParseWhen.
func (s *Service) Schedule(ctx context.Context, req Request) error {
	if strings.TrimSpace(req.When) == "" {
		return s.SubmitPrint(ctx, req.Key, req.Description, req.DelaySeconds)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	loc := s.loc
	s.mu.RUnlock()

	when, err := ParseWhen(req.When, s.now(), loc)
	if err != nil {
		return err
	}
	job := s.printJob(req.Key, req.Description)
	switch when.Kind {
	case WhenAt:
		s.log.Info("print task received", logx.String("key", req.Key), logx.String("when", req.When), logx.Time("at", when.At))
		return s.wheel.SubmitAt(req.Key, job, when.At)
	default:
		s.log.Info("print task received", logx.String("key", req.Key), logx.String("when", req.When), logx.Duration("after", when.After))
		return s.wheel.SubmitAfter(req.Key, job, int(when.After.Milliseconds()), time.Millisecond)
	}
}

func (s *Service) printJob(key, description string) timewheel.Job {
	return func(ctx context.Context) error {
		s.mu.RLock()
		out := s.out
		s.mu.RUnlock()

		s.outMu.Lock()
		_, err := fmt.Fprintf(out, "%s [%s] %s\n", s.now().Format("2006-01-02 15:04:05"), key, description)
		s.outMu.Unlock()

		s.log.Info("print task executed", logx.String("key", key), logx.String("description", description))
		if err != nil {
			return fmt.Errorf("print %q: %w", key, err)
		}
		return nil
	}
}

func (s *Service) Pending(key string) bool { return s.wheel.Contains(key) }

func (s *Service) Status() timewheel.Snapshot { return s.wheel.Snapshot() }
