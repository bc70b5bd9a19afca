package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	rtsup "tickwheel/internal/runtime/supervisor"
	logx "tickwheel/pkg/logx"
)

// Config controls the HTTP endpoint.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	// RatePerSec limits task submissions across all clients. 0 disables the limit.
	RatePerSec float64
	Burst      int

	MaxBodyBytes int64

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	Pprof       bool
	PprofPrefix string
}

const (
	defaultAddr         = "127.0.0.1:8080"
	defaultMaxBodyBytes = 64 << 10
)

// Validate rejects configs the server would refuse to serve.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	addr := strings.TrimSpace(c.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("http.addr %q: %w", addr, err)
	}
	if !c.AllowInsecure && c.Token == "" && !isLoopbackAddr(addr) {
		return fmt.Errorf("http.addr %q is not loopback: set http.token or http.allow_insecure", addr)
	}
	if c.RatePerSec < 0 || c.Burst < 0 {
		return errors.New("http.rate_per_sec and http.burst must be >= 0")
	}
	if c.MaxBodyBytes < 0 {
		return errors.New("http.max_body_bytes must be >= 0")
	}
	return nil
}

type Service struct {
	log  logx.Logger
	deps Deps

	mu    sync.Mutex
	cfg   Config
	cur   *run
	ready chan struct{} // closed when cur's listener is bound
}

// run is one Start..Stop cycle. ln and srv are set while a listener is up
// and guarded by Service.mu.
type run struct {
	sup *rtsup.Supervisor
	ln  net.Listener
	srv *http.Server
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, deps: deps, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr returns the bound listener address, or "" while not listening.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.cur.ln == nil {
		return ""
	}
	return s.cur.ln.Addr().String()
}

// Ready is closed once a listener is bound. It may be taken before Start.
func (s *Service) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready == nil {
		s.ready = make(chan struct{})
	}
	return s.ready
}

// Reconfigure swaps in cfg, restarting the listener when anything changed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	changed := s.cfg != cfg
	running := s.cur != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
	case !running:
		s.Start(ctx)
	case changed:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the listener under a restart loop. It is a no-op when
// already running or disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil || !s.cfg.Enabled {
		return
	}
	r := &run{sup: rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))}
	s.cur = r
	r.sup.GoRestart("http.serve", func(c context.Context) error { return s.serve(c, r) },
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the server down gracefully within ctx, then closes it.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	r := s.cur
	s.cur = nil
	s.ready = nil
	var srv *http.Server
	if r != nil {
		srv = r.srv
	}
	s.mu.Unlock()
	if r == nil {
		return
	}

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			s.log.Debug("http shutdown incomplete", logx.Err(err))
			_ = srv.Close()
		}
	}
	r.sup.Cancel()
	_ = r.sup.Wait(ctx)
	s.log.Info("http api stopped")
}

func (s *Service) serve(ctx context.Context, r *run) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if err := cfg.Validate(); err != nil {
		s.log.Error("http api refused to start", logx.Err(err))
		return err
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("http api has no token on a non-loopback addr", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		s.log.Error("http api listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}
	srv := &http.Server{
		Handler:      s.handler(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	s.mu.Lock()
	if s.cur != r {
		s.mu.Unlock()
		_ = ln.Close()
		return context.Canceled
	}
	r.ln, r.srv = ln, srv
	if s.ready == nil {
		s.ready = make(chan struct{})
	}
	close(s.ready)
	s.mu.Unlock()

	// A canceled run closes the server even if Stop never reaches it.
	stop := context.AfterFunc(ctx, func() { _ = srv.Close() })
	defer stop()

	s.log.Info("http api started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cfg.Token != ""),
		logx.Bool("pprof", cfg.Pprof),
	)
	err = srv.Serve(ln)

	s.mu.Lock()
	r.ln, r.srv = nil, nil
	stopped := s.cur != r
	if !stopped {
		// A restarted listener gets a fresh ready channel.
		s.ready = nil
	}
	s.mu.Unlock()

	if ctx.Err() != nil || (stopped && errors.Is(err, http.ErrServerClosed)) {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.RatePerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = max(1, int(cfg.RatePerSec))
	}
	return rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
}

func isLoopbackAddr(addr string) bool {
	// addr is expected in host:port (host may be empty).
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
