package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tickwheel/internal/config"
	"tickwheel/internal/eventbus"
	rtsup "tickwheel/internal/runtime/supervisor"
	"tickwheel/internal/services/delay"
	"tickwheel/internal/storage"
	"tickwheel/internal/task/engine"
	"tickwheel/internal/timewheel"
	kit "tickwheel/internal/transport"
	"tickwheel/internal/transport/httpapi"
	"tickwheel/internal/transport/telegram"
	logx "tickwheel/pkg/logx"
)

// App wires the wheel daemon: config, logging, the wheel and its dispatcher,
// the delay service and the HTTP and Telegram front ends.
type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	wheel  *timewheel.Wheel
	engine *engine.Service
	delay  *delay.Service
	http   *httpapi.Service

	adapter  *telegram.Adapter // nil when telegram is disabled
	commands *telegram.Handler
	messages chan kit.Message
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(validate)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	var ad *telegram.Adapter
	var sender kit.Sender
	if cfg.Telegram.Enabled {
		tc, err := mapTelegram(cfg)
		if err != nil {
			return nil, err
		}
		bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram"))
		ad, err = telegram.New(tc, bootLog)
		if err != nil {
			return nil, err
		}
		sender = ad
	}

	// logx.New applies immediately; start with the Telegram sink off so it does
	// not warn about a missing target, then set the target and apply for real.
	logCfg, err := mapLogging(cfg)
	if err != nil {
		return nil, err
	}
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, sender)
	if chatID, _ := groupLogChat(cfg); chatID != 0 {
		logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(logCfg)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorage(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	engCfg, err := mapEngine(cfg)
	if err != nil {
		return nil, err
	}
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)

	wcfg, err := mapWheel(cfg)
	if err != nil {
		return nil, err
	}
	wheel := timewheel.New(wcfg,
		timewheel.WithLogger(log.With(logx.String("comp", "timewheel"))),
		timewheel.WithBus(bus),
		timewheel.WithDispatcher(engineSvc),
	)

	dcfg, err := mapDelay(cfg)
	if err != nil {
		return nil, err
	}
	delaySvc, err := delay.New(dcfg, wheel, log.With(logx.String("comp", "delay")))
	if err != nil {
		return nil, err
	}

	hcfg, err := mapHTTP(cfg)
	if err != nil {
		return nil, err
	}
	deps := httpapi.Deps{Scheduler: delaySvc, Engine: engineSvc, Events: bus}
	if store != nil {
		deps.History = store
	}
	httpSvc := httpapi.New(hcfg, deps, log.With(logx.String("comp", "http")))

	var commands *telegram.Handler
	if ad != nil {
		commands = telegram.NewHandler(delaySvc, ad, log.With(logx.String("comp", "commands")),
			telegram.WithEngine(engineSvc),
			telegram.WithOwners(cfg.Telegram.OwnerUserIDs),
		)
	}

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      bus,
		store:    store,
		wheel:    wheel,
		engine:   engineSvc,
		delay:    delaySvc,
		http:     httpSvc,
		adapter:  ad,
		commands: commands,
		messages: make(chan kit.Message, 256),
	}, nil
}

func (a *App) Wheel() *timewheel.Wheel { return a.wheel }

func (a *App) Delay() *delay.Service { return a.delay }

func (a *App) Engine() *engine.Service { return a.engine }

func (a *App) HTTP() *httpapi.Service { return a.http }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings every component up under one supervisor. Cancelling ctx is a
// fatal stop for the wheel; use Stop for a graceful one.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	// Engine first: the wheel dispatches into it from the first tick.
	a.engine.Start(run)
	if err := a.wheel.Start(run); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("start wheel: %w", err)
	}
	a.sup.Go0("wheel.watch", func(c context.Context) {
		select {
		case <-c.Done():
		case <-a.wheel.Done():
			if err := a.wheel.Err(); err != nil {
				a.log.Error("wheel stopped unexpectedly", logx.Err(err))
				a.sup.Fail(fmt.Errorf("wheel: %w", err))
			}
		}
	})

	if a.store != nil {
		rec := storage.NewRecorder(a.store, a.bus, a.log.With(logx.String("comp", "recorder")))
		a.sup.Go("storage.recorder", rec.Run)
	}

	a.http.Start(run)

	if a.adapter != nil {
		if err := a.adapter.Start(run, a.messages); err != nil {
			a.sup.Cancel()
			return fmt.Errorf("start telegram: %w", err)
		}
		a.sup.Go("telegram.commands", func(c context.Context) error {
			return a.commands.Run(c, a.messages)
		})
		a.sup.Go0("telegram.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			if err := a.adapter.UpdateMenuCommands(mctx, telegram.Commands); err != nil {
				a.log.Warn("telegram menu update failed", logx.Err(err))
			}
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	snap := a.wheel.Snapshot()
	a.log.Info("app started",
		logx.Int("slots", snap.SlotCount),
		logx.Duration("interval", a.wheel.Interval()),
		logx.Bool("http", a.http.Enabled()),
		logx.Bool("telegram", a.adapter != nil),
		logx.Bool("storage", a.store != nil),
	)
	return nil
}

// applyConfig hot-applies a validated config. Sections that need a restart
// are logged and left alone.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	if restart := config.NeedsRestart(oldCfg, newCfg, sections); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	// Target first so Apply does not warn when Telegram logging is enabled.
	chatID, _ := groupLogChat(newCfg)
	a.logs.SetTelegramTarget(chatID, newCfg.Logging.Telegram.ThreadID)
	if lc, err := mapLogging(newCfg); err == nil {
		a.logs.Apply(lc)
	}

	if ec, err := mapEngine(newCfg); err != nil {
		a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, ec)
	}

	if dc, err := mapDelay(newCfg); err == nil {
		if err := a.delay.Apply(dc); err != nil {
			a.log.Warn("invalid delay config; keeping previous", logx.Err(err))
		}
	}

	if hc, err := mapHTTP(newCfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	if a.commands != nil {
		a.commands.SetOwners(newCfg.Telegram.OwnerUserIDs)
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

// Stop shuts components down in dependency order. The wheel stops first and
// gracefully, before the supervisor context is canceled, so shutdown is not
// mistaken for a fatal stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// step runs fn with an upper bound so one component cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Front ends first so nothing new is submitted while the wheel drains.
	step("telegram", 2*time.Second, func(c context.Context) error {
		if a.adapter == nil {
			return nil
		}
		return a.adapter.Stop(c)
	})
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("wheel", 2*time.Second, a.wheel.Stop)

	a.sup.Cancel()

	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	// Wait for supervised loops (recorder, config watch) before closing the store under them.
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})

	a.log.Info("stopped", logx.Uint64("executed", a.engine.Snapshot().Executed))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// Reload re-reads the config file now. A changed, valid file is published to
// the same fan-out the file watcher feeds.
func (a *App) Reload(ctx context.Context) (bool, error) {
	return a.cfgm.Reload(ctx)
}

// Healthy reports whether the wheel is still ticking.
func (a *App) Healthy() bool {
	return a.sup != nil && a.sup.Context().Err() == nil && !a.wheel.Stopped()
}
