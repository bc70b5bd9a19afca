package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tickwheel/internal/config"
	"tickwheel/internal/services/delay"
	"tickwheel/internal/storage"
	"tickwheel/internal/task/engine"
	"tickwheel/internal/timewheel"
	"tickwheel/internal/transport/httpapi"
	"tickwheel/internal/transport/telegram"
	logx "tickwheel/pkg/logx"
)

func mapWheel(cfg *config.Config) (timewheel.Config, error) {
	if cfg.Wheel.SlotSize < 0 {
		return timewheel.Config{}, errors.New("wheel.slot_size must be >= 0")
	}
	iv, err := config.Duration("wheel.interval", cfg.Wheel.Interval, timewheel.DefaultInterval)
	if err != nil {
		return timewheel.Config{}, err
	}
	if iv < time.Millisecond {
		return timewheel.Config{}, fmt.Errorf("wheel.interval must be >= 1ms, got %s", iv)
	}
	return timewheel.Config{SlotCount: cfg.Wheel.SlotSize, Interval: iv}, nil
}

// mapEngine maps the dispatcher section. The engine is always on: it is the
// wheel's dispatcher.
func mapEngine(cfg *config.Config) (engine.Config, error) {
	d := cfg.Dispatcher
	if d.Workers < 0 {
		return engine.Config{}, errors.New("dispatcher.workers must be >= 0")
	}
	if d.QueueSize < 0 {
		return engine.Config{}, errors.New("dispatcher.queue_size must be >= 0")
	}
	if d.HistorySize < 0 {
		return engine.Config{}, errors.New("dispatcher.history_size must be >= 0")
	}
	if d.RetryMax < 0 {
		return engine.Config{}, errors.New("dispatcher.retry_max must be >= 0")
	}
	timeout, err := config.Duration("dispatcher.default_timeout", d.DefaultTimeout, 0)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.Duration("dispatcher.max_queue_delay", d.MaxQueueDelay, 0)
	if err != nil {
		return engine.Config{}, err
	}

	workers := d.Workers
	if workers == 0 {
		workers = engine.DefaultWorkers
	}
	queue := d.QueueSize
	if queue == 0 {
		queue = engine.DefaultQueueSize
	}
	history := d.HistorySize
	if history == 0 {
		history = engine.DefaultHistorySize
	}
	return engine.Config{
		Enabled:        true,
		Workers:        workers,
		QueueSize:      queue,
		DefaultTimeout: timeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    history,
		RetryMax:       d.RetryMax,
	}, nil
}

func mapDelay(cfg *config.Config) (delay.Config, error) {
	dc := delay.Config{Timezone: cfg.Delay.Timezone, Output: cfg.Delay.Output}
	if err := dc.Validate(); err != nil {
		return delay.Config{}, err
	}
	return dc, nil
}

func mapHTTP(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	read, err := config.Duration("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.Duration("http.write_timeout", h.WriteTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.Duration("http.idle_timeout", h.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	hc := httpapi.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         h.Token,
		AllowInsecure: h.AllowInsecure,
		RatePerSec:    h.RatePerSec,
		Burst:         h.Burst,
		MaxBodyBytes:  h.MaxBodyBytes,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
		Pprof:         h.Pprof,
		PprofPrefix:   h.PprofPrefix,
	}
	if err := hc.Validate(); err != nil {
		return httpapi.Config{}, err
	}
	return hc, nil
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.Duration("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	tc := telegram.Config{Token: strings.TrimSpace(cfg.Telegram.Token), PollTimeout: poll}
	if cfg.Telegram.Enabled && tc.Token == "" {
		return telegram.Config{}, errors.New("telegram.token is required when telegram.enabled is true")
	}
	if _, err := groupLogChat(cfg); err != nil {
		return telegram.Config{}, err
	}
	return tc, nil
}

// groupLogChat parses telegram.group_log. 0 means no log chat.
func groupLogChat(cfg *config.Config) (int64, error) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram.group_log must be a numeric chat id: %w", err)
	}
	return id, nil
}

func mapLogging(cfg *config.Config) (logx.Config, error) {
	l := cfg.Logging
	if l.Level != "" && !logx.ValidLevel(l.Level) {
		return logx.Config{}, fmt.Errorf("logging.level: unknown level %q", l.Level)
	}
	if l.Telegram.MinLevel != "" && !logx.ValidLevel(l.Telegram.MinLevel) {
		return logx.Config{}, fmt.Errorf("logging.telegram.min_level: unknown level %q", l.Telegram.MinLevel)
	}
	if l.File.Enabled && strings.TrimSpace(l.File.Path) == "" {
		return logx.Config{}, errors.New("logging.file.path is required when logging.file.enabled is true")
	}
	if l.File.MaxSizeMB < 0 || l.File.MaxBackups < 0 || l.File.MaxAgeDays < 0 {
		return logx.Config{}, errors.New("logging.file rotation limits must be >= 0")
	}
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}, nil
}

// mapStorage returns enabled=false when the journal is off.
func mapStorage(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver, err := storage.Driver(sc.Driver)
	if err != nil {
		return storage.Config{}, false, fmt.Errorf("storage.driver: %w", err)
	}
	if driver == "" {
		return storage.Config{}, false, nil
	}
	if sc.MaxRows < 0 {
		return storage.Config{}, false, errors.New("storage.max_rows must be >= 0")
	}
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), MaxRows: sc.MaxRows}
	if out.Path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	if driver == "sqlite" {
		if out.BusyTimeout, err = config.Duration("storage.busy_timeout", sc.BusyTimeout, time.Second); err != nil {
			return storage.Config{}, false, err
		}
	}
	return out, true, nil
}

// validate runs every mapper so a reload is rejected before anything is applied.
func validate(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if _, err := mapWheel(cfg); err != nil {
		return err
	}
	if _, err := mapEngine(cfg); err != nil {
		return err
	}
	if _, err := mapDelay(cfg); err != nil {
		return err
	}
	if _, err := mapHTTP(cfg); err != nil {
		return err
	}
	if _, err := mapTelegram(cfg); err != nil {
		return err
	}
	if _, err := mapLogging(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorage(cfg); err != nil {
		return err
	}
	return nil
}
