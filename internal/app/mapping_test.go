package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tickwheel/internal/config"
	"tickwheel/internal/task/engine"
)

func TestMapEngineDefaults(t *testing.T) {
	t.Parallel()

	ec, err := mapEngine(&config.Config{})
	require.NoError(t, err)
	require.True(t, ec.Enabled)
	require.Equal(t, engine.DefaultWorkers, ec.Workers)
	require.Equal(t, engine.DefaultQueueSize, ec.QueueSize)
	require.Equal(t, engine.DefaultHistorySize, ec.HistorySize)
	require.Zero(t, ec.RetryMax)
	require.Zero(t, ec.DefaultTimeout)

	ec, err = mapEngine(&config.Config{Dispatcher: config.DispatcherConfig{
		Workers: 2, RetryMax: 3, DefaultTimeout: "5s", MaxQueueDelay: "1m",
	}})
	require.NoError(t, err)
	require.Equal(t, 2, ec.Workers)
	require.Equal(t, 3, ec.RetryMax)
	require.Equal(t, 5*time.Second, ec.DefaultTimeout)
	require.Equal(t, time.Minute, ec.MaxQueueDelay)
}

func TestMapWheel(t *testing.T) {
	t.Parallel()

	wc, err := mapWheel(&config.Config{})
	require.NoError(t, err)
	require.Zero(t, wc.SlotCount)
	require.Equal(t, time.Second, wc.Interval)

	wc, err = mapWheel(&config.Config{Wheel: config.WheelConfig{SlotSize: 60, Interval: "250ms"}})
	require.NoError(t, err)
	require.Equal(t, 60, wc.SlotCount)
	require.Equal(t, 250*time.Millisecond, wc.Interval)
}

func TestMapStorage(t *testing.T) {
	t.Parallel()

	_, enabled, err := mapStorage(&config.Config{})
	require.NoError(t, err)
	require.False(t, enabled)

	sc, enabled, err := mapStorage(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite3", Path: "x.db"}})
	require.NoError(t, err)
	require.True(t, enabled)
	require.Equal(t, "sqlite", sc.Driver)
	require.Equal(t, time.Second, sc.BusyTimeout)

	_, _, err = mapStorage(&config.Config{Storage: &config.StorageConfig{Driver: "file"}})
	require.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  config.Config
	}{
		{"negative slots", config.Config{Wheel: config.WheelConfig{SlotSize: -1}}},
		{"sub-ms interval", config.Config{Wheel: config.WheelConfig{Interval: "10us"}}},
		{"negative workers", config.Config{Dispatcher: config.DispatcherConfig{Workers: -2}}},
		{"bad timeout", config.Config{Dispatcher: config.DispatcherConfig{DefaultTimeout: "soon"}}},
		{"bad timezone", config.Config{Delay: config.DelayConfig{Timezone: "Nowhere/City"}}},
		{"bad output", config.Config{Delay: config.DelayConfig{Output: "printer"}}},
		{"insecure bind", config.Config{HTTP: config.HTTPConfig{Enabled: true, Addr: "0.0.0.0:8080"}}},
		{"telegram without token", config.Config{Telegram: config.TelegramConfig{Enabled: true}}},
		{"group log not numeric", config.Config{Telegram: config.TelegramConfig{GroupLog: "@ops"}}},
		{"bad level", config.Config{Logging: config.LoggingConfig{Level: "LOUD"}}},
		{"file sink without path", config.Config{Logging: config.LoggingConfig{File: config.LoggingFile{Enabled: true}}}},
		{"unknown storage", config.Config{Storage: &config.StorageConfig{Driver: "redis", Path: "x"}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Error(t, validate(context.Background(), &tt.cfg))
		})
	}

	ok := config.Config{
		HTTP:    config.HTTPConfig{Enabled: true, Addr: "0.0.0.0:8080", Token: "secret"},
		Delay:   config.DelayConfig{Timezone: "UTC", Output: "none"},
		Logging: config.LoggingConfig{Level: "debug"},
	}
	require.NoError(t, validate(context.Background(), &ok))
}

func TestExampleConfigIsValid(t *testing.T) {
	t.Parallel()

	cfg, err := config.NewManager("../../wheeld.example.yaml").Parse()
	require.NoError(t, err)
	require.NoError(t, validate(context.Background(), cfg))
	require.Equal(t, 10, cfg.Wheel.SlotSize)
	require.NotNil(t, cfg.Storage)
}
