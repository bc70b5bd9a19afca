package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleJSON = `{
  "wheel": {"slot_size": 60, "interval": "1s"},
  "dispatcher": {"workers": 8, "retry_max": 2},
  "delay": {"timezone": "UTC"},
  "http": {"enabled": true, "addr": "127.0.0.1:0", "token": "s3cret"},
  "telegram": {"enabled": false, "token": "", "owner_user_ids": [1, 2], "group_log": "", "poll_timeout": "10s"},
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}, "telegram": {"enabled": false, "thread_id": 0, "min_level": "", "rate_per_sec": 0}},
  "storage": {"driver": "file", "path": "./data/journal"}
}`

const sampleYAML = `
wheel:
  slot_size: 60
  interval: 1s
dispatcher:
  workers: 8
  retry_max: 2
delay:
  timezone: UTC
http:
  enabled: true
  addr: 127.0.0.1:0
  token: s3cret
telegram:
  enabled: false
  token: ""
  owner_user_ids: [1, 2]
  group_log: ""
  poll_timeout: 10s
logging:
  level: debug
  console: true
  file: {enabled: false, path: ""}
  telegram: {enabled: false, thread_id: 0, min_level: "", rate_per_sec: 0}
storage:
  driver: file
  path: ./data/journal
`

func TestDecodeJSONAndYAMLAgree(t *testing.T) {
	t.Parallel()

	j, err := Decode("wheeld.json", []byte(sampleJSON))
	require.NoError(t, err)
	y, err := Decode("wheeld.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.Equal(t, j, y)

	require.Equal(t, 60, j.Wheel.SlotSize)
	require.Equal(t, 8, j.Dispatcher.Workers)
	require.Equal(t, []int64{1, 2}, j.Telegram.OwnerUserIDs)
	require.NotNil(t, j.Storage)
	require.Equal(t, "file", j.Storage.Driver)
	require.Equal(t, Hash(j), Hash(y))
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name, path, body, want string
	}{
		{name: "unknown field", path: "c.json", body: `{"wheel": {"slots": 10}}`, want: "unknown field"},
		{name: "trailing data", path: "c.json", body: `{} {}`, want: "trailing data"},
		{name: "yaml unknown field", path: "c.yml", body: "http:\n  port: 80\n", want: "unknown field"},
		{name: "bad yaml", path: "c.yaml", body: "wheel: [", want: "yaml"},
	}
	for _, tt := range tests {
		_, err := Decode(tt.path, []byte(tt.body))
		require.Error(t, err, tt.name)
		require.Contains(t, err.Error(), tt.want, tt.name)
	}

	cfg, err := Decode("empty.yaml", nil)
	require.NoError(t, err)
	require.Equal(t, &Config{}, cfg)
}

func TestDuration(t *testing.T) {
	t.Parallel()

	d, err := Duration("x", "", time.Second)
	require.NoError(t, err)
	require.Equal(t, time.Second, d)

	d, err = Duration("x", "0s", time.Second)
	require.NoError(t, err)
	require.Equal(t, time.Second, d)

	d, err = Duration("x", " 250ms ", time.Second)
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, d)

	_, err = Duration("wheel.interval", "-1s", 0)
	require.ErrorContains(t, err, "wheel.interval")
	_, err = Duration("wheel.interval", "soon", 0)
	require.ErrorContains(t, err, "invalid duration")
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()

	oldCfg, err := Decode("a.json", []byte(sampleJSON))
	require.NoError(t, err)
	newCfg, err := Decode("a.json", []byte(sampleJSON))
	require.NoError(t, err)

	changed, _ := SummarizeChange(oldCfg, newCfg)
	require.Empty(t, changed)

	newCfg.Wheel.SlotSize = 120
	newCfg.HTTP.Token = "rotated"
	newCfg.Telegram.OwnerUserIDs = []int64{3}
	newCfg.Storage = nil

	changed, attrs := SummarizeChange(oldCfg, newCfg)
	require.Equal(t, []string{"http", "storage", "telegram", "wheel"}, changed)
	require.NotEmpty(t, attrs)
	require.Equal(t, []string{"storage", "wheel"}, NeedsRestart(oldCfg, newCfg, changed))

	newCfg2 := *oldCfg
	newCfg2.Telegram.Token = "other"
	changed, _ = SummarizeChange(oldCfg, &newCfg2)
	require.Equal(t, []string{"telegram"}, NeedsRestart(oldCfg, &newCfg2, changed))
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func TestLoadAndReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wheeld.json")
	writeFile(t, path, sampleJSON)

	m := NewManager(path)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Wheel.SlotSize < 0 {
			return errors.New("wheel.slot_size must be >= 0")
		}
		return nil
	})
	ctx := context.Background()
	cfg, err := m.Load(ctx)
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	published, err := m.Reload(ctx)
	require.NoError(t, err)
	require.False(t, published, "unchanged content must not publish")

	writeFile(t, path, strings.Replace(sampleJSON, `"slot_size": 60`, `"slot_size": -1`, 1))
	published, err = m.Reload(ctx)
	require.ErrorContains(t, err, "config rejected")
	require.False(t, published)
	require.Equal(t, 60, m.Get().Wheel.SlotSize)

	writeFile(t, path, strings.Replace(sampleJSON, `"workers": 8`, `"workers": 3`, 1))
	published, err = m.Reload(ctx)
	require.NoError(t, err)
	require.True(t, published)
	got := <-sub
	require.Equal(t, 3, got.Dispatcher.Workers)
}

func TestWatchPublishesOnWrite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "wheeld.yaml")
	writeFile(t, path, sampleYAML)

	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load(context.Background())
	require.NoError(t, err)

	sub := m.Subscribe(4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// The watcher may not be armed yet; keep rewriting until a publish lands.
	deadline := time.After(5 * time.Second)
	for i := 0; ; i++ {
		writeFile(t, path, strings.Replace(sampleYAML, "workers: 8", "workers: "+string(rune('1'+i%9)), 1))
		select {
		case cfg := <-sub:
			require.NotEqual(t, 8, cfg.Dispatcher.Workers)
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("no config published after file change")
		}
	}
}

func TestPublishKeepsLatest(t *testing.T) {
	t.Parallel()

	m := NewManager("unused.json")
	sub := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	require.Same(t, b, <-sub)

	m.Unsubscribe(sub)
	_, ok := <-sub
	require.False(t, ok)
	m.publish(a)
}
