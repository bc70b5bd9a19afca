package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	kit "tickwheel/internal/transport"
)

func TestNewWriterEmitsFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("component", "timewheel"))

	log.Debug("hidden")
	log.Info("task fired",
		String("key", "order-1"),
		Int("slot", 4),
		Millis("due_ms", 1500),
		Duration("after", 2*time.Second),
		Err(errors.New("boom")),
	)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for k, want := range map[string]any{
		"message":   "task fired",
		"component": "timewheel",
		"key":       "order-1",
		"slot":      float64(4),
	} {
		if m[k] != want {
			t.Fatalf("%s = %v, want %v", k, m[k], want)
		}
	}
	if _, ok := m["caller"]; !ok {
		t.Fatal("caller missing")
	}
}

func TestZeroAndNopLoggersAreSafe(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	zero.Info("dropped", String("k", "v"))
	Nop().Error("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop is a configured logger")
	}
}

func TestValidLevel(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want bool
	}{
		{"", true},
		{"debug", true},
		{"WARNING", true},
		{" error ", true},
		{"verbose", false},
	} {
		if got := ValidLevel(tc.in); got != tc.want {
			t.Fatalf("ValidLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestFormatTelegramJSON(t *testing.T) {
	got := formatTelegramJSON([]byte(`{"level":"warn","message":"wheel stopped","pending":3}`))
	if !strings.HasPrefix(got, "[WARN] wheel stopped") || !strings.Contains(got, "- pending=3") {
		t.Fatalf("unexpected message %q", got)
	}
	if got := formatTelegramJSON([]byte("plain text")); got != "plain text" {
		t.Fatalf("non-JSON passthrough = %q", got)
	}
	if got := truncate(strings.Repeat("x", 50), 20); len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncate = %q", got)
	}
}

func TestServiceFileSink(t *testing.T) {
	path := t.TempDir() + "/wheeld.log"
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}, nil)
	defer svc.Close()

	log.Info("written to file", String("key", "k"))
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(b), `"message":"written to file"`) {
		t.Fatalf("file content %q", b)
	}
}

type captureSender struct {
	mu   sync.Mutex
	sent []string
	to   []kit.ChatTarget
}

func (c *captureSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	c.to = append(c.to, to)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestTelegramSinkForwardsAboveMinLevel(t *testing.T) {
	sender := &captureSender{}
	svc, log := New(Config{Level: "debug", Telegram: TelegramConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100}}, sender)
	defer svc.Close()

	log.Error("muted until a chat is set")
	svc.SetTelegramTarget(-100123, 7)
	log.Info("below min level")
	log.Warn("wheel stopped", Int("pending", 3))

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("nothing delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 {
		t.Fatalf("delivered %d messages: %q", len(sender.sent), sender.sent)
	}
	if !strings.HasPrefix(sender.sent[0], "[WARN] wheel stopped") {
		t.Fatalf("message %q", sender.sent[0])
	}
	if sender.to[0] != (kit.ChatTarget{ChatID: -100123, ThreadID: 7}) {
		t.Fatalf("target %+v", sender.to[0])
	}
}
