package timewheel

import (
	"container/list"
	"context"
	"time"
)

// Job is a unit of deferred work. Its result is never reported back to the submitter.
type Job func(ctx context.Context) error

// Dispatcher runs fired jobs. Dispatch must not block the caller on job completion.
type Dispatcher interface {
	Dispatch(key string, job Job)
}

// DispatcherFunc adapts a plain function to Dispatcher.
type DispatcherFunc func(key string, job Job)

func (f DispatcherFunc) Dispatch(key string, job Job) { f(key, job) }

// entry is one pending task. slot is fixed at submission; rotations counts the
// full ring traversals left before it may fire.
type entry struct {
	key       string
	job       Job
	slot      int
	rotations int
	due       int64 // unix ms, informational
	elem      *list.Element
}

// Config holds the wheel geometry.
type Config struct {
	SlotCount int           // default 10
	Interval  time.Duration // default 1s
}

const (
	DefaultSlotCount = 10
	DefaultInterval  = time.Second
	DefaultWorkers   = 5
)

func (c Config) withDefaults() Config {
	if c.SlotCount <= 0 {
		c.SlotCount = DefaultSlotCount
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Interval < time.Millisecond {
		c.Interval = time.Millisecond
	}
	return c
}

// TaskEvent is the payload published on the event bus for task lifecycle events.
type TaskEvent struct {
	Key       string    `json:"key"`
	Slot      int       `json:"slot"`
	Rotations int       `json:"rotations"`
	Due       time.Time `json:"due"`
	Error     string    `json:"error,omitempty"`
}

// Snapshot is a point-in-time view of the wheel.
type Snapshot struct {
	SlotCount  int       `json:"slot_count"`
	IntervalMs int64     `json:"interval_ms"`
	Cursor     int       `json:"cursor"`
	Reference  time.Time `json:"reference"`
	Pending    int       `json:"pending"`
	Slots      []int     `json:"slots"`
	Running    bool      `json:"running"`
	Stopped    bool      `json:"stopped"`
	Ticks      uint64    `json:"ticks"`
	Fired      uint64    `json:"fired"`
	Submitted  uint64    `json:"submitted"`
	Replaced   uint64    `json:"replaced"`
	Rejected   uint64    `json:"rejected"`
}
