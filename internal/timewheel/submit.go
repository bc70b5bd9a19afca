package timewheel

import (
	"fmt"
	"math"
	"strings"
	"time"

	"tickwheel/internal/eventbus"
	logx "tickwheel/pkg/logx"
)

// SubmitAt schedules job to fire on the first tick boundary at or after at.
// A live key is replaced: the previous entry is removed and never fires.
func (w *Wheel) SubmitAt(key string, job Job, at time.Time) error {
	if err := checkTask(key, job); err != nil {
		return w.reject(key, err)
	}
	if at.IsZero() {
		return w.reject(key, ErrMissingWorkOrTime)
	}
	// Round up so a sub-millisecond remainder never fires before at.
	due := at.UnixMilli()
	if at.Sub(time.UnixMilli(due)) > 0 {
		due++
	}
	return w.place(key, job, func(int64) (int64, error) { return due, nil })
}

// SubmitAfter schedules job delay units after the current boundary, plus one tick.
// A delay of zero fires on the next tick.
func (w *Wheel) SubmitAfter(key string, job Job, delay int, unit time.Duration) error {
	if err := checkTask(key, job); err != nil {
		return w.reject(key, err)
	}
	if unit <= 0 {
		return w.reject(key, ErrMissingWorkOrTime)
	}
	if delay < 0 {
		return w.reject(key, ErrTriggerTimePassed)
	}
	if int64(delay) > math.MaxInt64/int64(unit) {
		return w.reject(key, ErrDelayOutOfRange)
	}
	span := (time.Duration(delay) * unit).Milliseconds()
	return w.place(key, job, func(ref int64) (int64, error) {
		if span > math.MaxInt64-ref-2*w.step {
			return 0, ErrDelayOutOfRange
		}
		return ref + span + w.step, nil
	})
}

func checkTask(key string, job Job) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if job == nil {
		return ErrMissingWorkOrTime
	}
	return nil
}

// position maps a delay (ms past ref, already rounded up to the interval) to a
// slot and a rotation count. A task n ticks out sits n slots ahead of the cursor
// and is skipped (n-1)/slotCount times before it fires. For a delay that is an
// exact multiple of the loop (slotCount ticks) this is one rotation fewer than
// delay/loop: the task lands on the cursor's own slot and fires on its first
// return, at ref+delay, instead of one full loop later.
func (w *Wheel) position(delay int64) (slot, rotations int) {
	ticks := delay / w.step
	rotations = int((ticks - 1) / int64(w.slotCount))
	slot = int((int64(w.cursor) + ticks) % int64(w.slotCount))
	return slot, rotations
}

func (w *Wheel) place(key string, job Job, target func(ref int64) (int64, error)) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return w.reject(key, ErrStopped)
	}

	due, err := target(w.ref)
	if err != nil {
		w.mu.Unlock()
		return w.reject(key, err)
	}
	delay := due - w.ref
	if delay <= 0 {
		w.mu.Unlock()
		return w.reject(key, ErrTriggerTimePassed)
	}
	if delay > math.MaxInt64-w.step {
		w.mu.Unlock()
		return w.reject(key, ErrDelayOutOfRange)
	}
	if rem := delay % w.step; rem != 0 {
		delay += w.step - rem
	}
	slot, rotations := w.position(delay)

	replaced := false
	if old, ok := w.index[key]; ok {
		if old.elem != nil {
			w.slots[old.slot].Remove(old.elem)
		}
		replaced = true
	}
	en := &entry{
		key:       key,
		job:       job,
		slot:      slot,
		rotations: rotations,
		due:       w.ref + delay,
	}
	en.elem = w.slots[slot].PushBack(en)
	w.index[key] = en
	w.mu.Unlock()

	w.submitted.Add(1)
	ev := TaskEvent{Key: key, Slot: slot, Rotations: rotations, Due: time.UnixMilli(en.due)}
	if replaced {
		w.replaced.Add(1)
		w.log.Debug("task replaced", logx.String("key", key), logx.Int("slot", slot), logx.Int("rotations", rotations))
		w.bus.Publish(eventbus.Event{Type: eventbus.TaskReplaced, Data: ev})
	}
	w.log.Debug("task submitted",
		logx.String("key", key),
		logx.Int("slot", slot),
		logx.Int("rotations", rotations),
		logx.Millis("due", en.due),
	)
	w.bus.Publish(eventbus.Event{Type: eventbus.TaskSubmitted, Data: ev})
	return nil
}

func (w *Wheel) reject(key string, err error) error {
	w.rejected.Add(1)
	w.log.Debug("task rejected", logx.String("key", key), logx.Err(err))
	w.bus.Publish(eventbus.Event{Type: eventbus.TaskRejected, Data: TaskEvent{Key: key, Error: ErrorCode(err)}})
	return fmt.Errorf("submit %q: %w", key, err)
}
