package engine

import "sync"

// history keeps the last N finished tasks in a fixed ring.
type history struct {
	mu   sync.Mutex
	buf  []HistoryItem
	next int
	n    int
}

func newHistory(size int) *history {
	return &history{buf: make([]HistoryItem, max(size, 0))}
}

func (h *history) add(it HistoryItem) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.buf) == 0 {
		return
	}
	h.buf[h.next] = it
	h.next = (h.next + 1) % len(h.buf)
	if h.n < len(h.buf) {
		h.n++
	}
}

// items returns the retained entries, oldest first.
func (h *history) items() []HistoryItem {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.itemsLocked()
}

func (h *history) itemsLocked() []HistoryItem {
	if h.n == 0 {
		return nil
	}
	out := make([]HistoryItem, h.n)
	start := (h.next - h.n + len(h.buf)) % len(h.buf)
	for i := range out {
		out[i] = h.buf[(start+i)%len(h.buf)]
	}
	return out
}

// resize keeps the newest entries that fit.
func (h *history) resize(size int) {
	size = max(size, 0)
	h.mu.Lock()
	defer h.mu.Unlock()
	if size == len(h.buf) {
		return
	}
	kept := h.itemsLocked()
	if len(kept) > size {
		kept = kept[len(kept)-size:]
	}
	h.buf = make([]HistoryItem, size)
	copy(h.buf, kept)
	h.n = len(kept)
	h.next = 0
	if size > 0 {
		h.next = h.n % size
	}
}
