package core

import "sync"

// History is a bounded ring of the most recent results for one provider.
// One writer (the loop) and any number of readers (status queries) touch it
// concurrently; readers always get a copy, never the live slice.
type History struct {
	mu   sync.Mutex
	buf  []Result
	head int
	size int
}

// NewHistory creates a ring holding at most capacity results.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{buf: make([]Result, capacity)}
}

// Append records a result, evicting the oldest entry when full.
func (h *History) Append(r Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.head] = r
	h.head = (h.head + 1) % len(h.buf)
	if h.size < len(h.buf) {
		h.size++
	}
}

// Snapshot returns a copy of the recorded results, oldest first.
func (h *History) Snapshot() []Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Result, 0, h.size)
	start := h.head - h.size
	if start < 0 {
		start += len(h.buf)
	}
	for i := 0; i < h.size; i++ {
		out = append(out, h.buf[(start+i)%len(h.buf)])
	}
	return out
}

// Recent returns a copy of the newest n results, oldest first. n <= 0 or
// n larger than the recorded count returns everything.
func (h *History) Recent(n int) []Result {
	all := h.Snapshot()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Len returns the number of recorded results.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// Capacity returns the fixed ring capacity.
func (h *History) Capacity() int {
	return len(h.buf)
}
