package project

import "sync"

// logRing keeps the most recent process output lines, dropping the oldest
// once full.
type logRing struct {
	mu    sync.RWMutex
	lines []string
	cap   int
	next  int
	full  bool
}

func newLogRing(capacity int) *logRing {
	return &logRing{lines: make([]string, capacity), cap: capacity}
}

func (r *logRing) Add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.full = true
	}
}

// Tail returns up to n of the newest lines in chronological order.
func (r *logRing) Tail(n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.next
	if r.full {
		size = r.cap
	}
	if n > size {
		n = size
	}
	if n <= 0 {
		return nil
	}

	out := make([]string, 0, n)
	start := r.next - n
	if start < 0 {
		start += r.cap
		out = append(out, r.lines[start:]...)
		out = append(out, r.lines[:r.next]...)
	} else {
		out = append(out, r.lines[start:r.next]...)
	}
	return out
}

func (r *logRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return r.cap
	}
	return r.next
}
