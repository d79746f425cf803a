package tui

import "sync"

// ringCapacity is the fixed size of the log panel buffer. Older entries are
// dropped silently once the ring is full.
const ringCapacity = 500

// Ring is a fixed-capacity line buffer for the log panel.
type Ring struct {
	mu    sync.Mutex
	buf   []string
	start int
	count int
}

// NewRing creates a ring with the standard capacity.
func NewRing() *Ring {
	return &Ring{buf: make([]string, ringCapacity)}
}

// Append adds a line, evicting the oldest when full.
func (r *Ring) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = line
		r.count++
		return
	}
	r.buf[r.start] = line
	r.start = (r.start + 1) % len(r.buf)
}

// Lines returns the buffered lines, oldest first.
func (r *Ring) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Len returns the number of buffered lines.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
