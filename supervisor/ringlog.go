package supervisor

import "sync"

// ringCapacity is how many recent stdio lines are kept per worker.
const ringCapacity = 100

// RingLog keeps the most recent lines of a worker's stdout/stderr for the
// control bot's /logs command.
type RingLog struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func NewRingLog() *RingLog {
	return &RingLog{lines: make([]string, ringCapacity)}
}

// Append records one line, evicting the oldest once the ring is full.
func (r *RingLog) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// Lines returns the buffered lines, oldest first.
func (r *RingLog) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]string, r.next)
		copy(out, r.lines[:r.next])
		return out
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	out = append(out, r.lines[:r.next]...)
	return out
}

// Len returns how many lines are currently buffered.
func (r *RingLog) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.lines)
	}
	return r.next
}
