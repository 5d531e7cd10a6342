package notify

import (
	"sync"
)

// Ring is a fixed-size circular buffer of events. When full, the oldest
// event is overwritten.
type Ring struct {
	buf  []Event
	size int
	head int // write position
	tail int // read position
	full bool
	mu   sync.RWMutex
}

// NewRing creates a ring holding at most size events.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 50
	}
	return &Ring{
		buf:  make([]Event, size),
		size: size,
	}
}

// Push appends e, overwriting the oldest event when the ring is full.
func (r *Ring) Push(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.full {
		r.tail = (r.tail + 1) % r.size
	}
	r.buf[r.head] = e
	r.head = (r.head + 1) % r.size
	if r.head == r.tail {
		r.full = true
	}
}

// Snapshot returns the buffered events, oldest first.
func (r *Ring) Snapshot() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.lenLocked()
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(r.tail+i)%r.size])
	}
	return out
}

// After returns the buffered events with Seq greater than seq.
func (r *Ring) After(seq int64) []Event {
	all := r.Snapshot()
	for i, e := range all {
		if e.Seq > seq {
			return all[i:]
		}
	}
	return nil
}

// Len returns the number of buffered events.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lenLocked()
}

func (r *Ring) lenLocked() int {
	if r.full {
		return r.size
	}
	if r.head >= r.tail {
		return r.head - r.tail
	}
	return (r.size - r.tail) + r.head
}

// Reset clears the ring.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.head = 0
	r.tail = 0
	r.full = false
}

// Capacity returns the maximum number of events held.
func (r *Ring) Capacity() int {
	return r.size
}
