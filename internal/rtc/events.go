package rtc

import (
	"sync"
	"time"
)

// Event is one entry in the negotiator's diagnostic trail: signaling steps,
// candidate outcomes, teardown reasons.
type Event struct {
	At     time.Time
	Kind   string
	Detail string
}

// eventRing is fixed-capacity storage for recent events. Old entries are
// overwritten once the ring is full.
type eventRing struct {
	mu       sync.RWMutex
	data     []Event
	capacity int
	size     int
	head     int // next write position
	tail     int // oldest element
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{
		data:     make([]Event, capacity),
		capacity: capacity,
	}
}

func (r *eventRing) add(kind, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data[r.head] = Event{At: time.Now(), Kind: kind, Detail: detail}
	r.head = (r.head + 1) % r.capacity

	if r.size < r.capacity {
		r.size++
	} else {
		r.tail = (r.tail + 1) % r.capacity
	}
}

// recent returns the buffered events, oldest first.
func (r *eventRing) recent() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Event, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.data[(r.tail+i)%r.capacity])
	}
	return out
}
