package bus

import "github.com/rimeworks/krill/pkg/events"

// ring is a fixed-capacity FIFO buffer of published events. When full, the
// oldest entry is evicted. Not safe for concurrent use; the bus serializes
// access under its own lock.
type ring struct {
	buf   []*events.Event
	head  int // index of the oldest entry
	count int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]*events.Event, capacity)}
}

func (r *ring) append(e *events.Event) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// Full: overwrite the oldest and advance.
	r.buf[r.head] = e
	r.head = (r.head + 1) % len(r.buf)
}

// tail returns up to limit of the most recent entries matching eventType
// (empty string matches all), oldest first.
func (r *ring) tail(eventType string, limit int) []*events.Event {
	if limit <= 0 || r.count == 0 {
		return nil
	}
	matched := make([]*events.Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		e := r.buf[(r.head+i)%len(r.buf)]
		if eventType == "" || e.Type == eventType {
			matched = append(matched, e)
		}
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

func (r *ring) clear() {
	for i := range r.buf {
		r.buf[i] = nil
	}
	r.head = 0
	r.count = 0
}

func (r *ring) len() int { return r.count }
