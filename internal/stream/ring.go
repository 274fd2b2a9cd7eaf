package stream

import "github.com/ashureev/firmdesk/internal/domain"

// EventRing is a fixed-size circular buffer of events. When full, the oldest
// event is overwritten. Not safe for concurrent use; the hub guards it with
// the per-task mutex.
type EventRing struct {
	buf  []domain.Event
	size int
	head int // write position
	full bool
}

// NewEventRing creates a ring holding at most size events.
func NewEventRing(size int) *EventRing {
	if size <= 0 {
		size = 500
	}
	return &EventRing{
		buf:  make([]domain.Event, size),
		size: size,
	}
}

// Push appends an event, overwriting the oldest when full.
func (r *EventRing) Push(ev domain.Event) {
	r.buf[r.head] = ev
	r.head = (r.head + 1) % r.size
	if r.head == 0 {
		r.full = true
	}
}

// Len returns the number of buffered events.
func (r *EventRing) Len() int {
	if r.full {
		return r.size
	}
	return r.head
}

// Events returns buffered events oldest first.
func (r *EventRing) Events() []domain.Event {
	if !r.full {
		out := make([]domain.Event, r.head)
		copy(out, r.buf[:r.head])
		return out
	}
	out := make([]domain.Event, r.size)
	n := copy(out, r.buf[r.head:])
	copy(out[n:], r.buf[:r.head])
	return out
}

// Last returns up to limit of the most recent events, oldest first.
func (r *EventRing) Last(limit int) []domain.Event {
	all := r.Events()
	if limit > 0 && len(all) > limit {
		return all[len(all)-limit:]
	}
	return all
}

// After returns up to limit events with ID greater than afterID, keeping the
// most recent ones when more are available.
func (r *EventRing) After(afterID int64, limit int) []domain.Event {
	all := r.Events()
	start := len(all)
	for i, ev := range all {
		if ev.ID > afterID {
			start = i
			break
		}
	}
	out := all[start:]
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Reset clears the ring.
func (r *EventRing) Reset() {
	clear(r.buf)
	r.head = 0
	r.full = false
}
