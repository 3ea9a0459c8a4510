// Package queue implements the bounded ring buffer of input events that
// connections enqueue and the host polls: a small mutex-protected struct
// guarding a slice, with no channel-per-waiter machinery needed since
// polling is host-driven rather than blocking.
package queue

import (
	"sync"

	"github.com/kestrelvnc/trfb/event"
)

// Capacity is the fixed size of the event ring buffer.
const Capacity = 128

// EventQueue is a bounded FIFO of input events. The zero value is not
// usable; use New.
type EventQueue struct {
	mu      sync.Mutex
	entries [Capacity]event.Event
	head    int
	length  int
}

// New returns an empty event queue.
func New() *EventQueue {
	return &EventQueue{}
}

// Add appends e to the queue. When the queue is full, the newest event
// (e) is dropped rather than the oldest, keeping the host's view bounded
// to the earliest unconsumed events and capping enqueue latency.
func (q *EventQueue) Add(e event.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.length == Capacity {
		return
	}
	idx := (q.head + q.length) % Capacity
	q.entries[idx] = e
	q.length++
}

// Poll removes and returns the oldest queued event. The second return
// value is false when the queue is empty.
func (q *EventQueue) Poll() (event.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.length == 0 {
		return event.Event{}, false
	}
	e := q.entries[q.head]
	q.entries[q.head] = event.Event{}
	q.head = (q.head + 1) % Capacity
	q.length--
	return e, true
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}
