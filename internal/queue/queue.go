// Package queue implements the bounded FIFO queues that decouple order
// submission from book mutation: the order request queue holds not-yet-
// activated intents, the matching queue holds pending match ticks.
//
// Both are fixed-capacity ring buffers with head/tail indices so that
// "take the next item" is a well-defined single-writer operation. The
// engine never loops over a queue internally — callers drain them one
// step at a time until Len reports zero.
package queue

import "errors"

// Capacities of the two engine queues.
const (
	RequestCapacity = 50
	MatchCapacity   = 100
)

var (
	// ErrQueueFull is returned when an enqueue would exceed capacity.
	ErrQueueFull = errors.New("queue: full")

	// ErrQueueEmpty is returned when a dequeue finds no items.
	ErrQueueEmpty = errors.New("queue: empty")
)

// Fifo is a bounded first-in-first-out ring buffer.
type Fifo[T any] struct {
	items []T
	head  int
	tail  int
	count int
}

// NewFifo creates an empty queue with the given fixed capacity.
func NewFifo[T any](capacity int) *Fifo[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Fifo[T]{items: make([]T, capacity)}
}

// Enqueue appends item, failing with ErrQueueFull at capacity.
func (q *Fifo[T]) Enqueue(item T) error {
	if q.count == len(q.items) {
		return ErrQueueFull
	}
	q.items[q.tail] = item
	q.tail = (q.tail + 1) % len(q.items)
	q.count++
	return nil
}

// Dequeue removes and returns the head item.
func (q *Fifo[T]) Dequeue() (T, error) {
	var zero T
	if q.count == 0 {
		return zero, ErrQueueEmpty
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.count--
	return item, nil
}

// Peek returns the head item without removing it.
func (q *Fifo[T]) Peek() (T, error) {
	var zero T
	if q.count == 0 {
		return zero, ErrQueueEmpty
	}
	return q.items[q.head], nil
}

// Len returns the number of queued items.
func (q *Fifo[T]) Len() int { return q.count }

// Cap returns the fixed capacity.
func (q *Fifo[T]) Cap() int { return len(q.items) }
