package queue_test

import (
	"errors"
	"testing"

	"github.com/betmesh/exchange-engine/internal/queue"
)

func TestFifo_Ordering(t *testing.T) {
	q := queue.NewFifo[int](4)

	for i := 1; i <= 4; i++ {
		if err := q.Enqueue(i); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	for i := 1; i <= 4; i++ {
		got, err := q.Dequeue()
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if got != i {
			t.Errorf("expected %d, got %d", i, got)
		}
	}
}

func TestFifo_FullAndDrain(t *testing.T) {
	q := queue.NewFifo[string](queue.RequestCapacity)

	for i := 0; i < queue.RequestCapacity; i++ {
		if err := q.Enqueue("req"); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	// The 51st concurrent pending request is rejected while exactly 50 remain.
	if err := q.Enqueue("overflow"); !errors.Is(err, queue.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if q.Len() != queue.RequestCapacity {
		t.Fatalf("expected %d queued, got %d", queue.RequestCapacity, q.Len())
	}

	// Draining one slot admits a new request immediately.
	if _, err := q.Dequeue(); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.Enqueue("after-drain"); err != nil {
		t.Errorf("expected enqueue after drain to succeed, got %v", err)
	}
}

func TestFifo_Empty(t *testing.T) {
	q := queue.NewFifo[int](2)

	if _, err := q.Dequeue(); !errors.Is(err, queue.ErrQueueEmpty) {
		t.Errorf("expected ErrQueueEmpty, got %v", err)
	}
	if _, err := q.Peek(); !errors.Is(err, queue.ErrQueueEmpty) {
		t.Errorf("expected ErrQueueEmpty on peek, got %v", err)
	}
}

func TestFifo_WrapAround(t *testing.T) {
	q := queue.NewFifo[int](3)

	q.Enqueue(1)
	q.Enqueue(2)
	q.Dequeue()
	q.Enqueue(3)
	q.Enqueue(4) // wraps into the freed slot

	want := []int{2, 3, 4}
	for _, w := range want {
		got, err := q.Dequeue()
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if got != w {
			t.Errorf("expected %d, got %d", w, got)
		}
	}
}
