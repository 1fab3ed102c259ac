package queue

import "encoding/json"

// fifoJSON is the storage form of a Fifo: capacity plus items in FIFO order.
type fifoJSON[T any] struct {
	Capacity int `json:"capacity"`
	Items    []T `json:"items"`
}

// MarshalJSON encodes the queue with its items in dequeue order, so the
// persisted form is independent of the ring's internal head position.
func (q *Fifo[T]) MarshalJSON() ([]byte, error) {
	out := fifoJSON[T]{
		Capacity: len(q.items),
		Items:    make([]T, 0, q.count),
	}
	for i := 0; i < q.count; i++ {
		out.Items = append(out.Items, q.items[(q.head+i)%len(q.items)])
	}
	return json.Marshal(out)
}

// UnmarshalJSON rebuilds the ring from the persisted form.
func (q *Fifo[T]) UnmarshalJSON(data []byte) error {
	var in fifoJSON[T]
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Capacity < 1 {
		in.Capacity = 1
	}
	q.items = make([]T, in.Capacity)
	q.head = 0
	q.tail = 0
	q.count = 0
	for _, item := range in.Items {
		if err := q.Enqueue(item); err != nil {
			return err
		}
	}
	return nil
}
