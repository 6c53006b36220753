package source

import (
	"context"
)

// MemoryQueue is the in-process bounded backlog between source adapters
// and the delivery worker. Enqueue blocks when the buffer is full, which
// backpressures the adapters: a polling adapter will not advance its
// checkpoint and a stream adapter will not ack until the batch is in.
type MemoryQueue struct {
	ch chan *Event
}

// NewMemoryQueue creates a queue holding up to capacity events.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{ch: make(chan *Event, capacity)}
}

// Enqueue implements Sink. It returns only after every event of the batch
// is buffered, or the context is cancelled.
func (q *MemoryQueue) Enqueue(ctx context.Context, events []*Event) error {
	for _, evt := range events {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case q.ch <- evt:
		}
	}
	return nil
}

// Pull returns up to max buffered events without blocking beyond the first
// poll cycle; an empty queue returns an empty batch.
func (q *MemoryQueue) Pull(_ context.Context, max int) ([]*Event, error) {
	var batch []*Event
	for len(batch) < max {
		select {
		case evt := <-q.ch:
			batch = append(batch, evt)
		default:
			return batch, nil
		}
	}
	return batch, nil
}

// Len returns the number of buffered events.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}
