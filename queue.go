package hopper

import (
	"context"
	"sync"
	"sync/atomic"
)

// Queue is a bounded FIFO buffer connecting producers to a consumer.
//
// Any number of goroutines may put items concurrently. Puts block while the
// queue is at capacity and fail once the queue has been closed. Items that
// were accepted before the close remain retrievable until the queue is
// drained.
type Queue[T any] struct {
	ch        chan T
	done      chan struct{}
	isClosed  atomic.Bool
	closeOnce sync.Once
}

// NewQueue creates a queue holding at most capacity items.
// It panics if capacity is less than 1.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		panic("hopper: queue capacity must be at least 1")
	}
	return &Queue[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// Put appends item to the queue, blocking while the queue is full.
// It returns ErrQueueClosed if the queue has been closed, or the context
// error if ctx ends the wait first.
func (q *Queue[T]) Put(ctx context.Context, item T) error {
	if q.isClosed.Load() {
		return ErrQueueClosed
	}
	select {
	case q.ch <- item:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPut appends item without blocking. It returns ErrQueueFull when the
// queue is at capacity and ErrQueueClosed when the queue has been closed.
func (q *Queue[T]) TryPut(item T) error {
	if q.isClosed.Load() {
		return ErrQueueClosed
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Get removes and returns the oldest item, blocking while the queue is
// empty. Once the queue is closed it keeps returning the remaining items in
// order, then ErrQueueDrained forever. The context error is returned if ctx
// ends the wait first.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	var zero T
	select {
	case item := <-q.ch:
		return item, nil
	case <-q.done:
		// Closed queues still hand out whatever was accepted before the
		// close; only an empty closed queue reports end of stream.
		select {
		case item := <-q.ch:
			return item, nil
		default:
			return zero, ErrQueueDrained
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close stops the queue from accepting new items and wakes all blocked
// callers. It is idempotent and safe to call concurrently with puts and
// gets.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		q.isClosed.Store(true)
		close(q.done)
	})
}

// Len returns the number of items currently buffered.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}
