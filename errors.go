package hopper

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMaxCount is returned when building a batcher with a batch size below 1.
	ErrInvalidMaxCount = errors.New("max count must be at least 1")
	// ErrInvalidCapacity is returned when building a batcher with a queue capacity below 1.
	ErrInvalidCapacity = errors.New("capacity must be at least 1")
	// ErrInvalidMaxWait is returned when building a batcher with a negative max wait.
	ErrInvalidMaxWait = errors.New("max wait must not be negative")
	// ErrNilFlush is returned when building a batcher without a flush callback.
	ErrNilFlush = errors.New("flush callback must not be nil")

	// ErrQueueClosed is returned by puts that happen after the queue was closed.
	ErrQueueClosed = errors.New("queue is closed")
	// ErrQueueDrained is returned by gets once a closed queue holds no more items.
	ErrQueueDrained = errors.New("queue is closed and drained")
	// ErrQueueFull is returned by non-blocking puts when the queue is at capacity.
	ErrQueueFull = errors.New("queue is full")

	// ErrAlreadyRunning is returned by Run when the consumer loop was already started.
	ErrAlreadyRunning = errors.New("batcher is already running")
)

// DiscardedError reports items that were dropped because the consumer loop
// was cancelled before it could deliver them. Count covers both the batch
// under accumulation (when the DropPartial policy applies) and items that
// were still sitting in the queue.
type DiscardedError struct {
	Count int
	cause error
}

func (e *DiscardedError) Error() string {
	return fmt.Sprintf("%d items discarded: %v", e.Count, e.cause)
}

// Unwrap exposes the cancellation cause, typically context.Canceled.
func (e *DiscardedError) Unwrap() error {
	return e.cause
}
