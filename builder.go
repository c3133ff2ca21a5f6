package hopper

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Builder configures and creates a new Batcher.
type Builder[T any] struct {
	maxCount int
	maxWait  time.Duration
	capacity int
	onCancel CancelPolicy
	clock    clockwork.Clock
}

// New creates a new Builder with default values.
// The defaults are a batch size of 1,000 items, a maximum wait of 10 seconds,
// a queue capacity of 10,000 items, and the FlushPartial cancellation policy.
func New[T any]() *Builder[T] {
	return &Builder[T]{
		maxCount: 1_000,
		maxWait:  time.Second * 10,
		capacity: 10_000,
		onCancel: FlushPartial,
		clock:    clockwork.NewRealClock(),
	}
}

// MaxCount sets the number of items at which a batch is flushed.
func (b *Builder[T]) MaxCount(maxCount int) *Builder[T] {
	b.maxCount = maxCount
	return b
}

// MaxWait sets how long a batch may keep accumulating before it is flushed
// regardless of its size, measured from the arrival of its first item. A max
// wait of zero flushes every item as soon as it arrives.
func (b *Builder[T]) MaxWait(maxWait time.Duration) *Builder[T] {
	b.maxWait = maxWait
	return b
}

// Capacity sets how many submitted items the queue holds before blocking
// submits stall and non-blocking submits fail.
func (b *Builder[T]) Capacity(capacity int) *Builder[T] {
	b.capacity = capacity
	return b
}

// OnCancel sets the policy applied to a partially accumulated batch when the
// consumer loop's context is cancelled.
func (b *Builder[T]) OnCancel(policy CancelPolicy) *Builder[T] {
	b.onCancel = policy
	return b
}

// WithClock replaces the wall clock used for batch deadlines. Tests pass a
// fake clock here to control time.
func (b *Builder[T]) WithClock(clock clockwork.Clock) *Builder[T] {
	b.clock = clock
	return b
}

// Build creates a Batcher with the configured values without starting it.
// The caller must run the consumer loop by calling Run. An error is returned
// immediately if the configuration is invalid.
func (b *Builder[T]) Build(flush Flush[T]) (*Batcher[T], error) {
	if b.maxCount < 1 {
		return nil, ErrInvalidMaxCount
	}
	if b.capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	if b.maxWait < 0 {
		return nil, ErrInvalidMaxWait
	}
	if flush == nil {
		return nil, ErrNilFlush
	}

	return &Batcher[T]{
		queue:    NewQueue[T](b.capacity),
		acc:      newAccumulator[T](b.maxCount, b.maxWait),
		flush:    flush,
		clock:    b.clock,
		onCancel: b.onCancel,
		stopped:  make(chan struct{}),
	}, nil
}

// Start builds the Batcher and runs its consumer loop on a new goroutine.
// The loop's terminal error is available through Err once Done is closed.
// If ctx is cancelled the loop stops, applying the configured CancelPolicy
// to items it has not delivered yet; to stop gracefully instead, call Close.
func (b *Builder[T]) Start(ctx context.Context, flush Flush[T]) (*Batcher[T], error) {
	batcher, err := b.Build(flush)
	if err != nil {
		return nil, err
	}

	go func() {
		_ = batcher.Run(ctx)
	}()
	return batcher, nil
}
