// Package hopper provides an in-memory batching coordinator for items of a
// given type.
//
// Items submitted by any number of producer goroutines accumulate in a
// bounded queue. A single consumer loop assembles them into batches and
// hands each batch to a caller-supplied callback as soon as the batch
// reaches a maximum count or a maximum wait has elapsed since the batch
// started, whichever comes first. Batches preserve submission order and
// every accepted item is delivered exactly once, including during a graceful
// shutdown.
package hopper

import (
	"context"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
)

// Flush handles one completed batch. It is called synchronously from the
// consumer loop, so a slow callback naturally applies backpressure through
// the queue. The batch slice is owned by the callback; the batcher keeps no
// reference to it. Returning a non-nil error terminates the loop.
type Flush[T any] func(ctx context.Context, batch []T) error

// CancelPolicy controls what happens to the partially accumulated batch when
// the consumer loop's context is cancelled.
type CancelPolicy int

const (
	// FlushPartial hands the pending batch to the callback one last time
	// before the loop terminates. The callback sees the already-cancelled
	// context and may decide for itself how much work to still do.
	FlushPartial CancelPolicy = iota
	// DropPartial discards the pending batch. The number of dropped items is
	// reported through the DiscardedError returned by Run.
	DropPartial
)

// Batcher accumulates submitted items and flushes them in batches.
//
// Construct one through New. Submissions are safe for concurrent use; the
// consumer loop itself runs on the single goroutine that calls Run.
type Batcher[T any] struct {
	queue    *Queue[T]
	acc      *accumulator[T]
	flush    Flush[T]
	clock    clockwork.Clock
	onCancel CancelPolicy

	started atomic.Bool
	stopped chan struct{}
	runErr  error
	seq     int
}

// Submit adds an item, blocking while the queue is at capacity. It returns
// ErrQueueClosed after Close, or the context error if ctx ends the wait
// first. This function is safe for concurrent use.
func (b *Batcher[T]) Submit(ctx context.Context, item T) error {
	return b.queue.Put(ctx, item)
}

// TrySubmit adds an item without blocking. It returns ErrQueueFull when the
// queue is at capacity and ErrQueueClosed after Close. This function is safe
// for concurrent use.
func (b *Batcher[T]) TrySubmit(item T) error {
	return b.queue.TryPut(item)
}

// Close stops the batcher from accepting new items. The consumer loop
// flushes everything already accepted and then terminates; wait on Done to
// observe that. Close is idempotent and safe for concurrent use.
//
// Producers should stop submitting before Close is called, the way FeedAll
// does. A Submit racing a Close can win the race, and then its item only
// makes the final batch if it arrives before the drain's last sweep.
func (b *Batcher[T]) Close() {
	b.queue.Close()
}

// Done returns a channel that is closed once the consumer loop has
// terminated and no further flushes will happen.
//
// The loop keeps flushing accepted items after Close, so depending on the
// flush callback it can take a while until the channel closes.
func (b *Batcher[T]) Done() <-chan struct{} {
	return b.stopped
}

// Err returns the consumer loop's terminal error once Done is closed: nil
// after a graceful drain, the wrapped callback error if a flush failed, the
// context error after a cancellation, or a DiscardedError when the
// cancellation left undelivered items behind. While the loop is still
// running Err returns nil.
func (b *Batcher[T]) Err() error {
	select {
	case <-b.stopped:
		return b.runErr
	default:
		return nil
	}
}

// CurrentBufferSize returns the number of items submitted but not yet picked
// up by the consumer loop.
//
// You can use this to monitor the queue, as once it fills up blocking
// submits stall and non-blocking submits fail.
func (b *Batcher[T]) CurrentBufferSize() int {
	return b.queue.Len()
}

// Run executes the consumer loop on the calling goroutine until the batcher
// is closed and drained, ctx is cancelled, or the flush callback returns an
// error. It returns nil after a graceful drain. Run may be called at most
// once; further calls return ErrAlreadyRunning.
func (b *Batcher[T]) Run(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	err := b.consume(ctx)
	// Stop intake so producers cannot block on a batcher that will never
	// read again.
	b.queue.Close()
	b.runErr = err
	close(b.stopped)
	return err
}

func (b *Batcher[T]) consume(ctx context.Context) error {
	deadline := newLoopTimer(b.clock)
	defer deadline.Stop()

	for {
		// Arm the deadline when a batch is pending and none is armed yet.
		// The wait is whatever remains measured from the unmoved batch
		// start, so items trickling in never push the deadline back.
		if !deadline.armed {
			if wait, ok := b.acc.remaining(b.clock.Now()); ok {
				deadline.Reset(wait)
			}
		}

		select {
		case item := <-b.queue.ch:
			b.acc.add(item, b.clock.Now())
			if b.acc.ready(b.clock.Now()) {
				if err := b.deliver(ctx, deadline); err != nil {
					return err
				}
			}

		case <-deadline.Chan():
			deadline.fired()
			// An item that became available at the same instant as the
			// deadline is taken first, then readiness is evaluated once for
			// both conditions.
			select {
			case item := <-b.queue.ch:
				b.acc.add(item, b.clock.Now())
			default:
			}
			if b.acc.ready(b.clock.Now()) {
				if err := b.deliver(ctx, deadline); err != nil {
					return err
				}
			}

		case <-b.queue.done:
			return b.drain(ctx, deadline)

		case <-ctx.Done():
			return b.cancelled(ctx, deadline)
		}
	}
}

// deliver hands the pending batch to the callback. The deadline is stopped
// first, keeping the invariant that an armed timer always belongs to the
// batch currently accumulating.
func (b *Batcher[T]) deliver(ctx context.Context, deadline *loopTimer) error {
	deadline.Stop()
	batch := b.acc.take()
	b.seq++
	if err := b.flush(ctx, batch); err != nil {
		return errors.Wrapf(err, "flush batch %d", b.seq)
	}
	return nil
}

// drain empties the queue after a close, flushing a batch whenever the count
// threshold is crossed and finishing with the remaining partial batch. The
// deadline no longer matters here.
func (b *Batcher[T]) drain(ctx context.Context, deadline *loopTimer) error {
	deadline.Stop()
	for {
		if ctx.Err() != nil {
			return b.cancelled(ctx, deadline)
		}
		select {
		case item := <-b.queue.ch:
			b.acc.add(item, b.clock.Now())
			if b.acc.full() {
				if err := b.deliver(ctx, deadline); err != nil {
					return err
				}
			}
		default:
			if b.acc.count() == 0 {
				return nil
			}
			if err := b.deliver(ctx, deadline); err != nil {
				return err
			}
			// Sweep again: a submit that raced the close may have landed
			// while the last batch was flushing.
		}
	}
}

// cancelled applies the configured policy to the pending batch and accounts
// for everything the loop leaves behind.
func (b *Batcher[T]) cancelled(ctx context.Context, deadline *loopTimer) error {
	// Stop intake first so the leftover count below is exact.
	b.queue.Close()

	var dropped int
	switch b.onCancel {
	case DropPartial:
		dropped = b.acc.count()
		b.acc.take()
	case FlushPartial:
		if b.acc.count() > 0 {
			if err := b.deliver(ctx, deadline); err != nil {
				return err
			}
		}
	}

	if n := dropped + b.queue.Len(); n > 0 {
		return &DiscardedError{Count: n, cause: ctx.Err()}
	}
	return ctx.Err()
}
