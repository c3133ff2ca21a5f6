package hopper

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Producer generates items and hands each one to emit. It returns once it
// has no more items to produce, or with the first error from emit or from
// its own item source. Producers are composed and driven by FeedAll.
type Producer[T any] func(ctx context.Context, emit func(T) error) error

// FromSlice returns a producer that emits the given items in order.
func FromSlice[T any](items []T) Producer[T] {
	return func(_ context.Context, emit func(T) error) error {
		for _, item := range items {
			if err := emit(item); err != nil {
				return err
			}
		}
		return nil
	}
}

// FromChannel returns a producer that emits items received from ch until ch
// is closed or ctx is cancelled.
func FromChannel[T any](ch <-chan T) Producer[T] {
	return func(ctx context.Context, emit func(T) error) error {
		for {
			select {
			case item, ok := <-ch:
				if !ok {
					return nil
				}
				if err := emit(item); err != nil {
					return err
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Paced wraps a producer so its emissions respect a rate limit. Each
// emission waits for the limiter before passing the item on.
func Paced[T any](p Producer[T], limit rate.Limit, burst int) Producer[T] {
	return func(ctx context.Context, emit func(T) error) error {
		limiter := rate.NewLimiter(limit, burst)
		return p(ctx, func(item T) error {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			return emit(item)
		})
	}
}

// FeedAll runs all producers concurrently, submitting everything they emit
// to the batcher, and closes the batcher once the last producer has
// finished. The first producer error cancels the rest and is returned after
// they have wound down; the batcher is closed either way, so items submitted
// before the failure still get flushed.
//
// FeedAll only feeds the batcher. The consumer loop must be running
// already, through Start or a separate Run call, or submissions will fill
// the queue and block.
func FeedAll[T any](ctx context.Context, b *Batcher[T], producers ...Producer[T]) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range producers {
		g.Go(func() error {
			return p(gctx, func(item T) error {
				return b.Submit(gctx, item)
			})
		})
	}
	err := g.Wait()
	b.Close()
	return errors.Wrap(err, "produce")
}
