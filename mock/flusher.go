// Package mock provides an instrumented batch handler for tests.
package mock

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Flusher is an instrumented batch handler. It records every batch it
// receives and exposes methods to block, fail, and await flushes, so tests
// can drive the consumer loop into specific states.
type Flusher[T any] struct {
	sync.Mutex

	// onFlush is called for every batch that is neither blocked nor failed.
	// You can overwrite it in a test.
	onFlush func(ctx context.Context, items []T) error

	// failErr, while set, is returned from every flush.
	failErr error

	blockers        int
	blockersChanged chan struct{}

	batchesFlushed   [][]T
	flushStartCount  int
	flushFinishCount int

	flushWasInterrupted bool

	// flushStartCallbacks is a list of callbacks that are called when the flush method starts.
	// If the callback returns true, it is removed from the list.
	flushStartCallbacks []func() bool
	// flushFinishCallbacks is a list of callbacks that are called when the flush method finishes.
	// If the callback returns true, it is removed from the list.
	flushFinishCallbacks []func() bool
}

// Flush is the batch handler to hand to the batcher.
// It blocks until all blockers are removed, then either fails with the
// configured error or records the batch as flushed.
func (f *Flusher[T]) Flush(ctx context.Context, items []T) error {
	f.Lock()

	// Lazy init, so we don't need a constructor.
	if f.blockersChanged == nil {
		f.blockersChanged = make(chan struct{})
	}

	f.flushStartCount++
	for i := 0; i < len(f.flushStartCallbacks); i++ {
		if f.flushStartCallbacks[i]() {
			f.flushStartCallbacks = append(f.flushStartCallbacks[:i], f.flushStartCallbacks[i+1:]...)
			i--
		}
	}

	// Wait while blockers are present. A context cancellation only ends the
	// wait; an unblocked flush ignores the context state so shutdown flushes
	// still get recorded.
	for f.blockers > 0 {
		blockersChanged := f.blockersChanged
		f.Unlock()
		select {
		case <-ctx.Done():
			f.Lock()
			f.flushWasInterrupted = true
			f.Unlock()
			return ctx.Err()
		case <-blockersChanged:
		}
		f.Lock()
	}

	if f.failErr != nil {
		err := f.failErr
		f.Unlock()
		return err
	}

	if f.onFlush != nil {
		if err := f.onFlush(ctx, items); err != nil {
			f.Unlock()
			return err
		}
	}

	f.flushFinishCount++
	f.batchesFlushed = append(f.batchesFlushed, items)

	for i := 0; i < len(f.flushFinishCallbacks); i++ {
		if f.flushFinishCallbacks[i]() {
			f.flushFinishCallbacks = append(f.flushFinishCallbacks[:i], f.flushFinishCallbacks[i+1:]...)
			i--
		}
	}

	f.Unlock()
	return nil
}

// SetOnFlush sets a callback that is called for every unblocked, unfailed
// flush.
func (f *Flusher[T]) SetOnFlush(onFlush func(ctx context.Context, items []T) error) {
	f.Lock()
	defer f.Unlock()

	f.onFlush = onFlush
}

// FailWith makes every subsequent flush return err without recording the
// batch. Pass nil to restore normal behavior.
func (f *Flusher[T]) FailWith(err error) {
	f.Lock()
	defer f.Unlock()

	f.failErr = err
}

// BatchesFlushed returns all batches that have been recorded so far.
func (f *Flusher[T]) BatchesFlushed() [][]T {
	f.Lock()
	defer f.Unlock()

	return f.batchesFlushed
}

// Block any calls to the flusher.
func (f *Flusher[T]) Block() {
	f.Lock()
	defer f.Unlock()

	f.blockers++
}

// Unblock the flusher.
func (f *Flusher[T]) Unblock() {
	f.Lock()
	defer f.Unlock()

	f.blockers--
	if f.blockersChanged != nil {
		close(f.blockersChanged)
	}
	f.blockersChanged = make(chan struct{})
}

// BlockForDuration blocks the flusher and removes the block after d.
func (f *Flusher[T]) BlockForDuration(d time.Duration) {
	f.Block()
	time.AfterFunc(d, f.Unblock)
}

// StartCount returns the number of times the flush method has been called.
func (f *Flusher[T]) StartCount() int {
	f.Lock()
	defer f.Unlock()

	return f.flushStartCount
}

// FinishCount returns the number of times a flush has completed and recorded
// its batch. Blocked, failed, and interrupted flushes do not count.
func (f *Flusher[T]) FinishCount() int {
	f.Lock()
	defer f.Unlock()

	return f.flushFinishCount
}

// WasInterrupted returns whether a blocked flush was ended by a context
// cancellation.
func (f *Flusher[T]) WasInterrupted() bool {
	f.Lock()
	defer f.Unlock()

	return f.flushWasInterrupted
}

// IsFlushingRightNow returns whether a flush is currently in progress.
func (f *Flusher[T]) IsFlushingRightNow() bool {
	f.Lock()
	defer f.Unlock()

	return f.flushFinishCount < f.flushStartCount && !f.flushWasInterrupted
}

func (f *Flusher[T]) waitForFlushesOp(count int, operation string, timeout ...time.Duration) chan struct{} {
	f.Lock()
	defer f.Unlock()

	// This saves you from needing to wait a long time in case you make a mistake in your test.
	waitDuration := time.Second * 5
	if len(timeout) > 0 {
		waitDuration = timeout[0]
	}

	// We collect the stack so we have a pointer to the actual test, inside that
	// watchdog below you would otherwise have no idea where the panic came from.
	stack := debug.Stack()

	criteriaMet := atomic.Bool{}
	watchdog := time.AfterFunc(waitDuration, func() {
		if !criteriaMet.Load() {
			panic(fmt.Sprintf(
				"timeout waiting for flushes, test is likely incorrect [op %s, count %d]\n%s", operation, count, stack))
		}
	})

	ch := make(chan struct{})
	var callbacks []func() bool
	switch operation {
	case "start":
		if f.flushStartCount >= count {
			criteriaMet.Store(true)
			watchdog.Stop()
			close(ch)
			return ch
		}
		callbacks = f.flushStartCallbacks
		defer func() {
			f.flushStartCallbacks = callbacks
		}()
	case "finish":
		if f.flushFinishCount >= count {
			criteriaMet.Store(true)
			watchdog.Stop()
			close(ch)
			return ch
		}
		callbacks = f.flushFinishCallbacks
		defer func() {
			f.flushFinishCallbacks = callbacks
		}()
	}

	callbacks = append(callbacks, func() bool {
		switch operation {
		case "start":
			if f.flushStartCount >= count {
				criteriaMet.Store(true)
			}
		case "finish":
			if f.flushFinishCount >= count {
				criteriaMet.Store(true)
			}
		}

		if criteriaMet.Load() {
			watchdog.Stop()
			close(ch)
			return true
		}
		return false
	})

	return ch
}

// WaitForTotalFinished returns a channel that is closed when the flusher has
// recorded a given number of completed flushes since its creation.
// If that does not happen within the given timeout, a panic is triggered. By default the timeout is 5 seconds.
func (f *Flusher[T]) WaitForTotalFinished(num int, timeout ...time.Duration) chan struct{} {
	return f.waitForFlushesOp(num, "finish", timeout...)
}

// WaitForTotalStarted returns a channel that is closed when the flusher has
// started flushing a given number of times since its creation.
// If that does not happen within the given timeout, a panic is triggered. By default the timeout is 5 seconds.
func (f *Flusher[T]) WaitForTotalStarted(num int, timeout ...time.Duration) chan struct{} {
	return f.waitForFlushesOp(num, "start", timeout...)
}
