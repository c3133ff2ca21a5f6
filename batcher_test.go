package hopper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millrace/hopper/mock"
)

func startWithMockFlusher[T any](ctx context.Context, t *testing.T, b *Builder[T]) (*Batcher[T], *mock.Flusher[T]) {
	t.Helper()
	flusher := &mock.Flusher[T]{}
	batcher, err := b.Start(ctx, flusher.Flush)
	require.NoError(t, err)
	return batcher, flusher
}

func waitDone[T any](t *testing.T, b *Batcher[T]) {
	t.Helper()
	select {
	case <-b.Done():
	case <-time.After(time.Second * 5):
		t.Fatal("batcher did not stop in time")
	}
}

func bufferEmpty[T any](b *Batcher[T]) func() bool {
	return func() bool {
		return b.CurrentBufferSize() == 0
	}
}

type doneWatcher struct {
	sync.Mutex
	recv bool
}

func (s *doneWatcher) didReceiveDone() bool {
	s.Lock()
	defer s.Unlock()
	return s.recv
}

func watchDone(b *Batcher[int]) *doneWatcher {
	s := &doneWatcher{}
	go func() {
		<-b.Done()
		s.Lock()
		s.recv = true
		s.Unlock()
	}()
	return s
}

func TestBatcherMaxCount(t *testing.T) {
	t.Parallel()

	t.Run("flushes whenever the count threshold is reached", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()

		batcher, flusher := startWithMockFlusher(ctx, t, New[int]().MaxCount(3).MaxWait(time.Minute))

		for i := 0; i < 10; i++ {
			assert.NoError(t, batcher.Submit(ctx, i))
		}

		batcher.Close()
		waitDone(t, batcher)
		require.NoError(t, batcher.Err())

		assert.Equal(t, [][]int{{0, 1, 2}, {3, 4, 5}, {6, 7, 8}, {9}}, flusher.BatchesFlushed())
	})

	t.Run("max count of one flushes every item on arrival", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		clk := clockwork.NewFakeClock()

		// The fake clock never advances, so these flushes cannot come from
		// the deadline.
		batcher, flusher := startWithMockFlusher(ctx, t, New[int]().MaxCount(1).MaxWait(time.Hour).WithClock(clk))

		for i := 0; i < 3; i++ {
			require.NoError(t, batcher.Submit(ctx, i))
		}
		<-flusher.WaitForTotalFinished(3)

		assert.Equal(t, [][]int{{0}, {1}, {2}}, flusher.BatchesFlushed())

		batcher.Close()
		waitDone(t, batcher)
	})
}

func TestBatcherMaxWait(t *testing.T) {
	t.Parallel()

	t.Run("flushes at the deadline", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		clk := clockwork.NewFakeClock()

		batcher, flusher := startWithMockFlusher(ctx, t,
			New[int]().MaxCount(100).MaxWait(time.Millisecond*100).WithClock(clk))

		for i := 0; i < 3; i++ {
			require.NoError(t, batcher.Submit(ctx, i))
		}

		// Wait until the loop has picked everything up and armed the
		// deadline, then let the deadline pass.
		require.Eventually(t, bufferEmpty(batcher), time.Second, time.Millisecond)
		clk.BlockUntil(1)
		clk.Advance(time.Millisecond * 100)

		<-flusher.WaitForTotalFinished(1)
		assert.Equal(t, [][]int{{0, 1, 2}}, flusher.BatchesFlushed())

		batcher.Close()
		waitDone(t, batcher)
		require.NoError(t, batcher.Err())
	})

	t.Run("items joining a batch do not postpone its deadline", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		clk := clockwork.NewFakeClock()

		batcher, flusher := startWithMockFlusher(ctx, t,
			New[int]().MaxCount(100).MaxWait(time.Millisecond*100).WithClock(clk))

		require.NoError(t, batcher.Submit(ctx, 0))
		require.Eventually(t, bufferEmpty(batcher), time.Second, time.Millisecond)
		clk.BlockUntil(1)

		clk.Advance(time.Millisecond * 60)
		require.NoError(t, batcher.Submit(ctx, 1))
		require.Eventually(t, bufferEmpty(batcher), time.Second, time.Millisecond)

		// 100ms after the first item, not 100ms after the second.
		clk.Advance(time.Millisecond * 40)
		<-flusher.WaitForTotalFinished(1)
		assert.Equal(t, [][]int{{0, 1}}, flusher.BatchesFlushed())

		batcher.Close()
		waitDone(t, batcher)
	})

	t.Run("an idle batcher neither flushes nor holds a deadline", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		clk := clockwork.NewFakeClock()

		batcher, flusher := startWithMockFlusher(ctx, t,
			New[int]().MaxCount(5).MaxWait(time.Millisecond*100).WithClock(clk))

		// With nothing queued, a long idle stretch must not produce a flush.
		clk.Advance(time.Hour)
		assert.Equal(t, 0, flusher.StartCount())

		// The first item after the idle stretch starts a fresh deadline.
		require.NoError(t, batcher.Submit(ctx, 42))
		require.Eventually(t, bufferEmpty(batcher), time.Second, time.Millisecond)
		clk.BlockUntil(1)
		clk.Advance(time.Millisecond * 100)

		<-flusher.WaitForTotalFinished(1)
		assert.Equal(t, [][]int{{42}}, flusher.BatchesFlushed())
		assert.Equal(t, 1, flusher.StartCount())

		batcher.Close()
		waitDone(t, batcher)
	})

	t.Run("waits the full wait before flushing", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()

		batcher, flusher := startWithMockFlusher(ctx, t, New[int]().MaxWait(time.Millisecond*20))

		insertTime := time.Now()
		require.NoError(t, batcher.Submit(ctx, 0))
		<-flusher.WaitForTotalFinished(1)

		assert.Greater(t, time.Since(insertTime), time.Millisecond*15)

		batcher.Close()
		waitDone(t, batcher)
	})

	t.Run("zero max wait flushes every item on arrival", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		clk := clockwork.NewFakeClock()

		batcher, flusher := startWithMockFlusher(ctx, t, New[int]().MaxCount(100).MaxWait(0).WithClock(clk))

		for i := 0; i < 3; i++ {
			require.NoError(t, batcher.Submit(ctx, i))
			<-flusher.WaitForTotalFinished(i + 1)
		}
		assert.Equal(t, [][]int{{0}, {1}, {2}}, flusher.BatchesFlushed())

		batcher.Close()
		waitDone(t, batcher)
	})
}

func TestBatcherQueueFull(t *testing.T) {
	t.Parallel()

	t.Run("full queue rejects non-blocking submits", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()

		b, f := startWithMockFlusher(ctx, t, New[int]().MaxCount(5).MaxWait(time.Minute).Capacity(10))
		f.Block()

		for i := 0; i < 5; i++ {
			assert.NoError(t, b.Submit(ctx, i))
		}
		<-f.WaitForTotalStarted(1)

		// The loop is stuck in the blocked flush, so these pile up.
		for i := 5; i < 15; i++ {
			assert.NoError(t, b.TrySubmit(i), "expected no error adding item %d", i)
		}
		assert.Equal(t, 10, b.CurrentBufferSize())
		assert.ErrorIs(t, b.TrySubmit(15), ErrQueueFull)

		f.Unblock()
		<-f.WaitForTotalFinished(3)

		// We can add more items now that the queue has been worked off.
		assert.NoError(t, b.TrySubmit(15))

		b.Close()
		waitDone(t, b)
		require.NoError(t, b.Err())
	})
}

func TestBatcherClose(t *testing.T) {
	t.Parallel()

	t.Run("flushes the pending remainder", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()

		b, f := startWithMockFlusher(ctx, t, New[int]().MaxCount(10).MaxWait(time.Minute))

		for i := 0; i < 4; i++ {
			require.NoError(t, b.Submit(ctx, i))
		}
		assert.NoError(t, b.Err()) // still running

		b.Close()
		waitDone(t, b)
		require.NoError(t, b.Err())
		assert.Equal(t, [][]int{{0, 1, 2, 3}}, f.BatchesFlushed())
	})

	t.Run("submit after close fails without corrupting the backlog", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()

		b, f := startWithMockFlusher(ctx, t, New[int]().MaxCount(10).MaxWait(time.Minute))

		require.NoError(t, b.Submit(ctx, 1))
		b.Close()

		assert.ErrorIs(t, b.Submit(ctx, 2), ErrQueueClosed)
		assert.ErrorIs(t, b.TrySubmit(2), ErrQueueClosed)

		waitDone(t, b)
		assert.Equal(t, [][]int{{1}}, f.BatchesFlushed())
	})

	t.Run("close is idempotent", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()

		b, _ := startWithMockFlusher(ctx, t, New[int]())
		b.Close()
		assert.NotPanics(t, b.Close)
		waitDone(t, b)
	})

	t.Run("done closes only after the final flush returned", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()

		b, f := startWithMockFlusher(ctx, t, New[int]().MaxCount(2).MaxWait(time.Minute))
		f.Block()

		require.NoError(t, b.Submit(ctx, 0))
		require.NoError(t, b.Submit(ctx, 1))
		<-f.WaitForTotalStarted(1)

		stopWatcher := watchDone(b)
		b.Close()

		time.Sleep(time.Millisecond * 10)
		assert.False(t, stopWatcher.didReceiveDone())
		assert.True(t, f.IsFlushingRightNow())

		f.Unblock()
		<-f.WaitForTotalFinished(1)
		waitDone(t, b)

		assert.Eventually(t, stopWatcher.didReceiveDone, time.Second, time.Millisecond)
		assert.Equal(t, [][]int{{0, 1}}, f.BatchesFlushed())
	})
}

func TestBatcherCallbackFailure(t *testing.T) {
	t.Parallel()

	t.Run("terminates the loop and surfaces the wrapped error", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		errFlush := errors.New("downstream unavailable")

		b, f := startWithMockFlusher(ctx, t, New[int]().MaxCount(2).MaxWait(time.Minute))
		f.FailWith(errFlush)

		require.NoError(t, b.Submit(ctx, 0))
		require.NoError(t, b.Submit(ctx, 1))

		waitDone(t, b)
		require.Error(t, b.Err())
		assert.ErrorIs(t, b.Err(), errFlush)
		assert.Contains(t, b.Err().Error(), "flush batch 1")

		assert.Equal(t, 1, f.StartCount())
		assert.Equal(t, 0, f.FinishCount())

		// The loop is gone, new submissions are refused.
		assert.ErrorIs(t, b.Submit(ctx, 2), ErrQueueClosed)
	})

	t.Run("a failing flush during the close drain surfaces too", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		errFlush := errors.New("downstream unavailable")

		b, f := startWithMockFlusher(ctx, t, New[int]().MaxCount(10).MaxWait(time.Minute))
		f.FailWith(errFlush)

		for i := 0; i < 3; i++ {
			require.NoError(t, b.Submit(ctx, i))
		}
		b.Close()

		waitDone(t, b)
		assert.ErrorIs(t, b.Err(), errFlush)
		assert.Equal(t, 1, f.StartCount())
	})
}

func TestBatcherCancellation(t *testing.T) {
	t.Parallel()

	t.Run("flush partial delivers the pending batch once", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		b, f := startWithMockFlusher(ctx, t, New[int]().MaxCount(100).MaxWait(time.Minute))

		for i := 0; i < 3; i++ {
			require.NoError(t, b.Submit(context.Background(), i))
		}
		require.Eventually(t, bufferEmpty(b), time.Second, time.Millisecond)

		cancel()
		waitDone(t, b)

		assert.ErrorIs(t, b.Err(), context.Canceled)
		assert.Equal(t, [][]int{{0, 1, 2}}, f.BatchesFlushed())
		assert.Equal(t, 1, f.StartCount())
	})

	t.Run("drop partial reports the discarded count", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		b, f := startWithMockFlusher(ctx, t,
			New[int]().MaxCount(100).MaxWait(time.Minute).OnCancel(DropPartial))

		for i := 0; i < 3; i++ {
			require.NoError(t, b.Submit(context.Background(), i))
		}
		require.Eventually(t, bufferEmpty(b), time.Second, time.Millisecond)

		cancel()
		waitDone(t, b)

		var discarded *DiscardedError
		require.ErrorAs(t, b.Err(), &discarded)
		assert.Equal(t, 3, discarded.Count)
		assert.ErrorIs(t, b.Err(), context.Canceled)

		assert.Equal(t, 0, f.StartCount())
		assert.Empty(t, f.BatchesFlushed())
	})

	t.Run("drop partial counts everything left behind", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		flusher := &mock.Flusher[int]{}
		flusher.SetOnFlush(func(context.Context, []int) error {
			cancel() // cancel while later items still sit in the queue
			return nil
		})

		b, err := New[int]().MaxCount(2).MaxWait(time.Minute).OnCancel(DropPartial).Build(flusher.Flush)
		require.NoError(t, err)

		for i := 0; i < 7; i++ {
			require.NoError(t, b.Submit(context.Background(), i))
		}
		runErr := b.Run(ctx)

		var discarded *DiscardedError
		require.ErrorAs(t, runErr, &discarded)
		assert.GreaterOrEqual(t, discarded.Count, 1)

		delivered := 0
		for _, batch := range flusher.BatchesFlushed() {
			delivered += len(batch)
		}
		assert.Equal(t, 7, delivered+discarded.Count)
		assert.ErrorIs(t, b.Err(), context.Canceled)
	})

	t.Run("a blocked flush is interrupted by cancellation", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		b, f := startWithMockFlusher(ctx, t, New[int]().MaxCount(3).MaxWait(time.Minute))
		f.Block()

		for i := 0; i < 3; i++ {
			require.NoError(t, b.Submit(context.Background(), i))
		}
		<-f.WaitForTotalStarted(1)

		cancel()
		waitDone(t, b)

		assert.True(t, f.WasInterrupted())
		assert.ErrorIs(t, b.Err(), context.Canceled)
		assert.Equal(t, 0, f.FinishCount())
	})

	t.Run("does not accept new items after cancellation", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())

		b, _ := startWithMockFlusher(ctx, t, New[int]())
		cancel()
		waitDone(t, b)

		assert.ErrorIs(t, b.Submit(context.Background(), 0), ErrQueueClosed)
		assert.Equal(t, 0, b.CurrentBufferSize())
	})

	t.Run("no empty flush after cancellation", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())

		b, flusher := startWithMockFlusher(ctx, t, New[int]())
		cancel()
		waitDone(t, b)

		assert.Equal(t, 0, flusher.StartCount())
		assert.ErrorIs(t, b.Err(), context.Canceled)

		var discarded *DiscardedError
		assert.False(t, errors.As(b.Err(), &discarded), "nothing was pending, nothing can be discarded")
	})
}

func TestBatcherConcurrentProducers(t *testing.T) {
	t.Parallel()

	const (
		writers   = 8
		perWriter = 200
	)
	ctx := context.Background()

	b, f := startWithMockFlusher(ctx, t, New[int]().MaxCount(7).MaxWait(time.Millisecond*5).Capacity(64))

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, b.Submit(ctx, w*perWriter+i))
			}
		}(w)
	}
	wg.Wait()

	b.Close()
	waitDone(t, b)
	require.NoError(t, b.Err())

	// Every item arrives exactly once, no batch exceeds the count threshold,
	// and each writer's items keep their relative order.
	seen := make(map[int]bool, writers*perWriter)
	lastSeen := make(map[int]int, writers)
	for _, batch := range f.BatchesFlushed() {
		assert.NotEmpty(t, batch)
		assert.LessOrEqual(t, len(batch), 7)
		for _, v := range batch {
			assert.False(t, seen[v], "item %d delivered twice", v)
			seen[v] = true

			writer := v / perWriter
			if last, ok := lastSeen[writer]; ok {
				assert.Greater(t, v, last, "writer %d items out of order", writer)
			}
			lastSeen[writer] = v
		}
	}
	assert.Len(t, seen, writers*perWriter)
}

func TestBatcherRunTwice(t *testing.T) {
	t.Parallel()

	flusher := &mock.Flusher[int]{}
	b, err := New[int]().Build(flusher.Flush)
	require.NoError(t, err)

	// Close first so Run drains nothing and returns right away.
	b.Close()
	require.NoError(t, b.Run(context.Background()))
	assert.ErrorIs(t, b.Run(context.Background()), ErrAlreadyRunning)
}
