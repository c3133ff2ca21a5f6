package hopper

import "time"

// accumulator collects items for the batch currently being assembled and
// tracks when that batch must be handed off. It is owned by the consumer
// loop and is not safe for concurrent use.
//
// The deadline is fixed when the first item of a batch arrives and does not
// move as further items are added, so a slow trickle of items can never
// postpone a flush beyond maxWait.
type accumulator[T any] struct {
	maxCount int
	maxWait  time.Duration

	items []T
	start time.Time
}

func newAccumulator[T any](maxCount int, maxWait time.Duration) *accumulator[T] {
	return &accumulator[T]{maxCount: maxCount, maxWait: maxWait}
}

// add appends item to the pending batch. The first item of a batch records
// now as the batch start.
func (a *accumulator[T]) add(item T, now time.Time) {
	if len(a.items) == 0 {
		a.start = now
	}
	a.items = append(a.items, item)
}

func (a *accumulator[T]) count() int {
	return len(a.items)
}

func (a *accumulator[T]) full() bool {
	return len(a.items) >= a.maxCount
}

// ready reports whether the pending batch must be flushed, either because it
// reached maxCount or because maxWait has elapsed since it started. An empty
// batch is never ready.
func (a *accumulator[T]) ready(now time.Time) bool {
	if len(a.items) == 0 {
		return false
	}
	return len(a.items) >= a.maxCount || now.Sub(a.start) >= a.maxWait
}

// remaining returns the time left until the pending batch's deadline. The
// second return is false when no batch is pending and therefore no deadline
// exists. An already passed deadline is reported as zero.
func (a *accumulator[T]) remaining(now time.Time) (time.Duration, bool) {
	if len(a.items) == 0 {
		return 0, false
	}
	left := a.maxWait - now.Sub(a.start)
	if left < 0 {
		left = 0
	}
	return left, true
}

// take hands off the pending batch and resets the accumulator. The returned
// slice is not referenced afterwards, so the receiver owns it outright.
func (a *accumulator[T]) take() []T {
	batch := a.items
	a.items = nil
	a.start = time.Time{}
	return batch
}
