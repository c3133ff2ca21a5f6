package hopper

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// loopTimer wraps a clockwork.Timer for single-goroutine use by the consumer
// loop. It tracks whether a deadline is armed so the loop can select on
// Chan without ever reading a stale tick: an unarmed timer presents a nil
// channel, which blocks forever in a select.
//
// The underlying timer is created lazily on the first Reset, against
// whichever clock the batcher was built with.
type loopTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
	armed bool
}

func newLoopTimer(clock clockwork.Clock) *loopTimer {
	return &loopTimer{clock: clock}
}

// Chan returns the channel the armed deadline will fire on, or nil when no
// deadline is armed.
func (t *loopTimer) Chan() <-chan time.Time {
	if !t.armed {
		return nil
	}
	return t.timer.Chan()
}

// Reset arms the timer to fire after d. Any previously armed deadline is
// stopped and drained first.
func (t *loopTimer) Reset(d time.Duration) {
	t.Stop()
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
	} else {
		t.timer.Reset(d)
	}
	t.armed = true
}

// Stop disarms the timer. If the deadline fired but its tick was not yet
// consumed, the tick is drained so a later Reset starts clean.
// See https://github.com/golang/go/issues/12721 for why the drain is needed.
func (t *loopTimer) Stop() {
	if t.armed && !t.timer.Stop() {
		<-t.timer.Chan()
	}
	t.armed = false
}

// fired records that the armed deadline delivered its tick and the timer is
// spent. The caller must have consumed the tick from Chan.
func (t *loopTimer) fired() {
	t.armed = false
}
