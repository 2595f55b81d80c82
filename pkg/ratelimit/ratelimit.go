// Package ratelimit implements the producer- and consumer-side throughput
// cap described by the pipe's rate limiting component: a token bucket keyed
// on wall-clock elapsed time, with no silent correction of clock
// regressions.
package ratelimit

import (
	"context"
	"time"

	"github.com/user/blockpipe"
)

// minSleep is the smallest sleep this limiter will actually perform;
// anything shorter is folded into the next interval's debt instead of
// paying a timer's scheduling overhead for a sub-tick sleep.
const minSleep = time.Millisecond

// Limiter enforces a bytes-per-second cap across the calls to Enforce.
type Limiter struct {
	limitBPS   float64
	clock      blockpipe.Clock
	checkpoint time.Time
	debt       int64 // bytes transferred since checkpoint beyond what the limit allowed
}

// New creates a Limiter capping throughput at limitBPS bytes per second. A
// non-positive limitBPS disables limiting; Enforce becomes a no-op.
func New(limitBPS float64) *Limiter {
	return NewWithClock(limitBPS, blockpipe.RealClock{})
}

// NewWithClock is New with an injectable clock, for tests.
func NewWithClock(limitBPS float64, clock blockpipe.Clock) *Limiter {
	return &Limiter{limitBPS: limitBPS, clock: clock, checkpoint: clock.Now()}
}

// Enforce accounts for n more bytes having been transferred and sleeps long
// enough to keep the average rate at or below the configured limit. If the
// wall clock has jumped backward since the last call, the checkpoint is
// reset and this round sleeps zero rather than guessing at a correction.
func (l *Limiter) Enforce(ctx context.Context, n int) error {
	if l.limitBPS <= 0 || n <= 0 {
		return nil
	}

	now := l.clock.Now()
	elapsed := now.Sub(l.checkpoint)
	if elapsed < 0 {
		l.checkpoint = now
		l.debt = 0
		return nil
	}

	allowed := int64(elapsed.Seconds() * l.limitBPS)
	l.debt += int64(n)
	overshoot := l.debt - allowed
	if overshoot <= 0 {
		return nil
	}

	sleepFor := time.Duration(float64(overshoot) / l.limitBPS * float64(time.Second))
	l.checkpoint = now
	l.debt = overshoot
	if sleepFor < minSleep {
		return nil
	}

	timer := time.NewTimer(sleepFor)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
