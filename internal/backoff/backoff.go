// Package backoff provides a multiplicative-backoff implementation partially
// taken from jpillora/backoff.
package backoff

import (
	"math"
	"math/rand"
	"sync/atomic"
	"time"
)

const jitter = true

// Timer is a backoff timer.
type Timer struct {
	backoff Backoff
	timer   *time.Timer
}

// NewTimer returns a new uninitialized timer.
func NewTimer(min, max time.Duration, factor float64) Timer {
	return Timer{
		backoff: NewBackoff(min, max, factor),
	}
}

// Next initializes the timer if needed and returns a timer channel that fires
// when the backoff timeout is reached.
func (t *Timer) Next() <-chan time.Time {
	if t.timer == nil {
		t.timer = time.NewTimer(t.backoff.Next())
	} else {
		t.timer.Stop() // ensure drained
		t.timer.Reset(t.backoff.Next())
	}

	return t.timer.C
}

// Reset rewinds the backoff to its first attempt. The running timer, if any,
// is left alone.
func (t *Timer) Reset() {
	t.backoff.Reset()
}

// Stop stops the internal timer and frees its resources. It does nothing if
// the timer is uninitialized.
func (t *Timer) Stop() {
	if t.timer == nil {
		return
	}

	if !t.timer.Stop() {
		select {
		case <-t.timer.C: // drain
		default:
		}
	}
}

// Backoff is a time.Duration counter, starting at Min. After every call to
// the Next method the current timing is multiplied by the factor, but it
// never exceeds Max.
type Backoff struct {
	min, max float64 // seconds
	factor   float64
	attempt  int32 // negative == max uint32
}

// NewBackoff creates a new backoff time.Duration counter.
func NewBackoff(min, max time.Duration, factor float64) Backoff {
	if factor <= 1 {
		factor = 2
	}
	return Backoff{
		min:    min.Seconds(),
		max:    max.Seconds(),
		factor: factor,
	}
}

// Next returns the next backoff duration.
func (b *Backoff) Next() time.Duration {
	return b.forAttempt(atomic.AddInt32(&b.attempt, 1) - 1)
}

// Reset rewinds the counter to the first attempt.
func (b *Backoff) Reset() {
	atomic.StoreInt32(&b.attempt, 0)
}

// forAttempt returns the duration for a specific attempt. The first attempt
// should be 0.
func (b *Backoff) forAttempt(attempt int32) time.Duration {
	if b.min >= b.max {
		// short-circuit
		return duration(b.max)
	}

	// Ensure attempt never overflows.
	if attempt < 0 {
		attempt = math.MaxInt32
	}

	// Calculate this duration.
	dur := b.min * math.Pow(b.factor, float64(attempt))
	if jitter {
		dur = rand.Float64()*(dur-b.min) + b.min
	}

	if dur < b.min {
		return duration(b.min)
	}
	if dur > b.max {
		return duration(b.max)
	}

	return duration(dur)
}

// duration converts a seconds float64 to time.Duration without losing
// accuracy.
func duration(secs float64) time.Duration {
	int, frac := math.Modf(secs)
	return (time.Duration(int) * time.Second) + time.Duration(frac*float64(time.Second))
}
