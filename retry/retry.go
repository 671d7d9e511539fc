// Package retry runs an operation a bounded number of times, pacing the
// attempts with a table-driven delay schedule.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/openclaw/relay/internal/timeutil"
)

// Schedule is a table of delays between attempts. Attempt i waits
// Delays[min(i, len-1)] plus a uniform jitter in [0, Jitter).
type Schedule struct {
	Delays []time.Duration
	Jitter time.Duration
}

// Delay returns the pause taken after attempt (0-based) fails. An empty
// table yields zero; negative attempts are treated as the first.
func (s Schedule) Delay(attempt int) time.Duration {
	if len(s.Delays) == 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(s.Delays) {
		attempt = len(s.Delays) - 1
	}

	d := s.Delays[attempt]
	if s.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(s.Jitter)))
	}

	d, _ = timeutil.ClampDelay(d)
	return d
}

// Config bounds a retried operation.
type Config struct {
	// Attempts is the total number of calls, including the first. Values
	// below 1 mean a single attempt.
	Attempts int

	Schedule Schedule

	// ShouldRetry decides whether err warrants another attempt. A nil func
	// retries every error.
	ShouldRetry func(err error, attempt int) bool

	// OnRetry is invoked before each pause, with the failed attempt
	// (0-based) and the delay about to be taken.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// Do runs fn until it succeeds, the attempts are exhausted, ShouldRetry
// stops it, or ctx expires. The last error from fn is returned; a context
// expiry during a pause wraps it.
func Do(ctx context.Context, cfg Config, fn func(context.Context) error) error {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var timer timeutil.Timer
	defer timer.Stop()

	var last error

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return errors.Wrap(last, "retry aborted")
			}
			return err
		}

		last = fn(ctx)
		if last == nil {
			return nil
		}

		if attempt == attempts-1 {
			break
		}
		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(last, attempt) {
			break
		}

		delay := cfg.Schedule.Delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(last, attempt, delay)
		}

		timer.Reset(delay)
		if err := timer.Wait(ctx); err != nil {
			return errors.Wrapf(last, "retry aborted: %s", err)
		}
	}

	return last
}
