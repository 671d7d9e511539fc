// Package breaker implements a three-state circuit breaker: consecutive
// failures trip it open, an open window rejects calls outright, and the
// first call after the window probes in half-open.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is the breaker state.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// OpenError is returned by Allow while the breaker is open. Rejections
// carrying it do not count as failures.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q open, retry in %s", e.Name, e.RetryAfter)
}

// Config tunes a Breaker. The zero value is usable.
type Config struct {
	// Name tags errors and state-change callbacks.
	Name string

	// FailureThreshold is the number of consecutive failures that trips the
	// breaker. Defaults to 5.
	FailureThreshold int

	// OpenFor is how long the breaker rejects calls after tripping.
	// Defaults to 30s.
	OpenFor time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time

	// OnStateChange, if set, observes every transition.
	OnStateChange func(name string, from, to State)
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	failures  int
	openUntil time.Time
}

// New returns a closed Breaker.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Allow reports whether a call may proceed. While open it returns an
// *OpenError carrying the remaining window; once the window has passed the
// breaker moves to half-open and the call is admitted as a probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}

	now := b.cfg.Now()
	if now.Before(b.openUntil) {
		return &OpenError{Name: b.cfg.Name, RetryAfter: b.openUntil.Sub(now)}
	}

	b.transition(StateHalfOpen)
	return nil
}

// Success records a successful call. A half-open probe success closes the
// breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.transition(StateClosed)
	}
}

// Failure records a failed call. Reaching the threshold while closed, or any
// half-open probe failure, opens the breaker for a fresh window.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.openUntil = b.cfg.Now().Add(b.cfg.OpenFor)
		b.transition(StateOpen)

	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openUntil = b.cfg.Now().Add(b.cfg.OpenFor)
			b.transition(StateOpen)
		}

	case StateOpen:
		// A call admitted before the trip finished late. The window is
		// already running; nothing to do.
	}
}

// Do runs fn through the breaker, recording its outcome.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		b.Failure()
		return err
	}

	b.Success()
	return nil
}

// State returns the current state, refreshing an expired open window first
// so that observers never see a stale open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && !b.cfg.Now().Before(b.openUntil) {
		b.transition(StateHalfOpen)
	}
	return b.state
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}

	b.state = to
	if to == StateClosed || to == StateHalfOpen {
		b.failures = 0
	}

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}
