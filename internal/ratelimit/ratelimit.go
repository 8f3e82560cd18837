// Package ratelimit gates outbound provider calls for a single credential.
// It never rejects: Acquire blocks until a slot is safe, so capacity pressure
// shows up as latency rather than errors.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxCalls is 90% of OpenRouter's 20 req/min free-tier cap,
	// leaving headroom for clock skew between us and the provider.
	DefaultMaxCalls = 18
	// DefaultWindow is the trailing window the call cap applies to.
	DefaultWindow = time.Minute
	// DefaultSpacing is the minimum gap between two consecutive calls, so a
	// burst right after the window frees does not fire back-to-back.
	DefaultSpacing = 500 * time.Millisecond
)

// Limiter enforces two joint constraints: at most maxCalls within a trailing
// window, and at least a fixed spacing between consecutive calls. The window
// check-and-reserve runs under one mutex so concurrent callers cannot both
// observe the same free slot and overshoot capacity.
type Limiter struct {
	mu         sync.Mutex
	timestamps []time.Time

	maxCalls int
	window   time.Duration
	spacing  *rate.Limiter
}

// New creates a limiter with the OpenRouter free-tier defaults.
func New() *Limiter {
	return NewWithConfig(DefaultMaxCalls, DefaultWindow, DefaultSpacing)
}

// NewWithConfig creates a limiter with explicit capacity, window and spacing.
func NewWithConfig(maxCalls int, window, spacing time.Duration) *Limiter {
	if maxCalls <= 0 {
		maxCalls = DefaultMaxCalls
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		maxCalls: maxCalls,
		window:   window,
		spacing:  rate.NewLimiter(rate.Every(spacing), 1),
	}
}

// Acquire blocks until issuing another call is safe, then reserves the slot.
// It returns an error only when ctx is cancelled while waiting.
func (l *Limiter) Acquire(ctx context.Context) error {
	// Minimum inter-call spacing first; the token bucket serializes bursts.
	if err := l.spacing.Wait(ctx); err != nil {
		return err
	}

	for {
		l.mu.Lock()
		now := time.Now()
		l.prune(now)

		if len(l.timestamps) < l.maxCalls {
			l.timestamps = append(l.timestamps, now)
			l.mu.Unlock()
			return nil
		}

		// At capacity: wait until the oldest call leaves the window, then
		// re-check. Another waiter may win the freed slot, so loop.
		wait := l.timestamps[0].Add(l.window).Sub(now) + time.Millisecond
		l.mu.Unlock()

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
}

// InFlight returns the number of calls recorded in the current window.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(time.Now())
	return len(l.timestamps)
}

// prune drops timestamps that have left the trailing window. Callers hold mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.timestamps) && !l.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.timestamps = append(l.timestamps[:0], l.timestamps[i:]...)
	}
}
