// Package ratelimit throttles outbound provider calls with a sliding window.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/howard-nolan/thesisgate/internal/provider"
)

// Defaults applied when a limit is left at zero.
const (
	DefaultMaxRequests = 50
	DefaultWindow      = time.Minute
)

// Limiter admits at most MaxRequests calls in any trailing Window.
//
// State is the ordered list of admitted timestamps. Expired timestamps are
// pruned lazily on every Wait, never by a background goroutine.
type Limiter struct {
	maxRequests int
	window      time.Duration

	mu       sync.Mutex
	requests []time.Time

	// Swapped in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Limiter. Non-positive arguments fall back to the defaults.
func New(maxRequests int, window time.Duration) *Limiter {
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
		sleep:       sleepContext,
	}
}

// Wait blocks until a slot is free in the window, then records the call.
// When the window is saturated it sleeps exactly until the oldest
// timestamp leaves the window, re-checking afterwards because concurrent
// callers may have taken the slot first. It returns the total time spent
// waiting, or ctx's error if the caller gave up.
func (l *Limiter) Wait(ctx context.Context) (time.Duration, error) {
	var waited time.Duration

	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)

		if len(l.requests) < l.maxRequests {
			l.requests = append(l.requests, now)
			l.mu.Unlock()
			return waited, nil
		}

		wait := l.window - now.Sub(l.requests[0])
		l.mu.Unlock()

		if wait < 0 {
			wait = 0
		}
		if err := l.sleep(ctx, wait); err != nil {
			return waited, err
		}
		waited += wait
	}
}

// prune drops timestamps that have left the window. Caller holds l.mu.
func (l *Limiter) prune(now time.Time) {
	i := 0
	for i < len(l.requests) && now.Sub(l.requests[i]) >= l.window {
		i++
	}
	if i > 0 {
		l.requests = append(l.requests[:0], l.requests[i:]...)
	}
}

// InFlight reports how many calls are currently counted in the window.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.requests)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Set holds one independent Limiter per provider.
type Set struct {
	limiters map[provider.ID]*Limiter
}

// NewSet builds a limiter for every supported provider with the same
// limits. The limiters share no state.
func NewSet(maxRequests int, window time.Duration) *Set {
	s := &Set{limiters: make(map[provider.ID]*Limiter, len(provider.IDs))}
	for _, id := range provider.IDs {
		s.limiters[id] = New(maxRequests, window)
	}
	return s
}

// For returns the limiter for id, or nil for an unknown provider.
func (s *Set) For(id provider.ID) *Limiter {
	return s.limiters[id]
}
