package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/thesisgate/internal/provider"
)

// fakeClock advances only when the limiter sleeps, so waits are exact.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func newTestLimiter(max int, window time.Duration) (*Limiter, *fakeClock) {
	clock := newFakeClock()
	l := New(max, window)
	l.now = clock.Now
	l.sleep = clock.Sleep
	return l, clock
}

func TestWait_UnderLimitDoesNotSleep(t *testing.T) {
	l, clock := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		waited, err := l.Wait(context.Background())
		require.NoError(t, err)
		assert.Zero(t, waited)
	}
	assert.Empty(t, clock.sleeps)
	assert.Equal(t, 3, l.InFlight())
}

func TestWait_SaturatedWindowDelaysByRemainder(t *testing.T) {
	const window = 10 * time.Second
	l, clock := newTestLimiter(3, window)

	for i := 0; i < 3; i++ {
		_, err := l.Wait(context.Background())
		require.NoError(t, err)
	}

	// 4 seconds pass; the 4th call must wait for the oldest to expire.
	clock.Advance(4 * time.Second)

	waited, err := l.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 6*time.Second, waited, "wait should be window - (now - oldest)")
	assert.Equal(t, []time.Duration{6 * time.Second}, clock.sleeps)
}

func TestWait_NeverNegative(t *testing.T) {
	l, clock := newTestLimiter(1, time.Second)

	_, err := l.Wait(context.Background())
	require.NoError(t, err)

	clock.Advance(5 * time.Second)

	waited, err := l.Wait(context.Background())
	require.NoError(t, err)
	assert.Zero(t, waited)
	assert.Empty(t, clock.sleeps)
}

func TestWait_CancelledContext(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)

	_, err := l.Wait(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = l.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWait_RealTimer(t *testing.T) {
	// N+1 calls in quick succession: the last one is delayed, not rejected.
	const window = 80 * time.Millisecond
	l := New(2, window)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := l.Wait(context.Background())
		require.NoError(t, err)
	}
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, window-10*time.Millisecond)
}

func TestSet_ProvidersAreIndependent(t *testing.T) {
	s := NewSet(1, time.Hour)

	for _, id := range provider.IDs {
		require.NotNil(t, s.For(id))
		_, err := s.For(id).Wait(context.Background())
		require.NoError(t, err)
	}

	assert.NotSame(t, s.For(provider.OpenAI), s.For(provider.DeepSeek))
	assert.Equal(t, 1, s.For(provider.Anthropic).InFlight())
	assert.Nil(t, s.For("mistral"))
}
