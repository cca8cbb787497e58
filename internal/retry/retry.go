// Package retry re-runs failed provider calls with exponential backoff.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/howard-nolan/thesisgate/internal/provider"
)

// Defaults applied when a Policy field is left at zero.
const (
	DefaultMaxRetries   = 3
	DefaultInitialDelay = time.Second
)

// Policy runs an operation up to MaxRetries times in total, sleeping
// InitialDelay * 2^n between attempt n and n+1. There is no jitter.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration

	// Retryable decides whether an error deserves another attempt.
	// nil means provider.IsRetryable.
	Retryable func(error) bool

	// OnRetry, if set, is called before each sleep with the error that
	// triggered it and the upcoming delay.
	OnRetry func(err error, delay time.Duration)

	// timer replaces the real timer in tests.
	timer backoff.Timer
}

// Default returns the policy used when nothing is configured.
func Default() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, InitialDelay: DefaultInitialDelay}
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	if p.Retryable == nil {
		p.Retryable = provider.IsRetryable
	}
	return p
}

// backOff builds the delay schedule. RandomizationFactor 0 and Multiplier 2
// give exact doubling; MaxInterval and MaxElapsedTime are lifted so that
// only the retry count ends the schedule.
func (p Policy) backOff(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialDelay
	eb.RandomizationFactor = 0
	eb.Multiplier = 2
	eb.MaxInterval = time.Duration(math.MaxInt64)
	eb.MaxElapsedTime = 0
	eb.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxRetries-1)), ctx)
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// attempts are used up. Non-retryable errors are returned at once with no
// delay; otherwise the last error is returned. Cancelling ctx stops the
// wait between attempts and returns ctx's error.
func (p Policy) Do(ctx context.Context, op func() error) error {
	p = p.withDefaults()

	operation := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var notify backoff.Notify
	if p.OnRetry != nil {
		notify = func(err error, d time.Duration) { p.OnRetry(err, d) }
	}

	return backoff.RetryNotifyWithTimer(operation, p.backOff(ctx), notify, p.timer)
}
