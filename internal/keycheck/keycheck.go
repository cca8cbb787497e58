// Package keycheck validates provider API keys and caches the verdict.
//
// A probe is a real (but cheap) upstream call, so the verdict for each
// (provider, key) pair is cached for a TTL. Concurrent validations of the
// same pair share one probe.
package keycheck

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/howard-nolan/thesisgate/internal/provider"
)

// DefaultTTL is how long a verdict stays fresh when none is configured.
const DefaultTTL = 5 * time.Minute

// DefaultProbeTimeout bounds a single probe when none is configured.
const DefaultProbeTimeout = 30 * time.Second

// Entry is a cached verdict.
type Entry struct {
	Valid     bool      `json:"valid"`
	Timestamp time.Time `json:"timestamp"`
}

// Cache stores verdicts keyed by provider and API key.
type Cache interface {
	Get(ctx context.Context, p provider.ID, apiKey string) (Entry, bool, error)
	Set(ctx context.Context, p provider.ID, apiKey string, e Entry) error
	Clear(ctx context.Context) error
}

// Prober checks a key against the upstream API. Any error means invalid.
type Prober func(ctx context.Context, p provider.ID, apiKey string) error

// Options configures a Validator.
type Options struct {
	TTL          time.Duration // 0 means DefaultTTL
	ProbeTimeout time.Duration // 0 means DefaultProbeTimeout
	Cache        Cache         // nil means a fresh MemoryCache
	Logger       *slog.Logger

	// OnResult, if set, observes every verdict. cached is true when no
	// probe was made.
	OnResult func(p provider.ID, valid, cached bool)
}

// Validator answers "is this key usable?" with caching.
type Validator struct {
	probe        Prober
	cache        Cache
	ttl          time.Duration
	probeTimeout time.Duration
	logger       *slog.Logger
	onResult     func(p provider.ID, valid, cached bool)

	group singleflight.Group
	now   func() time.Time
}

// New creates a Validator that calls probe on cache misses.
func New(probe Prober, opts Options) *Validator {
	v := &Validator{
		probe:        probe,
		cache:        opts.Cache,
		ttl:          opts.TTL,
		probeTimeout: opts.ProbeTimeout,
		logger:       opts.Logger,
		onResult:     opts.OnResult,
		now:          time.Now,
	}
	if v.cache == nil {
		v.cache = NewMemoryCache()
	}
	if v.ttl <= 0 {
		v.ttl = DefaultTTL
	}
	if v.probeTimeout <= 0 {
		v.probeTimeout = DefaultProbeTimeout
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	return v
}

// Validate reports whether apiKey is accepted by provider p. It never
// returns an error: probe failures, including network failures, count as
// invalid, and cache failures fall through to a probe.
//
// The probe is shared by every caller waiting on the same pair, so it runs
// detached from ctx under its own timeout. A probe that times out is
// reported as invalid but not cached.
func (v *Validator) Validate(ctx context.Context, p provider.ID, apiKey string) bool {
	if e, ok := v.lookup(ctx, p, apiKey); ok {
		v.report(p, e.Valid, true)
		return e.Valid
	}

	// The singleflight key contains the API key; it never leaves the process.
	res, _, _ := v.group.Do(string(p)+"\x00"+apiKey, func() (any, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.probeTimeout)
		defer cancel()

		// Another caller may have stored a verdict while we queued.
		if e, ok := v.lookup(pctx, p, apiKey); ok {
			return e.Valid, nil
		}

		err := v.probe(pctx, p, apiKey)
		valid := err == nil
		if err != nil {
			v.logger.Warn("api key validation failed", "provider", p, "error", err)
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return valid, nil
		}

		entry := Entry{Valid: valid, Timestamp: v.now()}
		if err := v.cache.Set(pctx, p, apiKey, entry); err != nil {
			v.logger.Error("caching key verdict", "provider", p, "error", err)
		}
		return valid, nil
	})

	valid := res.(bool)
	v.report(p, valid, false)
	return valid
}

// lookup returns a fresh cached verdict. Stale entries count as absent.
func (v *Validator) lookup(ctx context.Context, p provider.ID, apiKey string) (Entry, bool) {
	e, ok, err := v.cache.Get(ctx, p, apiKey)
	if err != nil {
		v.logger.Error("reading key verdict cache", "provider", p, "error", err)
		return Entry{}, false
	}
	if !ok || v.now().Sub(e.Timestamp) >= v.ttl {
		return Entry{}, false
	}
	return e, true
}

func (v *Validator) report(p provider.ID, valid, cached bool) {
	if v.onResult != nil {
		v.onResult(p, valid, cached)
	}
}

// Clear forgets every cached verdict.
func (v *Validator) Clear(ctx context.Context) error {
	return v.cache.Clear(ctx)
}

// TTL returns the freshness window in use.
func (v *Validator) TTL() time.Duration {
	return v.ttl
}
