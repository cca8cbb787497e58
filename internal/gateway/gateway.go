// Package gateway is the single entry point the thesis workflows use to talk
// to AI providers.
//
// A Service composes the pieces that live in their own packages: adapters
// (provider), throttling (ratelimit), key checks (keycheck), model sizing
// (capacity), diagnostics (reqlog), retries (retry), plus metrics, logging
// and tracing. Construct one per process and inject it; it holds no
// per-call state, only shared caches.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/howard-nolan/thesisgate/internal/capacity"
	"github.com/howard-nolan/thesisgate/internal/keycheck"
	"github.com/howard-nolan/thesisgate/internal/metrics"
	"github.com/howard-nolan/thesisgate/internal/provider"
	"github.com/howard-nolan/thesisgate/internal/ratelimit"
	"github.com/howard-nolan/thesisgate/internal/reqlog"
	"github.com/howard-nolan/thesisgate/internal/retry"
)

// DefaultAdapterCacheSize bounds the number of live adapters.
const DefaultAdapterCacheSize = 64

const tracerName = "github.com/howard-nolan/thesisgate/internal/gateway"

// AdapterFactory builds a provider adapter for a configuration.
// *provider.Factory is the production implementation.
type AdapterFactory interface {
	New(cfg provider.Config) (provider.Provider, error)
}

// Options wires a Service. Every field is optional.
type Options struct {
	// Factory builds adapters. nil means a provider.Factory using
	// HTTPClient and BaseURLs.
	Factory    AdapterFactory
	HTTPClient *http.Client
	BaseURLs   map[provider.ID]string

	// RateLimit applies to each provider independently.
	RateLimitRequests int
	RateLimitWindow   time.Duration

	Retry retry.Policy

	// KeyCache stores key verdicts for KeyTTL. nil means in-memory.
	KeyCache keycheck.Cache
	KeyTTL   time.Duration

	Capacity *capacity.Manager // nil means the built-in tables

	// Models restricts the models callers may request, per provider.
	// Providers without an entry accept any model. Substitutions made by
	// the capacity policy are not checked.
	Models map[provider.ID][]string

	RequestLogSize   int
	AdapterCacheSize int

	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

// Service is the AI gateway facade. Safe for concurrent use.
type Service struct {
	factory  AdapterFactory
	adapters *lru.Cache[provider.Config, provider.Provider]
	limiters *ratelimit.Set
	keys     *keycheck.Validator
	models   *capacity.Manager
	allowed  map[provider.ID][]string
	log      *reqlog.Log
	retry    retry.Policy
	metrics  *metrics.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New builds a Service from opts.
func New(opts Options) (*Service, error) {
	s := &Service{
		factory: opts.Factory,
		models:  opts.Capacity,
		allowed: opts.Models,
		retry:   opts.Retry,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}

	if s.factory == nil {
		s.factory = &provider.Factory{HTTPClient: opts.HTTPClient, BaseURLs: opts.BaseURLs}
	}
	if s.models == nil {
		s.models = capacity.New(nil, nil)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	s.tracer = tp.Tracer(tracerName)

	size := opts.AdapterCacheSize
	if size <= 0 {
		size = DefaultAdapterCacheSize
	}
	adapters, err := lru.New[provider.Config, provider.Provider](size)
	if err != nil {
		return nil, err
	}
	s.adapters = adapters

	s.limiters = ratelimit.NewSet(opts.RateLimitRequests, opts.RateLimitWindow)
	s.log = reqlog.New(opts.RequestLogSize, s.models, s.logger)
	s.keys = keycheck.New(s.probeKey, keycheck.Options{
		TTL:      opts.KeyTTL,
		Cache:    opts.KeyCache,
		Logger:   s.logger,
		OnResult: s.metrics.IncKeyValidation,
	})

	return s, nil
}

// ---------------------------------------------------------------------------
// Public operations
// ---------------------------------------------------------------------------

// Chat sends messages and returns the complete generated text.
func (s *Service) Chat(ctx context.Context, messages []provider.Message, opts provider.Options, cfg provider.Config) (string, error) {
	resp, err := s.run(ctx, messages, opts, cfg, false, nil)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// ChatStream sends messages as a streaming request. Every non-empty
// fragment is passed to onChunk as it arrives (onChunk may be nil), and
// the accumulated text is returned when the stream ends.
func (s *Service) ChatStream(ctx context.Context, messages []provider.Message, opts provider.Options, cfg provider.Config, onChunk func(string)) (string, error) {
	resp, err := s.run(ctx, messages, opts, cfg, true, onChunk)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// ValidateAPIKey reports whether apiKey works for provider p. Unknown
// providers are invalid without any network call.
func (s *Service) ValidateAPIKey(ctx context.Context, p provider.ID, apiKey string) bool {
	if !p.Known() || apiKey == "" {
		return false
	}
	return s.keys.Validate(ctx, p, apiKey)
}

// Configure checks cfg up front: known provider, complete fields, an
// allowed model, a working key. It also warms the adapter cache. Calling it
// is optional; every chat call performs the same checks.
func (s *Service) Configure(ctx context.Context, cfg provider.Config) error {
	if err := s.check(cfg); err != nil {
		return err
	}
	if !s.keys.Validate(ctx, cfg.Provider, cfg.APIKey) {
		return invalidKey(cfg.Provider)
	}
	_, err := s.adapter(cfg)
	return err
}

// RequestLog returns the recent requests, newest first.
func (s *Service) RequestLog() []reqlog.Entry {
	return s.log.Entries()
}

// ClearRequestLog empties the request log.
func (s *Service) ClearRequestLog() {
	s.log.Clear()
}

// ClearKeyValidationCache forgets every cached key verdict.
func (s *Service) ClearKeyValidationCache(ctx context.Context) error {
	return s.keys.Clear(ctx)
}

// ---------------------------------------------------------------------------
// Call pipeline
// ---------------------------------------------------------------------------

// run is the shared pipeline behind Chat and ChatStream:
//
//	provider id → config → messages → key → model sizing → adapter →
//	(rate limit → upstream) under retry → capacity fallback
func (s *Service) run(ctx context.Context, messages []provider.Message, opts provider.Options, cfg provider.Config, stream bool, onChunk func(string)) (resp *provider.ChatResponse, err error) {
	ctx, span := s.tracer.Start(ctx, spanName(stream), trace.WithAttributes(
		attribute.String("ai.provider", string(cfg.Provider)),
		attribute.String("ai.model", cfg.Model),
		attribute.Int("ai.messages", len(messages)),
	))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, provider.KindOf(err).String())
		} else {
			span.SetAttributes(attribute.String("ai.served_model", resp.Model))
		}
		span.End()
		s.metrics.ObserveRequest(cfg.Provider, stream, time.Since(start), err)
	}()

	if err := s.check(cfg); err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, provider.NewError(cfg.Provider, provider.KindBadRequest, "at least one message is required", nil)
	}
	if !s.keys.Validate(ctx, cfg.Provider, cfg.APIKey) {
		return nil, invalidKey(cfg.Provider)
	}

	a, err := s.adapter(cfg)
	if err != nil {
		return nil, err
	}

	req := &provider.ChatRequest{
		Model:    cfg.Model,
		Messages: messages,
		Options:  opts,
		Stream:   stream,
	}

	if model := s.models.Resolve(cfg.Model, req.Content()); model != cfg.Model {
		s.substitute(ctx, cfg.Provider, cfg.Model, model, "estimate")
		req.Model = model
	}

	var delivered bool
	resp, err = s.attempt(ctx, a, cfg.Provider, req, onChunk, &delivered)
	if err == nil || !errors.Is(err, provider.ErrCapacity) || delivered {
		return resp, err
	}

	// The provider rejected the size: try the larger model once. If that
	// fails too, the original error is the one worth reporting.
	fallback, ok := s.models.Fallback(req.Model)
	if !ok {
		return nil, err
	}
	s.substitute(ctx, cfg.Provider, req.Model, fallback, "capacity_error")

	retryReq := *req
	retryReq.Model = fallback
	resp, ferr := s.attempt(ctx, a, cfg.Provider, &retryReq, onChunk, &delivered)
	if ferr != nil {
		s.logger.WarnContext(ctx, "fallback model failed", "provider", cfg.Provider, "model", fallback, "error", ferr)
		return nil, err
	}
	return resp, nil
}

// attempt performs one logged upstream request (with its retries) against
// req.Model.
func (s *Service) attempt(ctx context.Context, a provider.Provider, p provider.ID, req *provider.ChatRequest, onChunk func(string), delivered *bool) (*provider.ChatResponse, error) {
	handle := s.log.Start(p, *req)
	start := time.Now()

	policy := s.retry
	// A stream that already reached the caller cannot be replayed.
	policy.Retryable = func(err error) bool {
		return !*delivered && provider.IsRetryable(err)
	}
	policy.OnRetry = func(err error, delay time.Duration) {
		s.metrics.IncRetry(p, err)
		s.logger.WarnContext(ctx, "retrying ai request", "provider", p, "model", req.Model, "delay", delay, "error", err)
	}

	var resp *provider.ChatResponse
	err := policy.Do(ctx, func() error {
		waited, err := s.limiters.For(p).Wait(ctx)
		s.metrics.ObserveRateLimitWait(p, waited)
		if err != nil {
			return err
		}
		if waited > 0 {
			s.logger.InfoContext(ctx, "rate limited", "provider", p, "waited", waited)
		}

		if req.Stream {
			resp, err = consume(ctx, a, req, onChunk, delivered)
		} else {
			resp, err = a.ChatCompletion(ctx, req)
		}
		return err
	})

	elapsed := time.Since(start)
	if err != nil {
		err = provider.Normalize(p, err)
		s.log.Update(handle, reqlog.Update{Status: reqlog.StatusError, Err: err, Duration: elapsed})
		s.logger.ErrorContext(ctx, "ai request failed", "provider", p, "model", req.Model, "duration", elapsed, "error", err)
		return nil, err
	}

	if resp.Model == "" {
		resp.Model = req.Model
	}
	update := reqlog.Update{
		Status:   reqlog.StatusSuccess,
		Response: resp.Content,
		Duration: elapsed,
	}
	if resp.Usage != (provider.Usage{}) {
		usage := resp.Usage
		update.Usage = &usage
		s.metrics.ObserveUsage(p, usage)
	}
	s.log.Update(handle, update)

	return resp, nil
}

// consume drains an adapter stream, forwarding fragments as they arrive.
func consume(ctx context.Context, a provider.Provider, req *provider.ChatRequest, onChunk func(string), delivered *bool) (*provider.ChatResponse, error) {
	chunks, err := a.ChatCompletionStream(ctx, req)
	if err != nil {
		return nil, err
	}

	resp := &provider.ChatResponse{Model: req.Model}
	var content []byte

	for chunk := range chunks {
		if chunk.Error != nil {
			return nil, chunk.Error
		}
		if chunk.ID != "" {
			resp.ID = chunk.ID
		}
		if chunk.Model != "" {
			resp.Model = chunk.Model
		}
		if chunk.Usage != nil {
			resp.Usage = *chunk.Usage
		}
		if chunk.Delta == "" {
			continue
		}
		content = append(content, chunk.Delta...)
		*delivered = true
		if onChunk != nil {
			onChunk(chunk.Delta)
		}
	}

	// The adapter closes the channel early when ctx is cancelled.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp.Content = string(content)
	return resp, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// adapter returns the cached adapter for cfg, building it on first use.
// Adapters do not depend on the model, so it is left out of the key.
func (s *Service) adapter(cfg provider.Config) (provider.Provider, error) {
	key := cfg.WithModel("")
	if a, ok := s.adapters.Get(key); ok {
		return a, nil
	}
	a, err := s.factory.New(cfg)
	if err != nil {
		return nil, err
	}
	s.adapters.Add(key, a)
	return a, nil
}

// check runs provider.Check and then the model allow-list.
func (s *Service) check(cfg provider.Config) error {
	if err := provider.Check(cfg); err != nil {
		return err
	}
	allowed := s.allowed[cfg.Provider]
	if len(allowed) > 0 && !slices.Contains(allowed, cfg.Model) {
		return provider.NewError(cfg.Provider, provider.KindConfiguration,
			fmt.Sprintf("invalid %s model specified: %q", cfg.Provider, cfg.Model), nil)
	}
	return nil
}

// probeKey is the keycheck prober: a minimal read-only call through the
// provider's adapter.
func (s *Service) probeKey(ctx context.Context, p provider.ID, apiKey string) error {
	a, err := s.adapter(provider.Config{Provider: p, APIKey: apiKey})
	if err != nil {
		return err
	}
	return a.ValidateKey(ctx)
}

func (s *Service) substitute(ctx context.Context, p provider.ID, from, to, reason string) {
	s.metrics.IncFallback(p, from, to, reason)
	s.logger.InfoContext(ctx, "using larger model", "provider", p, "from", from, "to", to, "reason", reason)
}

func invalidKey(p provider.ID) error {
	return provider.NewError(p, provider.KindAuthentication, "invalid API key", nil)
}

func spanName(stream bool) string {
	if stream {
		return "gateway.ChatStream"
	}
	return "gateway.Chat"
}
