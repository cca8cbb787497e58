// Package main is the entry point for the thesisgate AI gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/howard-nolan/thesisgate/internal/capacity"
	"github.com/howard-nolan/thesisgate/internal/config"
	"github.com/howard-nolan/thesisgate/internal/gateway"
	"github.com/howard-nolan/thesisgate/internal/keycheck"
	"github.com/howard-nolan/thesisgate/internal/metrics"
	"github.com/howard-nolan/thesisgate/internal/provider"
	"github.com/howard-nolan/thesisgate/internal/retry"
	"github.com/howard-nolan/thesisgate/internal/server"
	"github.com/howard-nolan/thesisgate/internal/telemetry"
	"github.com/howard-nolan/thesisgate/internal/writing"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("thesisgate stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, cfg.Telemetry.Exporter, nil, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	var keyCache keycheck.Cache
	if cfg.Gateway.KeyCache.Backend == "redis" {
		client, err := keycheck.DialRedis(ctx, cfg.Gateway.KeyCache.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		keyCache = keycheck.NewRedisCache(client, cfg.Gateway.KeyCache.Prefix, cfg.Gateway.KeyCache.TTL)
		logger.Info("key validation cache", slog.String("backend", "redis"))
	}

	m := metrics.New()

	gw, err := gateway.New(gateway.Options{
		HTTPClient:        provider.NewHTTPClient(cfg.Gateway.HTTPTimeout),
		BaseURLs:          cfg.BaseURLs(),
		Models:            cfg.AllowedModels(),
		RateLimitRequests: cfg.Gateway.RateLimit.MaxRequests,
		RateLimitWindow:   cfg.Gateway.RateLimit.Window,
		Retry: retry.Policy{
			MaxRetries:   cfg.Gateway.Retry.MaxRetries,
			InitialDelay: cfg.Gateway.Retry.InitialDelay,
		},
		KeyCache:         keyCache,
		KeyTTL:           cfg.Gateway.KeyCache.TTL,
		Capacity:         capacity.New(cfg.Models.Capabilities, cfg.Models.Fallbacks),
		RequestLogSize:   cfg.Gateway.RequestLog.Capacity,
		AdapterCacheSize: cfg.Gateway.AdapterCacheSize,
		Metrics:          m,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("building gateway: %w", err)
	}

	for name, p := range cfg.Providers {
		logger.Info("provider configured",
			slog.String("provider", name),
			slog.String("default_model", p.Model),
			slog.Bool("default_key", p.APIKey != ""),
		)
	}

	drafts := writing.New(gw,
		writing.WithLogger(logger),
		writing.WithRetry(retry.Policy{
			MaxRetries:   cfg.Gateway.Retry.MaxRetries,
			InitialDelay: cfg.Gateway.Retry.InitialDelay,
		}),
	)

	srv := server.New(cfg, gw, drafts, server.Options{
		Logger:         logger,
		Metrics:        m.Handler(),
		RequestTimeout: cfg.Gateway.HTTPTimeout,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("thesisgate listening", slog.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}

	logger.Info("thesisgate stopped")
	return nil
}

func newLogger(c config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
