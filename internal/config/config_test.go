package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/thesisgate/internal/capacity"
	"github.com/howard-nolan/thesisgate/internal/provider"
)

// writeConfig writes yaml into a temp dir and returns its path.
func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  read_timeout: 10s
  write_timeout: 60s

log:
  level: debug
  format: text

providers:
  openai:
    api_key: ${TEST_OPENAI_KEY}
    base_url: https://example.com/v1
    model: gpt-4
    models:
      - gpt-4
      - gpt-4-32k
  deepseek:
    api_key: ds-literal

gateway:
  rate_limit:
    max_requests: 10
    window: 30s
  retry:
    max_retries: 5
    initial_delay: 250ms
  key_cache:
    ttl: 1m
    backend: redis
    redis_url: ${TEST_REDIS_URL}

models:
  capabilities:
    gpt-4o:
      max_tokens: 16384
      context_size: 128000
  fallbacks:
    gpt-4: gpt-4o
    gpt-3.5-turbo: gpt-4
`)
	t.Setenv("TEST_OPENAI_KEY", "my-secret-key")
	t.Setenv("TEST_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)

	openai, ok := cfg.ProviderDefaults(provider.OpenAI)
	require.True(t, ok, "openai provider should exist")
	assert.Equal(t, "my-secret-key", openai.APIKey)
	assert.Equal(t, "gpt-4", openai.Model)
	assert.Equal(t, []string{"gpt-4", "gpt-4-32k"}, openai.Models)
	assert.Equal(t, map[provider.ID]string{provider.OpenAI: "https://example.com/v1"}, cfg.BaseURLs())
	assert.Equal(t, "ds-literal", cfg.Providers["deepseek"].APIKey)
	assert.Equal(t, map[provider.ID][]string{provider.OpenAI: {"gpt-4", "gpt-4-32k"}}, cfg.AllowedModels())

	assert.Equal(t, 10, cfg.Gateway.RateLimit.MaxRequests)
	assert.Equal(t, 30*time.Second, cfg.Gateway.RateLimit.Window)
	assert.Equal(t, 5, cfg.Gateway.Retry.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Gateway.Retry.InitialDelay)
	assert.Equal(t, time.Minute, cfg.Gateway.KeyCache.TTL)
	assert.Equal(t, "redis", cfg.Gateway.KeyCache.Backend)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Gateway.KeyCache.RedisURL)

	assert.Equal(t, capacity.Capability{MaxTokens: 16384, ContextSize: 128000}, cfg.Models.Capabilities["gpt-4o"])
	assert.Equal(t, "gpt-4o", cfg.Models.Fallbacks["gpt-4"])
	assert.Equal(t, "gpt-4", cfg.Models.Fallbacks["gpt-3.5-turbo"], "dotted model ids stay intact")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "providers: {}\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Gateway.RateLimit.MaxRequests)
	assert.Equal(t, time.Minute, cfg.Gateway.RateLimit.Window)
	assert.Equal(t, 3, cfg.Gateway.Retry.MaxRetries)
	assert.Equal(t, time.Second, cfg.Gateway.Retry.InitialDelay)
	assert.Equal(t, 5*time.Minute, cfg.Gateway.KeyCache.TTL)
	assert.Equal(t, "memory", cfg.Gateway.KeyCache.Backend)
	assert.Equal(t, 100, cfg.Gateway.RequestLog.Capacity)
	assert.Equal(t, 64, cfg.Gateway.AdapterCacheSize)
	assert.Equal(t, "none", cfg.Telemetry.Exporter)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8080
gateway:
  rate_limit:
    max_requests: 50
`)

	t.Setenv("THESISGATE_SERVER__PORT", "3000")
	t.Setenv("THESISGATE_GATEWAY__RATE_LIMIT__MAX_REQUESTS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Gateway.RateLimit.MaxRequests)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown provider", "providers:\n  google:\n    api_key: x\n"},
		{"redis backend without url", "gateway:\n  key_cache:\n    backend: redis\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"zero rate limit", "gateway:\n  rate_limit:\n    max_requests: 0\n"},
		{"bad base url", "providers:\n  openai:\n    base_url: not a url\n"},
		{"default model not allowed", "providers:\n  openai:\n    model: gpt-4o\n    models: [gpt-3.5-turbo, gpt-4]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			assert.ErrorContains(t, err, "invalid config")
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "loading config file")
}

// The config.yaml shipped at the repository root must load and only name
// models the built-in tables know.
func TestLoadShippedConfig(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load(filepath.Join("..", "..", "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "sk-test", cfg.Providers["openai"].APIKey)
	assert.Len(t, cfg.AllowedModels(), 3)

	models := capacity.New(cfg.Models.Capabilities, cfg.Models.Fallbacks)
	for name, p := range cfg.Providers {
		for _, model := range append([]string{p.Model}, p.Models...) {
			_, ok := models.Capability(model)
			assert.True(t, ok, "%s: no capability record for %q", name, model)

			if next, ok := models.Fallback(model); ok {
				_, known := models.Capability(next)
				assert.True(t, known, "%s: fallback %q of %q has no capability record", name, next, model)
			}
		}
	}
}
