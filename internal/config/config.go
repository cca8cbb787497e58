// Package config handles loading and validating gateway configuration.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/howard-nolan/thesisgate/internal/capacity"
	"github.com/howard-nolan/thesisgate/internal/provider"
)

// EnvPrefix marks environment variables that override config values.
const EnvPrefix = "THESISGATE_"

// Config is the top-level configuration for the thesisgate gateway.
type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Log       LogConfig                 `koanf:"log"`
	Telemetry TelemetryConfig           `koanf:"telemetry"`
	Providers map[string]ProviderConfig `koanf:"providers" validate:"dive"`
	Gateway   GatewayConfig             `koanf:"gateway"`
	Models    ModelsConfig              `koanf:"models"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `koanf:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"gte=0"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// TelemetryConfig selects the trace exporter.
type TelemetryConfig struct {
	ServiceName string `koanf:"service_name"`
	Exporter    string `koanf:"exporter" validate:"oneof=none stdout"`
}

// ProviderConfig holds the settings for a single LLM provider. The API key
// is the default used when a request does not carry its own. A non-empty
// Models list restricts which models callers may request.
type ProviderConfig struct {
	APIKey  string   `koanf:"api_key"`
	BaseURL string   `koanf:"base_url" validate:"omitempty,url"`
	Model   string   `koanf:"model"`
	Models  []string `koanf:"models"`
}

// GatewayConfig tunes the gateway components.
type GatewayConfig struct {
	RateLimit        RateLimitConfig  `koanf:"rate_limit"`
	Retry            RetryConfig      `koanf:"retry"`
	KeyCache         KeyCacheConfig   `koanf:"key_cache"`
	RequestLog       RequestLogConfig `koanf:"request_log"`
	AdapterCacheSize int              `koanf:"adapter_cache_size" validate:"gte=1"`
	HTTPTimeout      time.Duration    `koanf:"http_timeout" validate:"gt=0"`
}

type RateLimitConfig struct {
	MaxRequests int           `koanf:"max_requests" validate:"gte=1"`
	Window      time.Duration `koanf:"window" validate:"gt=0"`
}

type RetryConfig struct {
	MaxRetries   int           `koanf:"max_retries" validate:"gte=1"`
	InitialDelay time.Duration `koanf:"initial_delay" validate:"gt=0"`
}

// KeyCacheConfig selects where key verdicts are stored.
type KeyCacheConfig struct {
	TTL      time.Duration `koanf:"ttl" validate:"gt=0"`
	Backend  string        `koanf:"backend" validate:"oneof=memory redis"`
	RedisURL string        `koanf:"redis_url" validate:"required_if=Backend redis"`
	Prefix   string        `koanf:"prefix"`
}

type RequestLogConfig struct {
	Capacity int `koanf:"capacity" validate:"gte=1"`
}

// ModelsConfig layers overrides on the built-in capability and fallback
// tables.
type ModelsConfig struct {
	Capabilities map[string]capacity.Capability `koanf:"capabilities"`
	Fallbacks    map[string]string              `koanf:"fallbacks"`
}

// defaults is loaded before the file so that a minimal config works.
var defaults = map[string]any{
	"server.port":                     8080,
	"server.read_timeout":             "30s",
	"server.write_timeout":            "5m",
	"log.level":                       "info",
	"log.format":                      "json",
	"telemetry.service_name":          "thesisgate",
	"telemetry.exporter":              "none",
	"gateway.rate_limit.max_requests": 50,
	"gateway.rate_limit.window":       "60s",
	"gateway.retry.max_retries":       3,
	"gateway.retry.initial_delay":     "1s",
	"gateway.key_cache.ttl":           "5m",
	"gateway.key_cache.backend":       "memory",
	"gateway.request_log.capacity":    100,
	"gateway.adapter_cache_size":      64,
	"gateway.http_timeout":            "2m",
}

const keyDelim = "::"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated, validated Config.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	_ = godotenv.Load()

	// Model ids such as "gpt-3.5-turbo" contain dots, so koanf's internal
	// key path uses a delimiter that cannot appear in them.
	k := koanf.New(keyDelim)

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// Nesting levels are separated by a double underscore so that keys
	// with underscores stay reachable:
	//   THESISGATE_GATEWAY__RATE_LIMIT__MAX_REQUESTS -> gateway.rate_limit.max_requests
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR_NAME} placeholders in provider API keys and the
	// Redis URL.
	for name, p := range cfg.Providers {
		p.APIKey = expand(p.APIKey)
		cfg.Providers[name] = p
	}
	cfg.Gateway.KeyCache.RedisURL = expand(cfg.Gateway.KeyCache.RedisURL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// expand resolves a whole-value ${VAR} placeholder.
func expand(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

// Validate checks field constraints and that every provider section names
// a supported provider.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for name, p := range c.Providers {
		if !provider.ID(name).Known() {
			return fmt.Errorf("invalid config: unknown provider %q", name)
		}
		if p.Model != "" && len(p.Models) > 0 && !slices.Contains(p.Models, p.Model) {
			return fmt.Errorf("invalid config: %s default model %q is not in its models list", name, p.Model)
		}
	}
	return nil
}

// AllowedModels returns the model allow-list of every provider that has
// one.
func (c *Config) AllowedModels() map[provider.ID][]string {
	out := make(map[provider.ID][]string)
	for name, p := range c.Providers {
		if len(p.Models) > 0 {
			out[provider.ID(name)] = p.Models
		}
	}
	return out
}

// BaseURLs returns the configured endpoint overrides.
func (c *Config) BaseURLs() map[provider.ID]string {
	out := make(map[provider.ID]string)
	for name, p := range c.Providers {
		if p.BaseURL != "" {
			out[provider.ID(name)] = p.BaseURL
		}
	}
	return out
}

// ProviderDefaults returns the configured key and default model for id.
func (c *Config) ProviderDefaults(id provider.ID) (ProviderConfig, bool) {
	p, ok := c.Providers[string(id)]
	return p, ok
}
