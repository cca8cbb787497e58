package provider

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
)

// Default upstream endpoints, used when no base URL is configured.
var DefaultBaseURLs = map[ID]string{
	OpenAI:    "https://api.openai.com/v1",
	Anthropic: "https://api.anthropic.com/v1",
	DeepSeek:  "https://api.deepseek.com/v1",
}

// constructor builds an adapter for one provider. Keeping the constructors
// in a map avoids an if/else chain and makes adding a provider a one-line
// change.
type constructor func(apiKey, baseURL string, client *http.Client) Provider

var constructors = map[ID]constructor{
	OpenAI: func(apiKey, baseURL string, client *http.Client) Provider {
		return NewOpenAIProvider(apiKey, baseURL, client)
	},
	Anthropic: func(apiKey, baseURL string, client *http.Client) Provider {
		return NewAnthropicProvider(apiKey, baseURL, client)
	},
	DeepSeek: func(apiKey, baseURL string, client *http.Client) Provider {
		return NewDeepSeekProvider(apiKey, baseURL, client)
	},
}

// Factory builds adapters bound to a Config.
type Factory struct {
	// HTTPClient is shared by every adapter. nil means http.DefaultClient.
	HTTPClient *http.Client

	// BaseURLs overrides DefaultBaseURLs per provider.
	BaseURLs map[ID]string
}

// NewHTTPClient returns the client adapters share. headerTimeout bounds the
// wait for response headers only; http.Client.Timeout would also cover the
// body and cut off long streams.
func NewHTTPClient(headerTimeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: tr}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Check rejects unknown providers first (ErrUnknownProvider), then missing
// models or keys (ErrConfiguration). It never touches the network.
func Check(cfg Config) error {
	if !cfg.Provider.Known() {
		return &Error{
			Kind:     KindUnknownProvider,
			Provider: cfg.Provider,
			Message:  "unsupported provider " + string(cfg.Provider),
		}
	}
	if err := validate.Struct(cfg); err != nil {
		return &Error{Kind: KindConfiguration, Provider: cfg.Provider, Message: err.Error(), Err: err}
	}
	return nil
}

// New builds the adapter for cfg.Provider with cfg's key.
func (f *Factory) New(cfg Config) (Provider, error) {
	if !cfg.Provider.Known() {
		return nil, Check(cfg)
	}

	client := f.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	baseURL := f.BaseURLs[cfg.Provider]
	if baseURL == "" {
		baseURL = DefaultBaseURLs[cfg.Provider]
	}

	return constructors[cfg.Provider](cfg.APIKey, baseURL, client), nil
}
