// Package provider defines the Provider interface and the LLM provider adapters.
//
// Every LLM backend (OpenAI, Anthropic, DeepSeek) implements the Provider
// interface. The rest of the gateway works with these unified types, so the
// facade, the request log and the writing workflows never need to know which
// wire format is actually on the other end.
package provider

import (
	"context"
	"strings"
)

// ID names a supported LLM backend.
type ID string

// The three backends the gateway knows how to talk to.
const (
	OpenAI    ID = "openai"
	Anthropic ID = "anthropic"
	DeepSeek  ID = "deepseek"
)

// IDs lists every supported provider in a stable order.
var IDs = []ID{OpenAI, Anthropic, DeepSeek}

// Known reports whether id is one of the supported providers.
func (id ID) Known() bool {
	switch id {
	case OpenAI, Anthropic, DeepSeek:
		return true
	}
	return false
}

// Provider is the interface that every LLM backend must satisfy.
// Adapters are stateless apart from the credentials and endpoint they
// captured at construction, so one value can serve concurrent calls.
type Provider interface {
	// Name returns the provider identifier, e.g. "openai" or "anthropic".
	Name() ID

	// ChatCompletion sends a request and returns the complete response.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ChatCompletionStream sends a request and returns a channel that
	// delivers response chunks as they arrive from the upstream API.
	//
	// The adapter owns the channel: it writes chunks and closes it when the
	// stream ends. A chunk with a non-nil Error is always the last one.
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// ValidateKey performs a minimal read-only call (listing models) to
	// check that the upstream API accepts the captured API key.
	ValidateKey(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config selects the provider, model and credentials for one call. It is a
// plain comparable value so it can be used directly as a cache key.
type Config struct {
	Provider ID     `json:"provider" validate:"required"`
	Model    string `json:"model" validate:"required"`
	APIKey   string `json:"api_key" validate:"required"`
}

// WithModel returns a copy of c pointed at a different model.
func (c Config) WithModel(model string) Config {
	c.Model = model
	return c
}

// ---------------------------------------------------------------------------
// Unified request types
// ---------------------------------------------------------------------------

// Role is the speaker of a canonical message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single message in the conversation. Order matters: the
// slice is the conversation history, oldest first.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Options are the optional generation parameters. Pointers distinguish
// "not set" from zero, and unset fields are omitted from the wire request
// rather than being sent as null.
type Options struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
}

// Float returns a pointer to v, for building Options literals.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v, for building Options literals.
func Int(v int) *int { return &v }

// ChatRequest is the internal representation of a chat completion request.
// Adapters translate it into their backend-specific format.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Options  Options   `json:"options"`
	Stream   bool      `json:"stream"`
}

// Content concatenates every message body, in order. The capacity manager
// estimates token usage from this.
func (r *ChatRequest) Content() string {
	var b strings.Builder
	for _, m := range r.Messages {
		b.WriteString(m.Content)
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Unified response types
// ---------------------------------------------------------------------------

// ChatResponse is the internal representation of a complete (non-streaming)
// chat completion response.
type ChatResponse struct {
	ID      string // unique response ID from the provider, if any
	Model   string // the model that actually generated the response
	Content string // the generated text
	Usage   Usage  // token counts; zero when the provider did not report them
}

// Usage holds token count information, normalized across providers.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StreamChunk is one piece of a streaming response.
type StreamChunk struct {
	ID    string // response ID (same value across all chunks in one stream)
	Model string // model name
	Delta string // the new text fragment in this chunk, possibly empty
	Done  bool   // true on the final chunk

	// Usage is only populated on the final chunk, and only by providers
	// that report token counts at the end of a stream.
	Usage *Usage

	// Error is set when the stream failed mid-way. It is always the last
	// chunk sent before the channel closes.
	Error error
}
