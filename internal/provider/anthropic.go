package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/howard-nolan/thesisgate/internal/sse"
)

// ---------------------------------------------------------------------------
// AnthropicProvider struct + constructor
// ---------------------------------------------------------------------------

// AnthropicProvider implements the Provider interface for Anthropic's text
// completion API (/v1/complete). That API has no message list and no
// system role: the whole conversation is rendered into one Human/Assistant
// transcript, ending with an open Assistant turn for the model to fill.
type AnthropicProvider struct {
	apiKey  string
	baseURL string // e.g. "https://api.anthropic.com/v1"
	client  *http.Client
}

// NewAnthropicProvider creates an AnthropicProvider ready to make API calls.
func NewAnthropicProvider(apiKey, baseURL string, client *http.Client) *AnthropicProvider {
	return &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Name returns the provider identifier.
func (a *AnthropicProvider) Name() ID {
	return Anthropic
}

// ---------------------------------------------------------------------------
// Anthropic API types (unexported)
// ---------------------------------------------------------------------------

// anthropicRequest is the request body for /v1/complete.
//
// Key differences from the chat-style APIs:
//   - "prompt" is a single transcript string, not a message array
//   - "max_tokens_to_sample" is REQUIRED
//   - there are no presence/frequency penalties
type anthropicRequest struct {
	Model             string   `json:"model"`
	Prompt            string   `json:"prompt"`
	MaxTokensToSample int      `json:"max_tokens_to_sample"`
	Temperature       *float64 `json:"temperature,omitempty"`
	Stream            bool     `json:"stream,omitempty"`
}

// anthropicResponse is the non-streaming response from /v1/complete.
type anthropicResponse struct {
	ID         string `json:"id"`
	Completion string `json:"completion"`
	StopReason string `json:"stop_reason"`
	Model      string `json:"model"`
}

// anthropicStreamEvent is the JSON payload of one streamed SSE event.
//
//	event: completion → {"type":"completion","completion":" Hello","stop_reason":null}
//	event: ping       → {"type":"ping"}
//	event: error      → {"type":"error","error":{"type":"overloaded_error","message":"..."}}
type anthropicStreamEvent struct {
	Type       string `json:"type"`
	Completion string `json:"completion"`
	StopReason string `json:"stop_reason"`
	Model      string `json:"model"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// anthropicAPIVersion pins the Anthropic API behavior. Anthropic requires
// this header on every request.
const anthropicAPIVersion = "2023-06-01"

// anthropicDefaultMaxTokens is used when the caller doesn't specify
// max_tokens. Anthropic requires this field, so we need a fallback.
const anthropicDefaultMaxTokens = 1000

// systemAcknowledgment is the synthetic assistant turn that follows a
// system message rendered as a Human turn.
const systemAcknowledgment = "I understand. I will follow these instructions."

// anthropicErrorCodes refines status-based classification using the
// "type" field of Anthropic's error envelope.
var anthropicErrorCodes = map[string]Kind{
	"rate_limit_error":      KindRateLimit,
	"authentication_error":  KindAuthentication,
	"permission_error":      KindAuthentication,
	"overloaded_error":      KindTransient,
	"api_error":             KindTransient,
	"invalid_request_error": KindBadRequest,
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// formatAnthropicPrompt flattens canonical messages into a transcript.
// A system message becomes a Human turn followed by an acknowledging
// Assistant turn, which keeps instruction-following without a system role.
func formatAnthropicPrompt(msgs []Message) string {
	var b strings.Builder
	for _, msg := range msgs {
		switch msg.Role {
		case RoleSystem:
			b.WriteString("\n\nHuman: ")
			b.WriteString(msg.Content)
			b.WriteString("\n\nAssistant: ")
			b.WriteString(systemAcknowledgment)
		case RoleUser:
			b.WriteString("\n\nHuman: ")
			b.WriteString(msg.Content)
		case RoleAssistant:
			b.WriteString("\n\nAssistant: ")
			b.WriteString(msg.Content)
		}
	}
	b.WriteString("\n\nAssistant:")
	return b.String()
}

// toAnthropicRequest translates our unified ChatRequest into Anthropic's
// format.
func toAnthropicRequest(req *ChatRequest) *anthropicRequest {
	ar := &anthropicRequest{
		Model:             req.Model,
		Prompt:            formatAnthropicPrompt(req.Messages),
		MaxTokensToSample: anthropicDefaultMaxTokens,
		Temperature:       req.Options.Temperature,
		Stream:            req.Stream,
	}
	if req.Options.MaxTokens != nil && *req.Options.MaxTokens > 0 {
		ar.MaxTokensToSample = *req.Options.MaxTokens
	}
	return ar
}

func (a *AnthropicProvider) header() http.Header {
	h := make(http.Header)
	h.Set("x-api-key", a.apiKey)
	h.Set("anthropic-version", anthropicAPIVersion)
	return h
}

// ---------------------------------------------------------------------------
// Non-streaming: ChatCompletion
// ---------------------------------------------------------------------------

// ChatCompletion sends a non-streaming request to /v1/complete and returns
// the complete response. The legacy API reports no token usage.
func (a *AnthropicProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	ar := toAnthropicRequest(req)
	ar.Stream = false

	httpResp, err := postJSON(ctx, Anthropic, a.client, a.baseURL+"/complete", a.header(), ar, anthropicErrorCodes)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var anthropicResp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&anthropicResp); err != nil {
		return nil, transportError(Anthropic, fmt.Errorf("decoding anthropic response: %w", err))
	}

	model := anthropicResp.Model
	if model == "" {
		model = req.Model
	}

	return &ChatResponse{
		ID:      anthropicResp.ID,
		Model:   model,
		Content: anthropicResp.Completion,
	}, nil
}

// ---------------------------------------------------------------------------
// Streaming: ChatCompletionStream
// ---------------------------------------------------------------------------

// parseAnthropicEvent extracts the text fragment from one SSE data payload.
// Malformed or non-JSON payloads yield an empty fragment rather than an
// error; only an explicit "error" event ends the stream.
func parseAnthropicEvent(data string) (string, *Error) {
	var event anthropicStreamEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return "", nil
	}

	if event.Type == "error" && event.Error != nil {
		return "", wireError(Anthropic, 0, event.Error.Type, event.Error.Message, anthropicErrorCodes)
	}

	return event.Completion, nil
}

// ChatCompletionStream sends a streaming request to /v1/complete and returns
// a channel of StreamChunks. The goroutine owns the response body.
func (a *AnthropicProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	ar := toAnthropicRequest(req)
	ar.Stream = true

	httpResp, err := postJSON(ctx, Anthropic, a.client, a.baseURL+"/complete", a.header(), ar, anthropicErrorCodes)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		reader := sse.NewReader(httpResp.Body)

		for {
			event, err := reader.Next()
			if errors.Is(err, io.EOF) {
				sendChunk(ctx, ch, StreamChunk{Model: req.Model, Done: true})
				return
			}
			if err != nil {
				sendChunk(ctx, ch, StreamChunk{
					Done:  true,
					Error: transportError(Anthropic, fmt.Errorf("reading anthropic stream: %w", err)),
				})
				return
			}

			text, perr := parseAnthropicEvent(event.Data)
			if perr != nil {
				sendChunk(ctx, ch, StreamChunk{Done: true, Error: perr})
				return
			}
			if text == "" {
				continue
			}

			if !sendChunk(ctx, ch, StreamChunk{Model: req.Model, Delta: text}) {
				return
			}
		}
	}()

	return ch, nil
}

// ---------------------------------------------------------------------------
// Key validation
// ---------------------------------------------------------------------------

// ValidateKey lists the available models with the captured key.
func (a *AnthropicProvider) ValidateKey(ctx context.Context) error {
	resp, err := getJSON(ctx, Anthropic, a.client, a.baseURL+"/models", a.header(), anthropicErrorCodes)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}
