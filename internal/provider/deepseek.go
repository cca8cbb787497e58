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

// DeepSeekProvider implements the Provider interface for DeepSeek's chat
// completions API. The wire schema looks like OpenAI's, but error codes and
// stream framing are DeepSeek's own, so it gets a separate adapter.
type DeepSeekProvider struct {
	apiKey  string
	baseURL string // e.g. "https://api.deepseek.com/v1"
	client  *http.Client
}

// NewDeepSeekProvider creates a DeepSeekProvider ready to make API calls.
func NewDeepSeekProvider(apiKey, baseURL string, client *http.Client) *DeepSeekProvider {
	return &DeepSeekProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Name returns the provider identifier.
func (d *DeepSeekProvider) Name() ID {
	return DeepSeek
}

// ---------------------------------------------------------------------------
// DeepSeek API types (unexported)
// ---------------------------------------------------------------------------

type deepseekRequest struct {
	Model            string            `json:"model"`
	Messages         []deepseekMessage `json:"messages"`
	Temperature      *float64          `json:"temperature,omitempty"`
	MaxTokens        *int              `json:"max_tokens,omitempty"`
	PresencePenalty  *float64          `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64          `json:"frequency_penalty,omitempty"`
	Stream           bool              `json:"stream,omitempty"`
}

type deepseekMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type deepseekResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message deepseekMessage `json:"message"`
	} `json:"choices"`
	Usage *deepseekUsage `json:"usage"`
}

type deepseekUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// deepseekStreamChunk is the JSON payload of each "data:" line.
type deepseekStreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *deepseekUsage `json:"usage"`
}

// deepseekDone is the sentinel payload that ends a stream.
const deepseekDone = "[DONE]"

var deepseekErrorCodes = map[string]Kind{
	"too_many_requests": KindRateLimit,
	"invalid_api_key":   KindAuthentication,
	"context_too_long":  KindCapacity,
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

func formatDeepSeekMessages(msgs []Message) []deepseekMessage {
	out := make([]deepseekMessage, len(msgs))
	for i, m := range msgs {
		out[i] = deepseekMessage{Role: string(m.Role), Content: m.Content}
	}
	return out
}

func toDeepSeekRequest(req *ChatRequest) *deepseekRequest {
	return &deepseekRequest{
		Model:            req.Model,
		Messages:         formatDeepSeekMessages(req.Messages),
		Temperature:      req.Options.Temperature,
		MaxTokens:        req.Options.MaxTokens,
		PresencePenalty:  req.Options.PresencePenalty,
		FrequencyPenalty: req.Options.FrequencyPenalty,
		Stream:           req.Stream,
	}
}

func (d *DeepSeekProvider) header() http.Header {
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+d.apiKey)
	return h
}

// ---------------------------------------------------------------------------
// Non-streaming: ChatCompletion
// ---------------------------------------------------------------------------

// ChatCompletion sends a non-streaming request and returns the complete
// response.
func (d *DeepSeekProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	dr := toDeepSeekRequest(req)
	dr.Stream = false

	httpResp, err := postJSON(ctx, DeepSeek, d.client, d.baseURL+"/chat/completions", d.header(), dr, deepseekErrorCodes)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var dsResp deepseekResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&dsResp); err != nil {
		return nil, transportError(DeepSeek, fmt.Errorf("decoding deepseek response: %w", err))
	}
	if len(dsResp.Choices) == 0 {
		return nil, NewError(DeepSeek, KindUnknown, "no choices in response", nil)
	}

	resp := &ChatResponse{
		ID:      dsResp.ID,
		Model:   dsResp.Model,
		Content: dsResp.Choices[0].Message.Content,
	}
	if dsResp.Usage != nil {
		resp.Usage = Usage{
			PromptTokens:     dsResp.Usage.PromptTokens,
			CompletionTokens: dsResp.Usage.CompletionTokens,
			TotalTokens:      dsResp.Usage.TotalTokens,
		}
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// Streaming: ChatCompletionStream
// ---------------------------------------------------------------------------

// parseDeepSeekChunk extracts choices[0].delta.content from one data
// payload. Malformed payloads and the [DONE] sentinel yield "".
func parseDeepSeekChunk(data string) string {
	chunk, ok := decodeDeepSeekChunk(data)
	if !ok || len(chunk.Choices) == 0 {
		return ""
	}
	return chunk.Choices[0].Delta.Content
}

func decodeDeepSeekChunk(data string) (deepseekStreamChunk, bool) {
	var chunk deepseekStreamChunk
	if data == deepseekDone {
		return chunk, false
	}
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return chunk, false
	}
	return chunk, true
}

// ChatCompletionStream sends a streaming request and returns a channel of
// StreamChunks.
func (d *DeepSeekProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	dr := toDeepSeekRequest(req)
	dr.Stream = true

	httpResp, err := postJSON(ctx, DeepSeek, d.client, d.baseURL+"/chat/completions", d.header(), dr, deepseekErrorCodes)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		var (
			respID string
			model  = req.Model
			usage  *Usage
		)

		reader := sse.NewReader(httpResp.Body)

		for {
			event, err := reader.Next()
			if errors.Is(err, io.EOF) || (err == nil && event.Data == deepseekDone) {
				sendChunk(ctx, ch, StreamChunk{ID: respID, Model: model, Done: true, Usage: usage})
				return
			}
			if err != nil {
				sendChunk(ctx, ch, StreamChunk{
					Done:  true,
					Error: transportError(DeepSeek, fmt.Errorf("reading deepseek stream: %w", err)),
				})
				return
			}

			// Metadata first, then the text fragment through the same
			// parser tests exercise directly.
			if chunk, ok := decodeDeepSeekChunk(event.Data); ok {
				if chunk.ID != "" {
					respID = chunk.ID
				}
				if chunk.Model != "" {
					model = chunk.Model
				}
				if chunk.Usage != nil {
					usage = &Usage{
						PromptTokens:     chunk.Usage.PromptTokens,
						CompletionTokens: chunk.Usage.CompletionTokens,
						TotalTokens:      chunk.Usage.TotalTokens,
					}
				}
			}

			text := parseDeepSeekChunk(event.Data)
			if text == "" {
				continue
			}

			if !sendChunk(ctx, ch, StreamChunk{ID: respID, Model: model, Delta: text}) {
				return
			}
		}
	}()

	return ch, nil
}

// ValidateKey lists the available models with the captured key.
func (d *DeepSeekProvider) ValidateKey(ctx context.Context) error {
	resp, err := getJSON(ctx, DeepSeek, d.client, d.baseURL+"/models", d.header(), deepseekErrorCodes)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}
