package provider

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements the Provider interface on top of the
// go-openai client. Unlike the Anthropic and DeepSeek adapters there is no
// hand-written wire code here: the SDK owns request encoding, SSE framing
// and error envelopes, and we translate at the edges.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider creates an OpenAIProvider. An empty baseURL keeps the
// SDK default (https://api.openai.com/v1).
func NewOpenAIProvider(apiKey, baseURL string, httpClient *http.Client) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg)}
}

// Name returns the provider identifier.
func (o *OpenAIProvider) Name() ID {
	return OpenAI
}

var openaiErrorCodes = map[string]Kind{
	"rate_limit_exceeded":     KindRateLimit,
	"invalid_api_key":         KindAuthentication,
	"context_length_exceeded": KindCapacity,
	"server_error":            KindTransient,
}

// formatOpenAIMessages passes role/content pairs through unchanged.
func formatOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		out[i] = openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
	}
	return out
}

// toOpenAIRequest translates our unified ChatRequest. The SDK tags every
// optional field omitempty, so unset options never reach the wire. An
// explicit temperature of 0 would be dropped the same way, so it is sent as
// the smallest positive float32, which the API treats as 0.
func toOpenAIRequest(req *ChatRequest) openai.ChatCompletionRequest {
	or := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: formatOpenAIMessages(req.Messages),
		Stream:   req.Stream,
	}

	opts := req.Options
	if opts.Temperature != nil {
		or.Temperature = float32(*opts.Temperature)
		if or.Temperature == 0 {
			or.Temperature = math.SmallestNonzeroFloat32
		}
	}
	if opts.MaxTokens != nil {
		or.MaxTokens = *opts.MaxTokens
	}
	if opts.PresencePenalty != nil {
		or.PresencePenalty = float32(*opts.PresencePenalty)
	}
	if opts.FrequencyPenalty != nil {
		or.FrequencyPenalty = float32(*opts.FrequencyPenalty)
	}
	if req.Stream {
		or.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	return or
}

// openAIError converts SDK errors into our classified *Error.
func openAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.Type
		switch c := apiErr.Code.(type) {
		case string:
			if c != "" {
				code = c
			}
		case float64:
			code = strconv.FormatFloat(c, 'f', -1, 64)
		}
		e := wireError(OpenAI, apiErr.HTTPStatusCode, code, apiErr.Message, openaiErrorCodes)
		e.Err = err
		return e
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		e := wireError(OpenAI, reqErr.HTTPStatusCode, "", reqErr.Error(), openaiErrorCodes)
		e.Err = reqErr.Err
		return e
	}

	return transportError(OpenAI, err)
}

// ChatCompletion sends a non-streaming request and returns the complete
// response.
func (o *OpenAIProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	or := toOpenAIRequest(req)
	or.Stream = false
	or.StreamOptions = nil

	resp, err := o.client.CreateChatCompletion(ctx, or)
	if err != nil {
		return nil, openAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, NewError(OpenAI, KindUnknown, "no choices in response", nil)
	}

	return &ChatResponse{
		ID:      resp.ID,
		Model:   resp.Model,
		Content: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// parseOpenAIChunk extracts choices[0].delta.content, defaulting to "".
func parseOpenAIChunk(chunk openai.ChatCompletionStreamResponse) string {
	if len(chunk.Choices) == 0 {
		return ""
	}
	return chunk.Choices[0].Delta.Content
}

// ChatCompletionStream opens an SDK stream and relays it as StreamChunks.
func (o *OpenAIProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	or := toOpenAIRequest(req)
	or.Stream = true
	or.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	s, err := o.client.CreateChatCompletionStream(ctx, or)
	if err != nil {
		return nil, openAIError(err)
	}

	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer s.Close()

		var (
			respID string
			model  = req.Model
			usage  *Usage
		)

		for {
			chunk, err := s.Recv()
			if errors.Is(err, io.EOF) {
				sendChunk(ctx, ch, StreamChunk{ID: respID, Model: model, Done: true, Usage: usage})
				return
			}
			if err != nil {
				sendChunk(ctx, ch, StreamChunk{Done: true, Error: openAIError(err)})
				return
			}

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

			text := parseOpenAIChunk(chunk)
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
func (o *OpenAIProvider) ValidateKey(ctx context.Context) error {
	if _, err := o.client.ListModels(ctx); err != nil {
		return openAIError(err)
	}
	return nil
}
