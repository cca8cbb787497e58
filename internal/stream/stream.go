// Package stream writes gateway output to HTTP clients as Server-Sent Events.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/howard-nolan/thesisgate/internal/provider"
)

// ---------------------------------------------------------------------------
// OpenAI-compatible SSE response types
// ---------------------------------------------------------------------------

// The web client already speaks the OpenAI streaming format, so every
// provider's output is re-encoded into it:
//
//	data: {"id":"...","object":"chat.completion.chunk","choices":[{"delta":{"content":"Hi"}}]}

// sseChunk is the top-level JSON object in each SSE event.
type sseChunk struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Model   string      `json:"model"`
	Choices []sseChoice `json:"choices"`

	// Usage only appears on the final event.
	Usage *sseUsage `json:"usage,omitempty"`
}

type sseChoice struct {
	Index int      `json:"index"`
	Delta sseDelta `json:"delta"`

	// FinishReason is JSON null until the final event, hence the pointer.
	FinishReason *string `json:"finish_reason"`
}

type sseDelta struct {
	// omitempty so the final event sends {"delta":{}}.
	Content string `json:"content,omitempty"`
}

type sseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// sseError is the payload of an "event: error" frame. Once the stream has
// started the HTTP status is already sent, so failures travel in-band.
type sseError struct {
	Error struct {
		Message  string `json:"message"`
		Kind     string `json:"kind"`
		Provider string `json:"provider,omitempty"`
		Status   int    `json:"status,omitempty"`
	} `json:"error"`
}

// ---------------------------------------------------------------------------
// SSE Writer
// ---------------------------------------------------------------------------

// Write drains chunks into w as OpenAI-compatible Server-Sent Events,
// flushing after each one so tokens reach the client as they arrive.
//
//	gateway.ChatStream → onChunk → channel → Write() → client
//
// A chunk carrying an Error produces an "event: error" frame and ends the
// stream without the [DONE] sentinel; the error is returned for logging.
func Write(w http.ResponseWriter, chunks <-chan provider.StreamChunk) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for chunk := range chunks {
		if chunk.Error != nil {
			if err := writeError(w, chunk.Error); err != nil {
				return err
			}
			flusher.Flush()
			return chunk.Error
		}

		event := sseChunk{
			ID:      chunk.ID,
			Object:  "chat.completion.chunk",
			Model:   chunk.Model,
			Choices: []sseChoice{{Index: 0, Delta: sseDelta{Content: chunk.Delta}}},
		}

		if chunk.Done {
			// Text and the finish marker go out as two events.
			if chunk.Delta != "" {
				if err := writeData(w, event); err != nil {
					return err
				}
				flusher.Flush()
			}

			reason := "stop"
			event.Choices[0].FinishReason = &reason
			event.Choices[0].Delta = sseDelta{}

			if chunk.Usage != nil {
				event.Usage = &sseUsage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
			}
		}

		if err := writeData(w, event); err != nil {
			return err
		}
		flusher.Flush()
	}

	if _, err := fmt.Fprintf(w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("writing SSE done marker: %w", err)
	}
	flusher.Flush()

	return nil
}

func writeData(w http.ResponseWriter, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling SSE chunk: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
		return fmt.Errorf("writing SSE event: %w", err)
	}
	return nil
}

func writeError(w http.ResponseWriter, cause error) error {
	var payload sseError
	payload.Error.Message = cause.Error()
	payload.Error.Kind = provider.KindOf(cause).String()

	var pe *provider.Error
	if errors.As(cause, &pe) {
		payload.Error.Provider = string(pe.Provider)
		payload.Error.Status = pe.StatusCode
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling SSE error: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: error\ndata: %s\n\n", b); err != nil {
		return fmt.Errorf("writing SSE error: %w", err)
	}
	return nil
}
