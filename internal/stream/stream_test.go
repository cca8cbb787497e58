package stream

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/thesisgate/internal/provider"
)

// feed sends chunks on a channel from a goroutine, the way the server's
// onChunk bridge does.
func feed(chunks ...provider.StreamChunk) <-chan provider.StreamChunk {
	ch := make(chan provider.StreamChunk)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			ch <- c
		}
	}()
	return ch
}

// dataLines returns the data payloads in body, without the [DONE] marker.
func dataLines(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if payload, ok := strings.CutPrefix(line, "data: "); ok && payload != "[DONE]" {
			out = append(out, payload)
		}
	}
	return out
}

func decode(t *testing.T, payload string) sseChunk {
	t.Helper()
	var c sseChunk
	require.NoError(t, json.Unmarshal([]byte(payload), &c))
	return c
}

func TestWrite_Fragments(t *testing.T) {
	w := httptest.NewRecorder()
	err := Write(w, feed(
		provider.StreamChunk{ID: "r1", Model: "deepseek-chat", Delta: "Literature"},
		provider.StreamChunk{ID: "r1", Model: "deepseek-chat", Delta: " review"},
		provider.StreamChunk{ID: "r1", Model: "deepseek-chat", Done: true, Usage: &provider.Usage{
			PromptTokens: 12, CompletionTokens: 2, TotalTokens: 14,
		}},
	))
	require.NoError(t, err)

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))

	body := w.Body.String()
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))

	events := dataLines(body)
	require.Len(t, events, 3)

	first := decode(t, events[0])
	assert.Equal(t, "r1", first.ID)
	assert.Equal(t, "chat.completion.chunk", first.Object)
	assert.Equal(t, "Literature", first.Choices[0].Delta.Content)
	assert.Nil(t, first.Choices[0].FinishReason)
	assert.Nil(t, first.Usage)

	assert.Equal(t, " review", decode(t, events[1]).Choices[0].Delta.Content)

	last := decode(t, events[2])
	require.NotNil(t, last.Choices[0].FinishReason)
	assert.Equal(t, "stop", *last.Choices[0].FinishReason)
	assert.Empty(t, last.Choices[0].Delta.Content)
	require.NotNil(t, last.Usage)
	assert.Equal(t, 14, last.Usage.TotalTokens)
}

func TestWrite_FinalChunkWithText(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, Write(w, feed(
		provider.StreamChunk{Model: "gpt-4", Delta: "Done.", Done: true},
	)))

	events := dataLines(w.Body.String())
	require.Len(t, events, 2, "text and finish marker are separate events")
	assert.Equal(t, "Done.", decode(t, events[0]).Choices[0].Delta.Content)
	assert.NotNil(t, decode(t, events[1]).Choices[0].FinishReason)
}

func TestWrite_EmptyStream(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, Write(w, feed()))
	assert.Equal(t, "data: [DONE]\n\n", w.Body.String())
}

func TestWrite_ErrorEvent(t *testing.T) {
	upstream := &provider.Error{
		Kind:       provider.KindRateLimit,
		Provider:   provider.Anthropic,
		StatusCode: http.StatusTooManyRequests,
		Message:    "slow down",
	}

	w := httptest.NewRecorder()
	err := Write(w, feed(
		provider.StreamChunk{Model: "claude-3-opus", Delta: "Partial"},
		provider.StreamChunk{Error: upstream},
	))
	assert.Same(t, upstream, err)

	body := w.Body.String()
	assert.Contains(t, body, "event: error\n")
	assert.NotContains(t, body, "[DONE]")

	events := dataLines(body)
	require.Len(t, events, 2)

	var payload sseError
	require.NoError(t, json.Unmarshal([]byte(events[1]), &payload))
	assert.Equal(t, "rate_limit", payload.Error.Kind)
	assert.Equal(t, "anthropic", payload.Error.Provider)
	assert.Equal(t, http.StatusTooManyRequests, payload.Error.Status)
	assert.Contains(t, payload.Error.Message, "slow down")
}

func TestWrite_PlainError(t *testing.T) {
	w := httptest.NewRecorder()
	err := Write(w, feed(provider.StreamChunk{Error: errors.New("boom")}))
	require.EqualError(t, err, "boom")

	var payload sseError
	require.NoError(t, json.Unmarshal([]byte(dataLines(w.Body.String())[0]), &payload))
	assert.Equal(t, "unknown", payload.Error.Kind)
	assert.Empty(t, payload.Error.Provider)
}

// noFlush hides the recorder's Flush method.
type noFlush struct{ http.ResponseWriter }

func TestWrite_RequiresFlusher(t *testing.T) {
	err := Write(noFlush{httptest.NewRecorder()}, feed())
	assert.ErrorContains(t, err, "http.Flusher")
}
