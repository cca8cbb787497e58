package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect drains a stream channel, failing the test if it never closes.
func collect(t *testing.T, ch <-chan StreamChunk) []StreamChunk {
	t.Helper()
	var out []StreamChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("stream did not close")
			return nil
		}
	}
}

// text concatenates every delta in chunks.
func text(chunks []StreamChunk) string {
	var s string
	for _, c := range chunks {
		s += c.Delta
	}
	return s
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"valid", Config{Provider: OpenAI, Model: "gpt-4", APIKey: "sk"}, nil},
		{"unknown provider", Config{Provider: "google", Model: "gemini", APIKey: "k"}, ErrUnknownProvider},
		{"unknown wins over missing fields", Config{Provider: "google"}, ErrUnknownProvider},
		{"missing model", Config{Provider: Anthropic, APIKey: "k"}, ErrConfiguration},
		{"missing key", Config{Provider: DeepSeek, Model: "deepseek-chat"}, ErrConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(tt.cfg)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFactory(t *testing.T) {
	f := &Factory{BaseURLs: map[ID]string{DeepSeek: "http://localhost:9999/v1"}}

	p, err := f.New(Config{Provider: DeepSeek, Model: "deepseek-chat", APIKey: "k"})
	require.NoError(t, err)
	ds, ok := p.(*DeepSeekProvider)
	require.True(t, ok)
	assert.Equal(t, "http://localhost:9999/v1", ds.baseURL)
	assert.Equal(t, http.DefaultClient, ds.client)

	p, err = f.New(Config{Provider: Anthropic, Model: "claude-2", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURLs[Anthropic], p.(*AnthropicProvider).baseURL)

	p, err = f.New(Config{Provider: OpenAI, Model: "gpt-4", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, OpenAI, p.Name())

	_, err = f.New(Config{Provider: "google", Model: "m", APIKey: "k"})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestKnown(t *testing.T) {
	for _, id := range IDs {
		assert.True(t, id.Known(), id)
	}
	assert.False(t, ID("google").Known())
	assert.False(t, ID("").Known())
}

func TestChatRequestContent(t *testing.T) {
	req := &ChatRequest{Messages: []Message{
		{Role: RoleSystem, Content: "abc"},
		{Role: RoleUser, Content: "de"},
	}}
	assert.Equal(t, "abcde", req.Content())
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: KindAuthentication, Provider: Anthropic, StatusCode: 401, Message: "invalid x-api-key"}
	assert.Equal(t, "anthropic: authentication failed (HTTP 401): invalid x-api-key", err.Error())

	err = &Error{Kind: KindTransient, Provider: DeepSeek, Err: syscall.ECONNRESET}
	assert.Equal(t, "deepseek: transient network error: "+syscall.ECONNRESET.Error(), err.Error())

	err = &Error{Provider: OpenAI, Message: "odd"}
	assert.Equal(t, "openai: request failed: odd", err.Error())
}

func TestErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("calling upstream: %w", NewError(OpenAI, KindRateLimit, "slow down", nil))

	assert.ErrorIs(t, err, ErrRateLimit)
	assert.NotErrorIs(t, err, ErrTransient)
	assert.Equal(t, KindRateLimit, KindOf(err))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "rate_limit", KindRateLimit.String())
	assert.Equal(t, "unknown_provider", KindUnknownProvider.String())
	assert.Equal(t, "unknown", KindUnknown.String())
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", wireError(OpenAI, 429, "", "", nil), true},
		{"server error", wireError(DeepSeek, 503, "", "", nil), true},
		{"bad request", wireError(DeepSeek, 400, "", "bad", nil), false},
		{"auth", wireError(Anthropic, 401, "", "", nil), false},
		{"connection reset", fmt.Errorf("dial: %w", syscall.ECONNRESET), true},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"plain", errors.New("nope"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestNormalize(t *testing.T) {
	assert.NoError(t, Normalize(OpenAI, nil))

	pe := NewError(OpenAI, KindCapacity, "too long", nil)
	assert.Same(t, pe, Normalize(DeepSeek, pe))

	err := Normalize(DeepSeek, syscall.ETIMEDOUT)
	assert.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, err, syscall.ETIMEDOUT)

	var got *Error
	require.ErrorAs(t, Normalize(Anthropic, errors.New("weird")), &got)
	assert.Equal(t, KindUnknown, got.Kind)
	assert.Equal(t, Anthropic, got.Provider)
}

func TestWireErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		code    string
		message string
		want    Kind
	}{
		{"401", 401, "", "", KindAuthentication},
		{"403", 403, "", "", KindAuthentication},
		{"429", 429, "", "", KindRateLimit},
		{"413", 413, "", "", KindCapacity},
		{"500", 500, "", "", KindTransient},
		{"400", 400, "", "missing field", KindBadRequest},
		{"400 context length", 400, "", "This model's maximum context length is 8192 tokens", KindCapacity},
		{"code refines status", 400, "context_length_exceeded", "", KindCapacity},
		{"code overrides", 500, "rate_limit_exceeded", "", KindRateLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := wireError(OpenAI, tt.status, tt.code, tt.message, openaiErrorCodes)
			assert.Equal(t, tt.want, e.Kind)
			assert.Equal(t, tt.status, e.StatusCode)
		})
	}
}

func TestNewHTTPClient_StreamsOutliveHeaderTimeout(t *testing.T) {
	const headerTimeout = 50 * time.Millisecond

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		for _, word := range []string{"one ", "two ", "three ", "four"} {
			time.Sleep(headerTimeout * 3 / 4)
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", word)
			w.(http.Flusher).Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewDeepSeekProvider("k", srv.URL, NewHTTPClient(headerTimeout))
	ch, err := p.ChatCompletionStream(context.Background(), &ChatRequest{Model: "deepseek-chat", Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.NotEmpty(t, chunks)
	assert.NoError(t, chunks[len(chunks)-1].Error)
	assert.Equal(t, "one two three four", text(chunks))
}

func TestNewHTTPClient_SlowHeadersTimeOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	p := NewDeepSeekProvider("k", srv.URL, NewHTTPClient(50*time.Millisecond))
	_, err := p.ChatCompletion(context.Background(), &ChatRequest{Model: "deepseek-chat"})
	assert.ErrorContains(t, err, "timeout awaiting response headers")
}
