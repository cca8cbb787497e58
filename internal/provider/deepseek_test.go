package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToDeepSeekRequest(t *testing.T) {
	dr := toDeepSeekRequest(&ChatRequest{
		Model:    "deepseek-chat",
		Messages: []Message{{Role: RoleSystem, Content: "s"}, {Role: RoleUser, Content: "u"}},
		Options:  Options{Temperature: Float(0), MaxTokens: Int(2000)},
	})

	b, err := json.Marshal(dr)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"model": "deepseek-chat",
		"messages": [{"role":"system","content":"s"},{"role":"user","content":"u"}],
		"temperature": 0,
		"max_tokens": 2000
	}`, string(b), "explicit zero temperature is kept, unset options are omitted")
}

func TestDeepSeekChatCompletion(t *testing.T) {
	var got deepseekRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer ds-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		fmt.Fprint(w, `{"id":"ds-1","model":"deepseek-chat","choices":[{"message":{"role":"assistant","content":"Qualitative."}}],"usage":{"prompt_tokens":9,"completion_tokens":2,"total_tokens":11}}`)
	}))
	defer srv.Close()

	p := NewDeepSeekProvider("ds-key", srv.URL, srv.Client())
	resp, err := p.ChatCompletion(context.Background(), &ChatRequest{
		Model:    "deepseek-chat",
		Messages: []Message{{Role: RoleUser, Content: "Which approach?"}},
	})
	require.NoError(t, err)

	assert.Equal(t, &ChatResponse{
		ID:      "ds-1",
		Model:   "deepseek-chat",
		Content: "Qualitative.",
		Usage:   Usage{PromptTokens: 9, CompletionTokens: 2, TotalTokens: 11},
	}, resp)
	assert.False(t, got.Stream)
}

func TestDeepSeekChatCompletion_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"ds-1","choices":[]}`)
	}))
	defer srv.Close()

	_, err := NewDeepSeekProvider("k", srv.URL, srv.Client()).ChatCompletion(context.Background(), &ChatRequest{Model: "deepseek-chat"})
	assert.ErrorContains(t, err, "no choices")
}

func TestDeepSeekChatCompletion_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"invalid key", 401, `{"error":{"message":"Authentication Fails","type":"authentication_error","code":"invalid_api_key"}}`, ErrAuthentication},
		{"too many requests", 429, `{"error":{"message":"Rate limit reached","code":"too_many_requests"}}`, ErrRateLimit},
		{"context too long", 400, `{"error":{"message":"input too large","code":"context_too_long"}}`, ErrCapacity},
		{"server busy", 503, `{"error":{"message":"Server busy"}}`, ErrTransient},
		{"invalid format", 422, `{"error":{"message":"Invalid Parameters"}}`, ErrBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewDeepSeekProvider("k", srv.URL, srv.Client()).ChatCompletion(context.Background(), &ChatRequest{Model: "deepseek-chat"})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDeepSeekStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req deepseekRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"ds-2\",\"model\":\"deepseek-chat\",\"choices\":[{\"delta\":{\"role\":\"assistant\",\"content\":\"\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"ds-2\",\"model\":\"deepseek-chat\",\"choices\":[{\"delta\":{\"content\":\"Case\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"ds-2\",\"model\":\"deepseek-chat\",\"choices\":[{\"delta\":{\"content\":\" study\"}}]}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"id\":\"ds-2\",\"model\":\"deepseek-chat\",\"choices\":[],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":2,\"total_tokens\":7}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"after done\"}}]}\n\n")
	}))
	defer srv.Close()

	p := NewDeepSeekProvider("k", srv.URL, srv.Client())
	ch, err := p.ChatCompletionStream(context.Background(), &ChatRequest{Model: "deepseek-chat", Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 3)
	assert.Equal(t, "Case study", text(chunks))
	assert.Equal(t, "ds-2", chunks[0].ID)

	last := chunks[2]
	assert.True(t, last.Done)
	require.NotNil(t, last.Usage)
	assert.Equal(t, Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}, *last.Usage)
}

func TestDeepSeekStream_EndsWithoutDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"cut\"}}]}")
	}))
	defer srv.Close()

	ch, err := NewDeepSeekProvider("k", srv.URL, srv.Client()).ChatCompletionStream(context.Background(), &ChatRequest{Model: "deepseek-chat"})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 2)
	assert.Equal(t, "cut", chunks[0].Delta)
	assert.True(t, chunks[1].Done)
	assert.Equal(t, "deepseek-chat", chunks[1].Model)
}

func TestParseDeepSeekChunk(t *testing.T) {
	assert.Equal(t, "hi", parseDeepSeekChunk(`{"choices":[{"delta":{"content":"hi"}}]}`))
	assert.Empty(t, parseDeepSeekChunk(`{"choices":[]}`))
	assert.Empty(t, parseDeepSeekChunk(`{broken`))
	assert.Empty(t, parseDeepSeekChunk(deepseekDone))
}

func TestDeepSeekValidateKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"message":"Authentication Fails","code":"invalid_api_key"}}`)
			return
		}
		fmt.Fprint(w, `{"object":"list","data":[{"id":"deepseek-chat"}]}`)
	}))
	defer srv.Close()

	assert.NoError(t, NewDeepSeekProvider("good", srv.URL, srv.Client()).ValidateKey(context.Background()))
	assert.ErrorIs(t, NewDeepSeekProvider("bad", srv.URL, srv.Client()).ValidateKey(context.Background()), ErrAuthentication)
}
