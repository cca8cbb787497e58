package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// maxErrorBody caps how much of an error response we read.
const maxErrorBody = 64 << 10

// wireErrorBody covers the error envelopes of all three providers:
//
//	OpenAI/DeepSeek: {"error": {"message": "...", "type": "...", "code": "..."}}
//	Anthropic:       {"type": "error", "error": {"type": "...", "message": "..."}}
type wireErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Code    any    `json:"code"` // string for most providers, sometimes a number
		Message string `json:"message"`
	} `json:"error"`
}

// code returns the most specific provider error identifier available.
func (b *wireErrorBody) code() string {
	switch c := b.Error.Code.(type) {
	case string:
		if c != "" {
			return c
		}
	case float64:
		return strconv.FormatFloat(c, 'f', -1, 64)
	}
	return b.Error.Type
}

// decodeWireError turns a non-2xx response into a classified *Error.
// The body is consumed but not closed.
func decodeWireError(p ID, resp *http.Response, codes map[string]Kind) *Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var (
		body    wireErrorBody
		code    string
		message string
	)
	if err := json.Unmarshal(raw, &body); err == nil {
		code = body.code()
		message = body.Error.Message
	}
	if message == "" {
		message = strings.TrimSpace(string(raw))
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	return wireError(p, resp.StatusCode, code, message, codes)
}

// postJSON marshals payload, POSTs it and returns the response when the
// status is 2xx. Any other outcome is returned as a classified *Error, and
// the response body is closed in that case.
func postJSON(ctx context.Context, p ID, client *http.Client, url string, header http.Header, payload any, codes map[string]Kind) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewError(p, KindBadRequest, "marshaling request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewError(p, KindConfiguration, "creating request", err)
	}
	req.Header = header.Clone()
	req.Header.Set("Content-Type", "application/json")

	return do(p, client, req, codes)
}

// getJSON issues a GET and returns the response when the status is 2xx.
func getJSON(ctx context.Context, p ID, client *http.Client, url string, header http.Header, codes map[string]Kind) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, NewError(p, KindConfiguration, "creating request", err)
	}
	req.Header = header.Clone()

	return do(p, client, req, codes)
}

func do(p ID, client *http.Client, req *http.Request, codes map[string]Kind) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(p, fmt.Errorf("sending request to %s: %w", p, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, decodeWireError(p, resp, codes)
	}

	return resp, nil
}

// sendChunk delivers a chunk unless the consumer has gone away.
func sendChunk(ctx context.Context, ch chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
