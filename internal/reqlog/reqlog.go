// Package reqlog keeps a bounded, in-memory log of recent gateway requests
// for diagnostics.
package reqlog

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/howard-nolan/thesisgate/internal/capacity"
	"github.com/howard-nolan/thesisgate/internal/provider"
)

// DefaultCapacity is the number of entries kept when none is configured.
const DefaultCapacity = 100

// Status is the lifecycle state of an entry.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Handle identifies one entry for later updates.
type Handle string

// ErrorInfo is the failure detail recorded on an entry.
type ErrorInfo struct {
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
	Code    string `json:"code,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// Entry is one logged request.
type Entry struct {
	ID           Handle               `json:"id"`
	Timestamp    time.Time            `json:"timestamp"`
	Provider     provider.ID          `json:"provider"`
	Model        string               `json:"model"`
	MessageCount int                  `json:"message_count"`
	Request      provider.ChatRequest `json:"request"`

	Status   Status        `json:"status"`
	Response string        `json:"response,omitempty"`
	Error    *ErrorInfo    `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`

	PromptTokens         int `json:"prompt_tokens,omitempty"`
	CompletionTokens     int `json:"completion_tokens,omitempty"`
	TotalTokens          int `json:"total_tokens,omitempty"`
	TokenUsagePercentage int `json:"token_usage_percentage,omitempty"`
}

// Update is the terminal outcome merged into an entry. Zero fields leave
// the entry untouched, except Status which is always applied when set.
type Update struct {
	Status   Status
	Model    string // model actually served, when it differs from the request
	Response string
	Err      error
	Duration time.Duration
	Usage    *provider.Usage
}

// Log is a most-recent-first ring of entries. Safe for concurrent use.
type Log struct {
	size   int
	models *capacity.Manager
	logger *slog.Logger

	mu      sync.Mutex
	entries []*Entry // index 0 is the newest

	now func() time.Time
}

// New creates a Log holding at most size entries. models supplies MaxTokens
// for the usage percentage and may be nil.
func New(size int, models *capacity.Manager, logger *slog.Logger) *Log {
	if size <= 0 {
		size = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		size:   size,
		models: models,
		logger: logger,
		now:    time.Now,
	}
}

// Start records a pending entry at the front of the log, evicting the
// oldest entry when full, and returns its handle.
func (l *Log) Start(p provider.ID, req provider.ChatRequest) Handle {
	e := &Entry{
		ID:           Handle(uuid.NewString()),
		Timestamp:    l.now(),
		Provider:     p,
		Model:        req.Model,
		MessageCount: len(req.Messages),
		Request:      cloneRequest(req),
		Status:       StatusPending,
	}

	l.mu.Lock()
	l.entries = append([]*Entry{e}, l.entries...)
	if len(l.entries) > l.size {
		clear(l.entries[l.size:])
		l.entries = l.entries[:l.size]
	}
	l.mu.Unlock()

	l.logger.Info("ai request",
		"id", e.ID,
		"provider", p,
		"model", req.Model,
		"messages", e.MessageCount,
		"stream", req.Stream,
	)

	return e.ID
}

// Update merges u into the entry for h. Updates for evicted or unknown
// handles are ignored.
func (l *Log) Update(h Handle, u Update) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var e *Entry
	for _, cand := range l.entries {
		if cand.ID == h {
			e = cand
			break
		}
	}
	if e == nil {
		return
	}

	if u.Status != "" {
		e.Status = u.Status
	}
	if u.Model != "" {
		e.Model = u.Model
	}
	if u.Response != "" {
		e.Response = u.Response
	}
	if u.Err != nil {
		e.Error = errorInfo(u.Err)
	}
	if u.Duration > 0 {
		e.Duration = u.Duration
	}
	if u.Usage != nil {
		e.PromptTokens = u.Usage.PromptTokens
		e.CompletionTokens = u.Usage.CompletionTokens
		e.TotalTokens = u.Usage.TotalTokens
		if l.models != nil && e.TotalTokens > 0 {
			if pct, ok := l.models.UsagePercentage(e.Model, e.TotalTokens); ok {
				e.TokenUsagePercentage = pct
			}
		}
	}
}

// Entries returns a snapshot, newest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[i] = *e
		out[i].Request = cloneRequest(e.Request)
		if e.Error != nil {
			info := *e.Error
			out[i].Error = &info
		}
	}
	return out
}

// Len reports the number of entries currently held.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear drops every entry.
func (l *Log) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

func cloneRequest(req provider.ChatRequest) provider.ChatRequest {
	req.Messages = append([]provider.Message(nil), req.Messages...)
	return req
}

func errorInfo(err error) *ErrorInfo {
	info := &ErrorInfo{Message: err.Error(), Kind: provider.KindOf(err).String()}

	var pe *provider.Error
	if errors.As(err, &pe) {
		info.Status = pe.StatusCode
		info.Code = pe.Code
	}
	return info
}
