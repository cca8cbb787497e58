package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/howard-nolan/thesisgate/internal/provider"
	"github.com/howard-nolan/thesisgate/internal/stream"
	"github.com/howard-nolan/thesisgate/internal/writing"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Target selects the provider for a call. Model and key fall back to the
// provider's configured defaults when omitted.
type Target struct {
	Provider provider.ID `json:"provider" validate:"required"`
	Model    string      `json:"model,omitempty"`
	APIKey   string      `json:"api_key,omitempty"`
}

type chatRequest struct {
	Target
	Messages []provider.Message `json:"messages"`
	Options  provider.Options   `json:"options"`
}

type chatResponse struct {
	Provider provider.ID `json:"provider"`
	Model    string      `json:"model"`
	Content  string      `json:"content"`
}

type validateKeyRequest struct {
	Provider provider.ID `json:"provider" validate:"required"`
	APIKey   string      `json:"api_key"`
}

type generateRequest struct {
	Target
	writing.ChapterRequest
}

type suggestRequest struct {
	Target
	Chapter int    `json:"chapter" validate:"gte=1"`
	Prompt  string `json:"prompt"`
}

type analyzeRequest struct {
	Target
	writing.AnalyzeRequest
}

type structureRequest struct {
	Target
	Title       string `json:"title"`
	Description string `json:"description"`
}

type referencesRequest struct {
	Target
	Content string `json:"content"`
	Field   string `json:"field"`
}

// researchRequest serves both topic endpoints.
type researchRequest struct {
	Target
	Interests string `json:"interests"`
	Field     string `json:"field"`
}

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Error    string      `json:"error"`
	Kind     string      `json:"kind"`
	Provider provider.ID `json:"provider,omitempty"`
	Status   int         `json:"status,omitempty"`
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleChat handles POST /v1/chat.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !s.decode(w, r, &req) {
		return
	}
	cfg := s.resolve(req.Target)
	tag(r.Context(), cfg)

	content, err := s.gw.Chat(r.Context(), req.Messages, req.Options, cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Provider: cfg.Provider, Model: cfg.Model, Content: content})
}

// handleChatStream handles POST /v1/chat/stream. Failures that happen
// before the first fragment get a normal JSON error response; later ones
// arrive as an SSE error event.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !s.decode(w, r, &req) {
		return
	}
	cfg := s.resolve(req.Target)
	tag(r.Context(), cfg)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	chunks := make(chan provider.StreamChunk)
	send := func(c provider.StreamChunk) {
		select {
		case chunks <- c:
		case <-ctx.Done():
		}
	}

	id := "chatcmpl-" + uuid.NewString()
	go func() {
		defer close(chunks)
		_, err := s.gw.ChatStream(ctx, req.Messages, req.Options, cfg, func(delta string) {
			send(provider.StreamChunk{ID: id, Model: cfg.Model, Delta: delta})
		})
		if err != nil {
			send(provider.StreamChunk{Error: err})
			return
		}
		send(provider.StreamChunk{ID: id, Model: cfg.Model, Done: true})
	}()

	first, ok := <-chunks
	if ok && first.Error != nil {
		s.writeError(w, r, first.Error)
		return
	}

	out := make(chan provider.StreamChunk)
	go func() {
		defer close(out)
		if !ok {
			return
		}
		c := first
		for {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
			next, more := <-chunks
			if !more {
				return
			}
			c = next
		}
	}()

	if err := stream.Write(w, out); err != nil {
		AddError(r.Context(), err)
		s.logger.WarnContext(r.Context(), "stream ended with error", "provider", cfg.Provider, "model", cfg.Model, "error", err)
	}
}

// handleValidateKey handles POST /v1/keys/validate. The key is checked as
// sent; configured defaults are never substituted.
func (s *Server) handleValidateKey(w http.ResponseWriter, r *http.Request) {
	var req validateKeyRequest
	if !s.decode(w, r, &req) {
		return
	}
	AddLogField(r.Context(), "provider", string(req.Provider))

	valid := s.gw.ValidateAPIKey(r.Context(), req.Provider, req.APIKey)
	writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

func (s *Server) handleClearKeyCache(w http.ResponseWriter, r *http.Request) {
	if err := s.gw.ClearKeyValidationCache(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRequestLog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"requests": s.gw.RequestLog()})
}

func (s *Server) handleClearRequestLog(w http.ResponseWriter, r *http.Request) {
	s.gw.ClearRequestLog()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGenerateChapter(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Chapter < 1 {
		s.writeError(w, r, fmt.Errorf("chapter must be at least 1: %w", writing.ErrMissingInput))
		return
	}
	cfg := s.resolve(req.Target)
	tag(r.Context(), cfg)

	draft, err := s.drafts.GenerateChapter(r.Context(), req.ChapterRequest, cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	var req suggestRequest
	if !s.decode(w, r, &req) {
		return
	}
	cfg := s.resolve(req.Target)
	tag(r.Context(), cfg)

	out, err := s.drafts.Suggest(r.Context(), req.Prompt, req.Chapter, cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"suggestions": out})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Chapter < 1 {
		s.writeError(w, r, fmt.Errorf("chapter must be at least 1: %w", writing.ErrMissingInput))
		return
	}
	cfg := s.resolve(req.Target)
	tag(r.Context(), cfg)

	out, err := s.drafts.Analyze(r.Context(), req.AnalyzeRequest, cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"analysis": out})
}

func (s *Server) handleReferences(w http.ResponseWriter, r *http.Request) {
	var req referencesRequest
	if !s.decode(w, r, &req) {
		return
	}
	cfg := s.resolve(req.Target)
	tag(r.Context(), cfg)

	out, err := s.drafts.EnrichWithReferences(r.Context(), req.Content, req.Field, cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStructure(w http.ResponseWriter, r *http.Request) {
	var req structureRequest
	if !s.decode(w, r, &req) {
		return
	}
	cfg := s.resolve(req.Target)
	tag(r.Context(), cfg)

	out, err := s.drafts.GenerateChapterStructure(r.Context(), req.Title, req.Description, cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleResearchSuggestions(w http.ResponseWriter, r *http.Request) {
	var req researchRequest
	if !s.decode(w, r, &req) {
		return
	}
	cfg := s.resolve(req.Target)
	tag(r.Context(), cfg)

	out, err := s.drafts.SuggestResearch(r.Context(), req.Interests, req.Field, cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	var req researchRequest
	if !s.decode(w, r, &req) {
		return
	}
	cfg := s.resolve(req.Target)
	tag(r.Context(), cfg)

	out, err := s.drafts.GenerateTopics(r.Context(), req.Field, req.Interests, cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"topics": out})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// decode reads a JSON body into v and validates it, writing a 400 on
// failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, provider.NewError("", provider.KindBadRequest, "invalid request body: "+err.Error(), err))
		return false
	}
	if err := validate.Struct(v); err != nil {
		s.writeError(w, r, provider.NewError("", provider.KindBadRequest, err.Error(), err))
		return false
	}
	return true
}

// resolve fills the model and key from configuration where the request
// left them out.
func (s *Server) resolve(t Target) provider.Config {
	cfg := provider.Config{Provider: t.Provider, Model: t.Model, APIKey: t.APIKey}
	if s.cfg == nil {
		return cfg
	}
	if def, ok := s.cfg.ProviderDefaults(t.Provider); ok {
		if cfg.Model == "" {
			cfg.Model = def.Model
		}
		if cfg.APIKey == "" {
			cfg.APIKey = def.APIKey
		}
	}
	return cfg
}

func tag(ctx context.Context, cfg provider.Config) {
	AddLogField(ctx, "provider", string(cfg.Provider))
	AddLogField(ctx, "model", cfg.Model)
}

// statusFor maps an error to the HTTP status returned to the client.
func statusFor(err error) int {
	if errors.Is(err, writing.ErrMissingInput) {
		return http.StatusBadRequest
	}
	switch provider.KindOf(err) {
	case provider.KindConfiguration, provider.KindUnknownProvider, provider.KindBadRequest:
		return http.StatusBadRequest
	case provider.KindAuthentication:
		return http.StatusUnauthorized
	case provider.KindRateLimit:
		return http.StatusTooManyRequests
	case provider.KindCapacity:
		return http.StatusRequestEntityTooLarge
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)

	status := statusFor(err)
	body := errorResponse{Error: err.Error(), Kind: provider.KindOf(err).String()}
	if errors.Is(err, writing.ErrMissingInput) {
		body.Kind = provider.KindBadRequest.String()
	}

	var pe *provider.Error
	if errors.As(err, &pe) {
		body.Provider = pe.Provider
		body.Status = pe.StatusCode
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
