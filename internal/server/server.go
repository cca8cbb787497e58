// Package server exposes the gateway and the thesis workflows over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/howard-nolan/thesisgate/internal/config"
	"github.com/howard-nolan/thesisgate/internal/provider"
	"github.com/howard-nolan/thesisgate/internal/reqlog"
	"github.com/howard-nolan/thesisgate/internal/writing"
)

// Gateway is the part of gateway.Service the handlers call.
type Gateway interface {
	Chat(ctx context.Context, messages []provider.Message, opts provider.Options, cfg provider.Config) (string, error)
	ChatStream(ctx context.Context, messages []provider.Message, opts provider.Options, cfg provider.Config, onChunk func(string)) (string, error)
	ValidateAPIKey(ctx context.Context, p provider.ID, apiKey string) bool
	RequestLog() []reqlog.Entry
	ClearRequestLog()
	ClearKeyValidationCache(ctx context.Context) error
}

// Drafter runs the thesis workflows; *writing.Generator implements it.
type Drafter interface {
	GenerateChapter(ctx context.Context, req writing.ChapterRequest, cfg provider.Config) (*writing.ChapterDraft, error)
	Suggest(ctx context.Context, prompt string, chapter int, cfg provider.Config) (string, error)
	Analyze(ctx context.Context, req writing.AnalyzeRequest, cfg provider.Config) (string, error)
	GenerateChapterStructure(ctx context.Context, title, description string, cfg provider.Config) (*writing.ChapterStructure, error)
	EnrichWithReferences(ctx context.Context, content, field string, cfg provider.Config) (*writing.Enriched, error)
	SuggestResearch(ctx context.Context, interests, field string, cfg provider.Config) (*writing.ResearchSuggestions, error)
	GenerateTopics(ctx context.Context, field, interests string, cfg provider.Config) (string, error)
}

// Options carries the optional server dependencies.
type Options struct {
	Logger *slog.Logger

	// Metrics, when set, is mounted at /metrics.
	Metrics http.Handler

	// RequestTimeout bounds non-streaming handlers. Zero disables it.
	RequestTimeout time.Duration
}

// Server holds the HTTP router and everything the handlers need.
type Server struct {
	router chi.Router
	cfg    *config.Config
	gw     Gateway
	drafts Drafter
	logger *slog.Logger
}

// New wires routes and middleware and returns a Server ready to use as an
// http.Handler.
func New(cfg *config.Config, gw Gateway, drafts Drafter, opts Options) *Server {
	s := &Server{cfg: cfg, gw: gw, drafts: drafts, logger: opts.Logger}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.routes(opts)
	return s
}

func (s *Server) routes(opts Options) {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Logging(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "thesisgate")
	})

	r.Get("/health", s.handleHealth)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		// Streams are bounded by the client connection only.
		r.Post("/chat/stream", s.handleChatStream)

		r.Group(func(r chi.Router) {
			if opts.RequestTimeout > 0 {
				r.Use(middleware.Timeout(opts.RequestTimeout))
			}

			r.Post("/chat", s.handleChat)

			r.Post("/keys/validate", s.handleValidateKey)
			r.Delete("/keys/cache", s.handleClearKeyCache)

			r.Get("/requests", s.handleRequestLog)
			r.Delete("/requests", s.handleClearRequestLog)

			r.Post("/chapters/generate", s.handleGenerateChapter)
			r.Post("/chapters/suggest", s.handleSuggest)
			r.Post("/chapters/analyze", s.handleAnalyze)
			r.Post("/chapters/references", s.handleReferences)

			r.Post("/thesis/structure", s.handleStructure)
			r.Post("/research/suggestions", s.handleResearchSuggestions)
			r.Post("/research/topics", s.handleTopics)
		})
	})

	s.router = r
}

// ServeHTTP delegates to the chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
