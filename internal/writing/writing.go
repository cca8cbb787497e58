// Package writing holds the thesis workflows that sit on top of the gateway:
// chapter drafting with continuation, writing suggestions, chapter review,
// thesis outlines, reference enrichment and topic discovery.
package writing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/howard-nolan/thesisgate/internal/provider"
	"github.com/howard-nolan/thesisgate/internal/retry"
)

var (
	// ErrEmptyResponse means the model answered with no text.
	ErrEmptyResponse = errors.New("AI service did not return any content")

	// ErrMissingInput means the caller sent nothing to work on.
	ErrMissingInput = errors.New("input is required")

	// ErrMalformedOutput means a workflow that expects JSON got something
	// else back from the model.
	ErrMalformedOutput = errors.New("AI response is not valid JSON")
)

const (
	// continueThreshold is the word count at which a draft section is
	// considered substantial enough to continue from.
	continueThreshold = 300

	// contextTail is how many trailing characters of the previous draft are
	// fed back as continuation context.
	contextTail = 500

	// previewLen is how much of each earlier chapter the reviewer sees.
	previewLen = 200
)

// Chatter is the part of the gateway the workflows need.
type Chatter interface {
	Chat(ctx context.Context, messages []provider.Message, opts provider.Options, cfg provider.Config) (string, error)
}

// Generator runs the writing workflows against a Chatter.
type Generator struct {
	ai     Chatter
	retry  retry.Policy
	logger *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithRetry sets the policy used to re-ask the model when a JSON workflow
// gets an unparseable answer. Transport retries happen in the gateway.
func WithRetry(p retry.Policy) Option {
	return func(g *Generator) { g.retry = p }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// New returns a Generator backed by ai.
func New(ai Chatter, opts ...Option) *Generator {
	g := &Generator{ai: ai, retry: retry.Default()}
	for _, o := range opts {
		o(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// draftOptions are used for chapter drafting.
func draftOptions() provider.Options {
	return provider.Options{
		Temperature:      provider.Float(0.7),
		MaxTokens:        provider.Int(2000),
		PresencePenalty:  provider.Float(0.2),
		FrequencyPenalty: provider.Float(0.3),
	}
}

// feedbackOptions are used for suggestions and reviews.
func feedbackOptions() provider.Options {
	o := draftOptions()
	o.MaxTokens = provider.Int(1500)
	return o
}

// ---------------------------------------------------------------------------
// Chapter drafting
// ---------------------------------------------------------------------------

// Continuation carries the state of a multi-part draft between calls. The
// caller owns it and passes it back to continue where the last draft ended.
type Continuation struct {
	Chapter              int    `json:"chapter"`
	LastGeneratedContent string `json:"last_generated_content"`
	ContinuationPoint    int    `json:"continuation_point"`
	IterationCount       int    `json:"iteration_count"`
	TotalWords           int    `json:"total_words"`
}

// ChapterRequest asks for a chapter draft.
type ChapterRequest struct {
	Chapter      int           `json:"chapter"`
	Instructions string        `json:"instructions"`
	Continuation *Continuation `json:"continuation,omitempty"`
}

// ChapterDraft is one generated section.
type ChapterDraft struct {
	Content        string `json:"content"`
	CanContinue    bool   `json:"can_continue"`
	IterationCount int    `json:"iteration_count"`
	WordCount      int    `json:"word_count"`
	TotalWords     int    `json:"total_words"`

	// Next is set when CanContinue is true; pass it back in the next
	// ChapterRequest.
	Next *Continuation `json:"next,omitempty"`
}

// GenerateChapter drafts chapter content from the user's instructions. With
// a Continuation, the tail of the previous draft is given to the model so
// the new section picks up in the same style.
func (g *Generator) GenerateChapter(ctx context.Context, req ChapterRequest, cfg provider.Config) (*ChapterDraft, error) {
	if strings.TrimSpace(req.Instructions) == "" {
		return nil, fmt.Errorf("generating chapter: instructions: %w", ErrMissingInput)
	}

	messages := []provider.Message{{
		Role:    provider.RoleSystem,
		Content: "You are an academic writing assistant specializing in thesis content generation.",
	}}
	if c := req.Continuation; c != nil {
		messages = append(messages, provider.Message{
			Role: provider.RoleSystem,
			Content: "This is a continuation of previous content. Context: " + tail(c.LastGeneratedContent, contextTail) + "...\n" +
				"Keep the same style and flow while expanding on the topic. Continue the depth of discussion and development of ideas.",
		})
	}
	messages = append(messages, provider.Message{Role: provider.RoleUser, Content: req.Instructions})

	content, err := g.ai.Chat(ctx, messages, draftOptions(), cfg)
	if err != nil {
		return nil, fmt.Errorf("generating chapter %d: %w", req.Chapter, err)
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("generating chapter %d: %w", req.Chapter, ErrEmptyResponse)
	}

	words := CountWords(content)
	draft := &ChapterDraft{
		Content:        content,
		CanContinue:    words >= continueThreshold,
		IterationCount: 1,
		WordCount:      words,
		TotalWords:     words,
	}

	if draft.CanContinue {
		prevIterations, prevWords := 0, 0
		if c := req.Continuation; c != nil {
			prevIterations, prevWords = c.IterationCount, c.TotalWords
		}
		draft.Next = &Continuation{
			Chapter:              req.Chapter,
			LastGeneratedContent: content,
			ContinuationPoint:    utf8.RuneCountInString(content),
			IterationCount:       prevIterations + 1,
			TotalWords:           prevWords + words,
		}
		draft.IterationCount = draft.Next.IterationCount
		draft.TotalWords = draft.Next.TotalWords
	}

	return draft, nil
}

// CountWords counts whitespace-separated words.
func CountWords(s string) int {
	return len(strings.Fields(s))
}

// tail returns the last n characters of s.
func tail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

// ---------------------------------------------------------------------------
// Suggestions and review
// ---------------------------------------------------------------------------

// Suggest asks for concrete writing advice on the given chapter.
func (g *Generator) Suggest(ctx context.Context, prompt string, chapter int, cfg provider.Config) (string, error) {
	system := fmt.Sprintf(`You are a thesis writing assistant helping with Chapter %d.
Provide constructive suggestions for:
1. Content development and depth
2. Structure and flow
3. Academic language enhancement
4. Research direction
5. Potential areas for expansion

Be specific and actionable in your recommendations.
Use formal academic language.`, chapter)

	return g.feedback(ctx, "suggesting", system, prompt, cfg)
}

// PriorChapter is an earlier chapter given to the reviewer as context.
type PriorChapter struct {
	Number  int    `json:"number"`
	Content string `json:"content"`
}

// AnalyzeRequest asks for an academic review of one chapter.
type AnalyzeRequest struct {
	Title   string         `json:"title"`
	Chapter int            `json:"chapter"`
	Content string         `json:"content"`
	Prior   []PriorChapter `json:"prior,omitempty"`
}

// Analyze reviews a chapter for alignment, rigor, citations, style and
// gives recommendations. Earlier chapters are summarized as context.
func (g *Generator) Analyze(ctx context.Context, req AnalyzeRequest, cfg provider.Config) (string, error) {
	var prior strings.Builder
	for _, ch := range req.Prior {
		if ch.Number >= req.Chapter {
			continue
		}
		fmt.Fprintf(&prior, "Chapter %d: %s...\n", ch.Number, head(ch.Content, previewLen))
	}

	system := fmt.Sprintf(`You are a thesis reviewer analyzing Chapter %d of a thesis titled %q.

Context from previous chapters:
%s
Provide detailed academic feedback addressing:
1. Alignment with thesis title and objectives
   - Does the content specifically address research variables?
   - Is the discussion focused on the main topic?

2. Academic rigor and methodology
   - Is the methodology appropriate for the research variables?
   - Is the analysis thorough and specific?

3. Citation and reference usage
   - Are references relevant to the specific topic?
   - Are sources current and authoritative?

4. Academic language and writing style
   - Is terminology appropriate for the field?
   - Are arguments supported by specific data?

5. Specific recommendations for improvement
   - Provide concrete suggestions related to research topic
   - Identify areas needing deeper exploration

Avoid generic feedback. Focus on specific aspects of this research.`, req.Chapter, req.Title, prior.String())

	return g.feedback(ctx, "analyzing", system, req.Content, cfg)
}

func (g *Generator) feedback(ctx context.Context, action, system, user string, cfg provider.Config) (string, error) {
	if strings.TrimSpace(user) == "" {
		return "", fmt.Errorf("%s: content: %w", action, ErrMissingInput)
	}

	messages := []provider.Message{
		{Role: provider.RoleSystem, Content: system},
		{Role: provider.RoleUser, Content: user},
	}

	out, err := g.ai.Chat(ctx, messages, feedbackOptions(), cfg)
	if err != nil {
		return "", fmt.Errorf("%s: %w", action, err)
	}
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("%s: %w", action, ErrEmptyResponse)
	}
	return out, nil
}

// head returns the first n characters of s.
func head(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
