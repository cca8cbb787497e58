package writing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/howard-nolan/thesisgate/internal/provider"
)

// ---------------------------------------------------------------------------
// Thesis outline
// ---------------------------------------------------------------------------

// ChapterStructure is a proposed thesis outline.
type ChapterStructure struct {
	Chapters []ChapterOutline `json:"chapters"`
}

// ChapterOutline is one chapter of an outline.
type ChapterOutline struct {
	Number   int              `json:"number"`
	Title    string           `json:"title"`
	Sections []SectionOutline `json:"sections"`
}

// SectionOutline describes what a section should cover.
type SectionOutline struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// GenerateChapterStructure proposes a chapter and section outline for a
// thesis from its title and a description of the research.
func (g *Generator) GenerateChapterStructure(ctx context.Context, title, description string, cfg provider.Config) (*ChapterStructure, error) {
	if strings.TrimSpace(title) == "" || strings.TrimSpace(description) == "" {
		return nil, fmt.Errorf("generating chapter structure: title and description: %w", ErrMissingInput)
	}

	system := fmt.Sprintf(`As an academic research advisor, generate a detailed chapter structure for a thesis titled %q.
Each chapter should follow standard academic thesis structure and include:
1. Clear objectives for each chapter
2. Detailed sub-sections with their content expectations
3. Research methodology guidelines
4. Data analysis frameworks
5. Expected outcomes

Format your response as JSON with:
{
  "chapters": [
    {
      "number": chapterNumber,
      "title": "Chapter title",
      "sections": [
        {
          "title": "Section title",
          "content": "Detailed description of what should be included"
        }
      ]
    }
  ]
}`, title)

	opts := provider.Options{Temperature: provider.Float(0.7), MaxTokens: provider.Int(2000)}

	var out ChapterStructure
	if err := g.chatJSON(ctx, system, description, opts, cfg, &out); err != nil {
		return nil, fmt.Errorf("generating chapter structure: %w", err)
	}
	if len(out.Chapters) == 0 {
		return nil, fmt.Errorf("generating chapter structure: no chapters: %w", ErrMalformedOutput)
	}
	return &out, nil
}

// ---------------------------------------------------------------------------
// References
// ---------------------------------------------------------------------------

// Enriched is the result of EnrichWithReferences.
type Enriched struct {
	Content string `json:"content"`

	// Enriched is false when the model could not be reached and Content
	// is the text that was sent.
	Enriched bool `json:"enriched"`
}

// EnrichWithReferences asks the model to add in-text citations and a
// reference list for the given field. A failed call is not an error: the
// original content comes back unchanged.
func (g *Generator) EnrichWithReferences(ctx context.Context, content, field string, cfg provider.Config) (*Enriched, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("enriching references: content: %w", ErrMissingInput)
	}

	system := fmt.Sprintf(`As an academic reference specialist in %s, enhance this content with relevant scientific references.
For each main point, suggest:
1. Recent peer-reviewed journal articles (past 5 years preferred)
2. Highly-cited papers in the field
3. Relevant theoretical frameworks
4. Methodological references

Format: Keep existing content but add relevant in-text citations and complete reference list.`, field)

	messages := []provider.Message{
		{Role: provider.RoleSystem, Content: system},
		{Role: provider.RoleUser, Content: content},
	}
	opts := provider.Options{Temperature: provider.Float(0.6), MaxTokens: provider.Int(2000)}

	out, err := g.ai.Chat(ctx, messages, opts, cfg)
	if err == nil && strings.TrimSpace(out) == "" {
		err = ErrEmptyResponse
	}
	if err != nil {
		g.logger.WarnContext(ctx, "reference enrichment failed, keeping original content", "provider", cfg.Provider, "error", err)
		return &Enriched{Content: content}, nil
	}
	return &Enriched{Content: out, Enriched: true}, nil
}

// ---------------------------------------------------------------------------
// Topic discovery
// ---------------------------------------------------------------------------

// ResearchSuggestions is a list of candidate thesis topics.
type ResearchSuggestions struct {
	Topics []TopicSuggestion `json:"topics"`
}

// TopicSuggestion is one candidate thesis topic.
type TopicSuggestion struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Methodology string   `json:"methodology"`
	Impact      string   `json:"impact"`
	Keywords    []string `json:"keywords"`
}

// SuggestResearch proposes structured thesis topics in field that match
// the student's interests.
func (g *Generator) SuggestResearch(ctx context.Context, interests, field string, cfg provider.Config) (*ResearchSuggestions, error) {
	if strings.TrimSpace(interests) == "" {
		return nil, fmt.Errorf("suggesting research: interests: %w", ErrMissingInput)
	}

	system := fmt.Sprintf(`As a research advisor in %s, suggest potential thesis topics based on the student's interests.
Consider:
1. Current research trends
2. Academic value
3. Feasibility for thesis scope
4. Research gap in the field
5. Available resources and methodologies

Format your response as JSON with:
{
  "topics": [
    {
      "title": "Research title",
      "description": "Brief description",
      "methodology": "Suggested research method",
      "impact": "Potential impact",
      "keywords": ["keyword1", "keyword2"]
    }
  ]
}`, field)

	var out ResearchSuggestions
	if err := g.chatJSON(ctx, system, interests, provider.Options{Temperature: provider.Float(0.7)}, cfg, &out); err != nil {
		return nil, fmt.Errorf("suggesting research: %w", err)
	}
	return &out, nil
}

// GenerateTopics asks for three thesis topics as free text.
func (g *Generator) GenerateTopics(ctx context.Context, field, interests string, cfg provider.Config) (string, error) {
	if strings.TrimSpace(interests) == "" {
		return "", fmt.Errorf("generating topics: interests: %w", ErrMissingInput)
	}

	messages := []provider.Message{
		{Role: provider.RoleSystem, Content: fmt.Sprintf("You are a research advisor specializing in %s.", field)},
		{Role: provider.RoleUser, Content: "Generate 3 specific thesis topics based on these interests: " + interests},
	}
	opts := provider.Options{Temperature: provider.Float(0.7), MaxTokens: provider.Int(1500)}

	out, err := g.ai.Chat(ctx, messages, opts, cfg)
	if err != nil {
		return "", fmt.Errorf("generating topics: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("generating topics: %w", ErrEmptyResponse)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// JSON answers
// ---------------------------------------------------------------------------

// chatJSON sends a system and user message and decodes the answer into v.
// An answer that does not decode is asked for again under g.retry; gateway
// errors are returned as they are.
func (g *Generator) chatJSON(ctx context.Context, system, user string, opts provider.Options, cfg provider.Config, v any) error {
	messages := []provider.Message{
		{Role: provider.RoleSystem, Content: system},
		{Role: provider.RoleUser, Content: user},
	}

	policy := g.retry
	policy.Retryable = func(err error) bool { return errors.Is(err, ErrMalformedOutput) }
	policy.OnRetry = func(err error, _ time.Duration) {
		g.logger.WarnContext(ctx, "asking again for JSON answer", "provider", cfg.Provider, "error", err)
	}

	return policy.Do(ctx, func() error {
		out, err := g.ai.Chat(ctx, messages, opts, cfg)
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(stripFence(out)), v); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
		}
		return nil
	})
}

// stripFence removes a surrounding markdown code fence, which models often
// put around JSON.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
