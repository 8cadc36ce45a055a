package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/inkwise/inkwise/pkg/provider/llm"
)

// summarisationPrompt is the system prompt sent to the LLM when summarising
// conversation segments.
const summarisationPrompt = `Summarise the following exchange between a writer and their AI writing assistant.
Preserve: the writer's stated goals, stylistic preferences, decisions about the draft,
and any constraints they gave (audience, tone, length). Be concise but keep every
detail a future response would need.`

// Summariser produces a concise summary of a conversation segment.
type Summariser interface {
	// Summarise takes a slice of turns and returns a condensed summary string.
	Summarise(ctx context.Context, turns []Turn) (string, error)
}

// ExtractiveSummariser synthesises a summary by extracting the leading clause
// of each turn. It performs no model calls, so trimming stays deterministic:
// the same turns always produce the same summary. This is the default used by
// [Manager].
type ExtractiveSummariser struct {
	// MaxCharsPerTurn caps the extracted text per turn. Default: 120.
	MaxCharsPerTurn int
}

// Summarise implements [Summariser].
func (s *ExtractiveSummariser) Summarise(_ context.Context, turns []Turn) (string, error) {
	limit := s.MaxCharsPerTurn
	if limit <= 0 {
		limit = 120
	}

	var sb strings.Builder
	for i, t := range turns {
		if i > 0 {
			sb.WriteString(" | ")
		}
		text := strings.TrimSpace(t.Text)
		if cut := strings.IndexAny(text, ".!?\n"); cut > 0 && cut < limit {
			text = text[:cut+1]
		} else if len(text) > limit {
			text = text[:limit] + "…"
		}
		fmt.Fprintf(&sb, "[%s] %s", t.Role, text)
	}
	return sb.String(), nil
}

// LLMSummariser uses an LLM provider to summarise conversations. It produces
// higher-quality summaries than [ExtractiveSummariser] at the price of a model
// call, and is not deterministic.
type LLMSummariser struct {
	llm llm.Provider
}

// NewLLMSummariser creates a new [LLMSummariser] backed by the given provider.
func NewLLMSummariser(provider llm.Provider) *LLMSummariser {
	return &LLMSummariser{llm: provider}
}

// Summarise sends the turns to the LLM with a summarisation prompt and returns
// the summary text. It formats the history into a single user message and asks
// the model to produce a concise summary.
func (s *LLMSummariser) Summarise(ctx context.Context, turns []Turn) (string, error) {
	if len(turns) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&sb, "[%s]: %s\n", t.Role, t.Text)
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarisationPrompt,
		Messages: []llm.Message{
			{
				Role:    "user",
				Content: sb.String(),
			},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("summarise: %w", err)
	}

	return resp.Content, nil
}
