package turn

import (
	"context"

	"github.com/forager-agent/forager/internal/config"
	"github.com/forager-agent/forager/internal/llm"
)

// ModelSummarizer condenses text through the summarization model. It backs
// the research cache's background summaries, session compaction and the
// per-message history summaries.
type ModelSummarizer struct {
	client llm.Chatter
	prompt string
}

// NewModelSummarizer wraps a chat client as a summarizer.
func NewModelSummarizer(client llm.Chatter, prompt string) *ModelSummarizer {
	return &ModelSummarizer{client: client, prompt: prompt}
}

// SummarizerFromConfig builds the summarizer with the configured prompt, or
// the built-in one when config leaves it empty.
func SummarizerFromConfig(client llm.Chatter, p config.PromptsConfig) *ModelSummarizer {
	return NewModelSummarizer(client, summarizePrompt(p))
}

// Summarize sends the content through a single tool-free model call.
func (s *ModelSummarizer) Summarize(ctx context.Context, content string) (string, error) {
	return s.client.SimpleMessage(ctx, content, s.prompt)
}
