package daemon

import (
	"context"
	"strings"

	"github.com/forager-agent/forager/internal/llm"
)

const plannerPrompt = `Classify the user's message as either a shell command to execute or a question for the assistant. Reply with exactly one word: "command" or "query".`

// ModelPlanner classifies messages with a small model.
type ModelPlanner struct {
	client llm.Chatter
}

// NewModelPlanner wraps a chat client as the interface planner.
func NewModelPlanner(client llm.Chatter) *ModelPlanner {
	return &ModelPlanner{client: client}
}

// Classify returns "command" or "query". Anything else the model says is
// treated as a classification failure.
func (p *ModelPlanner) Classify(ctx context.Context, text string) (string, error) {
	reply, err := p.client.SimpleMessage(ctx, text, plannerPrompt)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(strings.TrimSpace(reply)) {
	case "command":
		return "command", nil
	case "query":
		return "query", nil
	}
	return "query", nil
}
