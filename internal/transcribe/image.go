package transcribe

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/forager-agent/forager/internal/config"
)

const imagePrompt = "Describe this image in detail. Transcribe any visible text verbatim."

// Image describes image URLs through the configured vision chat model.
type Image struct {
	api   *openai.Client
	model string
}

// NewImage builds the image transcriber from config.
func NewImage(cfg config.TranscriptionConfig) *Image {
	return &Image{
		api:   newAPIClient(cfg),
		model: cfg.VisionModel,
	}
}

// DescribeURL sends the image to the vision model and returns its textual
// description.
func (i *Image) DescribeURL(ctx context.Context, url string) (string, error) {
	if i.model == "" {
		return "", fmt.Errorf("no vision model configured")
	}

	resp, err := i.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: i.model,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: imagePrompt},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: url}},
			},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("vision request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("vision response had no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
