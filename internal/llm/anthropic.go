package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const jsonOnlySystem = "You are a JSON API. Respond with a single JSON object and nothing else: no prose, no markdown fences."

// anthropicBackend generates structured output via the Anthropic Messages
// API.
type anthropicBackend struct {
	client anthropic.Client
	model  string
}

// NewAnthropic creates a feature client backed by the Anthropic API.
func NewAnthropic(apiKey, model string) *Client {
	return newClient(&anthropicBackend{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	})
}

func (b *anthropicBackend) generateJSON(ctx context.Context, prompt string, out any) error {
	msg, err := b.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: jsonOnlySystem},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return fmt.Errorf("anthropic request: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return decodeJSONObject(text.String(), out)
}

// decodeJSONObject extracts the first JSON object from a completion and
// unmarshals it. Models occasionally wrap the object in fences or prose
// despite instructions.
func decodeJSONObject(text string, out any) error {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in response: %q", truncate(text, 120))
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), out); err != nil {
		return fmt.Errorf("parse structured response: %w", err)
	}
	return nil
}
