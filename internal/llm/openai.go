package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// openaiBackend generates structured output via the Chat Completions API.
// It works against any OpenAI-compatible endpoint (a custom base URL
// covers local inference servers).
type openaiBackend struct {
	client openai.Client
	model  string
}

// NewOpenAI creates a feature client backed by an OpenAI-compatible
// endpoint. baseURL may be empty for the hosted API.
func NewOpenAI(apiKey, baseURL, model string) *Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return newClient(&openaiBackend{
		client: openai.NewClient(opts...),
		model:  model,
	})
}

func (b *openaiBackend) generateJSON(ctx context.Context, prompt string, out any) error {
	resp, err := b.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(b.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(jsonOnlySystem),
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return fmt.Errorf("openai request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("openai request: empty response")
	}

	return decodeJSONObject(resp.Choices[0].Message.Content, out)
}
