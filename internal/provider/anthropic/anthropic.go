// Package anthropic adapts the Anthropic Messages API to the
// internal/provider.Provider contract.
package anthropic

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/orbitfleet/orchestra/internal/provider"
)

// Adapter wraps the official Anthropic client.
type Adapter struct {
	client *anthropic.Client
}

// New constructs an Adapter authenticated with apiKey. An empty apiKey lets
// the SDK fall back to ANTHROPIC_API_KEY from the environment.
func New(apiKey string) *Adapter {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Adapter{client: &client}
}

func (a *Adapter) Name() string { return "anthropic" }

// CountTokens is a rough estimate of one token per four bytes of text;
// Anthropic does not expose a
// local tokenizer, so this is an approximation used only for accounting,
// not for truncation decisions.
func (a *Adapter) CountTokens(text string) int {
	return len(text) / 4
}

func (a *Adapter) Complete(ctx context.Context, req provider.CompletionRequest) (provider.CompletionResponse, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return provider.CompletionResponse{}, fmt.Errorf("anthropic: complete: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}

	return provider.CompletionResponse{
		Text:         text,
		FinishReason: string(resp.StopReason),
		Usage: provider.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}
