// Package openai adapts the OpenAI Chat Completions API to the
// internal/provider.Provider contract.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/orbitfleet/orchestra/internal/provider"
)

// Adapter wraps the official OpenAI client.
type Adapter struct {
	client *openai.Client
}

// New constructs an Adapter authenticated with apiKey. An empty apiKey lets
// the SDK fall back to OPENAI_API_KEY from the environment. baseURL
// overrides the API endpoint, unused unless set (e.g. for Azure/OpenAI-
// compatible gateways).
func New(apiKey, baseURL string) *Adapter {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &Adapter{client: &client}
}

func (a *Adapter) Name() string { return "openai" }

// CountTokens is a rough estimate of one token per four bytes of text, used
// only for accounting.
func (a *Adapter) CountTokens(text string) int {
	return len(text) / 4
}

func (a *Adapter) Complete(ctx context.Context, req provider.CompletionRequest) (provider.CompletionResponse, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := openai.ChatCompletionNewParams{
		Model:               req.Model,
		Messages:            messages,
		Temperature:         openai.Float(req.Temperature),
		MaxCompletionTokens: openai.Int(maxTokens),
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return provider.CompletionResponse{}, fmt.Errorf("openai: complete: %w", err)
	}
	if len(resp.Choices) == 0 {
		return provider.CompletionResponse{}, fmt.Errorf("openai: complete: no choices returned")
	}
	choice := resp.Choices[0]

	return provider.CompletionResponse{
		Text:         choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: provider.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}
