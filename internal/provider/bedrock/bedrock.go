// Package bedrock adapts Amazon Bedrock's Anthropic-on-Bedrock runtime to
// the internal/provider.Provider contract. No example repo in the corpus
// touches AWS Bedrock; aws-sdk-go-v2 is the standard, real ecosystem SDK for
// this concern (see DESIGN.md for why it is wired in anyway).
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/orbitfleet/orchestra/internal/provider"
)

// anthropicVersion is the Bedrock Messages API contract version required in
// every request body for Claude models hosted on Bedrock.
const anthropicVersion = "bedrock-2023-05-31"

// Adapter wraps the Bedrock Runtime InvokeModel API.
type Adapter struct {
	client *bedrockruntime.Client
}

// New constructs an Adapter for the given region, optionally with static
// credentials. Empty accessKeyID/secretAccessKey defer to the SDK's default
// credential chain (IAM role, environment, shared config).
func New(ctx context.Context, region, accessKeyID, secretAccessKey string) (*Adapter, error) {
	var optFns []func(*config.LoadOptions) error
	if region != "" {
		optFns = append(optFns, config.WithRegion(region))
	}
	if accessKeyID != "" && secretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}
	return &Adapter{client: bedrockruntime.NewFromConfig(cfg)}, nil
}

func (a *Adapter) Name() string { return "bedrock" }

func (a *Adapter) CountTokens(text string) int {
	return len(text) / 4
}

type invokeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type invokeRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	Temperature      float64         `json:"temperature,omitempty"`
	System           string          `json:"system,omitempty"`
	Messages         []invokeMessage `json:"messages"`
}

type invokeResponseContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type invokeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type invokeResponse struct {
	Content    []invokeResponseContent `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      invokeUsage             `json:"usage"`
}

func (a *Adapter) Complete(ctx context.Context, req provider.CompletionRequest) (provider.CompletionResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	messages := make([]invokeMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := m.Role
		if role != "assistant" {
			role = "user"
		}
		messages = append(messages, invokeMessage{Role: role, Content: m.Content})
	}

	body, err := json.Marshal(invokeRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxTokens,
		Temperature:      req.Temperature,
		System:           req.SystemPrompt,
		Messages:         messages,
	})
	if err != nil {
		return provider.CompletionResponse{}, fmt.Errorf("bedrock: encode request: %w", err)
	}

	out, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return provider.CompletionResponse{}, fmt.Errorf("bedrock: invoke model: %w", err)
	}

	var resp invokeResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return provider.CompletionResponse{}, fmt.Errorf("bedrock: decode response: %w", err)
	}

	var text string
	for _, c := range resp.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}

	return provider.CompletionResponse{
		Text:         text,
		FinishReason: resp.StopReason,
		Usage: provider.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
		},
	}, nil
}
