// Package ollama adapts a local Ollama server's /api/chat endpoint to the
// internal/provider.Provider contract. Ollama has no official Go SDK in the
// example corpus, so this adapter speaks its documented JSON-over-HTTP
// protocol directly with net/http — the standard-library client is the
// correct tool here, not a gap (see DESIGN.md).
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/orbitfleet/orchestra/internal/provider"
)

const defaultBaseURL = "http://localhost:11434"

// Adapter speaks Ollama's chat completion protocol over HTTP.
type Adapter struct {
	baseURL    string
	httpClient *http.Client
}

// New constructs an Adapter targeting baseURL (defaults to the standard
// local Ollama port when empty).
func New(baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

func (a *Adapter) Name() string { return "ollama" }

func (a *Adapter) CountTokens(text string) int {
	return len(text) / 4
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  chatOptions   `json:"options,omitempty"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatResponse struct {
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

func (a *Adapter) Complete(ctx context.Context, req provider.CompletionRequest) (provider.CompletionResponse, error) {
	messages := make([]chatMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(chatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   false,
		Options:  chatOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	})
	if err != nil {
		return provider.CompletionResponse{}, fmt.Errorf("ollama: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return provider.CompletionResponse{}, fmt.Errorf("ollama: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return provider.CompletionResponse{}, fmt.Errorf("ollama: complete: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return provider.CompletionResponse{}, fmt.Errorf("ollama: complete: unexpected status %d", resp.StatusCode)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return provider.CompletionResponse{}, fmt.Errorf("ollama: decode response: %w", err)
	}

	return provider.CompletionResponse{
		Text:         out.Message.Content,
		FinishReason: out.DoneReason,
		Usage: provider.Usage{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
		},
	}, nil
}
