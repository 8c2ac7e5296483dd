// Package provider defines the LLM wire contract used by every execution
// discipline (spec.md §4.5–§4.7's "invoke the LLM call via the agent's
// configured provider") and a Registry that resolves an AgentDescriptor's
// declared provider to a concrete adapter.
package provider

import (
	"context"
	"fmt"
)

// Message is one turn in a conversation submitted to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the normalized input to a single LLM call, built by
// a discipline from an AgentDescriptor's system prompt plus event payload
// or continuous conversation history.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Temperature  float64
	MaxTokens    int
}

// Usage reports token accounting for a completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// CompletionResponse is the normalized output of a single LLM call.
type CompletionResponse struct {
	Text         string
	FinishReason string
	Usage        Usage
}

// Provider is the minimal interface every LLM vendor adapter satisfies.
// Complete blocks for the full response; disciplines that need incremental
// output use Stream, which callers may treat as optional (StreamingProvider).
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
	CountTokens(text string) int
	Name() string
}

// StreamChunk is one incremental piece of a streamed completion.
type StreamChunk struct {
	Delta string
	Done  bool
}

// StreamingProvider is implemented by adapters capable of token-by-token
// delivery. Not every provider needs it — the package-level Stream function
// falls back to a single Complete call, buffered as one chunk, for adapters
// that don't.
type StreamingProvider interface {
	Provider
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, <-chan error)
}

// Registry resolves a provider name (as declared in AgentDescriptor.LLM.Provider)
// to a concrete Provider implementation.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry constructs an empty Registry. Call Register for each adapter
// the deployment wires in.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register binds name (e.g. "anthropic", "openai", "bedrock", "ollama") to
// an adapter instance.
func (r *Registry) Register(name string, p Provider) {
	r.providers[name] = p
}

// Get resolves name to its registered Provider.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider: unknown provider %q", name)
	}
	return p, nil
}

// Stream drives req through p, using StreamingProvider.Stream when
// available and otherwise emulating streaming with a single buffered chunk
// from Complete.
func Stream(ctx context.Context, p Provider, req CompletionRequest) (<-chan StreamChunk, <-chan error) {
	if sp, ok := p.(StreamingProvider); ok {
		return sp.Stream(ctx, req)
	}

	out := make(chan StreamChunk, 1)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		resp, err := p.Complete(ctx, req)
		if err != nil {
			errCh <- err
			return
		}
		out <- StreamChunk{Delta: resp.Text, Done: true}
	}()
	return out, errCh
}
