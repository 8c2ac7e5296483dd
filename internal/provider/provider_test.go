package provider_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitfleet/orchestra/internal/provider"
)

type stubProvider struct{ text string }

func (s stubProvider) Name() string               { return "stub" }
func (s stubProvider) CountTokens(t string) int    { return len(t) }
func (s stubProvider) Complete(ctx context.Context, req provider.CompletionRequest) (provider.CompletionResponse, error) {
	return provider.CompletionResponse{Text: s.text, FinishReason: "stop"}, nil
}

func TestRegistry_GetUnknownErrors(t *testing.T) {
	r := provider.NewRegistry()
	_, err := r.Get("nonexistent")
	require.Error(t, err)
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := provider.NewRegistry()
	r.Register("stub", stubProvider{text: "hi"})

	p, err := r.Get("stub")
	require.NoError(t, err)
	assert.Equal(t, "stub", p.Name())
}

func TestStream_FallsBackToBufferedComplete(t *testing.T) {
	p := stubProvider{text: "buffered"}
	chunks, errs := provider.Stream(context.Background(), p, provider.CompletionRequest{})

	var got string
	for c := range chunks {
		got += c.Delta
		assert.True(t, c.Done)
	}
	require.NoError(t, <-errs)
	assert.Equal(t, "buffered", got)
}
