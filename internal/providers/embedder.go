// Package providers hosts the provider implementations and the adapters
// that bind them to the gateway's collaborator interfaces.
package providers

import (
	"context"
	"fmt"

	"piigate/internal/core"
)

// ProviderEmbedder adapts a core.Provider's embeddings endpoint to the
// core.Embedder interface with a fixed model and declared dimensionality.
type ProviderEmbedder struct {
	provider   core.Provider
	model      string
	dimensions int
}

// NewProviderEmbedder wraps a provider for embedding use.
func NewProviderEmbedder(provider core.Provider, model string, dimensions int) *ProviderEmbedder {
	return &ProviderEmbedder{provider: provider, model: model, dimensions: dimensions}
}

// Embed computes the embedding vector for text.
func (e *ProviderEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.provider.Embeddings(ctx, &core.EmbeddingRequest{
		Model: e.model,
		Input: text,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding response for model %s carried no data", e.model)
	}
	return resp.Data[0].Embedding, nil
}

// Dimensions reports the configured vector length.
func (e *ProviderEmbedder) Dimensions() int {
	return e.dimensions
}
