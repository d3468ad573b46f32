// Package core defines the core interfaces and types for the PII gateway.
package core

import "context"

// Provider defines the interface for LLM providers
type Provider interface {
	// ChatCompletion executes a chat completion request
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Embeddings sends an embeddings request to the provider
	Embeddings(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)

	// ListModels returns the list of available models
	ListModels(ctx context.Context) (*ModelsResponse, error)
}

// Embedder computes a fixed-dimensionality embedding vector for a text.
// Implementations declare their dimensionality up front so callers can
// detect entries produced by a retired embedding model.
type Embedder interface {
	// Embed returns the embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the provider-declared vector dimensionality.
	Dimensions() int
}

// PricingResolver maps a model to its per-token pricing.
// Prices are in USD per million tokens.
type PricingResolver interface {
	Pricing(model string) (inputPerMTok, outputPerMTok float64, ok bool)
}
