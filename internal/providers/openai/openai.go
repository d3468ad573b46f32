// Package openai provides an OpenAI-compatible provider for the gateway.
// Any endpoint speaking the /chat/completions and /embeddings wire format
// works through a custom base URL.
package openai

import (
	"context"
	"net/http"

	"piigate/internal/core"
	"piigate/internal/llmclient"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Provider implements core.Provider against an OpenAI-compatible API.
type Provider struct {
	client *llmclient.Client
	apiKey string
	name   string
}

// New creates a provider with the default resilience configuration.
// baseURL may be empty for the public OpenAI endpoint.
func New(name, apiKey, baseURL string) *Provider {
	if name == "" {
		name = "openai"
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	p := &Provider{apiKey: apiKey, name: name}
	p.client = llmclient.New(llmclient.DefaultConfig(name, baseURL), p.setHeaders)
	return p
}

// NewWithHTTPClient creates a provider with a custom HTTP client, mainly
// for tests against httptest servers.
func NewWithHTTPClient(name, apiKey, baseURL string, httpClient *http.Client) *Provider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if name == "" {
		name = "openai"
	}
	p := &Provider{apiKey: apiKey, name: name}
	p.client = llmclient.NewWithHTTPClient(httpClient, llmclient.DefaultConfig(name, baseURL), p.setHeaders)
	return p
}

// Name returns the provider identifier used in cache partitions and audit
// records.
func (p *Provider) Name() string {
	return p.name
}

// SetBaseURL points the provider at a different endpoint.
func (p *Provider) SetBaseURL(url string) {
	p.client.SetBaseURL(url)
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	// Forward the gateway request ID so upstream logs correlate.
	if requestID := core.GetRequestID(req.Context()); requestID != "" && isValidClientRequestID(requestID) {
		req.Header.Set("X-Client-Request-Id", requestID)
	}
}

// isValidClientRequestID checks the header constraints OpenAI enforces:
// ASCII only, at most 512 bytes.
func isValidClientRequestID(id string) bool {
	if len(id) > 512 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] > 127 {
			return false
		}
	}
	return true
}

// ChatCompletion sends a chat completion request.
func (p *Provider) ChatCompletion(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
	var resp core.ChatResponse
	err := p.client.Do(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/chat/completions",
		Body:     req,
	}, &resp)
	if err != nil {
		return nil, err
	}
	resp.Provider = p.name
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return &resp, nil
}

// Embeddings sends an embeddings request.
func (p *Provider) Embeddings(ctx context.Context, req *core.EmbeddingRequest) (*core.EmbeddingResponse, error) {
	var resp core.EmbeddingResponse
	err := p.client.Do(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/embeddings",
		Body:     req,
	}, &resp)
	if err != nil {
		return nil, err
	}
	resp.Provider = p.name
	return &resp, nil
}

// ListModels retrieves the models available upstream.
func (p *Provider) ListModels(ctx context.Context) (*core.ModelsResponse, error) {
	var resp core.ModelsResponse
	err := p.client.Do(ctx, llmclient.Request{
		Method:   http.MethodGet,
		Endpoint: "/models",
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
