package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piigate/internal/core"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewWithHTTPClient("openai", "test-key", srv.URL, srv.Client())
}

func TestChatCompletion(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req core.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4", req.Model)

		json.NewEncoder(w).Encode(core.ChatResponse{
			ID:    "chatcmpl-1",
			Model: "gpt-4",
			Choices: []core.Choice{{
				Message: core.Message{Role: "assistant", Content: "hello"},
			}},
			Usage: core.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
		})
	})

	resp, err := p.ChatCompletion(context.Background(), &core.ChatRequest{
		Model:    "gpt-4",
		Messages: []core.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text())
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
}

func TestChatCompletionAuthError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"Incorrect API key provided"}}`))
	})

	_, err := p.ChatCompletion(context.Background(), &core.ChatRequest{Model: "gpt-4"})
	require.Error(t, err)

	var gwErr *core.GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, core.ErrorTypeAuthentication, gwErr.Type)
	assert.Equal(t, "Incorrect API key provided", gwErr.Message)
}

func TestEmbeddings(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		json.NewEncoder(w).Encode(core.EmbeddingResponse{
			Object: "list",
			Model:  "text-embedding-3-small",
			Data: []core.EmbeddingData{{
				Object:    "embedding",
				Embedding: []float32{0.1, 0.2, 0.3},
			}},
		})
	})

	resp, err := p.Embeddings(context.Background(), &core.EmbeddingRequest{
		Model: "text-embedding-3-small",
		Input: "some masked text",
	})
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, resp.Data[0].Embedding)
	assert.Equal(t, "openai", resp.Provider)
}

func TestListModels(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		json.NewEncoder(w).Encode(core.ModelsResponse{
			Object: "list",
			Data:   []core.Model{{ID: "gpt-4", Object: "model"}},
		})
	})

	resp, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "gpt-4", resp.Data[0].ID)
}

func TestRequestIDForwarded(t *testing.T) {
	var gotHeader string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Client-Request-Id")
		json.NewEncoder(w).Encode(core.ChatResponse{})
	})

	ctx := core.WithRequestID(context.Background(), "req-123")
	_, err := p.ChatCompletion(ctx, &core.ChatRequest{Model: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, "req-123", gotHeader)
}
