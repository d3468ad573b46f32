// Package fake provides a deterministic in-process provider for tests and
// local development without upstream credentials.
package fake

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"

	"piigate/internal/core"
)

// Provider is a core.Provider that answers locally. Responses echo the
// last user message unless a canned reply is set; embeddings are
// deterministic hashes of the input so equal inputs embed equally.
type Provider struct {
	mu      sync.Mutex
	reply   string
	err     error
	calls   int
	dims    int
	lastReq *core.ChatRequest
}

// New creates a fake provider with 8-dimensional embeddings.
func New() *Provider {
	return &Provider{dims: 8}
}

// SetReply makes every subsequent completion return text.
func (p *Provider) SetReply(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reply = text
}

// SetError makes every subsequent call fail with err.
func (p *Provider) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Calls reports how many chat completions ran.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// LastRequest returns the most recent chat request seen.
func (p *Provider) LastRequest() *core.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReq
}

func (p *Provider) ChatCompletion(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.calls++
	p.lastReq = req
	reply := p.reply
	err := p.err
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}

	prompt := lastUserContent(req)
	if reply == "" {
		reply = "echo: " + prompt
	}

	promptTokens := countWords(prompt)
	completionTokens := countWords(reply)

	return &core.ChatResponse{
		ID:       fmt.Sprintf("fake-%d", time.Now().UnixNano()),
		Object:   "chat.completion",
		Model:    req.Model,
		Provider: "fake",
		Created:  time.Now().Unix(),
		Choices: []core.Choice{{
			Message:      core.Message{Role: "assistant", Content: reply},
			FinishReason: "stop",
		}},
		Usage: core.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}

func (p *Provider) Embeddings(ctx context.Context, req *core.EmbeddingRequest) (*core.EmbeddingResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	err := p.err
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return &core.EmbeddingResponse{
		Object:   "list",
		Model:    req.Model,
		Provider: "fake",
		Data: []core.EmbeddingData{{
			Object:    "embedding",
			Embedding: hashEmbedding(req.Input, p.dims),
		}},
		Usage: core.Usage{PromptTokens: countWords(req.Input), TotalTokens: countWords(req.Input)},
	}, nil
}

func (p *Provider) ListModels(ctx context.Context) (*core.ModelsResponse, error) {
	return &core.ModelsResponse{
		Object: "list",
		Data: []core.Model{
			{ID: "fake-chat", Object: "model", OwnedBy: "fake"},
			{ID: "fake-embed", Object: "model", OwnedBy: "fake"},
		},
	}, nil
}

// hashEmbedding derives a deterministic unit-length vector from text.
func hashEmbedding(text string, dims int) []float32 {
	vec := make([]float32, dims)
	var norm float64
	for i := 0; i < dims; i++ {
		h := fnv.New64a()
		fmt.Fprintf(h, "%d:%s", i, text)
		v := float32(h.Sum64()%1000)/500.0 - 1.0
		vec[i] = v
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / math.Sqrt(norm))
		}
	}
	return vec
}

func lastUserContent(req *core.ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	if len(req.Messages) > 0 {
		return req.Messages[len(req.Messages)-1].Content
	}
	return ""
}

func countWords(s string) int {
	return len(strings.Fields(s))
}
