// Package semcache caches provider responses keyed by the semantic
// similarity of masked prompts. Lookup embeds the prompt and linearly
// scans the (provider, model) partition with cosine similarity; a hit
// requires the best similarity to clear the configured threshold.
//
// Only masked text ever enters the cache. Callers must skip Store when
// masking failed upstream; the cache itself never sees raw PII.
package semcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"

	"piigate/internal/core"
	"piigate/internal/kvstore"
)

const (
	// DefaultThreshold is the minimum cosine similarity for a hit.
	DefaultThreshold = 0.85
	// DefaultTTL bounds entry lifetime; expiry is the only removal path.
	DefaultTTL = time.Hour
)

// entry is one immutable cached exchange.
type entry struct {
	Embedding []float32          `json:"embedding"`
	Response  *core.ChatResponse `json:"response"`
	CreatedAt int64              `json:"created_at"`
}

// Config holds cache tuning knobs.
type Config struct {
	Threshold float64
	TTL       time.Duration
}

// DefaultCacheConfig returns cache defaults.
func DefaultCacheConfig() Config {
	return Config{Threshold: DefaultThreshold, TTL: DefaultTTL}
}

// Cache is the semantic response cache.
type Cache struct {
	kv        kvstore.Store
	embedder  core.Embedder
	threshold float64
	ttl       time.Duration
	logger    *slog.Logger
}

// New creates a semantic cache over the given KV store and embedder.
func New(kv kvstore.Store, embedder core.Embedder, cfg Config, logger *slog.Logger) *Cache {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		kv:        kv,
		embedder:  embedder,
		threshold: cfg.Threshold,
		ttl:       cfg.TTL,
		logger:    logger,
	}
}

func partitionPrefix(provider, model string) string {
	return fmt.Sprintf("semcache:%s:%s:", provider, model)
}

func entryKey(provider, model, maskedPrompt string) string {
	return fmt.Sprintf("%s%x", partitionPrefix(provider, model), xxhash.Sum64String(maskedPrompt))
}

// Lookup returns the cached response most similar to maskedPrompt within
// the (provider, model) partition, if its similarity clears the threshold.
// Every failure mode (embedder down, store unreachable, corrupt entry,
// dimensionality mismatch) degrades to a miss.
func (c *Cache) Lookup(ctx context.Context, maskedPrompt, provider, model string) (*core.ChatResponse, bool) {
	query, err := c.embedder.Embed(ctx, maskedPrompt)
	if err != nil {
		c.logger.Warn("cache lookup: embedding failed, treating as miss", "error", err)
		return nil, false
	}

	entries, err := c.kv.Scan(ctx, partitionPrefix(provider, model))
	if err != nil {
		c.logger.Warn("cache lookup: store scan failed, treating as miss", "error", err)
		return nil, false
	}

	var (
		best    *entry
		bestSim float64
	)
	for key, data := range entries {
		var e entry
		if err := json.Unmarshal(data, &e); err != nil {
			c.logger.Warn("cache lookup: skipping corrupt entry", "key", key)
			continue
		}
		sim, ok := cosineSimilarity(query, e.Embedding)
		if !ok {
			// Entry from a retired embedding model; ignore it.
			continue
		}
		if best == nil || sim > bestSim || (sim == bestSim && e.CreatedAt > best.CreatedAt) {
			cp := e
			best = &cp
			bestSim = sim
		}
	}

	if best == nil || bestSim < c.threshold {
		return nil, false
	}
	return best.Response, true
}

// Store writes a fresh entry for the masked prompt. Entries are keyed by
// content hash and never overwritten in place with different content;
// concurrent stores of the same prompt are last-write-wins. Failures are
// logged and returned, but callers treat them as non-fatal.
func (c *Cache) Store(ctx context.Context, maskedPrompt, provider, model string, response *core.ChatResponse) error {
	if response == nil {
		return fmt.Errorf("semcache: nil response")
	}

	embedding, err := c.embedder.Embed(ctx, maskedPrompt)
	if err != nil {
		return fmt.Errorf("semcache: embed prompt: %w", err)
	}

	data, err := json.Marshal(entry{
		Embedding: embedding,
		Response:  response,
		CreatedAt: time.Now().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("semcache: encode entry: %w", err)
	}

	if err := c.kv.Set(ctx, entryKey(provider, model, maskedPrompt), data, c.ttl); err != nil {
		return fmt.Errorf("semcache: store entry: %w", err)
	}
	return nil
}
