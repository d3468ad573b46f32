// Package kvstore provides the key-value storage abstraction behind the
// masking store and the semantic cache: string keys, byte values, per-key
// TTL, and prefix scans.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a minimal key-value interface. A ttl of zero means no expiry.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Scan returns all live key/value pairs whose key starts with prefix.
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)
	Delete(ctx context.Context, keys ...string) error
	Close() error
}
