package kvstore

import (
	"context"
	"strings"
	"sync"
	"time"
)

// entry is one stored value. A zero expiresAt means the entry never expires.
type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is an in-process Store suitable for single-instance
// deployments and tests. A background reaper evicts expired entries;
// reads also check expiry so the reaper interval is not a correctness
// concern.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]entry
	done    chan struct{}
	once    sync.Once
}

// NewMemoryStore creates an in-memory store with a reaper running every
// minute.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]entry),
		done:    make(chan struct{}),
	}
	go s.reapLoop(time.Minute)
	return s
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	buf := make([]byte, len(value))
	copy(buf, value)

	s.mu.Lock()
	s.entries[key] = entry{value: buf, expiresAt: expiresAt}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || e.expired(time.Now()) {
		return nil, ErrNotFound
	}

	buf := make([]byte, len(e.value))
	copy(buf, e.value)
	return buf, nil
}

func (s *MemoryStore) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	now := time.Now()
	result := make(map[string][]byte)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, e := range s.entries {
		if !strings.HasPrefix(key, prefix) || e.expired(now) {
			continue
		}
		buf := make([]byte, len(e.value))
		copy(buf, e.value)
		result[key] = buf
	}
	return result, nil
}

func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.entries, key)
	}
	return nil
}

// Close stops the reaper. Safe to call more than once.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *MemoryStore) reapLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key, e := range s.entries {
				if e.expired(now) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		}
	}
}
