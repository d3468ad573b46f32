package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSetGet(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", []byte("value-a"), 0))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("value-a"), got)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreTTL(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "short", []byte("v"), 10*time.Millisecond))
	require.NoError(t, s.Set(ctx, "long", []byte("v"), time.Hour))

	time.Sleep(20 * time.Millisecond)

	_, err := s.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound, "expired key must not be readable")

	_, err = s.Get(ctx, "long")
	assert.NoError(t, err)
}

func TestMemoryStoreScan(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "session:1:tok:a", []byte("1"), 0))
	require.NoError(t, s.Set(ctx, "session:1:tok:b", []byte("2"), 0))
	require.NoError(t, s.Set(ctx, "session:2:tok:a", []byte("3"), 0))
	require.NoError(t, s.Set(ctx, "other", []byte("4"), 0))

	got, err := s.Scan(ctx, "session:1:")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, []byte("1"), got["session:1:tok:a"])
	assert.Equal(t, []byte("2"), got["session:1:tok:b"])
}

func TestMemoryStoreScanSkipsExpired(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "p:dead", []byte("v"), 10*time.Millisecond))
	require.NoError(t, s.Set(ctx, "p:live", []byte("v"), time.Hour))

	time.Sleep(20 * time.Millisecond)

	got, err := s.Scan(ctx, "p:")
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, "p:live")
}

func TestMemoryStoreDelete(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), 0))
	require.NoError(t, s.Delete(ctx, "a", "b"))

	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("abc"), 0))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	got[0] = 'x'

	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again, "mutating a returned value must not affect the store")
}
