package masking

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piigate/internal/kvstore"
	"piigate/internal/pii"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	kv := kvstore.NewMemoryStore()
	t.Cleanup(func() { kv.Close() })
	return NewStore(kv, time.Hour, nil)
}

func entitiesFor(text string, values map[string]pii.Type) []pii.Entity {
	var entities []pii.Entity
	for value, typ := range values {
		idx := 0
		for {
			pos := strings.Index(text[idx:], value)
			if pos < 0 {
				break
			}
			start := idx + pos
			entities = append(entities, pii.Entity{
				Type:       typ,
				Text:       value,
				Start:      start,
				End:        start + len(value),
				Confidence: 1.0,
				Source:     pii.SourcePattern,
			})
			idx = start + len(value)
		}
	}
	return entities
}

func TestMaskUnmaskRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := NewSessionID()

	text := "mail jane.doe@example.com and call 5321234567"
	entities := entitiesFor(text, map[string]pii.Type{
		"jane.doe@example.com": pii.TypeEmail,
		"5321234567":           pii.TypePhone,
	})

	masked, err := s.Mask(ctx, session, text, entities)
	require.NoError(t, err)
	assert.NotContains(t, masked, "jane.doe@example.com")
	assert.NotContains(t, masked, "5321234567")
	assert.Contains(t, masked, "<EMAIL_0>")
	assert.Contains(t, masked, "<PHONE_0>")

	unmasked, unknown, err := s.Unmask(ctx, session, masked)
	require.NoError(t, err)
	assert.False(t, unknown)
	assert.Equal(t, text, unmasked)
}

func TestMaskIdempotentWithinSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := NewSessionID()

	text := "jane.doe@example.com wrote to jane.doe@example.com"
	entities := entitiesFor(text, map[string]pii.Type{
		"jane.doe@example.com": pii.TypeEmail,
	})
	require.Len(t, entities, 2)

	masked, err := s.Mask(ctx, session, text, entities)
	require.NoError(t, err)
	assert.Equal(t, "<EMAIL_0> wrote to <EMAIL_0>", masked)

	// A second mask call in the same session reuses the token.
	again, err := s.Mask(ctx, session, "ping jane.doe@example.com",
		entitiesFor("ping jane.doe@example.com", map[string]pii.Type{
			"jane.doe@example.com": pii.TypeEmail,
		}))
	require.NoError(t, err)
	assert.Equal(t, "ping <EMAIL_0>", again)
}

func TestMaskOrdinalsPerType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := NewSessionID()

	text := "a@x.com b@x.com 5321234567"
	entities := entitiesFor(text, map[string]pii.Type{
		"a@x.com":    pii.TypeEmail,
		"b@x.com":    pii.TypeEmail,
		"5321234567": pii.TypePhone,
	})

	masked, err := s.Mask(ctx, session, text, entities)
	require.NoError(t, err)

	assert.Contains(t, masked, "<EMAIL_0>")
	assert.Contains(t, masked, "<EMAIL_1>")
	assert.Contains(t, masked, "<PHONE_0>")

	unmasked, unknown, err := s.Unmask(ctx, session, masked)
	require.NoError(t, err)
	assert.False(t, unknown)
	assert.Equal(t, text, unmasked)
}

func TestUnmaskCrossSessionIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	text := "mail jane.doe@example.com"
	entities := entitiesFor(text, map[string]pii.Type{
		"jane.doe@example.com": pii.TypeEmail,
	})

	masked, err := s.Mask(ctx, NewSessionID(), text, entities)
	require.NoError(t, err)

	// A different session must not resolve the token.
	other, unknown, err := s.Unmask(ctx, NewSessionID(), masked)
	require.NoError(t, err)
	assert.True(t, unknown)
	assert.Equal(t, masked, other)
}

func TestUnmaskUnknownTokenPassthrough(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := NewSessionID()

	text := "mail jane.doe@example.com"
	masked, err := s.Mask(ctx, session, text, entitiesFor(text, map[string]pii.Type{
		"jane.doe@example.com": pii.TypeEmail,
	}))
	require.NoError(t, err)

	// The model hallucinated a token that was never allocated.
	reply := "reply to <EMAIL_0> and cc <EMAIL_7>"
	unmasked, unknown, err := s.Unmask(ctx, session, reply)
	require.NoError(t, err)
	assert.True(t, unknown)
	assert.Equal(t, "reply to jane.doe@example.com and cc <EMAIL_7>", unmasked)
	_ = masked
}

func TestMaskNoEntities(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	masked, err := s.Mask(ctx, NewSessionID(), "nothing sensitive here", nil)
	require.NoError(t, err)
	assert.Equal(t, "nothing sensitive here", masked)
}

func TestUnmaskSurvivesShortTTLWithinRequest(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	t.Cleanup(func() { kv.Close() })
	// TTL far shorter than the request window. The mask-time pin must
	// keep the mapping alive until the response is unmasked.
	s := NewStore(kv, 50*time.Millisecond, nil)
	ctx := context.Background()
	session := NewSessionID()

	text := "mail me at jane.doe@example.com"
	masked, err := s.Mask(ctx, session, text, entitiesFor(text, map[string]pii.Type{
		"jane.doe@example.com": pii.TypeEmail,
	}))
	require.NoError(t, err)
	require.Contains(t, masked, "<EMAIL_0>")

	time.Sleep(120 * time.Millisecond)

	unmasked, unknown, err := s.Unmask(ctx, session, masked)
	require.NoError(t, err)
	assert.False(t, unknown)
	assert.Equal(t, text, unmasked)
}

func TestUnmaskExpiredSession(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	t.Cleanup(func() { kv.Close() })
	s := NewStore(kv, 10*time.Millisecond, nil)
	// Shrink the pin so expiry is observable after the request window.
	s.SetRequestWindow(10 * time.Millisecond)
	ctx := context.Background()
	session := NewSessionID()

	text := "mail jane.doe@example.com"
	masked, err := s.Mask(ctx, session, text, entitiesFor(text, map[string]pii.Type{
		"jane.doe@example.com": pii.TypeEmail,
	}))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	unmasked, unknown, err := s.Unmask(ctx, session, masked)
	require.NoError(t, err)
	assert.True(t, unknown, "expired mapping leaves tokens unresolved")
	assert.Equal(t, masked, unmasked)
}

func TestNewSessionID(t *testing.T) {
	a := NewSessionID()
	b := NewSessionID()
	assert.True(t, strings.HasPrefix(a, "session_"))
	assert.NotEqual(t, a, b)
}
