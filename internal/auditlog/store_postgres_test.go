package auditlog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piigate/internal/guardrail"
)

// newPostgresStore connects to the database named by
// PIIGATE_TEST_POSTGRES_URL and resets the audit table. Tests are
// skipped when the variable is unset so the suite stays hermetic by
// default.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	url := os.Getenv("PIIGATE_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("PIIGATE_TEST_POSTGRES_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, "DROP TABLE IF EXISTS audit_log")
	require.NoError(t, err)

	store, err := NewPostgresStore(ctx, pool)
	require.NoError(t, err)
	return store
}

func countPostgresRows(t *testing.T, store *PostgresStore) int {
	t.Helper()
	var n int
	require.NoError(t, store.pool.QueryRow(context.Background(),
		"SELECT COUNT(*) FROM audit_log").Scan(&n))
	return n
}

func TestPostgresStoreWriteBatch(t *testing.T) {
	store := newPostgresStore(t)

	rec := &Record{
		RequestID:     "req-1",
		SessionID:     "session_abc",
		Timestamp:     time.Now(),
		Provider:      "openai",
		Model:         "gpt-4o-mini",
		Status:        StatusOK,
		CacheHit:      true,
		DetectionMode: "detailed",
		EntitiesDetected: map[string]int{
			"EMAIL": 2,
			"TCKN":  1,
		},
		Violations: []guardrail.Violation{{
			RuleName: "pii-outbound",
			Severity: guardrail.SeverityWarning,
			Action:   guardrail.ActionLog,
			Message:  "PII detected",
		}},
		PromptTokens:     120,
		CompletionTokens: 40,
		TotalTokens:      160,
		CostUSD:          0.0042,
		DurationMS:       310,
	}

	require.NoError(t, store.WriteBatch(context.Background(), []*Record{rec, record(2)}))
	assert.Equal(t, 2, countPostgresRows(t, store))

	var (
		requestID, entities, violations string
		cacheHit                        bool
	)
	err := store.pool.QueryRow(context.Background(),
		"SELECT request_id, cache_hit, entities::text, violations::text FROM audit_log WHERE request_id = 'req-1'",
	).Scan(&requestID, &cacheHit, &entities, &violations)
	require.NoError(t, err)
	assert.Equal(t, "req-1", requestID)
	assert.True(t, cacheHit)
	assert.Contains(t, entities, `"EMAIL"`)
	assert.Contains(t, violations, "pii-outbound")
}

func TestPostgresStoreDeleteOlderThan(t *testing.T) {
	store := newPostgresStore(t)

	now := time.Now()
	records := []*Record{
		{RequestID: "old-1", Timestamp: now.Add(-48 * time.Hour), Provider: "openai", Model: "m", Status: StatusOK},
		{RequestID: "old-2", Timestamp: now.Add(-25 * time.Hour), Provider: "openai", Model: "m", Status: StatusOK},
		{RequestID: "fresh", Timestamp: now, Provider: "openai", Model: "m", Status: StatusOK},
	}
	require.NoError(t, store.WriteBatch(context.Background(), records))

	deleted, err := store.DeleteOlderThan(context.Background(), now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
	assert.Equal(t, 1, countPostgresRows(t, store))
}

func TestPostgresStoreEmptyBatch(t *testing.T) {
	store := newPostgresStore(t)
	require.NoError(t, store.WriteBatch(context.Background(), nil))
	assert.Equal(t, 0, countPostgresRows(t, store))
}
