package auditlog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id BIGSERIAL PRIMARY KEY,
	request_id TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	ts BIGINT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	status TEXT NOT NULL,
	cache_hit BOOLEAN NOT NULL DEFAULT FALSE,
	detection_mode TEXT NOT NULL DEFAULT '',
	detection_degraded BOOLEAN NOT NULL DEFAULT FALSE,
	masking_inconsistent BOOLEAN NOT NULL DEFAULT FALSE,
	entities JSONB NOT NULL DEFAULT '{}',
	violations JSONB NOT NULL DEFAULT '[]',
	blocked_by TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	detection_ms BIGINT NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(ts);
CREATE INDEX IF NOT EXISTS idx_audit_log_request_id ON audit_log(request_id);
`

const postgresInsert = `INSERT INTO audit_log (
	request_id, session_id, ts, provider, model, status,
	cache_hit, detection_mode, detection_degraded, masking_inconsistent,
	entities, violations, blocked_by,
	prompt_tokens, completion_tokens, total_tokens, cost_usd, detection_ms, duration_ms
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`

// PostgresStore persists audit records in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates the schema if needed.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) WriteBatch(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		entities, violations, err := encodeDetails(r)
		if err != nil {
			return err
		}
		batch.Queue(postgresInsert,
			r.RequestID, r.SessionID, r.Timestamp.UnixMilli(), r.Provider, r.Model, r.Status,
			r.CacheHit, r.DetectionMode, r.DetectionDegraded, r.MaskingInconsistent,
			entities, violations, r.BlockedBy,
			r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.CostUSD, r.DetectionMS, r.DurationMS,
		)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert audit records: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM audit_log WHERE ts < $1", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete audit records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close is a no-op; the shared storage layer owns the pool.
func (s *PostgresStore) Close() error {
	return nil
}
