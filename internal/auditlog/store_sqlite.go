package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"piigate/internal/guardrail"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	ts INTEGER NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	status TEXT NOT NULL,
	cache_hit INTEGER NOT NULL DEFAULT 0,
	detection_mode TEXT NOT NULL DEFAULT '',
	detection_degraded INTEGER NOT NULL DEFAULT 0,
	masking_inconsistent INTEGER NOT NULL DEFAULT 0,
	entities TEXT NOT NULL DEFAULT '{}',
	violations TEXT NOT NULL DEFAULT '[]',
	blocked_by TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	detection_ms INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(ts);
CREATE INDEX IF NOT EXISTS idx_audit_log_request_id ON audit_log(request_id);
`

const sqliteColumnCount = 19

// sqliteChunkSize keeps multi-row inserts under SQLite's 999 bind
// parameter limit.
const sqliteChunkSize = 50

// SQLiteStore persists audit records in a SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the schema if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) WriteBatch(ctx context.Context, records []*Record) error {
	for start := 0; start < len(records); start += sqliteChunkSize {
		end := start + sqliteChunkSize
		if end > len(records) {
			end = len(records)
		}
		if err := s.writeChunk(ctx, records[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) writeChunk(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO audit_log (
		request_id, session_id, ts, provider, model, status,
		cache_hit, detection_mode, detection_degraded, masking_inconsistent,
		entities, violations, blocked_by,
		prompt_tokens, completion_tokens, total_tokens, cost_usd, detection_ms, duration_ms
	) VALUES `)

	args := make([]any, 0, len(records)*sqliteColumnCount)
	for i, r := range records {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)")

		entities, violations, err := encodeDetails(r)
		if err != nil {
			return err
		}
		args = append(args,
			r.RequestID, r.SessionID, r.Timestamp.UnixMilli(), r.Provider, r.Model, r.Status,
			boolToInt(r.CacheHit), r.DetectionMode, boolToInt(r.DetectionDegraded), boolToInt(r.MaskingInconsistent),
			entities, violations, r.BlockedBy,
			r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.CostUSD, r.DetectionMS, r.DurationMS,
		)
	}

	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert audit records: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_log WHERE ts < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete audit records: %w", err)
	}
	return res.RowsAffected()
}

// Close is a no-op; the shared storage layer owns the connection.
func (s *SQLiteStore) Close() error {
	return nil
}

func encodeDetails(r *Record) (entities, violations string, err error) {
	e := r.EntitiesDetected
	if e == nil {
		e = map[string]int{}
	}
	eb, err := json.Marshal(e)
	if err != nil {
		return "", "", fmt.Errorf("encode entities: %w", err)
	}

	v := r.Violations
	if v == nil {
		v = []guardrail.Violation{}
	}
	vb, err := json.Marshal(v)
	if err != nil {
		return "", "", fmt.Errorf("encode violations: %w", err)
	}
	return string(eb), string(vb), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
