package auditlog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"piigate/internal/storage"
)

// NewStore builds the RecordStore matching the storage backend.
func NewStore(ctx context.Context, st storage.Storage) (RecordStore, error) {
	switch st.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(st.SQLiteDB())
	case storage.TypePostgreSQL:
		pool, ok := st.PostgreSQLPool().(*pgxpool.Pool)
		if !ok {
			return nil, fmt.Errorf("postgresql storage returned no pool")
		}
		return NewPostgresStore(ctx, pool)
	default:
		return nil, fmt.Errorf("unsupported storage type: %q", st.Type())
	}
}
