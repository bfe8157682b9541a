package repomanager

import (
	"context"
	"database/sql"
	"fmt"
)

// MemoryDSN selects the in-memory store.
const MemoryDSN = "memory"

// sqlOpen is a seam for tests.
var sqlOpen = sql.Open

// Open returns the manager for dsn: "memory" for the in-process store,
// anything else is a PostgreSQL DSN. The database is pinged and migrated
// before Open returns.
func Open(ctx context.Context, dsn string) (RepositoryManager, error) {
	if dsn == MemoryDSN {
		return NewMemoryRepositoryManager(), nil
	}

	db, err := sqlOpen("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	m := NewPostgresRepositoryManager(db)
	if err := m.RunMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}
