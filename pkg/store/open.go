package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver (lite mode)
)

// OpenDB opens a database for the given DSN. "postgres://" and "postgresql://"
// DSNs use lib/pq; anything else is treated as a SQLite path or URI.
func OpenDB(ctx context.Context, dsn string) (*sql.DB, Dialect, error) {
	driver, dialect := "sqlite", DialectSQLite
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver, dialect = "postgres", DialectPostgres
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("store: open %s: %w", driver, err)
	}
	if dialect == DialectSQLite {
		// modernc sqlite serialises writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("store: ping %s: %w", driver, err)
	}
	return db, dialect, nil
}
