package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Dialect selects the column types used by SQLLog. Queries use $N placeholders,
// which both lib/pq and modernc.org/sqlite accept.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLLog implements AppendLog on a database/sql table. Several named logs can
// share one table. Within a process all appends to one log go through a single
// writer; a second process appending to the same log is rejected by the
// primary key instead of silently interleaving.
type SQLLog struct {
	db      *sql.DB
	dialect Dialect
	name    string

	mu   sync.Mutex
	next int64
	init bool
}

func NewSQLLog(db *sql.DB, dialect Dialect, name string) *SQLLog {
	return &SQLLog{db: db, dialect: dialect, name: name}
}

func (s *SQLLog) schema() string {
	blob := "BLOB"
	if s.dialect == DialectPostgres {
		blob = "BYTEA"
	}
	return `
CREATE TABLE IF NOT EXISTS append_log (
	log_name TEXT NOT NULL,
	seq BIGINT NOT NULL,
	data ` + blob + ` NOT NULL,
	PRIMARY KEY (log_name, seq)
);`
}

// Init creates the table if needed and positions the writer after the last record.
func (s *SQLLog) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.schema()); err != nil {
		return fmt.Errorf("store: create append_log: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var next, count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0), COUNT(*) FROM append_log WHERE log_name = $1`, s.name).Scan(&next, &count)
	if err != nil {
		return fmt.Errorf("store: position %s: %w", s.name, err)
	}
	if count != next {
		// the gap surfaces as ErrCorrupt on Read
		slog.Default().With("component", "store.sql").WarnContext(ctx, "append log has missing records",
			"log", s.name, "records", count, "expected", next)
	}
	s.next = next
	s.init = true
	return nil
}

func (s *SQLLog) Append(ctx context.Context, data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.init {
		return 0, errors.New("store: sql log not initialised")
	}

	seq := s.next
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO append_log (log_name, seq, data) VALUES ($1, $2, $3)`, s.name, seq, data)
	if err != nil {
		return 0, fmt.Errorf("store: append %s/%d: %w", s.name, seq, err)
	}
	s.next++
	return seq, nil
}

func (s *SQLLog) Read(ctx context.Context, offset int64) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM append_log WHERE log_name = $1 AND seq = $2`, s.name, offset).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		s.mu.Lock()
		written := s.init && offset >= 0 && offset < s.next
		s.mu.Unlock()
		if written {
			return nil, fmt.Errorf("%w: %s/%d missing", ErrCorrupt, s.name, offset)
		}
		return nil, ErrOutOfRange
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s/%d: %w", s.name, offset, err)
	}
	return data, nil
}

func (s *SQLLog) Len(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.init {
		return 0, errors.New("store: sql log not initialised")
	}
	return s.next, nil
}

// Close is a no-op: the *sql.DB is owned by the caller.
func (s *SQLLog) Close() error { return nil }
