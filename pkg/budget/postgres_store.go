package budget

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// globalRow is the provider key under which the period total is stored.
const globalRow = "*"

// PostgresStorage implements Storage using PostgreSQL. One row per provider
// per period; the period total lives under provider "*".
type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

const pgBudgetSchema = `
CREATE TABLE IF NOT EXISTS budget_spend (
	period_start TIMESTAMPTZ NOT NULL,
	provider TEXT NOT NULL,
	spent BIGINT NOT NULL,
	requests BIGINT NOT NULL DEFAULT 0,
	input_tokens BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (period_start, provider)
);`

func (s *PostgresStorage) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgBudgetSchema)
	if err != nil {
		return fmt.Errorf("failed to create budget_spend: %w", err)
	}
	return nil
}

// Load returns the most recent period's rows, or nil when the table is empty.
func (s *PostgresStorage) Load(ctx context.Context) (*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT period_start, provider, spent, requests, input_tokens, output_tokens
		FROM budget_spend
		WHERE period_start = (SELECT MAX(period_start) FROM budget_spend)`)
	if err != nil {
		return nil, fmt.Errorf("failed to load budget: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snap *Snapshot
	for rows.Next() {
		var (
			start time.Time
			rec   SpendRecord
		)
		if err := rows.Scan(&start, &rec.Provider, &rec.Spent, &rec.Requests, &rec.InputTokens, &rec.OutputTokens); err != nil {
			return nil, fmt.Errorf("failed to scan budget row: %w", err)
		}
		if snap == nil {
			snap = &Snapshot{PeriodStart: start.UTC(), Providers: make(map[string]SpendRecord)}
		}
		if rec.Provider == globalRow {
			snap.Spent = rec.Spent
			continue
		}
		snap.Providers[rec.Provider] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snap, nil
}

// Save upserts the snapshot inside one transaction.
func (s *PostgresStorage) Save(ctx context.Context, snap *Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin budget save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const upsert = `
		INSERT INTO budget_spend (period_start, provider, spent, requests, input_tokens, output_tokens)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (period_start, provider) DO UPDATE SET
			spent = EXCLUDED.spent,
			requests = EXCLUDED.requests,
			input_tokens = EXCLUDED.input_tokens,
			output_tokens = EXCLUDED.output_tokens`

	if _, err := tx.ExecContext(ctx, upsert, snap.PeriodStart, globalRow, snap.Spent, 0, 0, 0); err != nil {
		return fmt.Errorf("failed to persist budget total: %w", err)
	}
	for _, rec := range snap.Providers {
		if _, err := tx.ExecContext(ctx, upsert,
			snap.PeriodStart, rec.Provider, rec.Spent, rec.Requests, rec.InputTokens, rec.OutputTokens); err != nil {
			return fmt.Errorf("failed to persist budget for %s: %w", rec.Provider, err)
		}
	}
	return tx.Commit()
}
