package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// schema creates the run report tables when they do not exist yet
const schema = `
CREATE TABLE IF NOT EXISTS mix_runs (
	id             UUID PRIMARY KEY,
	strategy       TEXT NOT NULL,
	status         TEXT NOT NULL,
	fee_mode       TEXT NOT NULL,
	source         TEXT NOT NULL,
	destination    TEXT NOT NULL,
	route          TEXT[] NOT NULL,
	requested      NUMERIC(30, 12) NOT NULL,
	delivered      NUMERIC(30, 12) NOT NULL,
	total_fees     NUMERIC(30, 12) NOT NULL,
	residue        NUMERIC(30, 12) NOT NULL,
	stalled_at_hop INTEGER NOT NULL,
	cancelled      BOOLEAN NOT NULL,
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ NOT NULL,
	report         JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS mix_runs_started_at_idx ON mix_runs (started_at DESC);

CREATE TABLE IF NOT EXISTS mix_run_transfers (
	run_id         UUID NOT NULL REFERENCES mix_runs (id) ON DELETE CASCADE,
	position       INTEGER NOT NULL,
	request_id     UUID NOT NULL,
	branch_index   INTEGER,
	from_address   TEXT NOT NULL,
	to_address     TEXT NOT NULL,
	requested      NUMERIC(30, 12) NOT NULL,
	sent           NUMERIC(30, 12) NOT NULL,
	fee            NUMERIC(30, 12) NOT NULL,
	succeeded      BOOLEAN NOT NULL,
	attempts       INTEGER NOT NULL,
	failure_kind   TEXT,
	failure_reason TEXT,
	completed_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, position)
);

CREATE TABLE IF NOT EXISTS mix_run_holdings (
	run_id  UUID NOT NULL REFERENCES mix_runs (id) ON DELETE CASCADE,
	address TEXT NOT NULL,
	amount  NUMERIC(30, 12) NOT NULL,
	reason  TEXT NOT NULL
);
`

// DB wraps the database connection
type DB struct {
	*sql.DB
}

// NewDB creates a new database connection
// connectionString should be in the format: "host=localhost port=5432 user=postgres password=postgres dbname=mixflow sslmode=disable"
func NewDB(ctx context.Context, connectionString string) (*DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// EnsureSchema creates the tables used by the repositories
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
