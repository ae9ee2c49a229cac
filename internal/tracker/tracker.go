// Package tracker manages the _pgfast_migrations tracking table: the
// durable record of which migrations have been applied, with what
// checksum, and when.
package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// TableName is the tracking table's name.
const TableName = "_pgfast_migrations"

// AppliedRow is one row of the tracking table.
type AppliedRow struct {
	Version   int64
	Name      string
	Checksum  string
	AppliedAt time.Time
}

// Tracker reads and writes the tracking table. It owns that table
// exclusively; nothing outside this package should write to it.
type Tracker struct {
	db     *sql.DB
	logger zerolog.Logger
}

// New builds a Tracker bound to db.
func New(db *sql.DB, logger zerolog.Logger) *Tracker {
	return &Tracker{db: db, logger: logger}
}

// EnsureTable creates the tracking table if it doesn't already exist.
// CREATE TABLE IF NOT EXISTS makes this race-safe against a concurrent
// caller in another process; the engine additionally serializes
// concurrent callers within a single process with an in-memory mutex.
func (t *Tracker) EnsureTable(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS ` + TableName + ` (
			version BIGINT PRIMARY KEY,
			name TEXT NOT NULL,
			checksum CHAR(64),
			applied_at TIMESTAMP DEFAULT NOW()
		)
	`
	if _, err := t.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", TableName, err)
	}
	t.logger.Debug().Str("table", TableName).Msg("migrations tracking table ensured")
	return nil
}

// Applied returns every tracked migration, keyed by version.
func (t *Tracker) Applied(ctx context.Context) (map[int64]AppliedRow, error) {
	query := fmt.Sprintf(
		"SELECT version, name, COALESCE(checksum, ''), applied_at FROM %s ORDER BY version",
		TableName,
	)
	rows, err := t.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", TableName, err)
	}
	defer rows.Close()

	out := make(map[int64]AppliedRow)
	for rows.Next() {
		var r AppliedRow
		if err := rows.Scan(&r.Version, &r.Name, &r.Checksum, &r.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan applied migration row: %w", err)
		}
		out[r.Version] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", TableName, err)
	}
	return out, nil
}

// RecordTx inserts a tracking row within an already-open transaction, so
// the insert is atomic with the migration's own DDL/DML.
func (t *Tracker) RecordTx(ctx context.Context, tx *sql.Tx, version int64, name, checksum string) error {
	query := fmt.Sprintf("INSERT INTO %s (version, name, checksum) VALUES ($1, $2, $3)", TableName)
	if _, err := tx.ExecContext(ctx, query, version, name, checksum); err != nil {
		return fmt.Errorf("record migration %d: %w", version, err)
	}
	return nil
}

// DeleteTx removes a tracking row within an already-open transaction.
func (t *Tracker) DeleteTx(ctx context.Context, tx *sql.Tx, version int64) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE version = $1", TableName)
	if _, err := tx.ExecContext(ctx, query, version); err != nil {
		return fmt.Errorf("untrack migration %d: %w", version, err)
	}
	return nil
}
