package queue

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/clawinfra/examsync/internal/sqlitedb"
	"github.com/clawinfra/examsync/internal/types"
)

var migrations = []sqlitedb.Migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS queue_records (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL CHECK(kind IN ('draft','event')),
	attempt_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	revision INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL CHECK(status IN ('pending','in-flight','rejected')),
	next_attempt_at INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_queue_records_status ON queue_records(status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_queue_records_attempt ON queue_records(attempt_id);
`,
	},
}

// SQLiteBackend stores queue records in a SQLite database.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens or creates the queue database at path. Use
// sqlitedb.Memory for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteBackend, error) {
	db, err := sqlitedb.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := sqlitedb.Migrate(ctx, db, migrations); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("migrate queue db: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

// Load returns every stored record.
func (b *SQLiteBackend) Load(ctx context.Context) ([]types.Record, error) {
	rows, err := b.db.QueryContext(ctx, `
SELECT id, kind, attempt_id, payload, revision, created_at, updated_at, attempts, status, next_attempt_at, last_error
FROM queue_records
ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query queue records: %w", err)
	}
	defer rows.Close()

	var out []types.Record
	for rows.Next() {
		var (
			r                          types.Record
			kind, status, payload      string
			created, updated, nextNano int64
		)
		if err := rows.Scan(&r.ID, &kind, &r.AttemptID, &payload, &r.Revision,
			&created, &updated, &r.Attempts, &status, &nextNano, &r.LastError); err != nil {
			return nil, fmt.Errorf("scan queue record: %w", err)
		}
		r.Kind = types.Kind(kind)
		r.Status = types.Status(status)
		r.Payload = []byte(payload)
		r.CreatedAt = sqlitedb.Time(created)
		r.UpdatedAt = sqlitedb.Time(updated)
		r.NextAttemptAt = sqlitedb.Time(nextNano)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue records: %w", err)
	}
	return out, nil
}

// Put inserts or replaces the record with the same id.
func (b *SQLiteBackend) Put(ctx context.Context, r types.Record) error {
	_, err := b.db.ExecContext(ctx, `
INSERT INTO queue_records(id, kind, attempt_id, payload, revision, created_at, updated_at, attempts, status, next_attempt_at, last_error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	payload=excluded.payload,
	revision=excluded.revision,
	updated_at=excluded.updated_at,
	attempts=excluded.attempts,
	status=excluded.status,
	next_attempt_at=excluded.next_attempt_at,
	last_error=excluded.last_error`,
		r.ID, string(r.Kind), r.AttemptID, string(r.Payload), r.Revision,
		sqlitedb.Nanos(r.CreatedAt), sqlitedb.Nanos(r.UpdatedAt), r.Attempts, string(r.Status),
		sqlitedb.Nanos(r.NextAttemptAt), r.LastError,
	)
	if err != nil {
		return fmt.Errorf("upsert queue record: %w", err)
	}
	return nil
}

// Delete removes the record. Deleting a missing id is not an error.
func (b *SQLiteBackend) Delete(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM queue_records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete queue record: %w", err)
	}
	return nil
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
