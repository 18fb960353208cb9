package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS task_records (
	task_id        TEXT PRIMARY KEY,
	bucket         TEXT NOT NULL,
	context_type   TEXT NOT NULL,
	schema_version INTEGER NOT NULL,
	state          TEXT NOT NULL,
	payload        TEXT NOT NULL,
	persisted_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_records_bucket ON task_records(bucket, persisted_at);
`

// SQLiteStore keeps all buckets in one table; the bucket column moves a row
// from active to a terminal bucket.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.ExecContext(ctx, q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	rec = stamp(rec)
	res, err := s.db.ExecContext(ctx, `
INSERT INTO task_records (task_id, bucket, context_type, schema_version, state, payload, persisted_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
	context_type = excluded.context_type,
	schema_version = excluded.schema_version,
	state = excluded.state,
	payload = excluded.payload,
	persisted_at = excluded.persisted_at
WHERE task_records.bucket = ?;`,
		rec.TaskID, string(BucketActive), rec.ContextType, rec.SchemaVersion, rec.State, string(rec.Payload), rec.PersistedAt.UnixNano(),
		string(BucketActive))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSealed, rec.TaskID)
	}
	return nil
}

func (s *SQLiteStore) Finalize(ctx context.Context, rec Record, bucket Bucket) error {
	if err := checkFinalBucket(bucket); err != nil {
		return err
	}
	if err := rec.validate(); err != nil {
		return err
	}
	rec = stamp(rec)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	var current string
	err = tx.QueryRowContext(ctx, `SELECT bucket FROM task_records WHERE task_id = ?;`, rec.TaskID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	case Bucket(current) != BucketActive:
		return fmt.Errorf("%w: %s", ErrSealed, rec.TaskID)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO task_records (task_id, bucket, context_type, schema_version, state, payload, persisted_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
	bucket = excluded.bucket,
	context_type = excluded.context_type,
	schema_version = excluded.schema_version,
	state = excluded.state,
	payload = excluded.payload,
	persisted_at = excluded.persisted_at;`,
		rec.TaskID, string(bucket), rec.ContextType, rec.SchemaVersion, rec.State, string(rec.Payload), rec.PersistedAt.UnixNano()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, taskID string) (Record, Bucket, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT task_id, bucket, context_type, schema_version, state, payload, persisted_at
FROM task_records WHERE task_id = ?;`, taskID)
	rec, bucket, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, "", fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return rec, bucket, err
}

func (s *SQLiteStore) List(ctx context.Context, bucket Bucket) ([]Record, error) {
	if !bucket.Valid() {
		return nil, fmt.Errorf("invalid bucket %q", bucket)
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT task_id, bucket, context_type, schema_version, state, payload, persisted_at
FROM task_records WHERE bucket = ? ORDER BY task_id;`, string(bucket))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, _, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_records WHERE task_id = ?;`, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return nil
}

func (s *SQLiteStore) Purge(ctx context.Context, bucket Bucket, olderThan time.Time) (int, error) {
	if !bucket.Valid() {
		return 0, fmt.Errorf("invalid bucket %q", bucket)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_records WHERE bucket = ? AND persisted_at < ?;`,
		string(bucket), olderThan.UTC().UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, Bucket, error) {
	var (
		rec       Record
		bucket    string
		payload   string
		persisted int64
	)
	if err := row.Scan(&rec.TaskID, &bucket, &rec.ContextType, &rec.SchemaVersion, &rec.State, &payload, &persisted); err != nil {
		return Record{}, "", err
	}
	rec.Payload = []byte(payload)
	rec.PersistedAt = time.Unix(0, persisted).UTC()
	return rec, Bucket(bucket), nil
}
