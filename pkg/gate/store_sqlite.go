package gate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default persistent gate backend: a single-file
// database living under the artifacts root.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("gate: open sqlite %s: %w", path, err)
	}
	// One writer at a time keeps modernc/sqlite happy under concurrency.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS gate_entries (
        source_sha TEXT NOT NULL,
        environment TEXT NOT NULL,
        source_id TEXT NOT NULL,
        last_successful_job_id TEXT NOT NULL,
        last_chunk_count INTEGER NOT NULL,
        last_manifest_path TEXT NOT NULL,
        updated_at TEXT NOT NULL,
        PRIMARY KEY (source_sha, environment)
    );
    CREATE INDEX IF NOT EXISTS idx_gate_source
        ON gate_entries(source_id, environment, updated_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("gate: migrate sqlite: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Lookup(ctx context.Context, sourceSHA, environment string) (*Entry, error) {
	query := `
        SELECT source_sha, environment, source_id, last_successful_job_id, last_chunk_count, last_manifest_path, updated_at
        FROM gate_entries
        WHERE source_sha = ? AND environment = ?
    `
	return scanEntryRow(s.db.QueryRowContext(ctx, query, sourceSHA, environment))
}

func (s *SQLiteStore) LatestForSource(ctx context.Context, sourceID, environment string) (*Entry, error) {
	query := `
        SELECT source_sha, environment, source_id, last_successful_job_id, last_chunk_count, last_manifest_path, updated_at
        FROM gate_entries
        WHERE source_id = ? AND environment = ?
        ORDER BY updated_at DESC
        LIMIT 1
    `
	return scanEntryRow(s.db.QueryRowContext(ctx, query, sourceID, environment))
}

func (s *SQLiteStore) Record(ctx context.Context, e Entry) error {
	query := `
        INSERT INTO gate_entries (source_sha, environment, source_id, last_successful_job_id, last_chunk_count, last_manifest_path, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(source_sha, environment) DO UPDATE SET
            source_id = excluded.source_id,
            last_successful_job_id = excluded.last_successful_job_id,
            last_chunk_count = excluded.last_chunk_count,
            last_manifest_path = excluded.last_manifest_path,
            updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		e.SourceSHA, e.Environment, e.SourceID, e.LastSuccessfulJobID,
		e.LastChunkCount, e.LastManifestPath, e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("gate: record entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// scanEntryRow decodes one row from either backend; both select the
// same columns in the same order.
func scanEntryRow(row *sql.Row) (*Entry, error) {
	var (
		e         Entry
		updatedAt string
	)
	err := row.Scan(&e.SourceSHA, &e.Environment, &e.SourceID,
		&e.LastSuccessfulJobID, &e.LastChunkCount, &e.LastManifestPath, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("gate: scan entry: %w", err)
	}
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
