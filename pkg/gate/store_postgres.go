package gate

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore backs the gate with a shared database so a fleet of
// ingest workers sees one cache.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection and ensures the schema.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	query := `
        CREATE TABLE IF NOT EXISTS gate_entries (
            source_sha TEXT NOT NULL,
            environment TEXT NOT NULL,
            source_id TEXT NOT NULL,
            last_successful_job_id TEXT NOT NULL,
            last_chunk_count INTEGER NOT NULL,
            last_manifest_path TEXT NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (source_sha, environment)
        )`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("gate: migrate postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) Lookup(ctx context.Context, sourceSHA, environment string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT source_sha, environment, source_id, last_successful_job_id, last_chunk_count, last_manifest_path, updated_at
        FROM gate_entries
        WHERE source_sha = $1 AND environment = $2`,
		sourceSHA, environment)
	return scanPGEntry(row)
}

func (s *PostgresStore) LatestForSource(ctx context.Context, sourceID, environment string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT source_sha, environment, source_id, last_successful_job_id, last_chunk_count, last_manifest_path, updated_at
        FROM gate_entries
        WHERE source_id = $1 AND environment = $2
        ORDER BY updated_at DESC
        LIMIT 1`,
		sourceID, environment)
	return scanPGEntry(row)
}

func (s *PostgresStore) Record(ctx context.Context, e Entry) error {
	query := `
        INSERT INTO gate_entries (source_sha, environment, source_id, last_successful_job_id, last_chunk_count, last_manifest_path, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (source_sha, environment) DO UPDATE SET
            source_id = EXCLUDED.source_id,
            last_successful_job_id = EXCLUDED.last_successful_job_id,
            last_chunk_count = EXCLUDED.last_chunk_count,
            last_manifest_path = EXCLUDED.last_manifest_path,
            updated_at = EXCLUDED.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		e.SourceSHA, e.Environment, e.SourceID, e.LastSuccessfulJobID,
		e.LastChunkCount, e.LastManifestPath, e.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("gate: record entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func scanPGEntry(row *sql.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.SourceSHA, &e.Environment, &e.SourceID,
		&e.LastSuccessfulJobID, &e.LastChunkCount, &e.LastManifestPath, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("gate: scan entry: %w", err)
	}
	return &e, nil
}
