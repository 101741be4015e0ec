//go:build gcp

package artifact

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
)

// GCSArchiver uploads finalized job directories to a GCS bucket.
type GCSArchiver struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSArchiverConfig holds configuration for GCSArchiver.
type GCSArchiverConfig struct {
	Bucket string
	Prefix string // Optional object prefix
}

// NewGCSArchiver creates a GCS-backed job archiver. Credentials come
// from Application Default Credentials.
func NewGCSArchiver(ctx context.Context, cfg GCSArchiverConfig) (*GCSArchiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSArchiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Archive walks jobDir and uploads every regular file under
// {prefix}{environment}/{job_id}/{relative_path}.
func (a *GCSArchiver) Archive(ctx context.Context, jobDir string) error {
	base := filepath.Dir(filepath.Dir(jobDir))
	return filepath.WalkDir(jobDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return fmt.Errorf("archive: relativize %s: %w", path, err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("archive: read %s: %w", path, err)
		}

		obj := a.client.Bucket(a.bucket).Object(a.prefix + filepath.ToSlash(rel))
		w := obj.NewWriter(ctx)
		w.ContentType = "application/octet-stream"
		if _, err := w.Write(data); err != nil {
			w.Close()
			return fmt.Errorf("archive: gcs write %s: %w", obj.ObjectName(), err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("archive: gcs commit %s: %w", obj.ObjectName(), err)
		}
		return nil
	})
}

func newGCSArchiverFromEnv(ctx context.Context) (Archiver, error) {
	bucket := os.Getenv("ARCHIVE_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("ARCHIVE_GCS_BUCKET is required for GCS archival")
	}
	return NewGCSArchiver(ctx, GCSArchiverConfig{
		Bucket: bucket,
		Prefix: os.Getenv("ARCHIVE_GCS_PREFIX"),
	})
}
