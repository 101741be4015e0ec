package artifact

import (
	"context"
	"fmt"
	"os"
)

// Archiver mirrors a finalized job directory to durable object storage.
// Archival is best-effort and happens after the manifest is sealed; a
// failed archive never fails the job.
type Archiver interface {
	// Archive uploads every file under jobDir, keyed by
	// {environment}/{job_id}/{relative_path}.
	Archive(ctx context.Context, jobDir string) error
}

// ArchiveBackend selects the archive implementation.
type ArchiveBackend string

const (
	ArchiveNone ArchiveBackend = ""
	ArchiveS3   ArchiveBackend = "s3"
	ArchiveGCS  ArchiveBackend = "gcs"
)

// NewArchiverFromEnv builds an archiver from environment variables.
//
//   - ARCHIVE_BACKEND: "" (disabled, default), "s3", or "gcs"
//
// For S3:
//   - ARCHIVE_S3_BUCKET (required)
//   - ARCHIVE_S3_REGION or AWS_REGION
//   - ARCHIVE_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - ARCHIVE_S3_PREFIX (optional)
//
// For GCS (requires -tags gcp):
//   - ARCHIVE_GCS_BUCKET (required)
//   - ARCHIVE_GCS_PREFIX (optional)
//
// Returns nil when archival is disabled.
func NewArchiverFromEnv(ctx context.Context) (Archiver, error) {
	switch ArchiveBackend(os.Getenv("ARCHIVE_BACKEND")) {
	case ArchiveNone:
		return nil, nil
	case ArchiveS3:
		return newS3ArchiverFromEnv(ctx)
	case ArchiveGCS:
		return newGCSArchiverFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported archive backend: %s", os.Getenv("ARCHIVE_BACKEND"))
	}
}
