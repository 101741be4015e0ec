//go:build !gcp

package artifact

import (
	"context"
	"fmt"
)

func newGCSArchiverFromEnv(ctx context.Context) (Archiver, error) {
	return nil, fmt.Errorf("GCS archival is not enabled in this build (use -tags gcp)")
}
