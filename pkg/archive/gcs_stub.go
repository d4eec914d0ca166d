//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSBlobStore(ctx context.Context, bucket, prefix string) (BlobStore, error) {
	return nil, fmt.Errorf("GCS archive is not enabled in this build (use -tags gcp)")
}
