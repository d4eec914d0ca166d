package archive

import (
	"context"
	"fmt"
	"path/filepath"
)

// Backend selects the archival storage implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendFS     Backend = "fs"
	BackendS3     Backend = "s3"
	BackendGCS    Backend = "gcs"
)

// Config selects and configures an archival backend.
type Config struct {
	Backend Backend `yaml:"backend"`

	// DataDir roots the filesystem backend (default "data").
	DataDir string `yaml:"data_dir"`

	S3Bucket   string `yaml:"s3_bucket"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Prefix   string `yaml:"s3_prefix"`

	GCSBucket string `yaml:"gcs_bucket"`
	GCSPrefix string `yaml:"gcs_prefix"`
}

// Open constructs the BlobStore described by cfg. An empty backend
// defaults to filesystem storage.
func Open(ctx context.Context, cfg Config) (BlobStore, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = BackendFS
	}

	switch backend {
	case BackendMemory:
		return NewMemoryBlobStore(), nil
	case BackendFS:
		dataDir := cfg.DataDir
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileBlobStore(filepath.Join(dataDir, "archive"))
	case BackendS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 archive backend requires a bucket")
		}
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3BlobStore(ctx, S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	case BackendGCS:
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("gcs archive backend requires a bucket")
		}
		return newGCSBlobStore(ctx, cfg.GCSBucket, cfg.GCSPrefix)
	default:
		return nil, fmt.Errorf("unsupported archive backend: %s", backend)
	}
}
