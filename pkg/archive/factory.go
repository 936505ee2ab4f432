package archive

import (
	"context"
	"fmt"
)

// Type selects an archive backend.
type Type string

const (
	TypeNone Type = "none"
	TypeFS   Type = "fs"
	TypeS3   Type = "s3"
	TypeGCS  Type = "gcs"
)

// Config selects and configures the backend.
type Config struct {
	Type     Type
	Dir      string
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// Open builds the configured store. TypeNone returns nil and no error.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", TypeNone:
		return nil, nil
	case TypeFS:
		dir := cfg.Dir
		if dir == "" {
			dir = "data/archive"
		}
		return NewFileStore(dir)
	case TypeS3:
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case TypeGCS:
		return openGCS(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive storage type: %s", cfg.Type)
	}
}
