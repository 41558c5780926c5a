package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"paper-ingest/config"
)

// Open erstellt den in STORE_TYPE konfigurierten Content-Store.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ContentStore, error) {
	switch cfg.StoreType {
	case config.StoreS3:
		client, err := NewS3Client(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create s3 client: %w", err)
		}
		return NewS3Store(client, cfg.S3Bucket, logger), nil
	case config.StoreFile:
		fs, err := NewFileStore(cfg.FileStorePath, logger)
		if err != nil {
			return nil, err
		}
		return fs, nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.StoreType)
	}
}
