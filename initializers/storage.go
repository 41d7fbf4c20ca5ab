package initializers

import (
	"context"
	"fmt"

	"github.com/basit/qrshare-backend/config"
	"github.com/basit/qrshare-backend/storage"
)

// NewBlobStore builds the blob store selected by STORAGE_DRIVER.
func NewBlobStore(ctx context.Context, cfg *config.Config) (storage.BlobStore, error) {
	switch cfg.StorageDriver {
	case "s3":
		client, err := NewS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return storage.NewS3Store(client, cfg.S3Bucket), nil
	case "disk":
		return storage.NewDiskStore(cfg.UploadDir)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}
