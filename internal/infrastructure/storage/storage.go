package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"jan-server/services/upload-api/internal/config"
	"jan-server/services/upload-api/internal/domain/upload"
	"jan-server/services/upload-api/internal/infrastructure/metrics"
	"jan-server/services/upload-api/internal/infrastructure/observability"
)

var errStorageDisabled = errors.New("upload storage backend is not configured; set UPLOAD_S3_* or UPLOAD_LOCAL_STORAGE_PATH to enable uploads")

// Backend is an object store the upload pipeline writes media to.
type Backend interface {
	upload.ObjectStore
	Exists(ctx context.Context, key string) (bool, error)
	Health(ctx context.Context) error
	Name() string
}

// New selects the backend named by UPLOAD_STORAGE_BACKEND.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (Backend, error) {
	switch {
	case cfg.IsLocalStorage():
		return NewLocalStorage(cfg, log)
	case cfg.IsMinioStorage():
		return NewMinioStorage(cfg, log)
	default:
		return NewS3Storage(ctx, cfg, log)
	}
}

// observe wraps one backend call with a span and storage metrics.
func observe(ctx context.Context, backend, operation, key string, fn func(ctx context.Context) error) error {
	ctx, span := observability.StartStorageSpan(ctx, backend, operation, key)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	metrics.RecordStorageOperation(backend, operation, err, time.Since(start).Seconds())
	if err != nil {
		observability.RecordError(span, err, "storage")
		return fmt.Errorf("%s %s %s: %w", backend, operation, key, err)
	}
	return nil
}
