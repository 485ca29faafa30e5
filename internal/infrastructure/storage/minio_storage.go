package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"jan-server/services/upload-api/internal/config"
	"jan-server/services/upload-api/internal/domain/upload"
)

const providerMinio = "minio"

// MinioStorage writes uploads to a MinIO server through minio-go.
type MinioStorage struct {
	bucket   string
	client   *minio.Client
	log      zerolog.Logger
	disabled bool
}

func NewMinioStorage(cfg *config.Config, log zerolog.Logger) (*MinioStorage, error) {
	logger := log.With().Str("component", "minio-storage").Logger()
	storage := &MinioStorage{
		bucket: strings.TrimSpace(cfg.S3Bucket),
		log:    logger,
	}

	if storage.bucket == "" || cfg.S3AccessKeyID == "" || cfg.S3SecretKey == "" {
		logger.Warn().Msg("UPLOAD_S3_BUCKET or credentials are not set; uploads will be disabled until configured")
		storage.disabled = true
		return storage, nil
	}

	endpoint, secure := splitEndpoint(cfg.S3Endpoint, cfg.S3Insecure)
	options := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKeyID, cfg.S3SecretKey, ""),
		Secure: secure,
		Region: cfg.S3Region,
	}
	if cfg.S3UsePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	storage.client = client

	logger.Info().Str("endpoint", endpoint).Bool("secure", secure).Str("bucket", storage.bucket).Msg("minio storage initialized")
	return storage, nil
}

// splitEndpoint strips the scheme minio-go does not accept.
func splitEndpoint(raw string, insecure bool) (string, bool) {
	endpoint := strings.TrimSuffix(strings.TrimSpace(raw), "/")
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimPrefix(endpoint, "https://"), !insecure
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimPrefix(endpoint, "http://"), false
	default:
		return endpoint, !insecure
	}
}

func (m *MinioStorage) Name() string {
	return providerMinio
}

func (m *MinioStorage) ensureEnabled() error {
	if m.disabled {
		return errStorageDisabled
	}
	return nil
}

// Write stores data under key.
func (m *MinioStorage) Write(ctx context.Context, key string, data []byte, contentType string) (upload.StorageRef, error) {
	if err := m.ensureEnabled(); err != nil {
		return upload.StorageRef{}, err
	}
	ref := upload.StorageRef{
		Provider:    providerMinio,
		Bucket:      m.bucket,
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
	}
	err := observe(ctx, providerMinio, "put", key, func(ctx context.Context) error {
		info, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: contentType,
		})
		if err != nil {
			return err
		}
		ref.ETag = info.ETag
		return nil
	})
	if err != nil {
		return upload.StorageRef{}, err
	}
	return ref, nil
}

// Exists reports whether key is present in the bucket.
func (m *MinioStorage) Exists(ctx context.Context, key string) (bool, error) {
	if err := m.ensureEnabled(); err != nil {
		return false, err
	}
	found := true
	err := observe(ctx, providerMinio, "stat", key, func(ctx context.Context) error {
		_, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
		if err == nil {
			return nil
		}
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
			found = false
			return nil
		}
		return err
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// Health checks the bucket is reachable.
func (m *MinioStorage) Health(ctx context.Context) error {
	if m.disabled {
		return nil
	}
	ok, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", m.bucket)
	}
	return nil
}
