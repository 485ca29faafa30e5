package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"jan-server/services/upload-api/internal/config"
	"jan-server/services/upload-api/internal/domain/upload"
)

const providerLocal = "local"

var errLocalStorageDisabled = errors.New("local storage is not configured; set UPLOAD_LOCAL_STORAGE_PATH to enable")

// LocalStorage writes uploads to the local filesystem.
type LocalStorage struct {
	basePath string
	log      zerolog.Logger
	disabled bool
}

// NewLocalStorage creates a new local filesystem storage backend.
func NewLocalStorage(cfg *config.Config, log zerolog.Logger) (*LocalStorage, error) {
	logger := log.With().Str("component", "local-storage").Logger()

	basePath := strings.TrimSpace(cfg.LocalStoragePath)
	if basePath == "" {
		logger.Warn().Msg("UPLOAD_LOCAL_STORAGE_PATH is not set; local storage will be disabled")
		return &LocalStorage{
			log:      logger,
			disabled: true,
		}, nil
	}

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create local storage directory: %w", err)
	}

	logger.Info().Str("path", basePath).Msg("local storage initialized")
	return &LocalStorage{basePath: basePath, log: logger}, nil
}

func (l *LocalStorage) Name() string {
	return providerLocal
}

func (l *LocalStorage) ensureEnabled() error {
	if l.disabled {
		return errLocalStorageDisabled
	}
	return nil
}

func (l *LocalStorage) path(key string) (string, error) {
	full := filepath.Join(l.basePath, filepath.FromSlash(key))
	rel, err := filepath.Rel(l.basePath, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes storage root", key)
	}
	return full, nil
}

// Write stores data under key. The file is written to a temporary name and
// renamed so readers never see a partial object.
func (l *LocalStorage) Write(ctx context.Context, key string, data []byte, contentType string) (upload.StorageRef, error) {
	if err := l.ensureEnabled(); err != nil {
		return upload.StorageRef{}, err
	}
	fullPath, err := l.path(key)
	if err != nil {
		return upload.StorageRef{}, err
	}

	err = observe(ctx, providerLocal, "put", key, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".upload-*")
		if err != nil {
			return fmt.Errorf("failed to create file: %w", err)
		}
		defer os.Remove(tmp.Name())

		if _, err := tmp.Write(data); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to write file: %w", err)
		}
		if err := tmp.Close(); err != nil {
			return fmt.Errorf("failed to close file: %w", err)
		}
		return os.Rename(tmp.Name(), fullPath)
	})
	if err != nil {
		return upload.StorageRef{}, err
	}

	sum := md5.Sum(data)
	l.log.Debug().Str("key", key).Int("bytes", len(data)).Msg("file uploaded to local storage")
	return upload.StorageRef{
		Provider:    providerLocal,
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		ETag:        hex.EncodeToString(sum[:]),
	}, nil
}

// Exists reports whether key has been written.
func (l *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	if err := l.ensureEnabled(); err != nil {
		return false, err
	}
	fullPath, err := l.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(fullPath)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// Health checks if the storage directory is accessible.
func (l *LocalStorage) Health(ctx context.Context) error {
	if l.disabled {
		return nil
	}

	testFile := filepath.Join(l.basePath, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0644); err != nil {
		return fmt.Errorf("storage directory not writable: %w", err)
	}
	_ = os.Remove(testFile)
	return nil
}
