package storage

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jan-server/services/upload-api/internal/config"
)

const testBucket = "upload-test"

func setupFakeS3(t *testing.T) *config.Config {
	t.Helper()
	backend := s3mem.New()
	faker := gofakes3.New(backend)
	server := httptest.NewServer(faker.Server())
	t.Cleanup(server.Close)
	require.NoError(t, backend.CreateBucket(testBucket))

	return &config.Config{
		S3Endpoint:     server.URL,
		S3Region:       "us-east-1",
		S3Bucket:       testBucket,
		S3AccessKeyID:  "test",
		S3SecretKey:    "test",
		S3UsePathStyle: true,
	}
}

func exerciseBackend(t *testing.T, backend Backend) {
	t.Helper()
	ctx := context.Background()
	key := "audio/rec-1/upl_01.wav"
	payload := []byte("RIFF....WAVEfmt ")

	exists, err := backend.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)

	ref, err := backend.Write(ctx, key, payload, "audio/wav")
	require.NoError(t, err)
	assert.Equal(t, backend.Name(), ref.Provider)
	assert.Equal(t, key, ref.Key)
	assert.Equal(t, "audio/wav", ref.ContentType)
	assert.Equal(t, int64(len(payload)), ref.Size)
	assert.NotEmpty(t, ref.ETag)

	exists, err = backend.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	assert.NoError(t, backend.Health(ctx))
}

func TestS3Storage(t *testing.T) {
	cfg := setupFakeS3(t)
	backend, err := NewS3Storage(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)

	exerciseBackend(t, backend)

	ref, err := backend.Write(context.Background(), "audio/rec-2/upl_02.mp3", []byte("ID3"), "audio/mpeg")
	require.NoError(t, err)
	assert.Equal(t, testBucket, ref.Bucket)
}

func TestMinioStorage(t *testing.T) {
	cfg := setupFakeS3(t)
	backend, err := NewMinioStorage(cfg, zerolog.Nop())
	require.NoError(t, err)

	exerciseBackend(t, backend)
}

func TestLocalStorage(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewLocalStorage(&config.Config{LocalStoragePath: dir}, zerolog.Nop())
	require.NoError(t, err)

	exerciseBackend(t, backend)

	data, err := os.ReadFile(filepath.Join(dir, "audio", "rec-1", "upl_01.wav"))
	require.NoError(t, err)
	assert.Equal(t, "RIFF....WAVEfmt ", string(data))

	leftovers, err := filepath.Glob(filepath.Join(dir, "audio", "rec-1", ".upload-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestLocalStorage_RejectsEscapingKeys(t *testing.T) {
	backend, err := NewLocalStorage(&config.Config{LocalStoragePath: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)

	_, err = backend.Write(context.Background(), "../outside.wav", []byte("x"), "audio/wav")
	assert.Error(t, err)
}

func TestLocalStorage_CancelledContext(t *testing.T) {
	backend, err := NewLocalStorage(&config.Config{LocalStoragePath: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = backend.Write(ctx, "audio/a.wav", []byte("x"), "audio/wav")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDisabledBackends(t *testing.T) {
	ctx := context.Background()
	s3Backend, err := NewS3Storage(ctx, &config.Config{}, zerolog.Nop())
	require.NoError(t, err)
	minioBackend, err := NewMinioStorage(&config.Config{}, zerolog.Nop())
	require.NoError(t, err)
	localBackend, err := NewLocalStorage(&config.Config{}, zerolog.Nop())
	require.NoError(t, err)

	for _, backend := range []Backend{s3Backend, minioBackend, localBackend} {
		t.Run(backend.Name(), func(t *testing.T) {
			_, err := backend.Write(ctx, "audio/a.wav", []byte("x"), "audio/wav")
			assert.Error(t, err)
			assert.NoError(t, backend.Health(ctx))
		})
	}
}

func TestNew_SelectsBackend(t *testing.T) {
	tests := []struct {
		backend string
		want    string
	}{
		{backend: "local", want: providerLocal},
		{backend: "minio", want: providerMinio},
		{backend: "s3", want: providerS3},
		{backend: "", want: providerS3},
	}
	for _, tt := range tests {
		t.Run(tt.want+"/"+tt.backend, func(t *testing.T) {
			b, err := New(context.Background(), &config.Config{StorageBackend: tt.backend}, zerolog.Nop())
			require.NoError(t, err)
			assert.Equal(t, tt.want, b.Name())
		})
	}
}

func TestSplitEndpoint(t *testing.T) {
	tests := []struct {
		raw        string
		insecure   bool
		wantHost   string
		wantSecure bool
	}{
		{raw: "http://minio:9000", wantHost: "minio:9000", wantSecure: false},
		{raw: "https://s3.example.com/", wantHost: "s3.example.com", wantSecure: true},
		{raw: "minio:9000", insecure: true, wantHost: "minio:9000", wantSecure: false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			host, secure := splitEndpoint(tt.raw, tt.insecure)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantSecure, secure)
		})
	}
}
