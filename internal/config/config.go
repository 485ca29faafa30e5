package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds the environment driven configuration for the upload service.
type Config struct {
	// Service Configuration
	ServiceName     string        `env:"SERVICE_NAME" envDefault:"upload-api"`
	Environment     string        `env:"ENVIRONMENT" envDefault:"development"`
	HTTPPort        int           `env:"UPLOAD_API_PORT" envDefault:"8290"`
	LogLevel        string        `env:"UPLOAD_LOG_LEVEL" envDefault:"info"`
	EnableTracing   bool          `env:"ENABLE_TRACING" envDefault:"false"`
	OTLPEndpoint    string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// Database (required, no defaults)
	DBPostgresqlWriteDSN string `env:"DB_POSTGRESQL_WRITE_DSN,notEmpty"`
	DBAutoMigrate        bool   `env:"DB_AUTO_MIGRATE" envDefault:"true"`

	// Connection leases: capacity is DBPoolSize + DBMaxOverflow. A zero
	// DBMaxOpenConns derives the sql.DB limit as capacity + 1.
	DBPoolSize     int           `env:"DB_POOL_SIZE" envDefault:"10"`
	DBMaxOverflow  int           `env:"DB_MAX_OVERFLOW" envDefault:"10"`
	DBLeaseTimeout time.Duration `env:"DB_LEASE_TIMEOUT" envDefault:"5s"`
	DBConnLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"1h"`
	DBMaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"0"`

	// Offload executors
	OffloadWorkers             int           `env:"UPLOAD_OFFLOAD_WORKERS" envDefault:"20"`
	OffloadQueueDepth          int           `env:"UPLOAD_OFFLOAD_QUEUE_DEPTH" envDefault:"40"`
	TranscriptionWorkers       int           `env:"TRANSCRIPTION_OFFLOAD_WORKERS" envDefault:"4"`
	TranscriptionQueueDepth    int           `env:"TRANSCRIPTION_OFFLOAD_QUEUE_DEPTH" envDefault:"16"`
	StorageWriteTimeout        time.Duration `env:"UPLOAD_STORAGE_WRITE_TIMEOUT" envDefault:"30s"`
	TranscriptionAPIURL        string        `env:"TRANSCRIPTION_API_URL"`
	TranscriptionTimeout       time.Duration `env:"TRANSCRIPTION_TIMEOUT" envDefault:"10s"`
	TranscriptionServiceAPIKey string        `env:"TRANSCRIPTION_API_KEY"`
	PersistTimeout             time.Duration `env:"UPLOAD_PERSIST_TIMEOUT" envDefault:"10s"`

	// Admission
	RateLimitGlobalMax    int           `env:"RATE_LIMIT_GLOBAL_MAX" envDefault:"500"`
	RateLimitGlobalWindow time.Duration `env:"RATE_LIMIT_GLOBAL_WINDOW" envDefault:"60s"`
	RateLimitUploadMax    int           `env:"RATE_LIMIT_UPLOAD_MAX" envDefault:"10"`
	RateLimitUploadWindow time.Duration `env:"RATE_LIMIT_UPLOAD_WINDOW" envDefault:"60s"`

	// Payload bounds
	MaxUploadBytes      int64    `env:"UPLOAD_MAX_BYTES" envDefault:"2097152"`
	AllowedContentTypes []string `env:"UPLOAD_ALLOWED_CONTENT_TYPES" envSeparator:"," envDefault:"audio/webm,audio/wav,audio/x-wav,audio/mpeg,audio/ogg,audio/mp4,audio/x-m4a"`
	OptimisticLocking   bool     `env:"UPLOAD_OPTIMISTIC_LOCKING" envDefault:"false"`

	// Status tracking
	StatusBackend   string        `env:"UPLOAD_STATUS_BACKEND" envDefault:"memory"` // Options: "memory" or "redis"
	StatusRetention time.Duration `env:"UPLOAD_STATUS_RETENTION" envDefault:"15m"`
	RedisURL        string        `env:"REDIS_URL"`

	// Storage Backend Selection
	StorageBackend string `env:"UPLOAD_STORAGE_BACKEND" envDefault:"s3"` // Options: "s3", "minio" or "local"

	// Local Storage Configuration
	LocalStoragePath string `env:"UPLOAD_LOCAL_STORAGE_PATH"`

	// S3 / MinIO Storage Configuration
	S3Endpoint     string `env:"UPLOAD_S3_ENDPOINT" envDefault:"https://s3.menlo.ai"`
	S3Region       string `env:"UPLOAD_S3_REGION" envDefault:"us-west-2"`
	S3Bucket       string `env:"UPLOAD_S3_BUCKET"`
	S3AccessKeyID  string `env:"UPLOAD_S3_ACCESS_KEY_ID"`
	S3SecretKey    string `env:"UPLOAD_S3_SECRET_ACCESS_KEY"`
	S3UsePathStyle bool   `env:"UPLOAD_S3_USE_PATH_STYLE" envDefault:"true"`
	S3Insecure     bool   `env:"UPLOAD_S3_INSECURE" envDefault:"false"`

	// Authentication
	AuthEnabled bool   `env:"AUTH_ENABLED" envDefault:"false"`
	AuthIssuer  string `env:"AUTH_ISSUER"`
	Account     string `env:"ACCOUNT"`
	AuthJWKSURL string `env:"AUTH_JWKS_URL"`

	// TrustIdentityHeader accepts X-User-Id as the requester identity. Only set
	// behind a gateway that strips client-supplied values.
	TrustIdentityHeader bool `env:"UPLOAD_TRUST_IDENTITY_HEADER" envDefault:"false"`
}

// Load parses environment variables into Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	cfg.S3Bucket = strings.TrimSpace(cfg.S3Bucket)
	cfg.S3AccessKeyID = strings.TrimSpace(cfg.S3AccessKeyID)
	cfg.S3SecretKey = strings.TrimSpace(cfg.S3SecretKey)
	cfg.S3Endpoint = strings.TrimSpace(cfg.S3Endpoint)
	cfg.TranscriptionAPIURL = strings.TrimSpace(cfg.TranscriptionAPIURL)
	cfg.AllowedContentTypes = normalizeList(cfg.AllowedContentTypes)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants the pools and limiters rely on.
func (c *Config) Validate() error {
	positive := map[string]int{
		"DB_POOL_SIZE":                      c.DBPoolSize,
		"UPLOAD_OFFLOAD_WORKERS":            c.OffloadWorkers,
		"UPLOAD_OFFLOAD_QUEUE_DEPTH":        c.OffloadQueueDepth,
		"TRANSCRIPTION_OFFLOAD_WORKERS":     c.TranscriptionWorkers,
		"TRANSCRIPTION_OFFLOAD_QUEUE_DEPTH": c.TranscriptionQueueDepth,
		"RATE_LIMIT_GLOBAL_MAX":             c.RateLimitGlobalMax,
		"RATE_LIMIT_UPLOAD_MAX":             c.RateLimitUploadMax,
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, value)
		}
	}
	if c.DBMaxOverflow < 0 {
		return fmt.Errorf("DB_MAX_OVERFLOW must not be negative, got %d", c.DBMaxOverflow)
	}
	if c.DBMaxOpenConns != 0 && c.DBMaxOpenConns <= c.LeaseCapacity() {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must exceed DB_POOL_SIZE+DB_MAX_OVERFLOW (%d), got %d", c.LeaseCapacity(), c.DBMaxOpenConns)
	}
	if c.DBLeaseTimeout <= 0 {
		return fmt.Errorf("DB_LEASE_TIMEOUT must be positive")
	}
	if c.PersistTimeout < 0 {
		return fmt.Errorf("UPLOAD_PERSIST_TIMEOUT must not be negative")
	}
	if c.RateLimitGlobalWindow <= 0 || c.RateLimitUploadWindow <= 0 {
		return fmt.Errorf("rate limit windows must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 2 * 1024 * 1024
	}
	if len(c.AllowedContentTypes) == 0 {
		return fmt.Errorf("UPLOAD_ALLOWED_CONTENT_TYPES must list at least one type")
	}
	if c.IsRedisStatus() && strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("REDIS_URL is required when UPLOAD_STATUS_BACKEND is redis")
	}
	if c.AuthEnabled {
		if c.TrustIdentityHeader {
			return fmt.Errorf("UPLOAD_TRUST_IDENTITY_HEADER cannot be combined with AUTH_ENABLED")
		}
		if strings.TrimSpace(c.AuthIssuer) == "" {
			return fmt.Errorf("AUTH_ISSUER is required when AUTH_ENABLED is true")
		}
		if strings.TrimSpace(c.AuthJWKSURL) == "" {
			return fmt.Errorf("AUTH_JWKS_URL is required when AUTH_ENABLED is true")
		}
	}
	return nil
}

// GetDatabaseWriteDSN returns the write database connection string.
func (c *Config) GetDatabaseWriteDSN() string {
	return c.DBPostgresqlWriteDSN
}

// LeaseCapacity is the maximum number of concurrently outstanding connection leases.
func (c *Config) LeaseCapacity() int {
	return c.DBPoolSize + c.DBMaxOverflow
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// IsLocalStorage returns true if local storage backend is configured.
func (c *Config) IsLocalStorage() bool {
	return strings.ToLower(strings.TrimSpace(c.StorageBackend)) == "local"
}

// IsMinioStorage returns true if the MinIO backend is configured.
func (c *Config) IsMinioStorage() bool {
	return strings.ToLower(strings.TrimSpace(c.StorageBackend)) == "minio"
}

// IsRedisStatus returns true if session status is kept in redis.
func (c *Config) IsRedisStatus() bool {
	return strings.ToLower(strings.TrimSpace(c.StatusBackend)) == "redis"
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
