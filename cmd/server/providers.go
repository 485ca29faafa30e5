package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"jan-server/services/upload-api/internal/config"
	"jan-server/services/upload-api/internal/domain/admission"
	"jan-server/services/upload-api/internal/domain/upload"
	"jan-server/services/upload-api/internal/infrastructure/auth"
	"jan-server/services/upload-api/internal/infrastructure/database"
	"jan-server/services/upload-api/internal/infrastructure/leasepool"
	"jan-server/services/upload-api/internal/infrastructure/metrics"
	"jan-server/services/upload-api/internal/infrastructure/offload"
	"jan-server/services/upload-api/internal/infrastructure/progress"
	"jan-server/services/upload-api/internal/infrastructure/repository/record"
	"jan-server/services/upload-api/internal/infrastructure/storage"
	"jan-server/services/upload-api/internal/infrastructure/transcription"
	"jan-server/services/upload-api/internal/interfaces/httpserver/handlers"
)

// Executors groups the two offload pools so a slow transcription service
// cannot starve storage writes.
type Executors struct {
	Storage       *offload.Executor
	Transcription *offload.Executor
}

// StatusStore is the selected tracker backend plus its lifecycle hooks.
type StatusStore struct {
	Tracker upload.Tracker
	memory  *progress.MemoryTracker
	redis   *redis.Client
}

// Admission holds the upload admitter and the coarse per-route guard.
type Admission struct {
	Upload *admission.SlidingWindow
	Guard  *admission.TokenBucket
}

func newDatabaseConfig(cfg *config.Config) database.Config {
	return database.Config{
		DSN:             cfg.GetDatabaseWriteDSN(),
		LeaseCapacity:   cfg.LeaseCapacity(),
		IdleLeases:      cfg.DBPoolSize,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		ConnMaxLifetime: cfg.DBConnLifetime,
		LogLevel:        gormlogger.Warn,
	}
}

func newGormDB(ctx context.Context, dbCfg database.Config, cfg *config.Config, log zerolog.Logger) (*gorm.DB, error) {
	if cfg.DBAutoMigrate {
		if err := database.AutoMigrate(ctx, dbCfg.DSN, log); err != nil {
			return nil, err
		}
	}
	return database.Connect(ctx, dbCfg)
}

func newSQLDB(db *gorm.DB) (*sql.DB, error) {
	return db.DB()
}

func newLeasePool(cfg *config.Config, sqlDB *sql.DB, log zerolog.Logger) (*leasepool.Pool[*sql.Conn], error) {
	pool := leasepool.New[*sql.Conn](leasepool.Config{
		Name:        "postgres",
		Size:        cfg.DBPoolSize,
		MaxOverflow: cfg.DBMaxOverflow,
		Timeout:     cfg.DBLeaseTimeout,
		MaxLifetime: cfg.DBConnLifetime,
	}, database.NewConnFactory(sqlDB), log)
	if err := metrics.RegisterLeasePool(prometheus.DefaultRegisterer, pool.Stats); err != nil {
		return nil, fmt.Errorf("register lease pool metrics: %w", err)
	}
	return pool, nil
}

func newLeaseManager(cfg *config.Config, pool *leasepool.Pool[*sql.Conn], db *gorm.DB) *record.LeaseManager {
	return record.NewLeaseManager(pool, db, cfg.DBLeaseTimeout, cfg.OptimisticLocking)
}

func newExecutors(cfg *config.Config, log zerolog.Logger) (*Executors, error) {
	execs := &Executors{
		Storage: offload.New(offload.Config{
			Name:       "storage",
			Workers:    cfg.OffloadWorkers,
			QueueDepth: cfg.OffloadQueueDepth,
		}, log),
		Transcription: offload.New(offload.Config{
			Name:       "transcription",
			Workers:    cfg.TranscriptionWorkers,
			QueueDepth: cfg.TranscriptionQueueDepth,
		}, log),
	}
	for _, exec := range []*offload.Executor{execs.Storage, execs.Transcription} {
		if err := metrics.RegisterExecutor(prometheus.DefaultRegisterer, exec.Stats); err != nil {
			return nil, fmt.Errorf("register %s executor metrics: %w", exec.Name(), err)
		}
	}
	return execs, nil
}

// Shutdown drains both executors. Storage writes go first so abandoned-write
// watchers can observe their results.
func (e *Executors) Shutdown(ctx context.Context) error {
	return errors.Join(e.Storage.Shutdown(ctx), e.Transcription.Shutdown(ctx))
}

func newStatusStore(cfg *config.Config, log zerolog.Logger) (*StatusStore, error) {
	if cfg.IsRedisStatus() {
		client, err := progress.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("upload status tracked in redis")
		return &StatusStore{
			Tracker: progress.NewRedisTracker(client, cfg.StatusRetention),
			redis:   client,
		}, nil
	}
	memory := progress.NewMemoryTracker(cfg.StatusRetention)
	return &StatusStore{Tracker: memory, memory: memory}, nil
}

// Start runs background sweeping for the in-memory backend.
func (s *StatusStore) Start(ctx context.Context, interval time.Duration) {
	if s.memory != nil {
		s.memory.StartJanitor(ctx, interval)
	}
}

// Ping checks the backing store.
func (s *StatusStore) Ping(ctx context.Context) error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Ping(ctx).Err()
}

func (s *StatusStore) Close() error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Close()
}

func newAdmission(cfg *config.Config) *Admission {
	return &Admission{
		Upload: admission.NewSlidingWindow(admission.Policy{
			Name:        "upload",
			MaxRequests: cfg.RateLimitUploadMax,
			Window:      cfg.RateLimitUploadWindow,
		}),
		Guard: admission.NewTokenBucket(admission.Policy{
			Name:        "global",
			MaxRequests: cfg.RateLimitGlobalMax,
			Window:      cfg.RateLimitGlobalWindow,
		}),
	}
}

// Start sweeps idle identities once per window.
func (a *Admission) Start(ctx context.Context) {
	admission.StartJanitor(ctx, a.Upload, a.Upload.Policy().Window)
	admission.StartJanitor(ctx, a.Guard, a.Guard.Policy().Window)
}

func newCoordinator(
	cfg *config.Config,
	adm *Admission,
	leases *record.LeaseManager,
	execs *Executors,
	backend storage.Backend,
	status *StatusStore,
	log zerolog.Logger,
) *upload.Coordinator {
	deps := upload.Dependencies{
		Admission: adm.Upload,
		Leases:    leases,
		Offload:   execs.Storage,
		Storage:   backend,
		Tracker:   status.Tracker,
		Observer:  metrics.NewSessionObserver(),
	}
	if client := transcription.NewClient(cfg.TranscriptionAPIURL, cfg.TranscriptionServiceAPIKey, cfg.TranscriptionTimeout); client != nil {
		deps.Transcriber = client
		deps.TranscriptionOffload = execs.Transcription
	} else {
		log.Info().Msg("TRANSCRIPTION_API_URL is not set; transcription hand-off disabled")
	}

	return upload.NewCoordinator(upload.Config{
		MaxBytes:             cfg.MaxUploadBytes,
		AllowedContentTypes:  cfg.AllowedContentTypes,
		StorageWriteTimeout:  cfg.StorageWriteTimeout,
		TranscriptionTimeout: cfg.TranscriptionTimeout,
		PersistTimeout:       cfg.PersistTimeout,
	}, deps, log)
}

func newHealthHandler(
	sqlDB *sql.DB,
	backend storage.Backend,
	status *StatusStore,
	validator *auth.Validator,
	pool *leasepool.Pool[*sql.Conn],
	execs *Executors,
	log zerolog.Logger,
) *handlers.HealthHandler {
	checks := map[string]handlers.Check{
		"database": sqlDB.PingContext,
		"storage":  backend.Health,
		"status":   status.Ping,
		"auth": func(context.Context) error {
			if !validator.Ready() {
				return errors.New("jwks not loaded")
			}
			return nil
		},
	}
	stats := func() map[string]any {
		return map[string]any{
			"lease_pool":             pool.Stats(),
			"storage_executor":       execs.Storage.Stats(),
			"transcription_executor": execs.Transcription.Stats(),
		}
	}
	return handlers.NewHealthHandler(checks, stats, log)
}
