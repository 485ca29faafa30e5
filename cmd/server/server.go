package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"jan-server/services/upload-api/internal/config"
	"jan-server/services/upload-api/internal/domain/upload"
	"jan-server/services/upload-api/internal/infrastructure/auth"
	"jan-server/services/upload-api/internal/infrastructure/leasepool"
	"jan-server/services/upload-api/internal/infrastructure/logger"
	"jan-server/services/upload-api/internal/infrastructure/observability"
	"jan-server/services/upload-api/internal/infrastructure/storage"
	"jan-server/services/upload-api/internal/interfaces/httpserver"
	"jan-server/services/upload-api/internal/interfaces/httpserver/handlers"
)

// Application owns the long-lived components and shuts them down in order.
type Application struct {
	cfg         *config.Config
	httpServer  *httpserver.HttpServer
	coordinator *upload.Coordinator
	admission   *Admission
	executors   *Executors
	pool        *leasepool.Pool[*sql.Conn]
	sqlDB       *sql.DB
	storage     storage.Backend
	status      *StatusStore
	auth        *auth.Validator
	log         zerolog.Logger
}

func NewApplication(
	cfg *config.Config,
	httpServer *httpserver.HttpServer,
	coordinator *upload.Coordinator,
	adm *Admission,
	execs *Executors,
	pool *leasepool.Pool[*sql.Conn],
	sqlDB *sql.DB,
	backend storage.Backend,
	status *StatusStore,
	validator *auth.Validator,
	log zerolog.Logger,
) *Application {
	return &Application{
		cfg:         cfg,
		httpServer:  httpServer,
		coordinator: coordinator,
		admission:   adm,
		executors:   execs,
		pool:        pool,
		sqlDB:       sqlDB,
		storage:     backend,
		status:      status,
		auth:        validator,
		log:         log,
	}
}

// Start verifies dependencies, serves until ctx is done and then drains.
func (a *Application) Start(ctx context.Context) error {
	if err := a.verifyDependencies(ctx); err != nil {
		a.shutdown()
		return err
	}

	a.admission.Start(ctx)
	a.status.Start(ctx, a.cfg.StatusRetention)

	err := a.httpServer.Run(ctx)
	a.shutdown()
	return err
}

// verifyDependencies checks the database, status store and storage backend
// concurrently. Storage is optional at boot; the others are not.
func (a *Application) verifyDependencies(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.sqlDB.PingContext(gctx); err != nil {
			return fmt.Errorf("ping database: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.status.Ping(gctx); err != nil {
			return fmt.Errorf("ping status store: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.storage.Health(gctx); err != nil {
			a.log.Warn().Err(err).Str("backend", a.storage.Name()).Msg("storage backend not reachable at startup")
		}
		return nil
	})
	return g.Wait()
}

func (a *Application) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := a.executors.Shutdown(ctx); err != nil {
		a.log.Error().Err(err).Msg("drain offload executors")
	}
	if err := a.coordinator.Wait(ctx); err != nil {
		a.log.Error().Err(err).Msg("wait for background upload work")
	}
	if err := a.pool.Close(ctx); err != nil {
		a.log.Error().Err(err).Msg("close lease pool")
	}
	if err := a.status.Close(); err != nil {
		a.log.Error().Err(err).Msg("close status store")
	}
	if err := a.sqlDB.Close(); err != nil {
		a.log.Error().Err(err).Msg("close database")
	}
	a.auth.Close()
}

func main() {
	loadEnvFiles()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observability.Setup(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize observability")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	app, err := buildApplication(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build application")
	}

	if err := app.Start(ctx); err != nil {
		log.Error().Err(err).Msg("application stopped with error")
		return
	}

	log.Info().Msg("application exited cleanly")
}

// buildApplication mirrors the wire graph in wire.go.
func buildApplication(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Application, error) {
	validator, err := auth.NewValidator(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("initialize auth: %w", err)
	}

	db, err := newGormDB(ctx, newDatabaseConfig(cfg), cfg, log)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	sqlDB, err := newSQLDB(db)
	if err != nil {
		return nil, err
	}
	pool, err := newLeasePool(cfg, sqlDB, log)
	if err != nil {
		return nil, err
	}
	leases := newLeaseManager(cfg, pool, db)

	execs, err := newExecutors(cfg, log)
	if err != nil {
		return nil, err
	}
	backend, err := storage.New(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}
	status, err := newStatusStore(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("initialize status store: %w", err)
	}

	adm := newAdmission(cfg)
	coordinator := newCoordinator(cfg, adm, leases, execs, backend, status, log)

	health := newHealthHandler(sqlDB, backend, status, validator, pool, execs, log)
	provider := handlers.NewProvider(cfg, coordinator, health, log)
	httpServer := httpserver.New(cfg, log, provider, validator, adm.Guard)

	return NewApplication(cfg, httpServer, coordinator, adm, execs, pool, sqlDB, backend, status, validator, log), nil
}

func loadEnvFiles() {
	paths := []string{".env", "../.env"}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Overload(path); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
			}
		}
	}
}
