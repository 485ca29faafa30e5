//go:build wireinject

package main

import (
	"context"

	"github.com/google/wire"
	"github.com/rs/zerolog"

	"jan-server/services/upload-api/internal/config"
	"jan-server/services/upload-api/internal/domain/admission"
	"jan-server/services/upload-api/internal/domain/upload"
	"jan-server/services/upload-api/internal/infrastructure/auth"
	"jan-server/services/upload-api/internal/infrastructure/storage"
	"jan-server/services/upload-api/internal/interfaces/httpserver"
	"jan-server/services/upload-api/internal/interfaces/httpserver/handlers"
)

var databaseSet = wire.NewSet(
	newDatabaseConfig,
	newGormDB,
	newSQLDB,
	newLeasePool,
	newLeaseManager,
)

var uploadSet = wire.NewSet(
	newAdmission,
	newExecutors,
	storage.New,
	newStatusStore,
	newCoordinator,
	wire.Bind(new(handlers.UploadService), new(*upload.Coordinator)),
)

var httpSet = wire.NewSet(
	newHealthHandler,
	handlers.NewProvider,
	provideGuard,
	httpserver.New,
)

// BuildApplication assembles the upload API with Wire.
func BuildApplication(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Application, error) {
	wire.Build(
		auth.NewValidator,
		databaseSet,
		uploadSet,
		httpSet,
		NewApplication,
	)
	return nil, nil
}

func provideGuard(a *Admission) admission.Admitter {
	return a.Guard
}
