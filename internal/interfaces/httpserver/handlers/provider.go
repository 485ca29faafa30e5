package handlers

import (
	"github.com/rs/zerolog"

	"jan-server/services/upload-api/internal/config"
)

// Provider wires HTTP handlers.
type Provider struct {
	Upload *UploadHandler
	Health *HealthHandler
}

func NewProvider(cfg *config.Config, service UploadService, health *HealthHandler, log zerolog.Logger) *Provider {
	return &Provider{
		Upload: NewUploadHandler(cfg, service, log),
		Health: health,
	}
}
