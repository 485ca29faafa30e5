package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const readinessTimeout = 2 * time.Second

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

// HealthHandler serves liveness and readiness checks.
type HealthHandler struct {
	checks map[string]Check
	stats  func() map[string]any
	log    zerolog.Logger
}

func NewHealthHandler(checks map[string]Check, stats func() map[string]any, log zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		checks: checks,
		stats:  stats,
		log:    log.With().Str("component", "health-handler").Logger(),
	}
}

// Live godoc
// @Summary      Liveness check
// @Tags         health
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /healthz [get]
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Ready godoc
// @Summary      Readiness check
// @Description  Runs every dependency check concurrently and reports lease pool and executor stats.
// @Tags         health
// @Produce      json
// @Success      200  {object}  map[string]any
// @Failure      503  {object}  map[string]any
// @Router       /readyz [get]
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	var (
		// plain Group: a failing check must not cancel the others
		g       errgroup.Group
		mu      sync.Mutex
		results = make(map[string]string, len(h.checks))
		ready   = true
	)
	for name, check := range h.checks {
		g.Go(func() error {
			err := check(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				ready = false
				results[name] = err.Error()
				h.log.Warn().Err(err).Str("check", name).Msg("readiness check failed")
				return nil
			}
			results[name] = "ok"
			return nil
		})
	}
	_ = g.Wait()

	body := gin.H{"status": "ready", "checks": results}
	if h.stats != nil {
		body["stats"] = h.stats()
	}
	if !ready {
		body["status"] = "unavailable"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}
