package middlewares

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"jan-server/services/upload-api/internal/domain/admission"
	"jan-server/services/upload-api/internal/infrastructure/metrics"
	"jan-server/services/upload-api/internal/interfaces/httpserver/responses"
	"jan-server/services/upload-api/internal/utils/platformerrors"
)

// RateLimitMiddleware applies a coarse per-identity guard in front of every
// route. Identity must run first.
func RateLimitMiddleware(admitter admission.Admitter, policy string, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := IdentityFromContext(c)
		if !ok {
			identity = anonymousIdent
		}

		decision := admitter.Admit(identity, 1)
		if decision.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		}
		if decision.Allowed {
			c.Next()
			return
		}

		metrics.RecordRateLimited(policy)
		retryAfter := responses.RetryAfterSeconds(decision.RetryAfter)
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		err := platformerrors.NewErrorWithContext(
			c.Request.Context(),
			platformerrors.LayerRoute,
			platformerrors.ErrorTypeRateLimited,
			"too many requests",
			nil,
			"b7d1e3f5-2a4c-4e6b-8d0f-1a3c5e7b9d21",
			map[string]any{
				"policy":              policy,
				"retry_after_seconds": retryAfter,
			},
		)
		platformerrors.WriteHTTPError(c, err, log)
	}
}
