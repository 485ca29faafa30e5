package responses

import (
	"math"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"jan-server/services/upload-api/internal/domain/upload"
	"jan-server/services/upload-api/internal/utils/platformerrors"
)

// ErrorTypeForKind maps a session failure kind to a platform error type.
func ErrorTypeForKind(kind upload.ErrorKind) platformerrors.ErrorType {
	switch kind {
	case upload.KindThrottled:
		return platformerrors.ErrorTypeRateLimited
	case upload.KindValidation:
		return platformerrors.ErrorTypeValidation
	case upload.KindAuthorization:
		return platformerrors.ErrorTypeForbidden
	case upload.KindPoolExhausted, upload.KindOverloaded:
		return platformerrors.ErrorTypeUnavailable
	case upload.KindUploadIO:
		return platformerrors.ErrorTypeExternal
	case upload.KindClientAborted:
		return platformerrors.ErrorTypeClientClosed
	default:
		return platformerrors.ErrorTypeInternal
	}
}

// HandleUploadError writes a failed or throttled upload. session is nil for
// throttled requests.
func HandleUploadError(c *gin.Context, session *upload.Session, err error, log zerolog.Logger) {
	failure, ok := upload.AsFailure(err)
	if !ok {
		platformerrors.WriteError(c, err, log)
		return
	}

	details := map[string]any{
		"error_kind": string(failure.Kind),
		"phase":      string(failure.Phase),
		"retryable":  failure.Kind.Retryable(),
	}
	if session != nil {
		details["session_id"] = session.ID
		if session.StorageRef != nil {
			details["storage_key"] = session.StorageRef.Key
		}
	}
	if failure.RetryAfter > 0 {
		seconds := RetryAfterSeconds(failure.RetryAfter)
		c.Header("Retry-After", strconv.Itoa(seconds))
		details["retry_after_seconds"] = seconds
	}

	perr := platformerrors.NewErrorWithContext(
		c.Request.Context(),
		platformerrors.LayerHandler,
		ErrorTypeForKind(failure.Kind),
		failure.Message,
		failure.Err,
		"c2e4a6b8-0d1f-4a3c-9e5b-7d9f1b3d5e70",
		details,
	)
	platformerrors.WriteHTTPError(c, perr, log)
}

// RetryAfterSeconds rounds d up to whole seconds, at least one.
func RetryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
