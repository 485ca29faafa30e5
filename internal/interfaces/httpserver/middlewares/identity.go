package middlewares

import (
	"net"
	"strings"

	"github.com/gin-gonic/gin"

	"jan-server/services/upload-api/internal/infrastructure/auth"
)

const (
	identityKey    = "requester_id"
	userIDHeader   = "X-User-Id"
	anonymousIdent = "anonymous"
)

// Identity resolves the requester key used for rate limiting and record
// authorization. A verified token subject always wins. The X-User-Id header is
// honoured only when trustHeader is set, i.e. behind a gateway that injects it.
func Identity(trustHeader bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(identityKey, resolveIdentity(c, trustHeader))
		c.Next()
	}
}

// IdentityFromContext returns the resolved requester key.
func IdentityFromContext(c *gin.Context) (string, bool) {
	identity := c.GetString(identityKey)
	return identity, identity != ""
}

func resolveIdentity(c *gin.Context, trustHeader bool) string {
	if subject, ok := auth.SubjectFromContext(c); ok {
		return subject
	}
	if trustHeader {
		if header := strings.TrimSpace(c.GetHeader(userIDHeader)); header != "" {
			return header
		}
	}
	if ip := clientIP(c.ClientIP()); ip != "" {
		return "ip:" + ip
	}
	return anonymousIdent
}

// Normalize IPv6-mapped IPv4 etc.
func clientIP(raw string) string {
	if raw == "" {
		return ""
	}
	if ip := net.ParseIP(raw); ip != nil {
		return ip.String()
	}
	return raw
}
