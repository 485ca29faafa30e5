package platformerrors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewError_CarriesRequestID(t *testing.T) {
	ctx := context.WithValue(context.Background(), RequestIDKey{}, "req-42")
	cause := errors.New("connection refused")

	err := NewError(ctx, LayerRepository, ErrorTypeDatabaseError, "load failed", cause, "uuid-1")
	assert.Equal(t, "req-42", err.RequestID)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "[repository][DATABASE_ERROR][uuid-1] load failed")

	wrapped := fmt.Errorf("authorize: %w", err)
	assert.True(t, IsErrorType(wrapped, ErrorTypeDatabaseError))
	assert.False(t, IsErrorType(wrapped, ErrorTypeNotFound))
	assert.False(t, IsErrorType(cause, ErrorTypeDatabaseError))
}

func TestErrorTypeToHTTPStatus(t *testing.T) {
	tests := map[ErrorType]int{
		ErrorTypeValidation:    http.StatusBadRequest,
		ErrorTypeForbidden:     http.StatusForbidden,
		ErrorTypeRateLimited:   http.StatusTooManyRequests,
		ErrorTypeUnavailable:   http.StatusServiceUnavailable,
		ErrorTypeExternal:      http.StatusBadGateway,
		ErrorTypeClientClosed:  StatusClientClosedRequest,
		ErrorTypeDatabaseError: http.StatusInternalServerError,
		ErrorType("UNKNOWN"):   http.StatusInternalServerError,
	}
	for errType, want := range tests {
		t.Run(string(errType), func(t *testing.T) {
			assert.Equal(t, want, ErrorTypeToHTTPStatus(errType))
		})
	}
}

func TestWriteError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
		wantDetail map[string]any
	}{
		{
			name: "platform error",
			err: NewErrorWithContext(context.Background(), LayerDomain, ErrorTypeUnavailable, "pool exhausted", nil, "uuid-2",
				map[string]any{"retry_after_seconds": 1}),
			wantStatus: http.StatusServiceUnavailable,
			wantType:   "unavailable_error",
			wantDetail: map[string]any{"retry_after_seconds": float64(1)},
		},
		{
			name:       "plain error",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantType:   "internal_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)

			WriteError(c, tt.err, zerolog.Nop())

			assert.Equal(t, tt.wantStatus, w.Code)
			var body HTTPErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			require.NotNil(t, body.Error)
			assert.Equal(t, tt.wantType, body.Error.Type)
			if tt.wantDetail != nil {
				assert.Equal(t, tt.wantDetail, body.Error.Details)
			}
		})
	}
}
