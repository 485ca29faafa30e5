package transcription

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jan-server/services/upload-api/internal/domain/upload"
)

func testJob() upload.TranscriptionJob {
	return upload.TranscriptionJob{
		SessionID:   "upl_01",
		RecordID:    "rec-1",
		RequesterID: "alice",
		Media:       upload.StorageRef{Provider: "s3", Bucket: "media", Key: "audio/rec-1/upl_01.wav", ContentType: "audio/wav", Size: 42},
	}
}

func TestNewClient_Disabled(t *testing.T) {
	c := NewClient("  ", "", time.Second)
	assert.Nil(t, c)
	assert.False(t, c.IsEnabled())
	assert.Error(t, c.Submit(context.Background(), testJob()))
}

func TestSubmit(t *testing.T) {
	var got submitRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "upl_01", r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"job_id":"job-1","status":"queued"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL+"/", "secret", time.Second)
	require.NoError(t, c.Submit(context.Background(), testJob()))

	assert.Equal(t, "rec-1", got.RecordID)
	assert.Equal(t, "audio/rec-1/upl_01.wav", got.Key)
	assert.Equal(t, int64(42), got.Size)
}

func TestSubmit_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", time.Second)
	require.NoError(t, c.Submit(context.Background(), testJob()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestSubmit_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad media", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", time.Second)
	err := c.Submit(context.Background(), testJob())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
	assert.Equal(t, int32(1), calls.Load())
}

func TestSubmit_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	c := NewClient(server.URL, "", 50*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.Error(t, c.Submit(ctx, testJob()))
}
