package transcription

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"jan-server/services/upload-api/internal/domain/upload"
	"jan-server/services/upload-api/internal/infrastructure/observability"
)

// Client hands completed uploads to the transcription service.
type Client struct {
	baseURL    string
	httpClient *resty.Client
}

type submitRequest struct {
	SessionID   string `json:"session_id"`
	RecordID    string `json:"record_id"`
	RequesterID string `json:"requester_id"`
	Provider    string `json:"provider"`
	Bucket      string `json:"bucket,omitempty"`
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

type submitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// NewClient returns nil when baseURL is empty.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("User-Agent", "Jan-Upload-API/1.0").
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err == nil && r.StatusCode() >= http.StatusInternalServerError
		})
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: client,
	}
}

func (c *Client) IsEnabled() bool {
	return c != nil && c.baseURL != ""
}

// Submit posts the job and returns once the service accepted it.
func (c *Client) Submit(ctx context.Context, job upload.TranscriptionJob) error {
	if !c.IsEnabled() {
		return fmt.Errorf("transcription client is not configured")
	}
	ctx, span := observability.StartTranscriptionSpan(ctx, job.SessionID)
	defer span.End()

	var result submitResponse
	httpResp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", job.SessionID).
		SetBody(submitRequest{
			SessionID:   job.SessionID,
			RecordID:    job.RecordID,
			RequesterID: job.RequesterID,
			Provider:    job.Media.Provider,
			Bucket:      job.Media.Bucket,
			Key:         job.Media.Key,
			ContentType: job.Media.ContentType,
			Size:        job.Media.Size,
		}).
		SetResult(&result).
		Post("/v1/transcriptions")
	if err != nil {
		observability.RecordError(span, err, "transcription")
		return fmt.Errorf("transcription request failed: %w", err)
	}
	if httpResp.IsError() {
		err := fmt.Errorf("transcription error (%d): %s", httpResp.StatusCode(), httpResp.String())
		observability.RecordError(span, err, "transcription")
		return err
	}
	return nil
}
