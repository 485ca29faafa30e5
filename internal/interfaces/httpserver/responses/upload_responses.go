package responses

import (
	"time"

	"jan-server/services/upload-api/internal/domain/upload"
)

// SessionResponse is the body returned for a finished upload session.
type SessionResponse struct {
	SessionID      string                  `json:"session_id"`
	TargetRecordID string                  `json:"target_record_id"`
	Phase          upload.Phase            `json:"phase"`
	ContentType    string                  `json:"content_type"`
	Size           int64                   `json:"size"`
	StartedAt      time.Time               `json:"started_at"`
	Phases         []upload.PhaseTimestamp `json:"phases"`
	Media          *upload.StorageRef      `json:"media,omitempty"`
}

// NewSessionResponse maps a session for the API.
func NewSessionResponse(s *upload.Session) SessionResponse {
	return SessionResponse{
		SessionID:      s.ID,
		TargetRecordID: s.TargetRecordID,
		Phase:          s.Phase,
		ContentType:    s.ContentType,
		Size:           s.PayloadSize,
		StartedAt:      s.StartedAt,
		Phases:         s.PhaseTimestamps,
		Media:          s.StorageRef,
	}
}
