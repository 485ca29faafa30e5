package metrics

import (
	"context"
	"time"

	"jan-server/services/upload-api/internal/domain/upload"
	"jan-server/services/upload-api/internal/infrastructure/observability"
)

// SessionObserver turns coordinator lifecycle events into Prometheus samples
// and span events.
type SessionObserver struct{}

// NewSessionObserver returns the production upload.Observer.
func NewSessionObserver() *SessionObserver {
	return &SessionObserver{}
}

var _ upload.Observer = (*SessionObserver)(nil)

func (o *SessionObserver) Admission(allowed bool) {
	decision := "allowed"
	if !allowed {
		decision = "throttled"
	}
	AdmissionsTotal.WithLabelValues(decision).Inc()
}

func (o *SessionObserver) PhaseFinished(ctx context.Context, s *upload.Session, phase upload.Phase, elapsed time.Duration) {
	PhaseDuration.WithLabelValues(string(phase)).Observe(elapsed.Seconds())
	observability.AddPhaseTransition(ctx, s.ID, string(phase), string(s.Phase), elapsed.Milliseconds())
}

func (o *SessionObserver) SessionFinished(_ context.Context, s *upload.Session) {
	if s.Failure != nil {
		SessionsTotal.WithLabelValues(string(upload.PhaseFailed), string(s.Failure.Kind)).Inc()
		return
	}
	SessionsTotal.WithLabelValues(string(upload.PhaseComplete), "").Inc()
	UploadBytesTotal.WithLabelValues(s.ContentType).Add(float64(s.PayloadSize))
}

func (o *SessionObserver) Orphaned(_ upload.StorageRef, reason upload.ErrorKind) {
	OrphanedObjectsTotal.WithLabelValues(string(reason)).Inc()
}

func (o *SessionObserver) TranscriptionDispatched(err error) {
	TranscriptionDispatchTotal.WithLabelValues(statusLabel(err)).Inc()
}
