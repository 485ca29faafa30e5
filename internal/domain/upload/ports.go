package upload

import (
	"context"
	"time"

	"jan-server/services/upload-api/internal/domain/admission"
)

// LeaseManager hands out database connection leases. Acquire returns
// ErrPoolExhausted when none frees up within the lease timeout.
type LeaseManager interface {
	Acquire(ctx context.Context) (Lease, error)
}

// Lease is a borrowed database connection. Release must be called exactly once.
type Lease interface {
	Records() RecordStore
	Release()
}

// RecordStore reads and updates domain records over a leased connection.
type RecordStore interface {
	Authorize(ctx context.Context, recordID, requesterID string) (*Record, error)
	AttachMedia(ctx context.Context, record *Record, att Attachment) error
}

// Offloader runs blocking work off the request goroutine. Submit must not
// block; the returned channel yields the task result once.
type Offloader interface {
	Submit(ctx context.Context, fn func(ctx context.Context) error) (<-chan error, error)
}

// ObjectStore is the blocking storage write.
type ObjectStore interface {
	Write(ctx context.Context, key string, data []byte, contentType string) (StorageRef, error)
}

// Tracker records phase transitions and answers status queries.
type Tracker interface {
	Record(ctx context.Context, t Transition) error
	Query(ctx context.Context, sessionID string) (*Status, error)
}

// Transcriber hands completed media to the transcription service.
type Transcriber interface {
	Submit(ctx context.Context, job TranscriptionJob) error
}

// Observer is notified of lifecycle events for metrics and tracing.
type Observer interface {
	Admission(allowed bool)
	PhaseFinished(ctx context.Context, session *Session, phase Phase, elapsed time.Duration)
	SessionFinished(ctx context.Context, session *Session)
	Orphaned(ref StorageRef, reason ErrorKind)
	TranscriptionDispatched(err error)
}

// Dependencies are the collaborators injected into the Coordinator.
type Dependencies struct {
	Admission            admission.Admitter
	Leases               LeaseManager
	Offload              Offloader
	Storage              ObjectStore
	Tracker              Tracker
	Transcriber          Transcriber
	TranscriptionOffload Offloader
	Observer             Observer
}

type nopObserver struct{}

func (nopObserver) Admission(bool) {}

func (nopObserver) PhaseFinished(context.Context, *Session, Phase, time.Duration) {}

func (nopObserver) SessionFinished(context.Context, *Session) {}

func (nopObserver) Orphaned(StorageRef, ErrorKind) {}

func (nopObserver) TranscriptionDispatched(error) {}
