package upload

import (
	"fmt"
	"time"
)

// Request is an inbound upload. RequesterID is already authenticated.
type Request struct {
	RequesterID    string
	TargetRecordID string
	ContentType    string
	Filename       string
	Data           []byte
}

// StorageRef locates written bytes in the object store.
type StorageRef struct {
	Provider    string `json:"provider"`
	Bucket      string `json:"bucket,omitempty"`
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	ETag        string `json:"etag,omitempty"`
}

// Record is the domain record media attaches to.
type Record struct {
	ID        string
	OwnerID   string
	MediaKey  string
	Version   int64
	UpdatedAt time.Time
}

// Attachment is what the persisting phase writes onto a record.
type Attachment struct {
	SessionID       string
	Ref             StorageRef
	ExpectedVersion int64
}

// PhaseTimestamp records when a phase was entered.
type PhaseTimestamp struct {
	Phase Phase     `json:"phase"`
	At    time.Time `json:"at"`
}

// Session is one in-flight upload. Only the Coordinator mutates it.
type Session struct {
	ID              string
	RequesterID     string
	TargetRecordID  string
	PayloadSize     int64
	ContentType     string
	Phase           Phase
	StartedAt       time.Time
	PhaseTimestamps []PhaseTimestamp
	StorageRef      *StorageRef
	Failure         *Failure
}

func newSession(id string, req Request, now time.Time) *Session {
	return &Session{
		ID:              id,
		RequesterID:     req.RequesterID,
		TargetRecordID:  req.TargetRecordID,
		PayloadSize:     int64(len(req.Data)),
		ContentType:     req.ContentType,
		Phase:           PhaseAdmitted,
		StartedAt:       now,
		PhaseTimestamps: []PhaseTimestamp{{Phase: PhaseAdmitted, At: now}},
	}
}

func (s *Session) advance(to Phase, at time.Time) error {
	if !s.Phase.CanAdvanceTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalPhase, s.Phase, to)
	}
	s.Phase = to
	s.PhaseTimestamps = append(s.PhaseTimestamps, PhaseTimestamp{Phase: to, At: at})
	return nil
}

// EnteredAt returns when the session entered phase, if it did.
func (s *Session) EnteredAt(phase Phase) (time.Time, bool) {
	for _, ts := range s.PhaseTimestamps {
		if ts.Phase == phase {
			return ts.At, true
		}
	}
	return time.Time{}, false
}

// Transition is one phase change reported to the Tracker.
type Transition struct {
	SessionID      string
	RequesterID    string
	TargetRecordID string
	Phase          Phase
	At             time.Time
	ErrorKind      ErrorKind
	ErrorMessage   string
	StorageRef     *StorageRef
}

// Status is the latest tracked state of a session.
type Status struct {
	SessionID      string           `json:"session_id"`
	RequesterID    string           `json:"-"`
	TargetRecordID string           `json:"target_record_id"`
	Phase          Phase            `json:"phase"`
	UpdatedAt      time.Time        `json:"updated_at"`
	ErrorKind      ErrorKind        `json:"error_kind,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	StorageRef     *StorageRef      `json:"storage_ref,omitempty"`
	History        []PhaseTimestamp `json:"history"`
}

// Apply folds a transition into the status. Tracker backends share it.
func (s *Status) Apply(t Transition) {
	if s.SessionID == "" {
		s.SessionID = t.SessionID
	}
	if t.RequesterID != "" {
		s.RequesterID = t.RequesterID
	}
	if t.TargetRecordID != "" {
		s.TargetRecordID = t.TargetRecordID
	}
	s.Phase = t.Phase
	s.UpdatedAt = t.At
	if t.ErrorKind != "" {
		s.ErrorKind = t.ErrorKind
		s.ErrorMessage = t.ErrorMessage
	}
	if t.StorageRef != nil {
		ref := *t.StorageRef
		s.StorageRef = &ref
	}
	s.History = append(s.History, PhaseTimestamp{Phase: t.Phase, At: t.At})
}

// TranscriptionJob is handed to the transcription collaborator after completion.
type TranscriptionJob struct {
	SessionID   string     `json:"session_id"`
	RecordID    string     `json:"record_id"`
	RequesterID string     `json:"requester_id"`
	Media       StorageRef `json:"media"`
}
