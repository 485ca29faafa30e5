package upload

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrPoolExhausted   = errors.New("database lease pool exhausted")
	ErrRecordNotFound  = errors.New("target record not found")
	ErrForbidden       = errors.New("requester may not modify target record")
	ErrConflict        = errors.New("target record changed concurrently")
	ErrSessionNotFound = errors.New("upload session not found")
	ErrIllegalPhase    = errors.New("illegal phase transition")
)

// ErrorKind classifies why a session failed.
type ErrorKind string

const (
	KindThrottled     ErrorKind = "throttled"
	KindValidation    ErrorKind = "validation_error"
	KindAuthorization ErrorKind = "authorization_error"
	KindPoolExhausted ErrorKind = "pool_exhausted"
	KindUploadIO      ErrorKind = "upload_io_error"
	KindPersistence   ErrorKind = "persistence_error"
	KindOverloaded    ErrorKind = "overloaded"
	KindClientAborted ErrorKind = "client_aborted"
)

// Retryable reports whether a client may retry the whole session as is.
// Persistence failures are excluded: the bytes already exist in storage.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindThrottled, KindPoolExhausted, KindUploadIO, KindOverloaded:
		return true
	default:
		return false
	}
}

// Failure is the terminal error of a session.
type Failure struct {
	Kind       ErrorKind
	Phase      Phase
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s during %s: %s: %v", f.Kind, f.Phase, f.Message, f.Err)
	}
	return fmt.Sprintf("%s during %s: %s", f.Kind, f.Phase, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// NewFailure builds a Failure.
func NewFailure(kind ErrorKind, phase Phase, message string, err error) *Failure {
	return &Failure{Kind: kind, Phase: phase, Message: message, Err: err}
}

// AsFailure returns the Failure in err's chain, if any.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// KindOf returns the failure kind of err, or "" when err is not a Failure.
func KindOf(err error) ErrorKind {
	if f, ok := AsFailure(err); ok {
		return f.Kind
	}
	return ""
}
