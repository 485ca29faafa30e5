package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"jan-server/services/upload-api/utils/sessionid"
)

// Config tunes the Coordinator.
type Config struct {
	MaxBytes             int64
	AllowedContentTypes  []string
	UploadCost           int
	StorageWriteTimeout  time.Duration
	TranscriptionTimeout time.Duration

	// PersistTimeout bounds the record update once the bytes are stored.
	PersistTimeout time.Duration

	// RetryAfter is the hint returned with PoolExhausted and Overloaded.
	RetryAfter time.Duration
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(newID func() string) Option {
	return func(c *Coordinator) { c.newID = newID }
}

// Coordinator drives an upload through admission, validation, the offloaded
// storage write and persistence. No database lease is held while uploading.
type Coordinator struct {
	cfg   Config
	rules PayloadRules
	deps  Dependencies
	log   zerolog.Logger
	now   func() time.Time
	newID func() string

	background sync.WaitGroup
}

// NewCoordinator wires the pipeline.
func NewCoordinator(cfg Config, deps Dependencies, log zerolog.Logger, opts ...Option) *Coordinator {
	if cfg.UploadCost < 1 {
		cfg.UploadCost = 1
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = time.Second
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	c := &Coordinator{
		cfg:   cfg,
		rules: NewPayloadRules(cfg.MaxBytes, cfg.AllowedContentTypes),
		deps:  deps,
		log:   log.With().Str("component", "upload-coordinator").Logger(),
		now:   time.Now,
		newID: sessionid.New,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Upload runs one session to a terminal phase. A throttled request returns a
// nil session. Every other failure returns the Failed session and its *Failure.
func (c *Coordinator) Upload(ctx context.Context, req Request) (*Session, error) {
	decision := c.deps.Admission.Admit(req.RequesterID, c.cfg.UploadCost)
	c.deps.Observer.Admission(decision.Allowed)
	if !decision.Allowed {
		return nil, &Failure{
			Kind:       KindThrottled,
			Phase:      PhaseAdmitted,
			Message:    "upload rate limit exceeded",
			RetryAfter: decision.RetryAfter,
		}
	}

	s := newSession(c.newID(), req, c.now())
	log := c.log.With().
		Str("session_id", s.ID).
		Str("record_id", s.TargetRecordID).
		Str("requester_id", s.RequesterID).
		Logger()
	c.record(ctx, s, nil)

	record, failure := c.validate(ctx, s, req)
	if failure != nil {
		return c.fail(ctx, log, s, failure)
	}

	// a disconnect before the write starts aborts without touching storage
	if err := ctx.Err(); err != nil {
		return c.fail(ctx, log, s, NewFailure(KindClientAborted, s.Phase, "client disconnected before upload", err))
	}

	ref, failure := c.upload(ctx, log, s, req)
	if failure != nil {
		return c.fail(ctx, log, s, failure)
	}
	s.StorageRef = &ref

	if failure := c.persist(ctx, s, record, ref); failure != nil {
		c.deps.Observer.Orphaned(ref, KindPersistence)
		log.Error().
			Str("storage_key", ref.Key).
			Msg("media stored but record update failed, object is orphaned")
		return c.fail(ctx, log, s, failure)
	}

	if err := c.transition(ctx, s, PhaseComplete); err != nil {
		return c.fail(ctx, log, s, NewFailure(KindPersistence, s.Phase, "invalid phase transition", err))
	}
	c.deps.Observer.SessionFinished(ctx, s)
	log.Info().
		Str("storage_key", ref.Key).
		Int64("bytes", s.PayloadSize).
		Dur("elapsed", c.now().Sub(s.StartedAt)).
		Msg("upload complete")

	c.dispatchTranscription(ctx, log, s, ref)
	return s, nil
}

// Status returns the latest tracked state of a session owned by requesterID.
func (c *Coordinator) Status(ctx context.Context, sessionID, requesterID string) (*Status, error) {
	st, err := c.deps.Tracker.Query(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if st == nil || (requesterID != "" && st.RequesterID != requesterID) {
		return nil, ErrSessionNotFound
	}
	return st, nil
}

// Wait blocks until background work (abandoned-write watchers and
// transcription hand-offs) finishes or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) validate(ctx context.Context, s *Session, req Request) (*Record, *Failure) {
	if err := c.transition(ctx, s, PhaseValidating); err != nil {
		return nil, NewFailure(KindValidation, s.Phase, "invalid phase transition", err)
	}

	contentType, err := c.rules.Check(req.Data, req.ContentType)
	if err != nil {
		return nil, NewFailure(KindValidation, PhaseValidating, err.Error(), nil)
	}
	s.ContentType = contentType
	if s.TargetRecordID == "" {
		return nil, NewFailure(KindValidation, PhaseValidating, "target record id is required", nil)
	}

	lease, err := c.deps.Leases.Acquire(ctx)
	if err != nil {
		return nil, c.leaseFailure(ctx, PhaseValidating, err)
	}
	record, err := c.authorize(ctx, lease, s)
	if err == nil {
		return record, nil
	}

	switch {
	case errors.Is(err, ErrRecordNotFound):
		return nil, NewFailure(KindValidation, PhaseValidating, "target record not found", err)
	case errors.Is(err, ErrForbidden):
		return nil, NewFailure(KindAuthorization, PhaseValidating, "not allowed to modify target record", err)
	case ctx.Err() != nil:
		return nil, NewFailure(KindClientAborted, PhaseValidating, "client disconnected during validation", err)
	default:
		f := NewFailure(KindPoolExhausted, PhaseValidating, "database unavailable", err)
		f.RetryAfter = c.cfg.RetryAfter
		return nil, f
	}
}

func (c *Coordinator) authorize(ctx context.Context, lease Lease, s *Session) (*Record, error) {
	defer lease.Release()
	return lease.Records().Authorize(ctx, s.TargetRecordID, s.RequesterID)
}

func (c *Coordinator) leaseFailure(ctx context.Context, phase Phase, err error) *Failure {
	if ctx.Err() != nil {
		return NewFailure(KindClientAborted, phase, "client disconnected while waiting for a database lease", err)
	}
	f := NewFailure(KindPoolExhausted, phase, "no database connection available", err)
	f.RetryAfter = c.cfg.RetryAfter
	return f
}

func (c *Coordinator) upload(ctx context.Context, log zerolog.Logger, s *Session, req Request) (StorageRef, *Failure) {
	if err := c.transition(ctx, s, PhaseUploading); err != nil {
		return StorageRef{}, NewFailure(KindUploadIO, s.Phase, "invalid phase transition", err)
	}

	key := ObjectKey(s.TargetRecordID, s.ID, s.ContentType)
	contentType := s.ContentType
	data := req.Data

	var ref StorageRef
	result, err := c.deps.Offload.Submit(ctx, func(taskCtx context.Context) error {
		writeCtx := taskCtx
		if c.cfg.StorageWriteTimeout > 0 {
			var cancel context.CancelFunc
			writeCtx, cancel = context.WithTimeout(taskCtx, c.cfg.StorageWriteTimeout)
			defer cancel()
		}
		written, err := c.deps.Storage.Write(writeCtx, key, data, contentType)
		if err != nil {
			return err
		}
		ref = written
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return StorageRef{}, NewFailure(KindClientAborted, PhaseUploading, "client disconnected before upload", err)
		}
		f := NewFailure(KindOverloaded, PhaseUploading, "upload workers saturated", err)
		f.RetryAfter = c.cfg.RetryAfter
		return StorageRef{}, f
	}

	select {
	case err := <-result:
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return StorageRef{}, NewFailure(KindClientAborted, PhaseUploading, "client disconnected before upload started", err)
			}
			return StorageRef{}, NewFailure(KindUploadIO, PhaseUploading, "storage write failed", err)
		}
		return ref, nil
	case <-ctx.Done():
		c.watchAbandoned(log, key, result, &ref)
		return StorageRef{}, NewFailure(KindClientAborted, PhaseUploading, "client disconnected during upload", ctx.Err())
	}
}

// watchAbandoned waits for a write whose client went away. The write is never
// preempted; if it succeeds the object is an orphan.
func (c *Coordinator) watchAbandoned(log zerolog.Logger, key string, result <-chan error, ref *StorageRef) {
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		if err := <-result; err != nil {
			log.Debug().Err(err).Str("storage_key", key).Msg("abandoned write failed, nothing stored")
			return
		}
		c.deps.Observer.Orphaned(*ref, KindClientAborted)
		log.Warn().Str("storage_key", ref.Key).Msg("abandoned write completed, object is orphaned")
	}()
}

func (c *Coordinator) persist(ctx context.Context, s *Session, record *Record, ref StorageRef) *Failure {
	if err := c.transition(ctx, s, PhasePersisting); err != nil {
		return NewFailure(KindPersistence, s.Phase, "invalid phase transition", err)
	}

	// the bytes are stored; finish the record update even if the client leaves
	persistCtx := context.WithoutCancel(ctx)
	if c.cfg.PersistTimeout > 0 {
		var cancel context.CancelFunc
		persistCtx, cancel = context.WithTimeout(persistCtx, c.cfg.PersistTimeout)
		defer cancel()
	}
	lease, err := c.deps.Leases.Acquire(persistCtx)
	if err != nil {
		return NewFailure(KindPersistence, PhasePersisting, "no database connection available", err)
	}
	defer lease.Release()

	att := Attachment{SessionID: s.ID, Ref: ref, ExpectedVersion: record.Version}
	if err := lease.Records().AttachMedia(persistCtx, record, att); err != nil {
		msg := "failed to attach media to record"
		if errors.Is(err, ErrConflict) {
			msg = "target record was modified concurrently"
		}
		return NewFailure(KindPersistence, PhasePersisting, msg, err)
	}
	return nil
}

func (c *Coordinator) dispatchTranscription(ctx context.Context, log zerolog.Logger, s *Session, ref StorageRef) {
	if c.deps.Transcriber == nil || c.deps.TranscriptionOffload == nil {
		return
	}
	job := TranscriptionJob{SessionID: s.ID, RecordID: s.TargetRecordID, RequesterID: s.RequesterID, Media: ref}

	result, err := c.deps.TranscriptionOffload.Submit(context.WithoutCancel(ctx), func(taskCtx context.Context) error {
		if c.cfg.TranscriptionTimeout > 0 {
			var cancel context.CancelFunc
			taskCtx, cancel = context.WithTimeout(taskCtx, c.cfg.TranscriptionTimeout)
			defer cancel()
		}
		return c.deps.Transcriber.Submit(taskCtx, job)
	})
	if err != nil {
		c.deps.Observer.TranscriptionDispatched(err)
		log.Warn().Err(err).Msg("transcription hand-off rejected")
		return
	}

	c.background.Add(1)
	go func() {
		defer c.background.Done()
		err := <-result
		c.deps.Observer.TranscriptionDispatched(err)
		if err != nil {
			log.Warn().Err(err).Msg("transcription hand-off failed")
			return
		}
		log.Debug().Msg("transcription hand-off accepted")
	}()
}

func (c *Coordinator) transition(ctx context.Context, s *Session, to Phase) error {
	from := s.Phase
	now := c.now()
	entered, _ := s.EnteredAt(from)
	if err := s.advance(to, now); err != nil {
		return err
	}
	c.deps.Observer.PhaseFinished(ctx, s, from, now.Sub(entered))
	c.record(ctx, s, nil)
	return nil
}

func (c *Coordinator) fail(ctx context.Context, log zerolog.Logger, s *Session, f *Failure) (*Session, error) {
	s.Failure = f
	if err := c.transition(ctx, s, PhaseFailed); err != nil {
		log.Error().Err(err).Str("phase", string(s.Phase)).Msg("cannot fail session")
		return s, f
	}
	c.record(ctx, s, f)
	c.deps.Observer.SessionFinished(ctx, s)

	event := log.Warn()
	if f.Kind == KindPersistence {
		event = log.Error()
	}
	event.
		Err(f.Err).
		Str("error_kind", string(f.Kind)).
		Str("failed_in", string(f.Phase)).
		Msg(f.Message)
	return s, f
}

// record reports the session's current phase. Tracker errors are logged and
// never change the session outcome.
func (c *Coordinator) record(ctx context.Context, s *Session, f *Failure) {
	if f == nil && s.Phase == PhaseFailed {
		// fail records the transition together with its error
		return
	}
	t := Transition{
		SessionID:      s.ID,
		RequesterID:    s.RequesterID,
		TargetRecordID: s.TargetRecordID,
		Phase:          s.Phase,
		At:             c.now(),
		StorageRef:     s.StorageRef,
	}
	if f != nil {
		t.ErrorKind = f.Kind
		t.ErrorMessage = f.Message
	}
	if ts := s.PhaseTimestamps; len(ts) > 0 {
		t.At = ts[len(ts)-1].At
	}
	if err := c.deps.Tracker.Record(context.WithoutCancel(ctx), t); err != nil {
		c.log.Warn().Err(err).Str("session_id", s.ID).Str("phase", string(s.Phase)).Msg("failed to record phase transition")
	}
}

// ObjectKey is the storage key for a session's media.
func ObjectKey(recordID, sessionID, contentType string) string {
	return fmt.Sprintf("audio/%s/%s.%s", recordID, sessionID, extensionFor(contentType))
}
