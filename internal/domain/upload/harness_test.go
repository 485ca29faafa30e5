package upload_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"jan-server/services/upload-api/internal/domain/admission"
	"jan-server/services/upload-api/internal/domain/upload"
	"jan-server/services/upload-api/internal/infrastructure/leasepool"
	"jan-server/services/upload-api/internal/infrastructure/offload"
)

func wavPayload(n int) []byte {
	b := make([]byte, n)
	copy(b, "RIFF")
	copy(b[8:], "WAVEfmt ")
	return b
}

func trackPeak(current, peak *atomic.Int64) {
	n := current.Add(1)
	for {
		p := peak.Load()
		if n <= p || peak.CompareAndSwap(p, n) {
			return
		}
	}
}

// lease manager over a real pool

type fakeConn struct{}

type connFactory struct{}

func (connFactory) Open(ctx context.Context) (*fakeConn, error) { return &fakeConn{}, nil }

func (connFactory) Close(*fakeConn) error { return nil }

type leaseManager struct {
	pool    *leasepool.Pool[*fakeConn]
	records *fakeRecords
	timeout time.Duration
	current atomic.Int64
	peak    atomic.Int64

	// failAcquire, if set, is consulted with the 1-based acquire count.
	acquires    atomic.Int64
	failAcquire func(n int64) error
}

func newLeaseManager(size, overflow int, timeout time.Duration, records *fakeRecords) *leaseManager {
	pool := leasepool.New[*fakeConn](leasepool.Config{Name: "test", Size: size, MaxOverflow: overflow, Timeout: timeout}, connFactory{}, zerolog.Nop())
	return &leaseManager{pool: pool, records: records, timeout: timeout}
}

func (m *leaseManager) Acquire(ctx context.Context) (upload.Lease, error) {
	n := m.acquires.Add(1)
	if m.failAcquire != nil {
		if err := m.failAcquire(n); err != nil {
			return nil, err
		}
	}
	l, err := m.pool.Acquire(ctx, m.timeout)
	if err != nil {
		if errors.Is(err, leasepool.ErrPoolExhausted) {
			return nil, fmt.Errorf("%w: %v", upload.ErrPoolExhausted, err)
		}
		return nil, err
	}
	trackPeak(&m.current, &m.peak)
	return &testLease{inner: l, m: m}, nil
}

func (m *leaseManager) Outstanding() int {
	return m.pool.Stats().Outstanding
}

type testLease struct {
	inner *leasepool.Lease[*fakeConn]
	m     *leaseManager
}

func (l *testLease) Records() upload.RecordStore { return l.m.records }

func (l *testLease) Release() {
	l.m.current.Add(-1)
	l.inner.Release()
}

// records

type fakeRecords struct {
	mu       sync.Mutex
	records  map[string]*upload.Record
	attached map[string][]upload.Attachment

	holdFor      time.Duration
	authorizeErr error
	attachErr    error
	onAuthorize  func(ctx context.Context)
	onAttach     func(ctx context.Context)
}

func newFakeRecords(owner string, ids ...string) *fakeRecords {
	r := &fakeRecords{
		records:  make(map[string]*upload.Record),
		attached: make(map[string][]upload.Attachment),
	}
	for _, id := range ids {
		r.records[id] = &upload.Record{ID: id, OwnerID: owner, Version: 1}
	}
	return r
}

func (r *fakeRecords) Authorize(ctx context.Context, recordID, requesterID string) (*upload.Record, error) {
	if r.onAuthorize != nil {
		r.onAuthorize(ctx)
	}
	if r.holdFor > 0 {
		time.Sleep(r.holdFor)
	}
	if r.authorizeErr != nil {
		return nil, r.authorizeErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[recordID]
	if !ok {
		return nil, upload.ErrRecordNotFound
	}
	if rec.OwnerID != requesterID {
		return nil, upload.ErrForbidden
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeRecords) AttachMedia(ctx context.Context, record *upload.Record, att upload.Attachment) error {
	if r.onAttach != nil {
		r.onAttach(ctx)
	}
	if r.holdFor > 0 {
		time.Sleep(r.holdFor)
	}
	if r.attachErr != nil {
		return r.attachErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attached[record.ID] = append(r.attached[record.ID], att)
	r.records[record.ID].MediaKey = att.Ref.Key
	r.records[record.ID].Version++
	return nil
}

func (r *fakeRecords) Attachments(recordID string) []upload.Attachment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]upload.Attachment(nil), r.attached[recordID]...)
}

// storage

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	delay   time.Duration
	err     error
	block   chan struct{}
	started chan struct{}
	onWrite func()

	current atomic.Int64
	peak    atomic.Int64
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (s *memStore) Write(ctx context.Context, key string, data []byte, contentType string) (upload.StorageRef, error) {
	trackPeak(&s.current, &s.peak)
	defer s.current.Add(-1)

	if s.onWrite != nil {
		s.onWrite()
	}
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return upload.StorageRef{}, s.err
	}

	s.mu.Lock()
	s.objects[key] = append([]byte(nil), data...)
	s.mu.Unlock()
	return upload.StorageRef{Provider: "memory", Key: key, ContentType: contentType, Size: int64(len(data))}, nil
}

func (s *memStore) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

func (s *memStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// tracker

type fakeTracker struct {
	mu       sync.Mutex
	statuses map[string]*upload.Status
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{statuses: make(map[string]*upload.Status)}
}

func (t *fakeTracker) Record(ctx context.Context, tr upload.Transition) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.statuses[tr.SessionID]
	if !ok {
		st = &upload.Status{}
		t.statuses[tr.SessionID] = st
	}
	st.Apply(tr)
	return nil
}

func (t *fakeTracker) Query(ctx context.Context, id string) (*upload.Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.statuses[id]
	if !ok {
		return nil, upload.ErrSessionNotFound
	}
	cp := *st
	cp.History = append([]upload.PhaseTimestamp(nil), st.History...)
	return &cp, nil
}

// observer

type fakeObserver struct {
	mu             sync.Mutex
	orphans        []upload.StorageRef
	orphanReasons  []upload.ErrorKind
	outcomes       []upload.Phase
	transcriptions []error
	denied         int
}

func (o *fakeObserver) Admission(allowed bool) {
	if !allowed {
		o.mu.Lock()
		o.denied++
		o.mu.Unlock()
	}
}

func (o *fakeObserver) PhaseFinished(context.Context, *upload.Session, upload.Phase, time.Duration) {}

func (o *fakeObserver) SessionFinished(_ context.Context, s *upload.Session) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, s.Phase)
	o.mu.Unlock()
}

func (o *fakeObserver) Orphaned(ref upload.StorageRef, reason upload.ErrorKind) {
	o.mu.Lock()
	o.orphans = append(o.orphans, ref)
	o.orphanReasons = append(o.orphanReasons, reason)
	o.mu.Unlock()
}

func (o *fakeObserver) TranscriptionDispatched(err error) {
	o.mu.Lock()
	o.transcriptions = append(o.transcriptions, err)
	o.mu.Unlock()
}

type fakeTranscriber struct {
	mu   sync.Mutex
	jobs []upload.TranscriptionJob
}

func (f *fakeTranscriber) Submit(ctx context.Context, job upload.TranscriptionJob) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()
	return nil
}

// harness

type harness struct {
	coordinator *upload.Coordinator
	leases      *leaseManager
	records     *fakeRecords
	storage     *memStore
	tracker     *fakeTracker
	observer    *fakeObserver
	executor    *offload.Executor
	limiter     *admission.SlidingWindow
}

type harnessConfig struct {
	poolSize, overflow int
	leaseTimeout       time.Duration
	workers, depth     int
	rateLimit          int
	persistTimeout     time.Duration
	transcriber        upload.Transcriber
}

func defaultHarnessConfig() harnessConfig {
	return harnessConfig{
		poolSize:     10,
		overflow:     10,
		leaseTimeout: time.Second,
		workers:      20,
		depth:        40,
		rateLimit:    1000,
	}
}

func newHarness(t *testing.T, hc harnessConfig, records *fakeRecords) *harness {
	t.Helper()

	h := &harness{
		records:  records,
		storage:  newMemStore(),
		tracker:  newFakeTracker(),
		observer: &fakeObserver{},
	}
	h.leases = newLeaseManager(hc.poolSize, hc.overflow, hc.leaseTimeout, records)
	h.executor = offload.New(offload.Config{Name: "storage", Workers: hc.workers, QueueDepth: hc.depth}, zerolog.Nop())
	h.limiter = admission.NewSlidingWindow(admission.Policy{Name: "upload", MaxRequests: hc.rateLimit, Window: time.Minute})

	deps := upload.Dependencies{
		Admission: h.limiter,
		Leases:    h.leases,
		Offload:   h.executor,
		Storage:   h.storage,
		Tracker:   h.tracker,
		Observer:  h.observer,
	}
	if hc.transcriber != nil {
		transcriptionExec := offload.New(offload.Config{Name: "transcription", Workers: 1, QueueDepth: 4}, zerolog.Nop())
		t.Cleanup(func() { _ = transcriptionExec.Shutdown(context.Background()) })
		deps.Transcriber = hc.transcriber
		deps.TranscriptionOffload = transcriptionExec
	}

	h.coordinator = upload.NewCoordinator(upload.Config{
		MaxBytes:            2 * 1024 * 1024,
		AllowedContentTypes: []string{"audio/wav", "audio/webm", "audio/mpeg"},
		StorageWriteTimeout: 5 * time.Second,
		RetryAfter:          2 * time.Second,
		PersistTimeout:      hc.persistTimeout,
	}, deps, zerolog.Nop())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.coordinator.Wait(ctx)
		_ = h.executor.Shutdown(ctx)
	})
	return h
}

func (h *harness) request(requester, record string) upload.Request {
	return upload.Request{
		RequesterID:    requester,
		TargetRecordID: record,
		ContentType:    "audio/wav",
		Filename:       "clip.wav",
		Data:           wavPayload(1024),
	}
}
