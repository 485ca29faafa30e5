package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"jan-server/services/upload-api/internal/domain/upload"
)

// ErrTerminal is returned when a transition is recorded for a finished session.
var ErrTerminal = errors.New("session already finished")

// MemoryTracker keeps session status in process memory. Entries expire
// retention after their last transition.
type MemoryTracker struct {
	retention time.Duration
	now       func() time.Time

	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	status    upload.Status
	expiresAt time.Time
}

// MemoryOption customises a MemoryTracker.
type MemoryOption func(*MemoryTracker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(t *MemoryTracker) { t.now = now }
}

// NewMemoryTracker creates an in-memory tracker.
func NewMemoryTracker(retention time.Duration, opts ...MemoryOption) *MemoryTracker {
	t := &MemoryTracker{
		retention: retention,
		now:       time.Now,
		entries:   make(map[string]*memoryEntry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record appends a transition to the session's history.
func (t *MemoryTracker) Record(ctx context.Context, tr upload.Transition) error {
	if tr.SessionID == "" {
		return fmt.Errorf("record transition: session id is required")
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	ent, ok := t.entries[tr.SessionID]
	if ok && t.expired(ent, now) {
		ok = false
	}
	if !ok {
		ent = &memoryEntry{}
		t.entries[tr.SessionID] = ent
	} else if ent.status.Phase.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, tr.SessionID, ent.status.Phase)
	}

	ent.status.Apply(tr)
	ent.expiresAt = now.Add(t.retention)
	return nil
}

// Query returns a copy of the latest status.
func (t *MemoryTracker) Query(ctx context.Context, sessionID string) (*upload.Status, error) {
	now := t.now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	ent, ok := t.entries[sessionID]
	if !ok || t.expired(ent, now) {
		return nil, upload.ErrSessionNotFound
	}
	st := ent.status
	st.History = append([]upload.PhaseTimestamp(nil), ent.status.History...)
	if ent.status.StorageRef != nil {
		ref := *ent.status.StorageRef
		st.StorageRef = &ref
	}
	return &st, nil
}

// Len returns the number of retained sessions, including expired ones not yet swept.
func (t *MemoryTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Sweep drops expired sessions and returns how many were removed.
func (t *MemoryTracker) Sweep() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, ent := range t.entries {
		if t.expired(ent, now) {
			delete(t.entries, id)
			removed++
		}
	}
	return removed
}

// StartJanitor sweeps every interval until ctx is done.
func (t *MemoryTracker) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Sweep()
			}
		}
	}()
}

func (t *MemoryTracker) expired(ent *memoryEntry, now time.Time) bool {
	return t.retention > 0 && !now.Before(ent.expiresAt)
}
