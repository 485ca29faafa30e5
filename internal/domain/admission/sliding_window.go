package admission

import (
	"sync"
	"time"
)

// SlidingWindow keeps a log of admitted request times per identity and
// admits while the log inside the trailing window stays under the limit.
type SlidingWindow struct {
	policy Policy
	now    func() time.Time

	mu        sync.Mutex
	windows   map[string][]time.Time
	lastSweep time.Time
}

// NewSlidingWindow creates a sliding-window admitter for the policy.
func NewSlidingWindow(policy Policy, opts ...Option) *SlidingWindow {
	o := buildOptions(opts)
	return &SlidingWindow{
		policy:    policy,
		now:       o.now,
		windows:   make(map[string][]time.Time),
		lastSweep: o.now(),
	}
}

// Policy returns the configured policy.
func (s *SlidingWindow) Policy() Policy {
	return s.policy
}

// Admit records the request when the identity is under its limit, otherwise
// returns a denial whose RetryAfter is when enough old entries age out.
func (s *SlidingWindow) Admit(identity string, cost int) Decision {
	cost = normalizeCost(cost)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybeSweep(now)

	limit := s.policy.MaxRequests
	hits := prune(s.windows[identity], now.Add(-s.policy.Window))

	if cost > limit {
		s.store(identity, hits)
		return Decision{Allowed: false, Limit: limit, Remaining: limit - len(hits), RetryAfter: s.policy.Window}
	}

	if len(hits)+cost <= limit {
		for i := 0; i < cost; i++ {
			hits = append(hits, now)
		}
		s.windows[identity] = hits
		return Decision{Allowed: true, Limit: limit, Remaining: limit - len(hits)}
	}

	// the entry whose expiry frees enough room for this cost
	idx := len(hits) + cost - limit - 1
	retryAfter := hits[idx].Add(s.policy.Window).Sub(now)
	if retryAfter <= 0 {
		retryAfter = time.Millisecond
	}
	s.store(identity, hits)
	return Decision{Allowed: false, Limit: limit, Remaining: limit - len(hits), RetryAfter: retryAfter}
}

// Count returns the number of live entries for identity.
func (s *SlidingWindow) Count(identity string) int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	hits := prune(s.windows[identity], now.Add(-s.policy.Window))
	s.store(identity, hits)
	return len(hits)
}

// Len returns the number of tracked identities.
func (s *SlidingWindow) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// Sweep drops identities whose whole log has aged out and returns how many were removed.
func (s *SlidingWindow) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(now)
}

func (s *SlidingWindow) maybeSweep(now time.Time) {
	if now.Sub(s.lastSweep) < s.policy.Window {
		return
	}
	s.sweepLocked(now)
}

func (s *SlidingWindow) sweepLocked(now time.Time) int {
	cutoff := now.Add(-s.policy.Window)
	removed := 0
	for identity, hits := range s.windows {
		hits = prune(hits, cutoff)
		if len(hits) == 0 {
			delete(s.windows, identity)
			removed++
			continue
		}
		s.windows[identity] = hits
	}
	s.lastSweep = now
	return removed
}

func (s *SlidingWindow) store(identity string, hits []time.Time) {
	if len(hits) == 0 {
		delete(s.windows, identity)
		return
	}
	s.windows[identity] = hits
}

// prune drops entries at or before cutoff. hits is sorted ascending.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0:0], hits[i:]...)
}
