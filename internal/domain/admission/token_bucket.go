package admission

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket is a coarse per-identity guard backed by x/time/rate. It refills
// MaxRequests tokens evenly over Window with a burst of MaxRequests.
type TokenBucket struct {
	policy Policy
	limit  rate.Limit
	now    func() time.Time

	mu        sync.Mutex
	entries   map[string]*bucketEntry
	lastSweep time.Time
}

type bucketEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewTokenBucket creates a token-bucket admitter for the policy.
func NewTokenBucket(policy Policy, opts ...Option) *TokenBucket {
	o := buildOptions(opts)
	return &TokenBucket{
		policy:    policy,
		limit:     rate.Limit(float64(policy.MaxRequests) / policy.Window.Seconds()),
		now:       o.now,
		entries:   make(map[string]*bucketEntry),
		lastSweep: o.now(),
	}
}

// Policy returns the configured policy.
func (b *TokenBucket) Policy() Policy {
	return b.policy
}

// Admit takes cost tokens from the identity's bucket when available.
func (b *TokenBucket) Admit(identity string, cost int) Decision {
	cost = normalizeCost(cost)
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Sub(b.lastSweep) >= b.policy.Window {
		b.sweepLocked(now)
	}

	ent, ok := b.entries[identity]
	if !ok {
		ent = &bucketEntry{lim: rate.NewLimiter(b.limit, b.policy.MaxRequests)}
		b.entries[identity] = ent
	}
	ent.lastSeen = now

	r := ent.lim.ReserveN(now, cost)
	if !r.OK() {
		return Decision{Allowed: false, Limit: b.policy.MaxRequests, RetryAfter: b.policy.Window}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{
			Allowed:    false,
			Limit:      b.policy.MaxRequests,
			Remaining:  remaining(ent.lim.TokensAt(now)),
			RetryAfter: delay,
		}
	}
	return Decision{Allowed: true, Limit: b.policy.MaxRequests, Remaining: remaining(ent.lim.TokensAt(now))}
}

// Len returns the number of tracked identities.
func (b *TokenBucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Sweep forgets identities idle for a full window; their buckets are full again.
func (b *TokenBucket) Sweep() int {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sweepLocked(now)
}

func (b *TokenBucket) sweepLocked(now time.Time) int {
	cutoff := now.Add(-b.policy.Window)
	removed := 0
	for k, ent := range b.entries {
		if !ent.lastSeen.After(cutoff) {
			delete(b.entries, k)
			removed++
		}
	}
	b.lastSweep = now
	return removed
}

func remaining(tokens float64) int {
	if tokens < 0 {
		return 0
	}
	return int(tokens)
}
