package leasepool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrPoolExhausted is returned when no lease frees up within the acquire timeout.
	ErrPoolExhausted = errors.New("lease pool exhausted")
	// ErrPoolClosed is returned by Acquire after Close has been called.
	ErrPoolClosed = errors.New("lease pool closed")
	// ErrLeaked is returned by Close when leases are still outstanding at its deadline.
	ErrLeaked = errors.New("leases still outstanding")
)

// Factory opens and closes the pooled resources.
type Factory[T any] interface {
	Open(ctx context.Context) (T, error)
	Close(resource T) error
}

// Config sizes the pool. Capacity is Size + MaxOverflow; at most Size
// resources are kept idle between leases.
type Config struct {
	Name        string
	Size        int
	MaxOverflow int
	Timeout     time.Duration
	MaxLifetime time.Duration
	Now         func() time.Time
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Name        string
	Capacity    int
	Size        int
	MaxOverflow int
	Outstanding int
	Idle        int
	Waits       int64
	Timeouts    int64
	Opened      int64
	Closed      int64
}

type entry[T any] struct {
	resource  T
	createdAt time.Time
}

// Pool hands out exclusive leases over at most Size+MaxOverflow resources.
type Pool[T any] struct {
	cfg     Config
	factory Factory[T]
	sem     *semaphore.Weighted
	log     zerolog.Logger
	now     func() time.Time

	mu     sync.Mutex
	idle   []entry[T]
	closed bool

	outstanding atomic.Int64
	waits       atomic.Int64
	timeouts    atomic.Int64
	opened      atomic.Int64
	discarded   atomic.Int64
}

// New creates a pool. Resources are opened lazily on first acquire.
func New[T any](cfg Config, factory Factory[T], log zerolog.Logger) *Pool[T] {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	if cfg.MaxOverflow < 0 {
		cfg.MaxOverflow = 0
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Pool[T]{
		cfg:     cfg,
		factory: factory,
		sem:     semaphore.NewWeighted(int64(cfg.Size + cfg.MaxOverflow)),
		log:     log.With().Str("component", "lease-pool").Str("pool", cfg.Name).Logger(),
		now:     now,
		idle:    make([]entry[T], 0, cfg.Size),
	}
}

// Capacity is the maximum number of outstanding leases.
func (p *Pool[T]) Capacity() int {
	return p.cfg.Size + p.cfg.MaxOverflow
}

// Acquire waits up to timeout for a free lease. A non-positive timeout uses
// the configured default. The timeout covers both the wait for capacity and
// opening a new resource.
func (p *Pool[T]) Acquire(ctx context.Context, timeout time.Duration) (*Lease[T], error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	if timeout <= 0 {
		timeout = p.cfg.Timeout
	}

	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if !p.sem.TryAcquire(1) {
		p.waits.Add(1)
		if err := p.sem.Acquire(acquireCtx, 1); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, p.timedOut(timeout, "lease acquire timed out")
		}
	}

	if p.isClosed() {
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}

	e, err := p.checkout(acquireCtx)
	if err != nil {
		p.sem.Release(1)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if acquireCtx.Err() != nil {
			return nil, p.timedOut(timeout, "opening pooled resource timed out")
		}
		return nil, err
	}

	p.outstanding.Add(1)
	return &Lease[T]{pool: p, entry: e, acquiredAt: p.now()}, nil
}

func (p *Pool[T]) timedOut(timeout time.Duration, msg string) error {
	p.timeouts.Add(1)
	p.log.Warn().
		Dur("timeout", timeout).
		Int("capacity", p.Capacity()).
		Msg(msg)
	return fmt.Errorf("%w: no lease available within %s (capacity %d)", ErrPoolExhausted, timeout, p.Capacity())
}

func (p *Pool[T]) checkout(ctx context.Context) (entry[T], error) {
	now := p.now()
	var stale []entry[T]

	p.mu.Lock()
	for len(p.idle) > 0 {
		last := len(p.idle) - 1
		e := p.idle[last]
		p.idle = p.idle[:last]
		if p.expired(e, now) {
			stale = append(stale, e)
			continue
		}
		p.mu.Unlock()
		p.closeAll(stale)
		return e, nil
	}
	p.mu.Unlock()
	p.closeAll(stale)

	resource, err := p.factory.Open(ctx)
	if err != nil {
		return entry[T]{}, fmt.Errorf("open pooled resource: %w", err)
	}
	p.opened.Add(1)
	return entry[T]{resource: resource, createdAt: now}, nil
}

// Release returns the lease to the pool. Releasing the same lease twice is a
// programming error and panics.
func (p *Pool[T]) Release(l *Lease[T]) {
	if l == nil {
		panic("leasepool: release of nil lease")
	}
	if l.pool != p {
		panic("leasepool: lease released to a different pool")
	}
	if !l.released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("leasepool: double release of lease from pool %q", p.cfg.Name))
	}

	keep := !l.invalid.Load() && !p.expired(l.entry, p.now())
	if keep {
		p.mu.Lock()
		if p.closed || len(p.idle) >= p.cfg.Size {
			keep = false
		} else {
			p.idle = append(p.idle, l.entry)
		}
		p.mu.Unlock()
	}
	if !keep {
		p.closeAll([]entry[T]{l.entry})
	}

	p.outstanding.Add(-1)
	p.sem.Release(1)
}

// Stats returns current counters.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()
	return Stats{
		Name:        p.cfg.Name,
		Capacity:    p.Capacity(),
		Size:        p.cfg.Size,
		MaxOverflow: p.cfg.MaxOverflow,
		Outstanding: int(p.outstanding.Load()),
		Idle:        idle,
		Waits:       p.waits.Load(),
		Timeouts:    p.timeouts.Load(),
		Opened:      p.opened.Load(),
		Closed:      p.discarded.Load(),
	}
}

// Close stops handing out leases, waits for outstanding ones and closes idle
// resources. It returns ErrLeaked if ctx ends first.
func (p *Pool[T]) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var leakErr error
	if err := p.sem.Acquire(ctx, int64(p.Capacity())); err != nil {
		outstanding := p.outstanding.Load()
		p.log.Error().Int64("outstanding", outstanding).Msg("lease pool closed with outstanding leases")
		leakErr = fmt.Errorf("%w: %d of %d", ErrLeaked, outstanding, p.Capacity())
	}

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	p.closeAll(idle)

	p.log.Info().Int64("opened", p.opened.Load()).Int64("closed", p.discarded.Load()).Msg("lease pool closed")
	return leakErr
}

func (p *Pool[T]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool[T]) expired(e entry[T], now time.Time) bool {
	return p.cfg.MaxLifetime > 0 && now.Sub(e.createdAt) >= p.cfg.MaxLifetime
}

func (p *Pool[T]) closeAll(entries []entry[T]) {
	for _, e := range entries {
		if err := p.factory.Close(e.resource); err != nil {
			p.log.Warn().Err(err).Msg("failed to close pooled resource")
		}
		p.discarded.Add(1)
	}
}
