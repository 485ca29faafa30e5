package leasepool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jan-server/services/upload-api/internal/infrastructure/leasepool"
)

type conn struct {
	id int64
}

type fakeFactory struct {
	next    atomic.Int64
	closed  atomic.Int64
	openErr error
}

func (f *fakeFactory) Open(ctx context.Context) (*conn, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &conn{id: f.next.Add(1)}, nil
}

func (f *fakeFactory) Close(c *conn) error {
	f.closed.Add(1)
	return nil
}

func newPool(t *testing.T, cfg leasepool.Config) (*leasepool.Pool[*conn], *fakeFactory) {
	t.Helper()
	factory := &fakeFactory{}
	return leasepool.New[*conn](cfg, factory, zerolog.Nop()), factory
}

func TestPool_ReusesIdleResource(t *testing.T) {
	pool, factory := newPool(t, leasepool.Config{Size: 2, MaxOverflow: 0, Timeout: time.Second})

	lease, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)
	first := lease.Resource()
	lease.Release()

	lease, err = pool.Acquire(context.Background(), 0)
	require.NoError(t, err)
	assert.Same(t, first, lease.Resource())
	lease.Release()

	assert.Equal(t, int64(1), factory.next.Load())
	stats := pool.Stats()
	assert.Equal(t, 0, stats.Outstanding)
	assert.Equal(t, 1, stats.Idle)
}

func TestPool_ExhaustedAfterTimeout(t *testing.T) {
	pool, _ := newPool(t, leasepool.Config{Size: 1, MaxOverflow: 1, Timeout: time.Second})

	a, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)
	b, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)

	start := time.Now()
	_, err = pool.Acquire(context.Background(), 30*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, leasepool.ErrPoolExhausted))
	assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	stats := pool.Stats()
	assert.Equal(t, 2, stats.Outstanding)
	assert.Equal(t, int64(1), stats.Waits)
	assert.Equal(t, int64(1), stats.Timeouts)

	a.Release()
	b.Release()
}

func TestPool_WaiterGetsReleasedLease(t *testing.T) {
	pool, _ := newPool(t, leasepool.Config{Size: 1, Timeout: time.Second})

	held, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		lease, err := pool.Acquire(context.Background(), time.Second)
		if err == nil {
			lease.Release()
		}
		got <- err
	}()

	time.Sleep(20 * time.Millisecond)
	held.Release()

	select {
	case err := <-got:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the released lease")
	}
}

func TestPool_CallerCancellation(t *testing.T) {
	pool, _ := newPool(t, leasepool.Config{Size: 1, Timeout: time.Minute})

	held, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = pool.Acquire(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, errors.Is(err, leasepool.ErrPoolExhausted))
	assert.Equal(t, int64(0), pool.Stats().Timeouts)
}

func TestPool_OutstandingNeverExceedsCapacity(t *testing.T) {
	pool, _ := newPool(t, leasepool.Config{Size: 3, MaxOverflow: 2, Timeout: 5 * time.Second})

	var (
		current atomic.Int64
		peak    atomic.Int64
		wg      sync.WaitGroup
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := pool.Acquire(context.Background(), 0)
			if !assert.NoError(t, err) {
				return
			}
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			current.Add(-1)
			lease.Release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(5))
	assert.Equal(t, 0, pool.Stats().Outstanding)
	assert.LessOrEqual(t, pool.Stats().Idle, 3)
}

func TestPool_OverflowResourcesClosedOnRelease(t *testing.T) {
	pool, factory := newPool(t, leasepool.Config{Size: 1, MaxOverflow: 2, Timeout: time.Second})

	var leases []*leasepool.Lease[*conn]
	for i := 0; i < 3; i++ {
		lease, err := pool.Acquire(context.Background(), 0)
		require.NoError(t, err)
		leases = append(leases, lease)
	}
	for _, lease := range leases {
		lease.Release()
	}

	assert.Equal(t, int64(3), factory.next.Load())
	assert.Equal(t, int64(2), factory.closed.Load())
	assert.Equal(t, 1, pool.Stats().Idle)
}

func TestPool_RecyclesAfterMaxLifetime(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	pool, factory := newPool(t, leasepool.Config{Size: 1, Timeout: time.Second, MaxLifetime: time.Hour, Now: clock})

	lease, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)
	first := lease.Resource()
	lease.Release()

	advance(30 * time.Minute)
	lease, err = pool.Acquire(context.Background(), 0)
	require.NoError(t, err)
	assert.Same(t, first, lease.Resource())

	// expires while leased: closed on release
	advance(31 * time.Minute)
	lease.Release()
	assert.Equal(t, int64(1), factory.closed.Load())
	assert.Equal(t, 0, pool.Stats().Idle)

	lease, err = pool.Acquire(context.Background(), 0)
	require.NoError(t, err)
	assert.NotSame(t, first, lease.Resource())
	lease.Release()
}

func TestPool_ExpiredIdleResourceSkippedOnAcquire(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	pool, factory := newPool(t, leasepool.Config{Size: 1, Timeout: time.Second, MaxLifetime: time.Minute, Now: clock})

	lease, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)
	first := lease.Resource()
	lease.Release()

	now = now.Add(2 * time.Minute)
	lease, err = pool.Acquire(context.Background(), 0)
	require.NoError(t, err)
	assert.NotSame(t, first, lease.Resource())
	assert.Equal(t, int64(1), factory.closed.Load())
	lease.Release()
}

func TestPool_InvalidatedResourceIsClosed(t *testing.T) {
	pool, factory := newPool(t, leasepool.Config{Size: 2, Timeout: time.Second})

	lease, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)
	lease.Invalidate()
	lease.Release()

	assert.Equal(t, int64(1), factory.closed.Load())
	assert.Equal(t, 0, pool.Stats().Idle)
}

func TestPool_DoubleReleasePanics(t *testing.T) {
	pool, _ := newPool(t, leasepool.Config{Size: 1, Timeout: time.Second})

	lease, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)
	lease.Release()
	assert.True(t, lease.Released())

	assert.Panics(t, func() { lease.Release() })
	assert.Equal(t, 0, pool.Stats().Outstanding)
}

func TestPool_OpenFailureReturnsCapacity(t *testing.T) {
	factory := &fakeFactory{openErr: errors.New("connection refused")}
	pool := leasepool.New[*conn](leasepool.Config{Size: 1, Timeout: 50 * time.Millisecond}, factory, zerolog.Nop())

	for i := 0; i < 3; i++ {
		_, err := pool.Acquire(context.Background(), 0)
		require.Error(t, err)
		assert.False(t, errors.Is(err, leasepool.ErrPoolExhausted))
	}
	assert.Equal(t, 0, pool.Stats().Outstanding)
}

func TestPool_CloseReportsLeak(t *testing.T) {
	pool, _ := newPool(t, leasepool.Config{Size: 2, Timeout: time.Second})

	leaked, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = pool.Close(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, leasepool.ErrLeaked)

	_, err = pool.Acquire(context.Background(), 0)
	assert.ErrorIs(t, err, leasepool.ErrPoolClosed)

	leaked.Release()
}

func TestPool_CloseWaitsForOutstanding(t *testing.T) {
	pool, factory := newPool(t, leasepool.Config{Size: 2, Timeout: time.Second})

	idle, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)
	idle.Release()

	held, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		held.Release()
	}()

	require.NoError(t, pool.Close(context.Background()))
	assert.Equal(t, factory.next.Load(), factory.closed.Load())
	assert.NoError(t, pool.Close(context.Background()))
}

type hangingFactory struct {
	fakeFactory
}

func (f *hangingFactory) Open(ctx context.Context) (*conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestPool_TimeoutBoundsResourceOpen(t *testing.T) {
	factory := &hangingFactory{}
	pool := leasepool.New[*conn](leasepool.Config{Size: 1, Timeout: time.Second}, factory, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	start := time.Now()
	go func() {
		_, err := pool.Acquire(ctx, 50*time.Millisecond)
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, leasepool.ErrPoolExhausted)
		assert.Less(t, time.Since(start), time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not honour its timeout while opening a resource")
	}

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Timeouts)
	assert.Equal(t, 0, stats.Outstanding)

	// the capacity slot was returned, so the next attempt does not wait on it
	_, err := pool.Acquire(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, leasepool.ErrPoolExhausted)
	stats = pool.Stats()
	assert.Equal(t, int64(2), stats.Timeouts)
	assert.Equal(t, int64(0), stats.Waits)
}

func TestPool_CallerCancelWhileOpening(t *testing.T) {
	pool := leasepool.New[*conn](leasepool.Config{Size: 1, Timeout: time.Second}, &hangingFactory{}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := pool.Acquire(ctx, time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, leasepool.ErrPoolExhausted)
	assert.Equal(t, int64(0), pool.Stats().Timeouts)
}
