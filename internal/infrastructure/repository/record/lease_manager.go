package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"jan-server/services/upload-api/internal/domain/upload"
	"jan-server/services/upload-api/internal/infrastructure/leasepool"
)

// LeaseManager hands out record stores bound to pooled connections.
type LeaseManager struct {
	pool       *leasepool.Pool[*sql.Conn]
	db         *gorm.DB
	timeout    time.Duration
	optimistic bool
}

// NewLeaseManager creates a lease manager over pool. Statements are built by
// db and executed on the leased connection.
func NewLeaseManager(pool *leasepool.Pool[*sql.Conn], db *gorm.DB, timeout time.Duration, optimistic bool) *LeaseManager {
	return &LeaseManager{pool: pool, db: db, timeout: timeout, optimistic: optimistic}
}

// Acquire waits for a connection lease.
func (m *LeaseManager) Acquire(ctx context.Context) (upload.Lease, error) {
	l, err := m.pool.Acquire(ctx, m.timeout)
	if err != nil {
		if errors.Is(err, leasepool.ErrPoolExhausted) || errors.Is(err, leasepool.ErrPoolClosed) {
			return nil, fmt.Errorf("%w: %v", upload.ErrPoolExhausted, err)
		}
		return nil, err
	}
	return &lease{
		inner: l,
		store: NewStore(bind(ctx, m.db, l.Resource()), m.optimistic, l.Invalidate),
	}, nil
}

// Stats exposes the underlying pool counters.
func (m *LeaseManager) Stats() leasepool.Stats {
	return m.pool.Stats()
}

// bind returns a gorm handle whose statements run on conn only. Setting a
// context forces gorm to clone the statement so the root handle is untouched.
func bind(ctx context.Context, db *gorm.DB, conn *sql.Conn) *gorm.DB {
	tx := db.Session(&gorm.Session{NewDB: true, Context: ctx})
	tx.Statement.ConnPool = conn
	return tx
}

type lease struct {
	inner *leasepool.Lease[*sql.Conn]
	store *Store
}

func (l *lease) Records() upload.RecordStore {
	return l.store
}

func (l *lease) Release() {
	l.inner.Release()
}
