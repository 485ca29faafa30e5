package leasepool

import (
	"sync/atomic"
	"time"
)

// Lease is an exclusive handle on one pooled resource. It must be released
// exactly once.
type Lease[T any] struct {
	pool       *Pool[T]
	entry      entry[T]
	acquiredAt time.Time
	released   atomic.Bool
	invalid    atomic.Bool
}

// Resource returns the leased resource.
func (l *Lease[T]) Resource() T {
	return l.entry.resource
}

// Invalidate marks the resource broken so Release closes it instead of reusing it.
func (l *Lease[T]) Invalidate() {
	l.invalid.Store(true)
}

// Release returns the lease to its pool.
func (l *Lease[T]) Release() {
	l.pool.Release(l)
}

// Released reports whether Release has been called.
func (l *Lease[T]) Released() bool {
	return l.released.Load()
}

// Held returns how long the lease has been out.
func (l *Lease[T]) Held() time.Duration {
	return l.pool.now().Sub(l.acquiredAt)
}

// Age returns how long ago the underlying resource was opened.
func (l *Lease[T]) Age() time.Duration {
	return l.pool.now().Sub(l.entry.createdAt)
}
