package offload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrOverloaded is returned by Submit when QueueDepth tasks are already in flight.
	ErrOverloaded = errors.New("offload executor overloaded")
	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("offload executor closed")
)

// Task is one unit of blocking work.
type Task = func(ctx context.Context) error

// Config contains executor configuration. QueueDepth bounds queued plus
// running tasks.
type Config struct {
	Name       string
	Workers    int
	QueueDepth int
}

// Stats is a point-in-time view of the executor.
type Stats struct {
	Name       string
	Workers    int
	QueueDepth int
	Pending    int
	Running    int
	Completed  int64
	Rejected   int64
	Cancelled  int64
}

type job struct {
	ctx    context.Context
	fn     Task
	result chan error
	queued time.Time
}

// Executor runs blocking tasks on a fixed set of worker goroutines so request
// handlers never block on them directly.
type Executor struct {
	cfg  Config
	log  zerolog.Logger
	jobs chan job

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	pending   atomic.Int64
	running   atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	cancelled atomic.Int64
}

// New creates an executor and starts its workers.
func New(cfg Config, log zerolog.Logger) *Executor {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = cfg.Workers
	}
	if cfg.Name == "" {
		cfg.Name = "offload"
	}
	e := &Executor{
		cfg:  cfg,
		log:  log.With().Str("component", "offload-executor").Str("executor", cfg.Name).Logger(),
		jobs: make(chan job, cfg.QueueDepth),
	}

	e.log.Info().Int("workers", cfg.Workers).Int("queue_depth", cfg.QueueDepth).Msg("starting offload executor")
	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(i + 1)
	}
	return e
}

// Name returns the executor name.
func (e *Executor) Name() string {
	return e.cfg.Name
}

// Submit enqueues fn and returns a channel that receives its result exactly
// once. It never blocks: a full executor returns ErrOverloaded immediately.
func (e *Executor) Submit(ctx context.Context, fn Task) (<-chan error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}

	if n := e.pending.Add(1); n > int64(e.cfg.QueueDepth) {
		e.pending.Add(-1)
		e.rejected.Add(1)
		return nil, fmt.Errorf("%w: %s has %d tasks in flight", ErrOverloaded, e.cfg.Name, e.cfg.QueueDepth)
	}

	result := make(chan error, 1)
	// pending <= QueueDepth == cap(jobs), so this send never blocks
	e.jobs <- job{ctx: ctx, fn: fn, result: result, queued: time.Now()}
	return result, nil
}

// Stats returns current counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Name:       e.cfg.Name,
		Workers:    e.cfg.Workers,
		QueueDepth: e.cfg.QueueDepth,
		Pending:    int(e.pending.Load()),
		Running:    int(e.running.Load()),
		Completed:  e.completed.Load(),
		Rejected:   e.rejected.Load(),
		Cancelled:  e.cancelled.Load(),
	}
}

// Shutdown stops accepting tasks and waits for queued and running ones to finish.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.jobs)
	e.mu.Unlock()

	e.log.Info().Int64("pending", e.pending.Load()).Msg("stopping offload executor")

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.log.Info().Msg("offload executor drained")
		return nil
	case <-ctx.Done():
		e.log.Warn().Int64("pending", e.pending.Load()).Msg("offload executor shutdown timed out")
		return fmt.Errorf("offload executor %s shutdown: %w", e.cfg.Name, ctx.Err())
	}
}

func (e *Executor) worker(id int) {
	defer e.wg.Done()
	for j := range e.jobs {
		e.run(id, j)
	}
}

func (e *Executor) run(workerID int, j job) {
	// cancellation is only observed before the task starts
	if err := j.ctx.Err(); err != nil {
		e.cancelled.Add(1)
		e.pending.Add(-1)
		j.result <- err
		close(j.result)
		return
	}

	e.running.Add(1)
	err := e.invoke(workerID, context.WithoutCancel(j.ctx), j.fn)
	e.running.Add(-1)
	e.completed.Add(1)
	e.pending.Add(-1)

	e.log.Debug().
		Int("worker_id", workerID).
		Dur("queued_for", time.Since(j.queued)).
		Err(err).
		Msg("offload task finished")

	j.result <- err
	close(j.result)
}

func (e *Executor) invoke(workerID int, ctx context.Context, fn Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Int("worker_id", workerID).Interface("panic", r).Msg("offload task panicked")
			err = fmt.Errorf("offload task panicked: %v", r)
		}
	}()
	return fn(ctx)
}
