// internal/app/system/workers/pool.go
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrPoolClosed is returned by Submit after Stop has been called.
var ErrPoolClosed = errors.New("worker pool closed")

// Job is one unit of background work. The context carries the pool's
// per-job deadline.
type Job func(ctx context.Context)

// Pool runs jobs on a fixed number of goroutines fed by a bounded queue.
type Pool struct {
	size       int
	jobTimeout time.Duration
	jobs       chan Job
	log        *zap.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{} // closed by Stop; wakes blocked submitters
	submits sync.WaitGroup

	base   context.Context
	cancel context.CancelFunc
	g      errgroup.Group
}

// NewPool creates a pool.
//
// Parameters:
//   - size: number of worker goroutines
//   - queueSize: jobs that may wait before Submit blocks
//   - jobTimeout: deadline applied to each job (0 for none)
func NewPool(size, queueSize int, jobTimeout time.Duration, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	base, cancel := context.WithCancel(context.Background())
	return &Pool{
		size:       size,
		jobTimeout: jobTimeout,
		jobs:       make(chan Job, queueSize),
		done:       make(chan struct{}),
		log:        logger.Named("workers"),
		base:       base,
		cancel:     cancel,
	}
}

// Start launches the workers. Calling it more than once has no effect.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < p.size; i++ {
		id := i + 1
		p.g.Go(func() error {
			p.work(id)
			return nil
		})
	}
	p.log.Info("worker pool started",
		zap.Int("workers", p.size),
		zap.Int("queue", cap(p.jobs)),
		zap.Duration("job_timeout", p.jobTimeout))
}

// Submit queues job, blocking while the queue is full until ctx is done or
// the pool is stopped.
func (p *Pool) Submit(ctx context.Context, job func(ctx context.Context)) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	p.submits.Add(1)
	p.mu.RUnlock()
	defer p.submits.Done()

	select {
	case p.jobs <- job:
		return nil
	case <-p.done:
		return ErrPoolClosed
	case <-ctx.Done():
		return fmt.Errorf("submit job: %w", ctx.Err())
	}
}

// Stop stops accepting jobs and waits for queued and running jobs to finish.
// If ctx ends first, running jobs are cancelled and ctx's error is returned
// once they have returned.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	// no Submit can start now; wait out the ones already past the check
	// before closing the queue they send on
	p.submits.Wait()
	close(p.jobs)

	finished := make(chan struct{})
	go func() {
		_ = p.g.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		p.cancel()
		p.log.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-finished
		p.log.Warn("worker pool stop timed out; running jobs cancelled")
		return ctx.Err()
	}
}

func (p *Pool) work(id int) {
	for job := range p.jobs {
		p.run(id, job)
	}
}

func (p *Pool) run(id int, job Job) {
	ctx := p.base
	if p.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(p.base, p.jobTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic recovered in job",
				zap.Int("worker", id),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	job(ctx)
}
