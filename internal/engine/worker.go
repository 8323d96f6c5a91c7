package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rendis/chanops/internal/channel"
	"github.com/rendis/chanops/internal/logging"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// Task is a unit of cook work. ec is the Manager's evaluation context for
// the worker id the task borrowed; it must not escape the task.
type Task func(ctx context.Context, ec *channel.EvalContext) error

// WorkerPool is a bounded goroutine pool for cooking collections. Each
// running task owns one worker id, so two tasks never share an
// EvalContext. Worker ids run from 1 to size; id 0 is left to callers
// evaluating on their own goroutine.
type WorkerPool struct {
	manager *channel.Manager
	free    chan int // idle worker ids; doubles as the concurrency limit
	size    int
	logger  *slog.Logger

	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

// NewWorkerPool creates a pool of size workers over m.
func NewWorkerPool(m *channel.Manager, size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	free := make(chan int, size)
	for id := 1; id <= size; id++ {
		free <- id
	}
	return &WorkerPool{
		manager: m,
		free:    free,
		size:    size,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Size returns the number of workers.
func (p *WorkerPool) Size() int { return p.size }

// Manager returns the manager whose contexts the pool hands out.
func (p *WorkerPool) Manager() *channel.Manager { return p.manager }

// acquire borrows a worker id, blocking while every worker is busy.
func (p *WorkerPool) acquire(ctx context.Context) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPoolShutdown
	}
	p.mu.Unlock()

	var id int
	select {
	case id = <-p.free:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-p.done:
		return 0, ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown's Wait sees it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.free <- id
		return 0, ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	poolActive.Inc()
	p.mu.Unlock()
	return id, nil
}

// run executes fn as worker id and returns the id to the free list. A
// panic is recovered and reported as an error.
func (p *WorkerPool) run(ctx context.Context, id int, fn Task) (err error) {
	ctx = logging.WithWorker(ctx, id)
	ec := p.manager.Context(id)
	defer func() {
		result := "ok"
		if r := recover(); r != nil {
			atomic.AddInt64(&p.metrics.Panics, 1)
			err = fmt.Errorf("cook task panicked on worker %d: %v", id, r)
			p.logger.ErrorContext(ctx, "cook task panicked", slog.Any("panic", r))
			result = "panic"
		}
		if err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
			if result == "ok" {
				result = "error"
			}
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
		poolTasksTotal.WithLabelValues(result).Inc()
		ec.ClearErr()
		atomic.AddInt64(&p.metrics.Active, -1)
		poolActive.Dec()
		p.free <- id
		p.wg.Done()
	}()
	return fn(ctx, ec)
}

// Submit runs fn on a free worker in the background. It blocks while the
// pool is at capacity and respects ctx while waiting. The task's error is
// only counted in Metrics; use Do or Cook to observe it.
func (p *WorkerPool) Submit(ctx context.Context, fn Task) error {
	id, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	go func() { _ = p.run(ctx, id, fn) }()
	return nil
}

// Do runs fn on a free worker and waits for it.
func (p *WorkerPool) Do(ctx context.Context, fn Task) error {
	id, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	return p.run(ctx, id, fn)
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting work and waits for running tasks.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
