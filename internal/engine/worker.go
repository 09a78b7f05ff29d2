package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics is a snapshot of the worker pool counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

type poolCounters struct {
	active, completed, failed, panics atomic.Int64
}

// WorkerPool bounds how many nodes run at once across all executions
// sharing the pool.
type WorkerPool struct {
	slots    chan struct{}
	running  sync.WaitGroup
	counters poolCounters
	onPanic  func(recovered any)

	mu      sync.Mutex
	stopped chan struct{}
	closed  bool
}

// NewWorkerPool creates a pool running at most size tasks at once.
func NewWorkerPool(size int) *WorkerPool {
	return &WorkerPool{
		slots:   make(chan struct{}, max(size, 1)),
		stopped: make(chan struct{}),
	}
}

// OnPanic registers a callback for panics that escape submitted work.
// Must be called before the first Submit.
func (p *WorkerPool) OnPanic(fn func(recovered any)) {
	p.onPanic = fn
}

// Size returns the maximum number of concurrent tasks.
func (p *WorkerPool) Size() int {
	return cap(p.slots)
}

// Submit runs fn on its own goroutine once a slot is free. It blocks while
// the pool is at capacity and gives up if ctx is done first. Returns
// ErrPoolShutdown if the pool has been shut down.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.isClosed() {
		return ErrPoolShutdown
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopped:
		return ErrPoolShutdown
	}

	// running.Add happens under the lock so Shutdown's Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.running.Add(1)
	p.counters.active.Add(1)
	p.mu.Unlock()

	go p.work(ctx, fn)
	return nil
}

func (p *WorkerPool) work(ctx context.Context, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			p.counters.panics.Add(1)
			p.counters.failed.Add(1)
			if p.onPanic != nil {
				p.onPanic(r)
			}
		}
		p.counters.active.Add(-1)
		<-p.slots
		p.running.Done()
	}()

	if err := fn(ctx); err != nil {
		p.counters.failed.Add(1)
		return
	}
	p.counters.completed.Add(1)
}

func (p *WorkerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.running.Wait()
}

// Shutdown stops accepting work and waits for running tasks to finish.
// Calling it again is a no-op.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopped)
	p.mu.Unlock()

	p.running.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.counters.active.Load(),
		Completed: p.counters.completed.Load(),
		Failed:    p.counters.failed.Load(),
		Panics:    p.counters.panics.Load(),
	}
}
