package server

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrQueueFull is returned when the pool cannot accept more work.
var ErrQueueFull = errors.New("worker queue full")

// ErrPoolStopped is returned when submitting to a stopped pool.
var ErrPoolStopped = errors.New("worker pool stopped")

// WorkerPool runs webhook events on a fixed set of goroutines so a burst of
// alerts cannot fan out into unbounded concurrent broker sessions.
type WorkerPool struct {
	workers    int
	taskQueue  chan func()
	wg         sync.WaitGroup
	mu         sync.RWMutex // guards running against close(taskQueue)
	running    bool
	stopped    bool
	tasksTotal atomic.Uint64
	tasksDone  atomic.Uint64
}

// NewWorkerPool creates a pool. Non-positive workers default to
// runtime.NumCPU(); non-positive queue to 100 per worker.
func NewWorkerPool(workers, queue int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queue <= 0 {
		queue = workers * 100
	}
	return &WorkerPool{
		workers:   workers,
		taskQueue: make(chan func(), queue),
	}
}

// Start starts the workers.
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.stopped {
		return
	}
	p.running = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for task := range p.taskQueue {
		task()
		p.tasksDone.Add(1)
	}
}

// Submit enqueues a task without blocking.
func (p *WorkerPool) Submit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return ErrPoolStopped
	}

	select {
	case p.taskQueue <- task:
		p.tasksTotal.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Do runs task on the pool and waits for it. It gives up waiting when ctx
// ends, but a task that has started always runs to completion.
func (p *WorkerPool) Do(ctx context.Context, task func()) error {
	done := make(chan struct{})
	if err := p.Submit(func() {
		defer close(done)
		task()
	}); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains queued tasks and waits for the workers to exit.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.stopped = true
	close(p.taskQueue)
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats returns pool statistics.
func (p *WorkerPool) Stats() PoolStats {
	p.mu.RLock()
	running := p.running
	p.mu.RUnlock()
	return PoolStats{
		Workers:    p.workers,
		Running:    running,
		TasksTotal: p.tasksTotal.Load(),
		TasksDone:  p.tasksDone.Load(),
		QueueLen:   len(p.taskQueue),
	}
}

// PoolStats contains worker pool statistics.
type PoolStats struct {
	Workers    int    `json:"workers"`
	Running    bool   `json:"running"`
	TasksTotal uint64 `json:"tasks_total"`
	TasksDone  uint64 `json:"tasks_done"`
	QueueLen   int    `json:"queue_len"`
}
