package merge

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Executor runs worker bodies in the background. Limit is the number of
// bodies it runs at the same time, or 0 when unbounded.
type Executor interface {
	Go(fn func()) error
	Limit() int
}

// Pool is a bounded Executor: at most limit tasks run at once and the rest
// queue until a slot frees up. It can be shared by several coordinators.
type Pool struct {
	sem     *semaphore.Weighted
	limit   int
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	queued  atomic.Int64
	running atomic.Int64
}

func NewPool(limit int) *Pool {
	if limit <= 0 {
		limit = 1
	}
	return &Pool{
		sem:   semaphore.NewWeighted(int64(limit)),
		limit: limit,
	}
}

// Go queues fn. It fails only when the pool is closed; a queued task always
// runs eventually so that workers are guaranteed to terminate.
func (p *Pool) Go(fn func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.queued.Add(1)
	go func() {
		defer p.wg.Done()
		_ = p.sem.Acquire(context.Background(), 1) // never fails with Background
		p.queued.Add(-1)
		p.running.Add(1)
		defer func() {
			p.running.Add(-1)
			p.sem.Release(1)
		}()
		fn()
	}()
	return nil
}

func (p *Pool) Limit() int {
	return p.limit
}

// Queued is the number of tasks waiting for a slot.
func (p *Pool) Queued() int {
	return int(p.queued.Load())
}

// Running is the number of tasks holding a slot.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Close rejects new tasks and waits for accepted ones to finish or for ctx.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GoroutineExecutor starts one goroutine per task with no limit.
type GoroutineExecutor struct{}

func (GoroutineExecutor) Go(fn func()) error {
	go fn()
	return nil
}

func (GoroutineExecutor) Limit() int { return 0 }
