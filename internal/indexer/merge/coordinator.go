// Package merge schedules segment merges in the background. A Coordinator
// pulls merge jobs from an index Writer, runs them on a bounded Executor and
// stalls foreground callers while too many merges are outstanding, so that
// indexing cannot outrun compaction indefinitely.
//
// Every admission decision is taken under one coordinator-wide mutex; the
// workers themselves run outside it and only report back through the stall
// gate and the registry's exit channel.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Config bounds the scheduler. MaxConcurrentMerges is the admission ceiling:
// callers stall once that many workers hold a job. MaxConcurrentWorkers is the
// execution ceiling and is enforced by the executor.
type Config struct {
	MaxConcurrentMerges  int
	MaxConcurrentWorkers int
}

// DefaultConfig sizes the worker ceiling from the CPU count and allows a few
// queued merges on top of it before producers stall.
func DefaultConfig() Config {
	workers := runtime.NumCPU() / 2
	if workers > 4 {
		workers = 4
	}
	if workers < 1 {
		workers = 1
	}
	return Config{
		MaxConcurrentMerges:  workers + 5,
		MaxConcurrentWorkers: workers,
	}
}

func (c Config) Validate() error {
	if c.MaxConcurrentMerges < 1 {
		return fmt.Errorf("%w: maxConcurrentMerges must be at least 1, got %d", ErrInvalidConfig, c.MaxConcurrentMerges)
	}
	if c.MaxConcurrentWorkers < 1 {
		return fmt.Errorf("%w: maxConcurrentWorkers must be at least 1, got %d", ErrInvalidConfig, c.MaxConcurrentWorkers)
	}
	if c.MaxConcurrentWorkers > c.MaxConcurrentMerges {
		return fmt.Errorf("%w: maxConcurrentWorkers (%d) exceeds maxConcurrentMerges (%d)",
			ErrInvalidConfig, c.MaxConcurrentWorkers, c.MaxConcurrentMerges)
	}
	return nil
}

type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithExecutor makes the coordinator run workers on a shared executor. The
// executor's own limit then replaces MaxConcurrentWorkers.
func WithExecutor(e Executor) Option {
	return func(c *Coordinator) {
		if e != nil {
			c.exec = e
			c.ownsExec = false
		}
	}
}

func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		if o != nil {
			c.observer = o
		}
	}
}

func WithFailureHandler(h *FailureHandler) Option {
	return func(c *Coordinator) {
		if h != nil {
			c.failures = h
		}
	}
}

// WorkerInfo is a point-in-time view of one registered worker.
type WorkerInfo struct {
	Name      string `json:"name"`
	Job       string `json:"job,omitempty"`
	Alive     bool   `json:"alive"`
	Cancelled bool   `json:"cancelled"`
	Completed int64  `json:"completed"`
}

type Coordinator struct {
	mu       sync.Mutex
	cfg      Config
	exec     Executor
	ownsExec bool
	registry *registry
	gate     *StallGate
	failures *FailureHandler
	observer Observer
	logger   *slog.Logger
	closed   bool

	workerSeq atomic.Uint64
	stalls    atomic.Int64

	mergeCtx     context.Context
	cancelMerges context.CancelFunc
}

func NewCoordinator(cfg Config, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:          cfg,
		registry:     newRegistry(cfg.MaxConcurrentMerges * 2),
		gate:         NewStallGate(),
		observer:     NoopObserver{},
		logger:       slog.Default().With("component", "merge-coordinator"),
		mergeCtx:     ctx,
		cancelMerges: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.exec == nil {
		c.exec = NewPool(cfg.MaxConcurrentWorkers)
		c.ownsExec = true
	}
	if c.failures == nil {
		c.failures = NewFailureHandler(0, 0, c.logger)
	}
	return c, nil
}

// OnMergeNeeded starts workers for the writer's pending merges. It returns
// once every merge the writer knew about has been started, or the writer
// has nothing pending; it does not wait for merges to finish. While
// MaxConcurrentMerges workers hold a job the caller is stalled.
//
// Only admission errors are returned: ctx ending while stalled, the
// coordinator being closed, or a worker that could not be started (its job
// is handed back through Writer.MergeAbandoned first).
func (c *Coordinator) OnMergeNeeded(ctx context.Context, w Writer, trigger Trigger, foundNewMerges bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrCoordinatorClosed
	}
	if c.logger.Enabled(ctx, slog.LevelDebug) {
		c.logger.Debug("merges requested",
			"trigger", trigger.String(),
			"found_new_merges", foundNewMerges,
			"writer", w.DescribeState(),
			"workers", c.registry.len(),
		)
	}

	for w.HasPendingMerges() {
		if err := c.awaitAdmission(ctx, w); err != nil {
			return err
		}
		job := w.NextMerge()
		if job == nil {
			return nil
		}
		if err := c.startWorker(w, job); err != nil {
			return err
		}
		c.registry.prune()
		c.observer.OnWorkers(c.registry.len())
	}
	return nil
}

// awaitAdmission blocks, with c.mu released, while the writer has pending
// merges and the active-job count is at the ceiling. Must be called with c.mu
// held; returns with it held.
func (c *Coordinator) awaitAdmission(ctx context.Context, w Writer) error {
	var stalledAt time.Time
	defer func() {
		if !stalledAt.IsZero() {
			d := time.Since(stalledAt)
			c.observer.OnStall(d)
			c.logger.Info("merge stall released", "stalled_for", d)
		}
	}()
	for {
		armed := c.gate.Arm()
		c.registry.prune()
		active := c.registry.activeJobs()
		if !w.HasPendingMerges() || active < c.cfg.MaxConcurrentMerges {
			return nil
		}
		if stalledAt.IsZero() {
			stalledAt = time.Now()
			c.stalls.Add(1)
			c.logger.Info("too many merges, stalling caller",
				"active", active,
				"max_concurrent_merges", c.cfg.MaxConcurrentMerges,
			)
		}

		c.mu.Unlock()
		err := c.gate.Wait(ctx, armed)
		c.mu.Lock()

		if err != nil {
			return err
		}
		if c.closed {
			return ErrCoordinatorClosed
		}
	}
}

func (c *Coordinator) startWorker(w Writer, job *Job) error {
	name := fmt.Sprintf("merge-thread-%d", c.workerSeq.Add(1))
	wk := NewWorker(name, w, job, func(j *Job, err error) {
		c.failures.Handle(w, j, err)
	})
	wk.ctx = c.mergeCtx
	wk.gate = c.gate
	wk.observer = c.observer
	wk.logger = c.logger.With("worker", name)
	wk.onSuccess = func(*Job) { c.failures.Reset() }
	wk.onExit = c.registry.notifyExit

	c.registry.add(wk)
	if err := wk.Start(c.exec); err != nil {
		c.registry.remove(wk)
		w.MergeAbandoned(job)
		c.logger.Error("could not start merge worker, job handed back",
			"job", job.String(),
			"error", err,
		)
		return err
	}
	c.logger.Debug("merge worker started", "worker", name, "job", job.String())
	return nil
}

// RequestShutdown asks one worker to stop after its current merge.
func (c *Coordinator) RequestShutdown(w *Worker) {
	if w == nil {
		return
	}
	c.logger.Info("merge worker shutdown requested", "worker", w.Name())
	w.Cancel()
}

// Drain waits until no registered worker is left. Aborted merges are
// expected and only logged; other failures were already sent through the
// failure handler by the worker and are sent again here only if that did not
// happen. Drain reports ctx.Err() if it stops waiting early and never returns
// merge errors.
func (c *Coordinator) Drain(ctx context.Context) error {
	for {
		c.mu.Lock()
		c.registry.prune()
		pending := c.registry.workers()
		c.mu.Unlock()
		if len(pending) == 0 {
			c.observer.OnWorkers(0)
			return nil
		}

		c.logger.Info("waiting for merges to finish", "workers", len(pending))
		for _, wk := range pending {
			select {
			case <-wk.Done():
			case <-ctx.Done():
				c.logger.Warn("merge drain interrupted", "error", ctx.Err())
				return ctx.Err()
			}
			c.settle(wk)
		}
	}
}

func (c *Coordinator) settle(wk *Worker) {
	err := wk.Err()
	switch {
	case err == nil:
	case IsAbort(err):
		c.logger.Debug("merge worker ended by cancellation", "worker", wk.Name(), "error", err)
	default:
		// no-op when the worker already reported this failure
		wk.report(wk.FailedJob(), err)
	}
}

// Close stops new dispatches, cancels every worker and drains them. If ctx
// ends first the in-flight merges are aborted through their context and Close
// waits for them to unwind.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		for _, wk := range c.registry.workers() {
			wk.Cancel()
		}
	}
	c.mu.Unlock()
	c.gate.Release()

	err := c.Drain(ctx)
	if err != nil {
		c.logger.Warn("aborting in-flight merges")
		c.cancelMerges()
		_ = c.Drain(context.Background())
	}
	if p, ok := c.exec.(*Pool); ok && c.ownsExec {
		if perr := p.Close(context.Background()); perr != nil && err == nil {
			err = perr
		}
	}
	c.cancelMerges()
	return err
}

// Configure replaces both limits. It is refused while workers are
// registered. When the executor is shared the worker limit belongs to it and
// maxWorkers must match it.
func (c *Coordinator) Configure(maxMerges, maxWorkers int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCoordinatorClosed
	}
	c.registry.prune()
	if n := c.registry.len(); n > 0 {
		return fmt.Errorf("%w: %d workers registered", ErrMergesInFlight, n)
	}
	cfg := Config{MaxConcurrentMerges: maxMerges, MaxConcurrentWorkers: maxWorkers}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !c.ownsExec {
		if limit := c.exec.Limit(); limit > 0 && limit != maxWorkers {
			return fmt.Errorf("%w: worker limit %d is owned by the shared executor", ErrInvalidConfig, limit)
		}
	} else if maxWorkers != c.exec.Limit() {
		old, _ := c.exec.(*Pool)
		c.exec = NewPool(maxWorkers)
		if old != nil {
			_ = old.Close(context.Background())
		}
	}
	c.cfg = cfg
	c.logger.Info("merge limits configured",
		"max_concurrent_merges", maxMerges,
		"max_concurrent_workers", maxWorkers,
	)
	return nil
}

func (c *Coordinator) MaxConcurrentMerges() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.MaxConcurrentMerges
}

// MaxConcurrentWorkers is the executor's limit, not a separate setting.
func (c *Coordinator) MaxConcurrentWorkers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exec.Limit()
}

// SuppressFailures disables failure reporting. Tests only.
func (c *Coordinator) SuppressFailures(v bool) {
	c.failures.Suppress(v)
}

// ActiveWorkers returns the live workers in registration order.
func (c *Coordinator) ActiveWorkers() []WorkerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry.prune()
	ws := c.registry.workers()
	out := make([]WorkerInfo, 0, len(ws))
	for _, wk := range ws {
		info := WorkerInfo{
			Name:      wk.Name(),
			Alive:     wk.IsAlive(),
			Cancelled: wk.Cancelled(),
			Completed: wk.JobsCompleted(),
		}
		if j := wk.CurrentJob(); j != nil {
			info.Job = j.String()
		}
		out = append(out, info)
	}
	return out
}

// Stalls is how many times a caller has been stalled.
func (c *Coordinator) Stalls() int64 {
	return c.stalls.Load()
}

func (c *Coordinator) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("Coordinator: maxConcurrentMerges=%d, maxConcurrentWorkers=%d, workers=%d, closed=%t",
		c.cfg.MaxConcurrentMerges, c.exec.Limit(), c.registry.len(), c.closed)
}
