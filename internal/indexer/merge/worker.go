package merge

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// FailureFunc is called once when a worker's job fails with anything other
// than an abort.
type FailureFunc func(job *Job, err error)

// Worker runs merge jobs one after another on a single background task. It
// starts with the job it was created for and keeps asking the writer for more
// until the writer has none left or the worker is cancelled.
type Worker struct {
	name      string
	writer    Writer
	first     *Job
	onFailure FailureFunc

	ctx       context.Context
	gate      *StallGate
	observer  Observer
	logger    *slog.Logger
	onSuccess func(*Job)
	onExit    func(*Worker)

	started   atomic.Bool
	cancelled atomic.Bool
	done      atomic.Bool
	reported  atomic.Bool
	current   atomic.Pointer[Job]
	failed    atomic.Pointer[Job]
	jobs      atomic.Int64
	doneCh    chan struct{}
	err       error

	// owned by the registry
	slot int
	seq  uint64
}

func NewWorker(name string, writer Writer, first *Job, onFailure FailureFunc) *Worker {
	w := &Worker{
		name:      name,
		writer:    writer,
		first:     first,
		onFailure: onFailure,
		ctx:       context.Background(),
		observer:  NoopObserver{},
		logger:    slog.Default().With("component", "merge-worker", "worker", name),
		doneCh:    make(chan struct{}),
		slot:      -1,
	}
	w.current.Store(first)
	return w
}

func (w *Worker) Name() string {
	return w.name
}

// Start hands the worker body to exec. Only the first call has an effect. If
// exec refuses the task the worker is finished immediately and the returned
// error wraps ErrWorkerStart.
func (w *Worker) Start(exec Executor) error {
	if !w.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := exec.Go(w.run); err != nil {
		err = fmt.Errorf("%w %s: %w", ErrWorkerStart, w.name, err)
		w.finish(err)
		return err
	}
	return nil
}

// Cancel asks the worker not to pick up another job. A merge already running
// is left to finish.
func (w *Worker) Cancel() {
	if w.done.Load() {
		return
	}
	if w.cancelled.CompareAndSwap(false, true) {
		w.logger.Debug("merge worker cancellation requested")
	}
}

func (w *Worker) Cancelled() bool {
	return w.cancelled.Load()
}

// IsAlive reports whether the worker was started and has not terminated.
func (w *Worker) IsAlive() bool {
	return w.started.Load() && !w.done.Load()
}

// CurrentJob is the job being merged, the assigned job before the worker
// runs, or nil once the worker has finished.
func (w *Worker) CurrentJob() *Job {
	return w.current.Load()
}

// Done is closed when the worker terminates.
func (w *Worker) Done() <-chan struct{} {
	return w.doneCh
}

// Err is the error the worker terminated with. It is only meaningful after
// Done is closed.
func (w *Worker) Err() error {
	select {
	case <-w.doneCh:
		return w.err
	default:
		return nil
	}
}

// JobsCompleted is the number of jobs this worker finished successfully.
func (w *Worker) JobsCompleted() int64 {
	return w.jobs.Load()
}

func (w *Worker) run() {
	var (
		job = w.first
		err error
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("merge worker %s panicked: %v", w.name, r)
		}
		if err != nil {
			// job is nil when the failure happened between jobs
			w.failed.Store(job)
			if !IsAbort(err) {
				w.report(job, err)
			}
		}
		w.finish(err)
	}()

	for job != nil {
		if err = w.runJob(job); err != nil {
			if IsAbort(err) {
				w.logger.Info("merge aborted", "job", job.String())
			}
			return
		}
		completed := job
		job = nil
		w.jobs.Add(1)
		if w.onSuccess != nil {
			w.onSuccess(completed)
		}
		if w.cancelled.Load() {
			w.logger.Debug("merge worker cancelled, not taking another job")
			return
		}
		// The next job is claimed before the gate opens so a woken caller
		// sees this worker either busy again or gone, never in between.
		next := w.writer.NextMerge()
		if next == nil {
			return
		}
		w.current.Store(next)
		w.gate.Release()
		job = next
	}
}

// FailedJob is the job the worker terminated on, or nil when it ended
// cleanly or failed between jobs.
func (w *Worker) FailedJob() *Job {
	return w.failed.Load()
}

func (w *Worker) runJob(job *Job) (err error) {
	start := time.Now()
	w.observer.OnMergeStarted(job)
	if w.logger.Enabled(w.ctx, slog.LevelDebug) {
		w.logger.Debug("merge started", "job", job.String(), "bytes", job.Bytes)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("merge %s panicked: %v", job, r)
		}
		d := time.Since(start)
		w.observer.OnMergeFinished(job, d, err)
		if err == nil {
			w.logger.Debug("merge finished", "job", job.String(), "duration", d)
		}
	}()
	return w.writer.Merge(w.ctx, job)
}

// report sends err through the failure callback at most once per worker. A
// panicking callback does not stop the worker from finishing.
func (w *Worker) report(job *Job, err error) {
	if !w.reported.CompareAndSwap(false, true) || w.onFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("merge failure callback panicked", "job", job.String(), "panic", r)
		}
	}()
	w.onFailure(job, err)
}

func (w *Worker) finish(err error) {
	w.current.Store(nil)
	w.err = err
	w.done.Store(true)
	close(w.doneCh)
	w.gate.Release()
	if w.onExit != nil {
		w.onExit(w)
	}
}
