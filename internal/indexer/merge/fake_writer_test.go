package merge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// fakeJob controls how the fake writer merges one job.
type fakeJob struct {
	job     *Job
	release chan struct{}
	delay   time.Duration
	err     error
	panics  bool
}

// fakeWriter hands out a fixed list of jobs and records what happened to
// each of them.
type fakeWriter struct {
	mu         sync.Mutex
	pending    []*fakeJob
	jobs       map[uint64]*fakeJob
	events     map[uint64][]string
	failures   []error
	running    int
	maxRunning int
	merged     []uint64

	// panicOnNext makes NextMerge panic, as a writer bug between jobs would
	panicOnNext bool
}

func newFakeWriter(n int) *fakeWriter {
	f := &fakeWriter{
		jobs:   make(map[uint64]*fakeJob),
		events: make(map[uint64][]string),
	}
	for i := 1; i <= n; i++ {
		f.add(&fakeJob{})
	}
	return f
}

func (f *fakeWriter) add(fj *fakeJob) *fakeJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uint64(len(f.jobs) + 1)
	fj.job = &Job{
		ID:      id,
		Dir:     "/data/shard-0",
		Sources: []string{fmt.Sprintf("seg_%d_a.spdx", id), fmt.Sprintf("seg_%d_b.spdx", id)},
		Target:  fmt.Sprintf("seg_%d_m.spdx", id),
		Bytes:   1024,
	}
	f.jobs[id] = fj
	f.pending = append(f.pending, fj)
	return fj
}

func (f *fakeWriter) job(id uint64) *fakeJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id]
}

func (f *fakeWriter) HasPendingMerges() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending) > 0
}

func (f *fakeWriter) NextMerge() *Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnNext {
		panic("segment list corrupted")
	}
	if len(f.pending) == 0 {
		return nil
	}
	fj := f.pending[0]
	f.pending = f.pending[1:]
	f.events[fj.job.ID] = append(f.events[fj.job.ID], "taken")
	return fj.job
}

func (f *fakeWriter) Merge(ctx context.Context, job *Job) error {
	f.mu.Lock()
	fj := f.jobs[job.ID]
	f.running++
	if f.running > f.maxRunning {
		f.maxRunning = f.running
	}
	f.mu.Unlock()

	err := f.execute(ctx, fj)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.running--
	switch {
	case err == nil:
		f.events[job.ID] = append(f.events[job.ID], "completed")
		f.merged = append(f.merged, job.ID)
	case IsAbort(err):
		f.events[job.ID] = append(f.events[job.ID], "aborted")
	}
	return err
}

func (f *fakeWriter) execute(ctx context.Context, fj *fakeJob) error {
	if fj.release != nil {
		select {
		case <-fj.release:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrMergeAborted, ctx.Err())
		}
	}
	if fj.delay > 0 {
		time.Sleep(fj.delay)
	}
	if fj.panics {
		panic(fmt.Sprintf("corrupt postings in %s", fj.job.Sources[0]))
	}
	return fj.err
}

func (f *fakeWriter) MergeAbandoned(job *Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[job.ID] = append(f.events[job.ID], "abandoned")
}

func (f *fakeWriter) ReportMergeFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, err)
	var me *MergeError
	if errors.As(err, &me) {
		f.events[me.JobID] = append(f.events[me.JobID], "failed")
	}
}

func (f *fakeWriter) DescribeState() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("pending=%d running=%d", len(f.pending), f.running)
}

func (f *fakeWriter) eventsFor(id uint64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events[id]...)
}

func (f *fakeWriter) failureList() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.failures...)
}

func (f *fakeWriter) peakRunning() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxRunning
}

func (f *fakeWriter) mergedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.merged)
}

// failingExecutor refuses every task.
type failingExecutor struct{}

func (failingExecutor) Go(func()) error { return errors.New("pool exhausted") }
func (failingExecutor) Limit() int      { return 1 }
