package merge

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker(w *fakeWriter, first *Job, onFailure FailureFunc) *Worker {
	wk := NewWorker("merge-thread-test", w, first, onFailure)
	wk.logger = quietLogger()
	wk.gate = NewStallGate()
	return wk
}

func waitDone(t *testing.T, wk *Worker) {
	t.Helper()
	select {
	case <-wk.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("worker %s did not finish", wk.Name())
	}
}

func TestWorker_Lifecycle(t *testing.T) {
	w := newFakeWriter(1)
	release := blocking(w, 1)
	first := w.NextMerge()
	wk := newTestWorker(w, first, nil)

	assert.False(t, wk.IsAlive(), "not alive before start")
	assert.Same(t, first, wk.CurrentJob())

	require.NoError(t, wk.Start(GoroutineExecutor{}))
	assert.True(t, wk.IsAlive())
	assert.Same(t, first, wk.CurrentJob())
	assert.NoError(t, wk.Err())

	close(release)
	waitDone(t, wk)
	assert.False(t, wk.IsAlive())
	assert.Nil(t, wk.CurrentJob())
	assert.NoError(t, wk.Err())
	assert.Equal(t, int64(1), wk.JobsCompleted())
}

func TestWorker_StartIsIdempotent(t *testing.T) {
	w := newFakeWriter(1)
	wk := newTestWorker(w, w.NextMerge(), nil)
	pool := NewPool(1)

	require.NoError(t, wk.Start(pool))
	require.NoError(t, wk.Start(pool))
	waitDone(t, wk)
	require.NoError(t, pool.Close(t.Context()))

	assert.Equal(t, []string{"taken", "completed"}, w.eventsFor(1))
	assert.Equal(t, 1, w.mergedCount())
}

func TestWorker_DrainsWriterQueue(t *testing.T) {
	w := newFakeWriter(4)
	gate := NewStallGate()
	wk := newTestWorker(w, w.NextMerge(), nil)
	wk.gate = gate

	require.NoError(t, wk.Start(GoroutineExecutor{}))
	waitDone(t, wk)

	assert.Equal(t, int64(4), wk.JobsCompleted())
	assert.Equal(t, 4, w.mergedCount())
	assert.False(t, w.HasPendingMerges())
	// one release per follow-up job plus one on exit
	assert.Equal(t, uint64(4), gate.Releases())
}

func TestWorker_CancelStopsAfterCurrentJob(t *testing.T) {
	w := newFakeWriter(3)
	release := blocking(w, 1)
	wk := newTestWorker(w, w.NextMerge(), nil)
	require.NoError(t, wk.Start(GoroutineExecutor{}))

	wk.Cancel()
	wk.Cancel()
	assert.True(t, wk.Cancelled())

	close(release)
	waitDone(t, wk)
	assert.Equal(t, []string{"taken", "completed"}, w.eventsFor(1))
	assert.Empty(t, w.eventsFor(2))
	assert.True(t, w.HasPendingMerges())

	wk.Cancel()
	assert.NoError(t, wk.Err())
}

func TestWorker_FailureReportedOnce(t *testing.T) {
	w := newFakeWriter(2)
	readErr := errors.New("short read")
	w.job(1).err = readErr

	var (
		mu    sync.Mutex
		calls []*Job
	)
	wk := newTestWorker(w, w.NextMerge(), func(j *Job, err error) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, j)
		assert.ErrorIs(t, err, readErr)
	})
	require.NoError(t, wk.Start(GoroutineExecutor{}))
	waitDone(t, wk)

	wk.report(wk.first, readErr)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 1)
	assert.Equal(t, uint64(1), calls[0].ID)
	assert.ErrorIs(t, wk.Err(), readErr)
	assert.True(t, w.HasPendingMerges(), "failed worker must not take another job")
}

func TestWorker_AbortNotReported(t *testing.T) {
	w := newFakeWriter(1)
	w.job(1).err = ErrMergeAborted
	called := false
	wk := newTestWorker(w, w.NextMerge(), func(*Job, error) { called = true })
	require.NoError(t, wk.Start(GoroutineExecutor{}))
	waitDone(t, wk)

	assert.False(t, called)
	assert.ErrorIs(t, wk.Err(), ErrMergeAborted)
}

func TestWorker_PanickingCallback(t *testing.T) {
	w := newFakeWriter(1)
	w.job(1).err = errors.New("checksum mismatch")
	wk := newTestWorker(w, w.NextMerge(), func(*Job, error) {
		panic("callback exploded")
	})
	require.NoError(t, wk.Start(GoroutineExecutor{}))
	waitDone(t, wk)

	assert.False(t, wk.IsAlive())
	assert.Error(t, wk.Err())
}

func TestWorker_PanickingMerge(t *testing.T) {
	w := newFakeWriter(1)
	w.job(1).panics = true
	var got error
	wk := newTestWorker(w, w.NextMerge(), func(_ *Job, err error) { got = err })
	require.NoError(t, wk.Start(GoroutineExecutor{}))
	waitDone(t, wk)

	require.Error(t, got)
	assert.Contains(t, got.Error(), "panicked")
	assert.Nil(t, wk.CurrentJob())
}

func TestWorker_StartRefused(t *testing.T) {
	w := newFakeWriter(1)
	wk := newTestWorker(w, w.NextMerge(), nil)

	err := wk.Start(failingExecutor{})
	require.ErrorIs(t, err, ErrWorkerStart)
	assert.Contains(t, err.Error(), "pool exhausted")
	waitDone(t, wk)
	assert.False(t, wk.IsAlive())
	assert.ErrorIs(t, wk.Err(), ErrWorkerStart)
}

func TestWorker_FailedJobIsTheFailingOne(t *testing.T) {
	w := newFakeWriter(2)
	w.job(2).err = errors.New("short read")
	var reported *Job
	wk := newTestWorker(w, w.NextMerge(), func(j *Job, _ error) { reported = j })
	require.NoError(t, wk.Start(GoroutineExecutor{}))
	waitDone(t, wk)

	require.NotNil(t, wk.FailedJob())
	assert.Equal(t, uint64(2), wk.FailedJob().ID)
	assert.Same(t, wk.FailedJob(), reported)
	assert.Equal(t, []string{"taken", "completed"}, w.eventsFor(1))
}

func TestWorker_PanicBetweenJobs(t *testing.T) {
	w := newFakeWriter(2)
	first := w.NextMerge()
	w.mu.Lock()
	w.panicOnNext = true
	w.mu.Unlock()

	var (
		mu    sync.Mutex
		calls int
		job   *Job
		err   error
	)
	wk := newTestWorker(w, first, func(j *Job, e error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		job, err = j, e
	})
	require.NoError(t, wk.Start(GoroutineExecutor{}))
	waitDone(t, wk)

	assert.Equal(t, []string{"taken", "completed"}, w.eventsFor(1), "completed job gets no second outcome")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.Nil(t, job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Nil(t, wk.FailedJob())
	assert.Equal(t, int64(1), wk.JobsCompleted())
}
