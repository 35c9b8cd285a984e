package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_SlotReuseAndOrder(t *testing.T) {
	r := newRegistry(4)
	w := newFakeWriter(3)
	a := newTestWorker(w, w.NextMerge(), nil)
	b := newTestWorker(w, w.NextMerge(), nil)
	c := newTestWorker(w, w.NextMerge(), nil)

	r.add(a)
	r.add(b)
	require.True(t, r.remove(a))
	assert.False(t, r.remove(a), "second remove is a no-op")
	r.add(c)

	assert.Equal(t, 0, c.slot, "freed slot is reused")
	assert.Equal(t, 2, r.len())
	assert.Equal(t, []*Worker{b, c}, r.workers())
}

func TestRegistry_PruneDropsFinishedWorkers(t *testing.T) {
	r := newRegistry(1)
	w := newFakeWriter(3)
	var ws []*Worker
	for i := 0; i < 3; i++ {
		wk := newTestWorker(w, w.NextMerge(), nil)
		wk.onExit = r.notifyExit
		r.add(wk)
		ws = append(ws, wk)
	}
	assert.Equal(t, 0, r.activeJobs(), "unstarted workers hold no active job")

	for _, wk := range ws {
		require.NoError(t, wk.Start(GoroutineExecutor{}))
		waitDone(t, wk)
	}
	// backlog of one: two of the exits are only found by the sweep
	assert.Equal(t, 3, r.prune())
	assert.Equal(t, 0, r.len())
	assert.Empty(t, r.workers())
	assert.Equal(t, 0, r.prune())
}

func TestRegistry_ActiveJobsCountsLiveHolders(t *testing.T) {
	r := newRegistry(0)
	w := newFakeWriter(2)
	r1 := blocking(w, 1)
	r2 := blocking(w, 2)
	a := newTestWorker(w, w.NextMerge(), nil)
	b := newTestWorker(w, w.NextMerge(), nil)
	r.add(a)
	r.add(b)

	require.NoError(t, a.Start(GoroutineExecutor{}))
	assert.Equal(t, 1, r.activeJobs())
	require.NoError(t, b.Start(GoroutineExecutor{}))
	assert.Equal(t, 2, r.activeJobs())

	close(r1)
	waitDone(t, a)
	assert.Equal(t, 1, r.activeJobs())
	assert.Equal(t, 1, r.prune())
	assert.Equal(t, []*Worker{b}, r.workers())

	close(r2)
	waitDone(t, b)
	assert.Equal(t, 1, r.prune())
	assert.Equal(t, 0, r.len())
}
