package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer/merge"
	"github.com/Adithya-Monish-Kumar-K/segmerge/pkg/config"
)

type recordingListener struct {
	mu        sync.Mutex
	completed []MergeEvent
	failed    []MergeEvent
	abandoned []MergeEvent
}

func (l *recordingListener) OnMergeCompleted(_ context.Context, ev MergeEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completed = append(l.completed, ev)
}

func (l *recordingListener) OnMergeFailed(_ context.Context, ev MergeEvent, _ error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed = append(l.failed, ev)
}

func (l *recordingListener) OnMergeAbandoned(_ context.Context, ev MergeEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.abandoned = append(l.abandoned, ev)
}

func (l *recordingListener) counts() (int, int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.completed), len(l.failed), len(l.abandoned)
}

func testConfig(t testing.TB) config.IndexerConfig {
	t.Helper()
	return config.IndexerConfig{
		DataDir:                t.TempDir(),
		SegmentMaxSize:         1 << 30,
		MaxSegmentsBeforeMerge: 2,
		FlushInterval:          time.Hour,
		MergeInterval:          time.Hour,
		Merge: config.MergeConfig{
			MaxConcurrentMerges:  2,
			MaxConcurrentWorkers: 1,
			FailurePause:         time.Millisecond,
			MaxFailurePause:      time.Millisecond,
		},
	}
}

func newTestEngine(t testing.TB, cfg config.IndexerConfig, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func indexAndFlush(t *testing.T, e *Engine, docID, body string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.IndexDocument(ctx, docID, "title", body))
	require.NoError(t, e.Flush(ctx))
}

func spdxFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.spdx"))
	require.NoError(t, err)
	return matches
}

func TestEngine_FlushTriggersMerge(t *testing.T) {
	cfg := testConfig(t)
	l := &recordingListener{}
	e := newTestEngine(t, cfg, WithMergeListener(l), WithShardID(3))

	indexAndFlush(t, e, "doc-1", "kafka consumer groups")
	assert.Equal(t, 1, e.SegmentCount())
	indexAndFlush(t, e, "doc-2", "kafka partitions")
	require.NoError(t, e.Coordinator().Drain(context.Background()))

	assert.Equal(t, 1, e.SegmentCount())
	assert.Len(t, spdxFiles(t, cfg.DataDir), 1)
	assert.Equal(t, int64(1), e.MergesCompleted())

	completed, failed, _ := l.counts()
	assert.Equal(t, 1, completed)
	assert.Zero(t, failed)
	ev := l.completed[0]
	assert.Equal(t, 3, ev.ShardID)
	assert.Len(t, ev.Sources, 2)
	assert.Equal(t, 2, ev.Docs)

	got, err := e.Search("kafka")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "doc-1", got[0].DocID)
	assert.Equal(t, "doc-2", got[1].DocID)
}

func TestEngine_ForceMerge(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxSegmentsBeforeMerge = 3
	e := newTestEngine(t, cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, e.IndexDocument(ctx, fmt.Sprintf("doc-%d", i), "title", "segment merge body"))
		_, err := e.flushSegment()
		require.NoError(t, err)
	}
	require.Equal(t, 5, e.SegmentCount())

	require.NoError(t, e.ForceMerge(ctx, 1))
	assert.Equal(t, 1, e.SegmentCount())
	got, err := e.Search("merge")
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

func TestEngine_SearchStableAcrossMerge(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxSegmentsBeforeMerge = 10
	e := newTestEngine(t, cfg)
	ctx := context.Background()

	for _, body := range []string{"kafka kafka kafka", "kafka"} {
		require.NoError(t, e.IndexDocument(ctx, "doc-1", "title", body))
		_, err := e.flushSegment()
		require.NoError(t, err)
	}
	before, err := e.Search("kafka")
	require.NoError(t, err)
	require.Len(t, before, 1)
	assert.Equal(t, 1, before[0].Frequency, "the newer version of doc-1 wins")

	require.NoError(t, e.ForceMerge(ctx, 1))
	require.Equal(t, 1, e.SegmentCount())
	after, err := e.Search("kafka")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestEngine_MemoryIndexShadowsSegments(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxSegmentsBeforeMerge = 10
	e := newTestEngine(t, cfg)
	ctx := context.Background()

	indexAndFlush(t, e, "doc-1", "kafka")
	require.NoError(t, e.IndexDocument(ctx, "doc-1", "title", "kafka kafka"))

	got, err := e.Search("kafka")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Frequency)
}

func TestEngine_MergedSegmentKeepsAgeOnRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxSegmentsBeforeMerge = 10
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	ctx := context.Background()

	for _, d := range []struct{ id, body string }{
		{"doc-1", "kafka kafka kafka"},
		{"doc-2", "kafka"},
		{"doc-1", "kafka"},
	} {
		require.NoError(t, e.IndexDocument(ctx, d.id, "title", d.body))
		_, err := e.flushSegment()
		require.NoError(t, err)
	}
	newest := e.Segments()[2].Name

	// merges the two oldest segments, the newest one stays on its own
	require.NoError(t, e.ForceMerge(ctx, 2))
	require.Equal(t, 2, e.SegmentCount())
	assert.Equal(t, newest, e.Segments()[1].Name)
	before, err := e.Search("kafka")
	require.NoError(t, err)
	require.NoError(t, e.Close(ctx))

	reopened := newTestEngine(t, cfg)
	require.Equal(t, 2, reopened.SegmentCount())
	assert.Equal(t, newest, reopened.Segments()[1].Name)
	after, err := reopened.Search("kafka")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	require.Len(t, after, 2)
	assert.Equal(t, "doc-1", after[0].DocID)
	assert.Equal(t, 1, after[0].Frequency)
}

func TestEngine_FailedMergeKeepsSources(t *testing.T) {
	cfg := testConfig(t)
	l := &recordingListener{}
	e := newTestEngine(t, cfg, WithMergeListener(l))
	ctx := context.Background()

	require.NoError(t, e.IndexDocument(ctx, "doc-1", "title", "broken postings"))
	_, err := e.flushSegment()
	require.NoError(t, err)
	first := e.Segments()[0].Name
	require.NoError(t, os.Truncate(filepath.Join(cfg.DataDir, first), 64))

	indexAndFlush(t, e, "doc-2", "healthy postings")
	require.NoError(t, e.Coordinator().Drain(ctx))

	assert.Equal(t, 2, e.SegmentCount())
	n, lastErr := e.RecentMergeFailures()
	assert.Equal(t, 1, n)
	var me *merge.MergeError
	require.ErrorAs(t, lastErr, &me)
	assert.Contains(t, me.Segments, first)

	_, failed, _ := l.counts()
	assert.Equal(t, 1, failed)
	for _, s := range e.Segments() {
		assert.False(t, s.Merging, "sources are eligible again after a failure")
	}
	assert.Len(t, spdxFiles(t, cfg.DataDir), 2, "no partial merge output")
}

func TestEngine_RecoversSegmentsOnRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxSegmentsBeforeMerge = 10
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	indexAndFlush(t, e, "doc-1", "restart recovery")
	indexAndFlush(t, e, "doc-2", "restart again")
	require.NoError(t, e.Close(context.Background()))

	require.NoError(t, os.WriteFile(filepath.Join(cfg.DataDir, "seg_1.spdx.tmp"), []byte("partial"), 0644))

	reopened := newTestEngine(t, cfg)
	assert.Equal(t, 2, reopened.SegmentCount())
	_, err = os.Stat(filepath.Join(cfg.DataDir, "seg_1.spdx.tmp"))
	assert.True(t, os.IsNotExist(err))

	got, err := reopened.Search("restart")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestEngine_ReloadSegments(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxSegmentsBeforeMerge = 10
	e := newTestEngine(t, cfg)
	assert.Zero(t, e.ReloadSegments())

	otherCfg := cfg
	otherCfg.DataDir = t.TempDir()
	other := newTestEngine(t, otherCfg)
	indexAndFlush(t, other, "doc-9", "copied segment")
	name := other.Segments()[0].Name
	data, err := os.ReadFile(filepath.Join(otherCfg.DataDir, name))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DataDir, name), data, 0644))

	assert.Equal(t, 1, e.ReloadSegments())
	assert.Zero(t, e.ReloadSegments())
	got, err := e.Search("copied")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestEngine_Close(t *testing.T) {
	cfg := testConfig(t)
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	require.NoError(t, e.IndexDocument(context.Background(), "doc-1", "title", "unflushed body"))

	require.NoError(t, e.Close(context.Background()))
	require.NoError(t, e.Close(context.Background()))
	assert.Len(t, spdxFiles(t, cfg.DataDir), 1, "close flushes the memory index")
	assert.ErrorIs(t, e.IndexDocument(context.Background(), "doc-2", "t", "b"), ErrEngineClosed)
	assert.ErrorIs(t, e.ForceMerge(context.Background(), 1), ErrEngineClosed)
}

func TestEngine_DescribeState(t *testing.T) {
	e := newTestEngine(t, testConfig(t), WithShardID(7))
	assert.Contains(t, e.DescribeState(), "shard=7 segments=0 pending=0")
}

func TestResolveMergeConfig(t *testing.T) {
	cfg := resolveMergeConfig(config.MergeConfig{MaxConcurrentMerges: 4, MaxConcurrentWorkers: 2}, nil)
	assert.Equal(t, merge.Config{MaxConcurrentMerges: 4, MaxConcurrentWorkers: 2}, cfg)

	pool := merge.NewPool(3)
	defer pool.Close(context.Background())
	cfg = resolveMergeConfig(config.MergeConfig{MaxConcurrentMerges: 2}, pool)
	assert.Equal(t, 3, cfg.MaxConcurrentWorkers)
	assert.Equal(t, 3, cfg.MaxConcurrentMerges)

	cfg = resolveMergeConfig(config.MergeConfig{}, nil)
	assert.NoError(t, cfg.Validate())
}
