package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer/merge"
	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer/policy"
	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/segmerge/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/segmerge/pkg/tracing"
)

var (
	ErrEngineClosed      = errors.New("index engine closed")
	ErrSegmentMissing    = errors.New("segment not loaded")
	ErrForceMergeStalled = errors.New("force merge made no progress")
)

type Option func(*engineOptions)

type engineOptions struct {
	shardID  int
	exec     merge.Executor
	observer func(shardID int) merge.Observer
	listener MergeListener
	sampler  tracing.Sampler
}

func WithShardID(id int) Option {
	return func(o *engineOptions) { o.shardID = id }
}

// WithMergeExecutor runs this engine's merges on a shared executor instead of
// a pool of its own.
func WithMergeExecutor(e merge.Executor) Option {
	return func(o *engineOptions) { o.exec = e }
}

func WithMergeObserver(obs merge.Observer) Option {
	return func(o *engineOptions) {
		o.observer = func(int) merge.Observer { return obs }
	}
}

// WithShardObserver builds the observer from the engine's shard ID, for
// observers that label their data by shard.
func WithShardObserver(fn func(shardID int) merge.Observer) Option {
	return func(o *engineOptions) { o.observer = fn }
}

func WithMergeListener(l MergeListener) Option {
	return func(o *engineOptions) { o.listener = l }
}

// WithMergeTracing logs the span tree of the sampled share of merges.
func WithMergeTracing(s tracing.Sampler) Option {
	return func(o *engineOptions) { o.sampler = s }
}

// Engine is one shard's index: an in-memory buffer that is flushed into
// immutable segments, and the segments themselves, which are merged in the
// background through a merge.Coordinator. Engine is the coordinator's
// merge.Writer.
type Engine struct {
	shardID  int
	memIndex *index.MemoryIndex
	writer   *segment.Writer
	readers  []*segment.Reader
	readerMu sync.RWMutex
	cfg      config.IndexerConfig
	logger   *slog.Logger

	// flushMu is held shared while documents are added and exclusively
	// while the memory index is written out.
	flushMu sync.RWMutex
	closed  atomic.Bool

	policy   *policy.Tiered
	coord    *merge.Coordinator
	listener MergeListener
	sampler  tracing.Sampler

	mergeMu  sync.Mutex
	pending  []*merge.Job
	merging  map[string]bool
	targets  map[string]bool
	jobSeq   uint64
	failures []time.Time
	lastErr  error
	merged   atomic.Int64
}

func NewEngine(cfg config.IndexerConfig, opts ...Option) (*Engine, error) {
	o := engineOptions{listener: NoopListener{}}
	for _, opt := range opts {
		opt(&o)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating index data directory: %w", err)
	}
	logger := slog.Default().With("component", "indexer", "shard_id", o.shardID)

	mergeCfg := resolveMergeConfig(cfg.Merge, o.exec)
	coordOpts := []merge.Option{
		merge.WithLogger(slog.Default().With("component", "merge-coordinator", "shard_id", o.shardID)),
		merge.WithFailureHandler(merge.NewFailureHandler(cfg.Merge.FailurePause, cfg.Merge.MaxFailurePause, logger)),
	}
	if o.exec != nil {
		coordOpts = append(coordOpts, merge.WithExecutor(o.exec))
	}
	if o.observer != nil {
		coordOpts = append(coordOpts, merge.WithObserver(o.observer(o.shardID)))
	}
	coord, err := merge.NewCoordinator(mergeCfg, coordOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating merge coordinator: %w", err)
	}

	p := policy.NewTiered(cfg.MaxSegmentsBeforeMerge)
	p.MaxMergeBytes = cfg.Merge.MaxMergeBytes

	e := &Engine{
		shardID:  o.shardID,
		memIndex: index.NewMemoryIndex(),
		writer:   segment.NewWriter(cfg.DataDir, segment.WithRateLimit(cfg.Merge.IOBytesPerSec)),
		cfg:      cfg,
		logger:   logger,
		policy:   p,
		coord:    coord,
		listener: o.listener,
		sampler:  o.sampler,
		merging:  make(map[string]bool),
		targets:  make(map[string]bool),
	}
	if err := e.loadExistingSegments(); err != nil {
		_ = coord.Close(context.Background())
		return nil, fmt.Errorf("loading existing segments: %w", err)
	}
	return e, nil
}

// resolveMergeConfig fills unset limits. A shared executor's limit is the
// worker ceiling.
func resolveMergeConfig(m config.MergeConfig, exec merge.Executor) merge.Config {
	cfg := merge.DefaultConfig()
	if m.MaxConcurrentWorkers > 0 {
		cfg.MaxConcurrentWorkers = m.MaxConcurrentWorkers
	}
	if exec != nil && exec.Limit() > 0 {
		cfg.MaxConcurrentWorkers = exec.Limit()
	}
	if m.MaxConcurrentMerges > 0 {
		cfg.MaxConcurrentMerges = m.MaxConcurrentMerges
	} else {
		cfg.MaxConcurrentMerges = cfg.MaxConcurrentWorkers + 5
	}
	if cfg.MaxConcurrentMerges < cfg.MaxConcurrentWorkers {
		cfg.MaxConcurrentMerges = cfg.MaxConcurrentWorkers
	}
	return cfg
}

func (e *Engine) ShardID() int {
	return e.shardID
}

// Coordinator is the merge scheduler serving this engine.
func (e *Engine) Coordinator() *merge.Coordinator {
	return e.coord
}

func (e *Engine) IndexDocument(ctx context.Context, docID string, title string, body string) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	tokens := tokenizer.Tokenize(title + " " + body)

	e.flushMu.RLock()
	replaced := e.memIndex.AddDocument(docID, tokens)
	size := e.memIndex.Size()
	e.flushMu.RUnlock()

	e.logger.Debug("document indexed in memory",
		"doc_id", docID,
		"token_count", len(tokens),
		"replaced", replaced,
		"mem_size", size,
	)
	if size >= e.cfg.SegmentMaxSize {
		e.logger.Info("memory index reached max size, flushing to disk",
			"size", size,
			"threshold", e.cfg.SegmentMaxSize,
		)
		if err := e.Flush(ctx); err != nil {
			return fmt.Errorf("flushing memory index: %w", err)
		}
	}
	return nil
}

// Flush writes the memory index out as a new segment and then lets the
// merge policy react to it. The merge step may stall the caller while the
// shard has too many merges outstanding.
func (e *Engine) Flush(ctx context.Context) error {
	return e.flush(ctx, merge.TriggerSegmentFlush)
}

func (e *Engine) flush(ctx context.Context, trigger merge.Trigger) error {
	flushed, err := e.flushSegment()
	if err != nil || !flushed {
		return err
	}
	return e.maybeMerge(ctx, trigger)
}

func (e *Engine) flushSegment() (bool, error) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	snapshot := e.memIndex.Snapshot()
	if len(snapshot) == 0 {
		return false, nil
	}
	segmentName, err := e.writer.Write(snapshot)
	if err != nil {
		return false, fmt.Errorf("writing segment: %w", err)
	}

	segPath := filepath.Join(e.cfg.DataDir, segmentName)
	reader, err := segment.OpenReader(segPath)
	if err != nil {
		return false, fmt.Errorf("opening new segment for reading: %w", err)
	}
	e.readerMu.Lock()
	e.readers = append(e.readers, reader)
	active := len(e.readers)
	e.readerMu.Unlock()
	e.memIndex.Reset()
	e.logger.Info("segment flushed",
		"segment", segmentName,
		"terms", reader.Terms(),
		"docs", reader.DocCount(),
		"active_segments", active,
	)
	return true, nil
}

func (e *Engine) Search(term string) (index.PostingList, error) {
	normalizedTerm, ok := tokenizer.Normalize(term)
	if !ok {
		return nil, nil
	}
	allPostings := e.memIndex.Search(normalizedTerm)

	// held for the whole scan so a finishing merge cannot close a reader
	// underneath it
	e.readerMu.RLock()
	defer e.readerMu.RUnlock()
	for i := len(e.readers) - 1; i >= 0; i-- {
		reader := e.readers[i]
		postings, err := reader.Search(normalizedTerm)
		if err != nil {
			e.logger.Error("segment search failed",
				"segment", reader.Name(),
				"error", err,
			)
			continue
		}
		allPostings = append(allPostings, postings...)
	}
	allPostings = deduplicatePostings(allPostings)
	return allPostings, nil
}

// StartFlushLoop flushes every FlushInterval and re-runs the merge policy
// every MergeInterval until ctx ends.
func (e *Engine) StartFlushLoop(ctx context.Context) {
	flushEvery := e.cfg.FlushInterval
	if flushEvery <= 0 {
		flushEvery = 5 * time.Second
	}
	mergeEvery := e.cfg.MergeInterval
	if mergeEvery <= 0 {
		mergeEvery = time.Minute
	}
	flushTicker := time.NewTicker(flushEvery)
	mergeTicker := time.NewTicker(mergeEvery)
	go func() {
		defer flushTicker.Stop()
		defer mergeTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				e.logger.Info("flush loop stopping, performing final flush")
				if _, err := e.flushSegment(); err != nil {
					e.logger.Error("final flush failed", "error", err)
				}
				return
			case <-flushTicker.C:
				if e.memIndex.DocCount() > 0 {
					if err := e.Flush(ctx); err != nil {
						e.logger.Error("periodic flush failed", "error", err)
					}
				}
			case <-mergeTicker.C:
				if err := e.maybeMerge(ctx, merge.TriggerExplicit); err != nil {
					e.logger.Error("periodic merge check failed", "error", err)
				}
			}
		}
	}()
}

// Close flushes the memory index, shuts the merge coordinator down (aborting
// merges still running when ctx ends) and closes every segment.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	var result *multierror.Error
	if _, err := e.flushSegment(); err != nil {
		e.logger.Error("final flush on close failed", "error", err)
		result = multierror.Append(result, fmt.Errorf("final flush: %w", err))
	}
	if err := e.coord.Close(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing merge coordinator: %w", err))
	}
	e.abandonPending()

	e.readerMu.Lock()
	defer e.readerMu.Unlock()
	for _, reader := range e.readers {
		if err := reader.Close(); err != nil {
			e.logger.Error("closing segment reader", "error", err)
			result = multierror.Append(result, fmt.Errorf("closing %s: %w", reader.Name(), err))
		}
	}
	e.readers = nil
	return result.ErrorOrNil()
}

// SegmentInfo is a point-in-time view of one loaded segment.
type SegmentInfo struct {
	Name    string `json:"name"`
	Bytes   int64  `json:"bytes"`
	Docs    uint32 `json:"docs"`
	Terms   int    `json:"terms"`
	Version uint32 `json:"version"`
	Merging bool   `json:"merging"`
}

func (e *Engine) Segments() []SegmentInfo {
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()
	e.readerMu.RLock()
	defer e.readerMu.RUnlock()
	out := make([]SegmentInfo, 0, len(e.readers))
	for _, r := range e.readers {
		out = append(out, SegmentInfo{
			Name:    r.Name(),
			Bytes:   r.Size(),
			Docs:    r.DocCount(),
			Terms:   r.Terms(),
			Version: r.Version(),
			Merging: e.merging[r.Name()],
		})
	}
	return out
}

func (e *Engine) SegmentCount() int {
	e.readerMu.RLock()
	defer e.readerMu.RUnlock()
	return len(e.readers)
}

// ReloadSegments picks up segment files that appeared in the data directory
// since the engine started, skipping merge outputs still being written, and
// returns how many were loaded.
func (e *Engine) ReloadSegments() int {
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()
	e.readerMu.Lock()
	defer e.readerMu.Unlock()

	names, err := segmentFiles(e.cfg.DataDir)
	if err != nil {
		e.logger.Error("segment reload failed", "error", err)
		return 0
	}
	loaded := make(map[string]bool, len(e.readers))
	for _, r := range e.readers {
		loaded[r.Name()] = true
	}
	added := 0
	for _, name := range names {
		if loaded[name] || e.targets[name] {
			continue
		}
		reader, err := segment.OpenReader(filepath.Join(e.cfg.DataDir, name))
		if err != nil {
			e.logger.Error("failed to open segment, skipping", "segment", name, "error", err)
			continue
		}
		e.readers = append(e.readers, reader)
		added++
	}
	if added > 0 {
		e.logger.Info("segments reloaded", "added", added, "active_segments", len(e.readers))
	}
	return added
}

func (e *Engine) loadExistingSegments() error {
	if n, err := segment.RemoveTemp(e.cfg.DataDir); err != nil {
		return err
	} else if n > 0 {
		e.logger.Warn("removed unfinished segment writes", "count", n)
	}
	segFiles, err := segmentFiles(e.cfg.DataDir)
	if err != nil {
		return err
	}
	for _, name := range segFiles {
		path := filepath.Join(e.cfg.DataDir, name)
		reader, err := segment.OpenReader(path)
		if err != nil {
			e.logger.Error("failed to open segment, skipping",
				"segment", name,
				"error", err,
			)
			continue
		}
		e.readers = append(e.readers, reader)
		e.logger.Info("loaded existing segment",
			"segment", name,
			"terms", reader.Terms(),
			"docs", reader.DocCount(),
		)
	}
	e.logger.Info("segment recovery complete", "segments_loaded", len(e.readers))
	return nil
}

func segmentFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading data directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && segment.IsSegmentFile(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// deduplicatePostings keeps the first posting of every document. postings
// must be ordered newest source first, the same rule segment.Merge applies.
func deduplicatePostings(postings index.PostingList) index.PostingList {
	if len(postings) <= 1 {
		return postings
	}
	seen := make(map[string]struct{}, len(postings))
	result := make(index.PostingList, 0, len(postings))
	for _, p := range postings {
		if _, exists := seen[p.DocID]; exists {
			continue
		}
		seen[p.DocID] = struct{}{}
		result = append(result, p)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].DocID < result[j].DocID
	})
	return result
}
