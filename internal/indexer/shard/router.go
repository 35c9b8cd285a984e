// Package shard provides hash-based shard routing for index engines. Each
// shard owns an independent indexer.Engine instance backed by its own data
// directory, and the Router dispatches documents by shard ID. All shards run
// their merges on one shared merge.Pool, so the worker ceiling holds for the
// whole process while each shard keeps its own admission limit.
package shard

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer/merge"
	"github.com/Adithya-Monish-Kumar-K/segmerge/pkg/config"
)

// Router maps shard IDs to dedicated indexer.Engine instances.
type Router struct {
	engines   map[int]*indexer.Engine
	mu        sync.RWMutex
	baseCfg   config.IndexerConfig
	numShards int
	pool      *merge.Pool
	logger    *slog.Logger
}

// NewRouter creates numShards engines, each in its own sub-directory under
// baseCfg.DataDir. opts are passed to every engine after the shard ID and
// the shared merge pool.
func NewRouter(baseCfg config.IndexerConfig, numShards int, opts ...indexer.Option) (*Router, error) {
	if numShards < 1 {
		return nil, fmt.Errorf("shard router needs at least one shard, got %d", numShards)
	}
	workers := resolveWorkers(baseCfg.Merge)
	r := &Router{
		engines:   make(map[int]*indexer.Engine, numShards),
		baseCfg:   baseCfg,
		numShards: numShards,
		pool:      merge.NewPool(workers),
		logger:    slog.Default().With("component", "shard-router"),
	}
	for i := 0; i < numShards; i++ {
		shardCfg := baseCfg
		shardCfg.DataDir = filepath.Join(baseCfg.DataDir, fmt.Sprintf("shard-%d", i))
		engineOpts := append([]indexer.Option{
			indexer.WithShardID(i),
			indexer.WithMergeExecutor(r.pool),
		}, opts...)
		engine, err := indexer.NewEngine(shardCfg, engineOpts...)
		if err != nil {
			_ = r.closeAll(context.Background())
			return nil, fmt.Errorf("creating engine for shard %d: %w", i, err)
		}
		r.engines[i] = engine
		r.logger.Info("shard engine initialized",
			"shard_id", i,
			"data_dir", shardCfg.DataDir,
			"segments", engine.SegmentCount(),
		)
	}
	r.logger.Info("shard router ready", "num_shards", numShards, "merge_workers", workers)
	return r, nil
}

func resolveWorkers(m config.MergeConfig) int {
	if m.MaxConcurrentWorkers > 0 {
		return m.MaxConcurrentWorkers
	}
	return merge.DefaultConfig().MaxConcurrentWorkers
}

// Route returns the Engine responsible for the given shard ID.
func (r *Router) Route(shardID int) (*indexer.Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	engine, ok := r.engines[shardID]
	if !ok {
		return nil, fmt.Errorf("unknown shard ID %d (valid range: 0-%d)", shardID, r.numShards-1)
	}
	return engine, nil
}

// ShardFor hashes a document ID onto a shard.
func (r *Router) ShardFor(docID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(docID))
	return int(h.Sum32() % uint32(r.numShards))
}

// GetAllEngines returns a snapshot map of all shard engines.
func (r *Router) GetAllEngines() map[int]*indexer.Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make(map[int]*indexer.Engine, len(r.engines))
	for id, engine := range r.engines {
		result[id] = engine
	}
	return result
}

// ShardIDs returns the shard IDs in ascending order.
func (r *Router) ShardIDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// NumShards returns the number of shards managed by this router.
func (r *Router) NumShards() int {
	return r.numShards
}

// Pool is the merge pool shared by every shard.
func (r *Router) Pool() *merge.Pool {
	return r.pool
}

// FlushAll flushes every shard engine to disk.
func (r *Router) FlushAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result *multierror.Error
	for id, engine := range r.engines {
		if err := engine.Flush(ctx); err != nil {
			r.logger.Error("flush failed", "shard_id", id, "error", err)
			result = multierror.Append(result, fmt.Errorf("shard %d: %w", id, err))
		}
	}
	return result.ErrorOrNil()
}

// ReloadAll tells every shard engine to re-scan for newly flushed segments.
// Returns the total number of new segments loaded across all shards.
func (r *Router) ReloadAll() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, engine := range r.engines {
		total += engine.ReloadSegments()
	}
	return total
}

// DrainMerges waits for the running merges of every shard.
func (r *Router) DrainMerges(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for id, engine := range r.GetAllEngines() {
		g.Go(func() error {
			if err := engine.Coordinator().Drain(ctx); err != nil {
				return fmt.Errorf("draining shard %d: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ForceMergeAll force-merges every shard down to maxSegments, shards in
// parallel.
func (r *Router) ForceMergeAll(ctx context.Context, maxSegments int) error {
	g, ctx := errgroup.WithContext(ctx)
	for id, engine := range r.GetAllEngines() {
		g.Go(func() error {
			if err := engine.ForceMerge(ctx, maxSegments); err != nil {
				return fmt.Errorf("force merging shard %d: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close flushes and closes every shard engine, then the shared merge pool.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeAll(ctx)
}

// closeAll closes every shard engine concurrently and collects every error.
func (r *Router) closeAll(ctx context.Context) error {
	var (
		mu     sync.Mutex
		result *multierror.Error
		wg     sync.WaitGroup
	)
	for id, engine := range r.engines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := engine.Close(ctx); err != nil {
				r.logger.Error("close failed", "shard_id", id, "error", err)
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("shard %d: %w", id, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if err := r.pool.Close(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing merge pool: %w", err))
	}
	return result.ErrorOrNil()
}
