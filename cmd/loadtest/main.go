// Command loadtest indexes synthetic documents into an in-process shard
// router and reports indexing latency, merge activity and stalls.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer/merge"
	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer/shard"
	"github.com/Adithya-Monish-Kumar-K/segmerge/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/segmerge/pkg/logger"
)

type Config struct {
	Writers    int
	Duration   time.Duration
	Shards     int
	FlushEvery int
	Indexer    config.IndexerConfig
}

// Stats collects per-document latency on the writer side and merge events
// from the coordinators.
type Stats struct {
	docs        atomic.Int64
	errors      atomic.Int64
	latencies   []time.Duration
	latenciesMu sync.Mutex

	mergesStarted atomic.Int64
	mergesDone    atomic.Int64
	mergesFailed  atomic.Int64
	mergesAborted atomic.Int64
	mergeBytes    atomic.Int64
	peakWorkers   atomic.Int64

	stallsMu sync.Mutex
	stalls   []time.Duration
}

func NewStats() *Stats {
	return &Stats{latencies: make([]time.Duration, 0, 100000)}
}

func (s *Stats) RecordDoc(d time.Duration, err error) {
	if err != nil {
		s.errors.Add(1)
		return
	}
	s.docs.Add(1)
	s.latenciesMu.Lock()
	s.latencies = append(s.latencies, d)
	s.latenciesMu.Unlock()
}

func (s *Stats) OnMergeStarted(job *merge.Job) {
	s.mergesStarted.Add(1)
	s.mergeBytes.Add(job.Bytes)
}

func (s *Stats) OnMergeFinished(_ *merge.Job, _ time.Duration, err error) {
	switch {
	case err == nil:
		s.mergesDone.Add(1)
	case merge.IsAbort(err):
		s.mergesAborted.Add(1)
	default:
		s.mergesFailed.Add(1)
	}
}

func (s *Stats) OnStall(d time.Duration) {
	s.stallsMu.Lock()
	s.stalls = append(s.stalls, d)
	s.stallsMu.Unlock()
}

func (s *Stats) OnWorkers(active int) {
	for {
		peak := s.peakWorkers.Load()
		if int64(active) <= peak || s.peakWorkers.CompareAndSwap(peak, int64(active)) {
			return
		}
	}
}

var vocabulary = strings.Fields(`segment merge tiered posting dictionary shard
	writer reader stall worker coordinator flush compaction index term document
	frequency position cursor heap footer header checksum throttle backoff`)

func main() {
	writers := flag.Int("writers", 8, "number of concurrent indexing goroutines")
	duration := flag.Duration("duration", 20*time.Second, "test duration")
	shards := flag.Int("shards", 4, "number of shards")
	flushEvery := flag.Int("flush-every", 50, "documents per writer between flushes")
	factor := flag.Int("merge-factor", 4, "segments merged per tier")
	merges := flag.Int("max-merges", 3, "max concurrent merges per shard before indexing stalls")
	workers := flag.Int("max-workers", 2, "merge workers shared by all shards")
	ioRate := flag.Int("io-bytes-per-sec", 0, "merge write throttle, 0 for unlimited")
	dataDir := flag.String("dir", "", "index directory (default: a temp dir that is removed)")
	verbose := flag.Bool("v", false, "log merge scheduling")
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger.Setup(level, "text")

	dir := *dataDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "segmerge-loadtest-")
		if err != nil {
			fmt.Fprintf(os.Stderr, "creating temp dir: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	cfg := Config{
		Writers:    *writers,
		Duration:   *duration,
		Shards:     *shards,
		FlushEvery: *flushEvery,
		Indexer: config.IndexerConfig{
			DataDir:                dir,
			SegmentMaxSize:         math.MaxInt64,
			FlushInterval:          time.Hour,
			MergeInterval:          time.Hour,
			MaxSegmentsBeforeMerge: *factor,
			Merge: config.MergeConfig{
				MaxConcurrentMerges:  *merges,
				MaxConcurrentWorkers: *workers,
				FailurePause:         100 * time.Millisecond,
				MaxFailurePause:      time.Second,
				IOBytesPerSec:        *ioRate,
			},
		},
	}

	fmt.Println("=== Segment Merge Load Test ===")
	fmt.Printf("Writers:      %d\n", cfg.Writers)
	fmt.Printf("Duration:     %s\n", cfg.Duration)
	fmt.Printf("Shards:       %d\n", cfg.Shards)
	fmt.Printf("Merge factor: %d\n", *factor)
	fmt.Printf("Limits:       %d merges/shard, %d workers\n", *merges, *workers)
	fmt.Println()

	stats := NewStats()
	router, err := shard.NewRouter(cfg.Indexer, cfg.Shards, indexer.WithMergeObserver(stats))
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating router: %v\n", err)
		os.Exit(1)
	}

	elapsed := runLoadTest(cfg, router, stats)
	printReport(stats, router, elapsed)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := router.Close(ctx); err != nil {
		slog.Error("closing router", "error", err)
	}
}

func runLoadTest(cfg Config, router *shard.Router, stats *Stats) time.Duration {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	fmt.Print("Running")
	start := time.Now()

	for w := 0; w < cfg.Writers; w++ {
		wg.Add(1)
		go func(writerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(writerID), 42))
			for n := 0; ; n++ {
				if ctx.Err() != nil {
					return
				}
				docID := fmt.Sprintf("w%d-doc-%d", writerID, n)
				engine, err := router.Route(router.ShardFor(docID))
				if err != nil {
					stats.RecordDoc(0, err)
					continue
				}

				t0 := time.Now()
				err = engine.IndexDocument(ctx, docID, randomText(rng, 4), randomText(rng, 60))
				if err == nil && (n+1)%cfg.FlushEvery == 0 {
					err = engine.Flush(ctx)
				}
				if ctx.Err() != nil {
					return
				}
				stats.RecordDoc(time.Since(t0), err)
			}
		}(w)
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	wg.Wait()
	elapsed := time.Since(start)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), time.Minute)
	defer cancelDrain()
	if err := router.FlushAll(drainCtx); err != nil {
		slog.Error("final flush", "error", err)
	}
	if err := router.DrainMerges(drainCtx); err != nil {
		slog.Error("draining merges", "error", err)
	}
	fmt.Println(" done!")
	fmt.Println()
	return elapsed
}

func randomText(rng *rand.Rand, words int) string {
	var b strings.Builder
	for i := 0; i < words; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(vocabulary[rng.IntN(len(vocabulary))])
	}
	return b.String()
}

func printReport(stats *Stats, router *shard.Router, elapsed time.Duration) {
	docs := stats.docs.Load()
	errs := stats.errors.Load()

	fmt.Println("=== Indexing ===")
	fmt.Printf("Documents:    %d\n", docs)
	fmt.Printf("Errors:       %d\n", errs)
	if elapsed > 0 {
		fmt.Printf("Docs/sec:     %.2f\n", float64(docs)/elapsed.Seconds())
	}
	printLatencies("Latency", snapshot(&stats.latenciesMu, stats.latencies))

	fmt.Println()
	fmt.Println("=== Merges ===")
	fmt.Printf("Started:      %d\n", stats.mergesStarted.Load())
	fmt.Printf("Completed:    %d\n", stats.mergesDone.Load())
	fmt.Printf("Failed:       %d\n", stats.mergesFailed.Load())
	fmt.Printf("Aborted:      %d\n", stats.mergesAborted.Load())
	fmt.Printf("Input bytes:  %d\n", stats.mergeBytes.Load())
	fmt.Printf("Peak workers: %d (per shard)\n", stats.peakWorkers.Load())

	stalls := snapshot(&stats.stallsMu, stats.stalls)
	fmt.Println()
	fmt.Printf("=== Stalls (%d) ===\n", len(stalls))
	printLatencies("Stall", stalls)

	fmt.Println()
	fmt.Println("=== Shards ===")
	engines := router.GetAllEngines()
	for _, id := range router.ShardIDs() {
		fmt.Printf("  %s stalls=%d merged=%d\n", engines[id].DescribeState(),
			engines[id].Coordinator().Stalls(), engines[id].MergesCompleted())
	}

	if docs == 0 {
		fmt.Println()
		fmt.Println("WARNING: No documents indexed.")
		os.Exit(1)
	}
}

func snapshot(mu *sync.Mutex, src []time.Duration) []time.Duration {
	mu.Lock()
	defer mu.Unlock()
	out := make([]time.Duration, len(src))
	copy(out, src)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func printLatencies(label string, sorted []time.Duration) {
	if len(sorted) == 0 {
		return
	}
	var sum time.Duration
	for _, l := range sorted {
		sum += l
	}
	fmt.Printf("%s min/avg/max: %s / %s / %s\n", label, sorted[0], sum/time.Duration(len(sorted)), sorted[len(sorted)-1])
	fmt.Printf("%s P50/P90/P99: %s / %s / %s\n", label,
		percentile(sorted, 50), percentile(sorted, 90), percentile(sorted, 99))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
