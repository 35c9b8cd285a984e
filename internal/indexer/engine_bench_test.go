package indexer

import (
	"context"
	"fmt"
	"testing"
)

func BenchmarkEngineIndex(b *testing.B) {
	for _, preload := range []int{100, 1000, 5000} {
		b.Run(fmt.Sprintf("preload_%d", preload), func(b *testing.B) {
			cfg := testConfig(b)
			cfg.SegmentMaxSize = 100 * 1024 * 1024
			e := newTestEngine(b, cfg)
			ctx := context.Background()
			for i := 0; i < preload; i++ {
				_ = e.IndexDocument(ctx, fmt.Sprintf("preload-%d", i), "preload doc", "warming the memory index before measuring")
			}
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := e.IndexDocument(ctx, fmt.Sprintf("bench-%d", i), "benchmark title", "segment merge throughput under indexing load"); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkEngineSearch(b *testing.B) {
	cfg := testConfig(b)
	cfg.MaxSegmentsBeforeMerge = 4
	e := newTestEngine(b, cfg)
	ctx := context.Background()
	terms := []string{"segment", "merge", "tier", "worker", "stall", "flush", "shard", "policy"}
	for i := 0; i < 10000; i++ {
		body := fmt.Sprintf("%s %s %s", terms[i%len(terms)], terms[(i+2)%len(terms)], terms[(i+3)%len(terms)])
		if err := e.IndexDocument(ctx, fmt.Sprintf("doc-%d", i), "bench", body); err != nil {
			b.Fatal(err)
		}
		if i%1000 == 999 {
			if err := e.Flush(ctx); err != nil {
				b.Fatal(err)
			}
		}
	}
	if err := e.Coordinator().Drain(ctx); err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Search(terms[i%len(terms)]); err != nil {
			b.Fatal(err)
		}
	}
}
