package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer/admin"
	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer/consumer"
	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer/journal"
	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer/notify"
	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer/shard"
	"github.com/Adithya-Monish-Kumar-K/segmerge/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/segmerge/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/segmerge/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/segmerge/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/segmerge/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/segmerge/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/segmerge/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/segmerge/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/segmerge/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/segmerge/pkg/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.SetupWithOverrides(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Verbose)
	slog.Info("starting indexer service",
		"num_shards", cfg.Indexer.NumShards,
		"data_dir", cfg.Indexer.DataDir,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if cfg.Metrics.Enabled {
		shutdownMetrics, err := m.StartServer(cfg.Metrics.Port)
		if err != nil {
			slog.Error("metrics server failed", "error", err)
			os.Exit(1)
		}
		defer shutdownMetrics(context.Background())
	}

	checker := health.NewChecker()

	// PostgreSQL, Redis and Kafka are optional: without them the indexer
	// still indexes and merges, it just stops reporting outward.
	var (
		statusStore consumer.StatusStore
		journalDB   journal.DB
	)
	pg, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Warn("postgres unavailable, document status and merge journal disabled", "error", err)
	} else {
		defer pg.Close()
		statusStore = consumer.NewStatusStore(pg.DB)
		journalDB = pg.DB
		checker.Register("postgres", health.Optional(health.Ping(pg.Ping)))
	}
	mergeJournal := journal.New(journalDB)
	if err := mergeJournal.EnsureSchema(ctx); err != nil {
		slog.Warn("merge journal schema", "error", err)
	}

	notifyOpts := []notify.Option{
		notify.WithBreaker(resilience.NewCircuitBreaker("kafka-index-complete", resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, _, to resilience.State) {
				m.SetBreakerState(name, int(to))
			},
		})),
	}
	rdb, err := redis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, cache invalidation goes through kafka", "error", err)
		invalidations := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.CacheInvalidate)
		defer invalidations.Close()
		notifyOpts = append(notifyOpts, notify.WithInvalidationPublisher(invalidations))
	} else {
		defer rdb.Close()
		notifyOpts = append(notifyOpts, notify.WithCache(rdb))
		checker.Register("redis", health.Optional(health.Ping(rdb.Ping)))
	}

	events := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IndexComplete)
	defer events.Close()
	notifier := notify.New(events, notifyOpts...)
	checker.Register("kafka", health.Ping(func(ctx context.Context) error {
		return kafka.Ping(ctx, cfg.Kafka.Brokers)
	}))

	sampleRate := 0.0
	if cfg.Tracing.Enabled {
		sampleRate = cfg.Tracing.SampleRate
	}
	router, err := shard.NewRouter(cfg.Indexer, cfg.Indexer.NumShards,
		indexer.WithMergeListener(indexer.Listeners{mergeJournal, notifier}),
		indexer.WithShardObserver(m.ForShard),
		indexer.WithMergeTracing(tracing.NewSampler(sampleRate)),
	)
	if err != nil {
		slog.Error("failed to create shard router", "error", err)
		os.Exit(1)
	}

	for _, shardID := range router.ShardIDs() {
		engine, _ := router.Route(shardID)
		engine.StartFlushLoop(ctx)
		slog.Info("flush loop started", "shard_id", shardID)
	}

	adminHandler := admin.New(router, checker, 0)
	var handler http.Handler = adminHandler.Routes()
	handler = middleware.Metrics(m)(handler)
	handler = middleware.RequestID(handler)
	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     handler,
		ReadTimeout: cfg.Server.ReadTimeout,
	}
	go func() {
		slog.Info("admin server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin server error", "error", err)
		}
	}()

	kafkaConsumer := kafka.NewConsumer(
		cfg.Kafka,
		cfg.Kafka.Topics.DocumentIngest,
		consumer.HandleMessageSharded(router, statusStore),
	)
	indexConsumer := consumer.New(kafkaConsumer)

	slog.Info("indexer service ready, consuming from kafka",
		"topic", cfg.Kafka.Topics.DocumentIngest,
		"group", cfg.Kafka.ConsumerGroup,
	)
	if err := indexConsumer.Start(ctx); err != nil {
		slog.Error("consumer error", "error", err)
	}

	shutdown(router, server, cfg)
	slog.Info("indexer service stopped")
}

// shutdown lets running merges finish within the drain timeout, then closes
// the shards, which aborts whatever is still merging.
func shutdown(router *shard.Router, server *http.Server, cfg *config.Config) {
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Indexer.Merge.DrainTimeout)
	defer cancel()
	slog.Info("draining merges", "timeout", cfg.Indexer.Merge.DrainTimeout)
	if err := router.DrainMerges(drainCtx); err != nil {
		slog.Warn("merges still running at shutdown", "error", err)
	}

	closeCtx, cancelClose := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelClose()
	if err := server.Shutdown(closeCtx); err != nil {
		slog.Error("admin server shutdown", "error", err)
	}
	slog.Info("closing shards")
	if err := router.Close(closeCtx); err != nil {
		slog.Error("closing shards", "error", err)
	}
}
