// Package consumer reads ingestion events from Kafka and indexes them
// through the shard router. Indexing can stall while a shard's merges are
// behind; the message is then only committed once the document is in.
package consumer

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer/shard"
	"github.com/Adithya-Monish-Kumar-K/segmerge/pkg/kafka"
)

// IndexConsumer wraps a Kafka consumer to drive the indexing pipeline.
type IndexConsumer struct {
	consumer *kafka.Consumer
	logger   *slog.Logger
}

// New creates an IndexConsumer backed by the given Kafka consumer.
func New(kafkaConsumer *kafka.Consumer) *IndexConsumer {
	return &IndexConsumer{
		consumer: kafkaConsumer,
		logger:   slog.Default().With("component", "index-consumer"),
	}
}

// Start begins consuming Kafka messages. It blocks until ctx is cancelled.
func (ic *IndexConsumer) Start(ctx context.Context) error {
	ic.logger.Info("index consumer starting")
	return ic.consumer.Start(ctx)
}

// StatusStore records the indexing outcome of a document.
type StatusStore interface {
	UpdateStatus(ctx context.Context, docID, status string) error
}

type pgStatusStore struct {
	db *sql.DB
}

// NewStatusStore returns a StatusStore writing to the documents table, or
// nil when db is nil.
func NewStatusStore(db *sql.DB) StatusStore {
	if db == nil {
		return nil
	}
	return &pgStatusStore{db: db}
}

func (s *pgStatusStore) UpdateStatus(ctx context.Context, docID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = $1, indexed_at = NOW() WHERE id = $2`,
		status, docID,
	)
	return err
}

// HandleMessageSharded returns a Kafka MessageHandler that routes each ingest
// event to the correct shard engine via the Router before indexing.
// If store is non-nil, the document status is updated from PENDING to
// INDEXED or FAILED after the index operation.
func HandleMessageSharded(router *shard.Router, store StatusStore) kafka.MessageHandler {
	logger := slog.Default().With("component", "index-consumer")
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[IngestEvent](value)
		if err != nil {
			logger.Error("failed to decode ingest event",
				"error", err,
				"key", string(key),
			)
			return nil
		}

		shardID := event.ShardID
		if shardID < 0 {
			shardID = router.ShardFor(event.DocumentID)
		}
		engine, err := router.Route(shardID)
		if err != nil {
			return kafka.Skip(fmt.Errorf("routing shard %d: %w", shardID, err))
		}

		logger.Debug("processing ingest event",
			"doc_id", event.DocumentID,
			"shard_id", shardID,
		)

		if err := engine.IndexDocument(ctx, event.DocumentID, event.Title, event.Body); err != nil {
			updateDocStatus(ctx, store, event.DocumentID, StatusFailed, logger)
			return fmt.Errorf("indexing document %s in shard %d: %w", event.DocumentID, shardID, err)
		}

		updateDocStatus(ctx, store, event.DocumentID, StatusIndexed, logger)

		logger.Info("document indexed",
			"doc_id", event.DocumentID,
			"shard_id", shardID,
		)
		return nil
	}
}

// updateDocStatus updates the document's status. If store is nil, the update
// is silently skipped.
func updateDocStatus(ctx context.Context, store StatusStore, docID, status string, logger *slog.Logger) {
	if store == nil {
		return
	}
	if err := store.UpdateStatus(ctx, docID, status); err != nil {
		logger.Error("failed to update document status",
			"doc_id", docID,
			"status", status,
			"error", err,
		)
	}
}
