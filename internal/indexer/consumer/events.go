package consumer

import "time"

// IngestEvent is the Kafka message payload produced after a document is
// persisted and ready for indexing. A negative ShardID lets the indexer pick
// the shard from the document ID.
type IngestEvent struct {
	DocumentID string    `json:"document_id"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	ShardID    int       `json:"shard_id"`
	IngestedAt time.Time `json:"ingested_at"`
}

const (
	StatusIndexed = "INDEXED"
	StatusFailed  = "FAILED"
)
