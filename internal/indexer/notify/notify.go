// Package notify tells the rest of the platform about segment merges. Each
// merge outcome is published to the index-complete Kafka topic, and a
// completed merge invalidates the shard's cached query results.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/segmerge/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/segmerge/pkg/resilience"
)

const (
	EventSegmentsMerged = "segments_merged"
	EventMergeFailed    = "merge_failed"
	EventMergeAbandoned = "merge_abandoned"
)

// Publisher writes events to a Kafka topic.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Cache deletes cached entries by glob pattern.
type Cache interface {
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

// Message is the JSON payload published for every merge outcome.
type Message struct {
	Type  string             `json:"type"`
	Merge indexer.MergeEvent `json:"merge"`
	Error string             `json:"error,omitempty"`
}

// InvalidateRequest is published on the cache-invalidate topic when no cache
// client is configured, so that query nodes drop the pattern themselves.
type InvalidateRequest struct {
	Pattern string    `json:"pattern"`
	ShardID int       `json:"shard_id"`
	At      time.Time `json:"at"`
}

// CachePattern is the glob matching every cached query result of a shard.
func CachePattern(shardID int) string {
	return "search:shard:" + strconv.Itoa(shardID) + ":*"
}

type Option func(*Notifier)

// WithCache invalidates cache entries directly after each completed merge.
func WithCache(c Cache) Option {
	return func(n *Notifier) { n.cache = c }
}

// WithInvalidationPublisher publishes InvalidateRequests when no cache is
// configured.
func WithInvalidationPublisher(p Publisher) Option {
	return func(n *Notifier) { n.invalidations = p }
}

func WithRetry(cfg resilience.RetryConfig) Option {
	return func(n *Notifier) { n.retry = cfg }
}

func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(n *Notifier) { n.breaker = cb }
}

// WithTimeout bounds the time one notification may take, retries included.
func WithTimeout(d time.Duration) Option {
	return func(n *Notifier) { n.timeout = d }
}

// Notifier is an indexer.MergeListener. It runs on the merge worker, so every
// call is bounded by the notifier's timeout and never returns an error to
// the merge.
type Notifier struct {
	events        Publisher
	invalidations Publisher
	cache         Cache
	breaker       *resilience.CircuitBreaker
	retry         resilience.RetryConfig
	timeout       time.Duration
	logger        *slog.Logger
}

var _ indexer.MergeListener = (*Notifier)(nil)

func New(events Publisher, opts ...Option) *Notifier {
	n := &Notifier{
		events:  events,
		retry:   resilience.RetryConfig{MaxAttempts: 3, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second},
		timeout: 5 * time.Second,
		logger:  slog.Default().With("component", "merge-notifier"),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.breaker == nil {
		n.breaker = resilience.NewCircuitBreaker("merge-notifier", resilience.CircuitBreakerConfig{})
	}
	return n
}

func (n *Notifier) OnMergeCompleted(ctx context.Context, ev indexer.MergeEvent) {
	n.publish(ctx, Message{Type: EventSegmentsMerged, Merge: ev})
	n.invalidate(ctx, ev.ShardID)
}

func (n *Notifier) OnMergeFailed(ctx context.Context, ev indexer.MergeEvent, err error) {
	msg := Message{Type: EventMergeFailed, Merge: ev}
	if err != nil {
		msg.Error = err.Error()
	}
	n.publish(ctx, msg)
}

func (n *Notifier) OnMergeAbandoned(ctx context.Context, ev indexer.MergeEvent) {
	n.publish(ctx, Message{Type: EventMergeAbandoned, Merge: ev})
}

func (n *Notifier) publish(ctx context.Context, msg Message) {
	if n.events == nil {
		return
	}
	key := fmt.Sprintf("shard-%d", msg.Merge.ShardID)
	err := n.send(ctx, "publish "+msg.Type, n.events, kafka.Event{Key: key, Value: msg})
	if err != nil {
		n.logger.Error("failed to publish merge event",
			"type", msg.Type,
			"shard_id", msg.Merge.ShardID,
			"job", msg.Merge.JobID,
			"error", err,
		)
		return
	}
	n.logger.Debug("merge event published", "type", msg.Type, "shard_id", msg.Merge.ShardID)
}

// send publishes through the circuit breaker, retrying inside the timeout.
func (n *Notifier) send(ctx context.Context, name string, p Publisher, event kafka.Event) error {
	return resilience.WithTimeout(ctx, n.timeout, name, func(ctx context.Context) error {
		return resilience.Retry(ctx, name, n.retry, func() error {
			err := n.breaker.Execute(func() error {
				return p.Publish(ctx, event)
			})
			if n.breaker.State() == resilience.StateOpen {
				return resilience.Permanent(err)
			}
			return err
		})
	})
}

func (n *Notifier) invalidate(ctx context.Context, shardID int) {
	pattern := CachePattern(shardID)
	if n.cache != nil {
		deleted, err := n.cache.FlushByPattern(ctx, pattern)
		if err != nil {
			n.logger.Warn("cache invalidation failed", "pattern", pattern, "error", err)
			return
		}
		n.logger.Debug("cache invalidated", "pattern", pattern, "deleted", deleted)
		return
	}
	if n.invalidations == nil {
		return
	}
	req := InvalidateRequest{Pattern: pattern, ShardID: shardID, At: time.Now()}
	if err := n.send(ctx, "publish invalidation", n.invalidations, kafka.Event{Key: pattern, Value: req}); err != nil {
		n.logger.Warn("failed to publish cache invalidation", "pattern", pattern, "error", err)
	}
}
