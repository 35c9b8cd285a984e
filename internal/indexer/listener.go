package indexer

import (
	"context"
	"time"
)

// MergeEvent describes the outcome of one segment merge on a shard.
type MergeEvent struct {
	ShardID  int           `json:"shard_id"`
	JobID    uint64        `json:"job_id"`
	Sources  []string      `json:"sources"`
	Target   string        `json:"target,omitempty"`
	Docs     int           `json:"docs,omitempty"`
	Terms    int           `json:"terms,omitempty"`
	Bytes    int64         `json:"bytes,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
	At       time.Time     `json:"at"`
}

// MergeListener is told about merge outcomes. Calls happen on the merge
// worker, so implementations should not block for long.
type MergeListener interface {
	OnMergeCompleted(ctx context.Context, ev MergeEvent)
	OnMergeFailed(ctx context.Context, ev MergeEvent, err error)
	OnMergeAbandoned(ctx context.Context, ev MergeEvent)
}

type NoopListener struct{}

func (NoopListener) OnMergeCompleted(context.Context, MergeEvent)     {}
func (NoopListener) OnMergeFailed(context.Context, MergeEvent, error) {}
func (NoopListener) OnMergeAbandoned(context.Context, MergeEvent)     {}

// Listeners fans every event out to each listener in order.
type Listeners []MergeListener

func (ls Listeners) OnMergeCompleted(ctx context.Context, ev MergeEvent) {
	for _, l := range ls {
		l.OnMergeCompleted(ctx, ev)
	}
}

func (ls Listeners) OnMergeFailed(ctx context.Context, ev MergeEvent, err error) {
	for _, l := range ls {
		l.OnMergeFailed(ctx, ev, err)
	}
}

func (ls Listeners) OnMergeAbandoned(ctx context.Context, ev MergeEvent) {
	for _, l := range ls {
		l.OnMergeAbandoned(ctx, ev)
	}
}
