package merge

import "context"

// Writer is the index writer as seen by the scheduler. Implementations must
// allow NextMerge to be called from several worker goroutines at once.
type Writer interface {
	// HasPendingMerges reports whether NextMerge would return a job.
	HasPendingMerges() bool
	// NextMerge hands out the next pending job, or nil when none is left.
	NextMerge() *Job
	// Merge executes a job. It returns an error wrapping ErrMergeAborted when
	// the merge was cancelled part-way.
	Merge(ctx context.Context, job *Job) error
	// MergeAbandoned returns a job that was accepted but never started.
	MergeAbandoned(job *Job)
	// ReportMergeFailure is the writer's error channel for background merges.
	ReportMergeFailure(err error)
	// DescribeState is a one-line summary used in debug logs.
	DescribeState() string
}

// Trigger says why OnMergeNeeded was called.
type Trigger int

const (
	TriggerSegmentFlush Trigger = iota
	TriggerFullFlush
	TriggerExplicit
	TriggerMergeFinished
	TriggerClosing
)

func (t Trigger) String() string {
	switch t {
	case TriggerSegmentFlush:
		return "segment_flush"
	case TriggerFullFlush:
		return "full_flush"
	case TriggerExplicit:
		return "explicit"
	case TriggerMergeFinished:
		return "merge_finished"
	case TriggerClosing:
		return "closing"
	default:
		return "unknown"
	}
}
