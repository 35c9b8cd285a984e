package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMergeAborted marks a merge that stopped because it was cancelled.
	// It is never reported as a failure.
	ErrMergeAborted      = errors.New("merge aborted")
	ErrWorkerStart       = errors.New("starting merge worker")
	ErrCoordinatorClosed = errors.New("merge coordinator closed")
	ErrPoolClosed        = errors.New("merge pool closed")
	ErrMergesInFlight    = errors.New("merges in flight")
	ErrInvalidConfig     = errors.New("invalid merge configuration")
)

// MergeError is what the failure handler hands to Writer.ReportMergeFailure.
type MergeError struct {
	JobID    uint64
	Dir      string
	Segments []string
	Err      error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge #%d of [%s] in %s failed: %v",
		e.JobID, strings.Join(e.Segments, ", "), e.Dir, e.Err)
}

func (e *MergeError) Unwrap() error {
	return e.Err
}

func newMergeError(job *Job, err error) *MergeError {
	me := &MergeError{Err: err}
	if job != nil {
		me.JobID = job.ID
		me.Dir = job.Dir
		me.Segments = append([]string(nil), job.Sources...)
	}
	return me
}

// IsAbort reports whether err is an expected cancellation outcome.
func IsAbort(err error) bool {
	return errors.Is(err, ErrMergeAborted) || errors.Is(err, context.Canceled)
}
