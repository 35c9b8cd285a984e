package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer/merge"
	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer/policy"
	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/segmerge/pkg/tracing"
)

var _ merge.Writer = (*Engine)(nil)

// maybeMerge runs the merge policy and hands whatever is pending to the
// coordinator.
func (e *Engine) maybeMerge(ctx context.Context, trigger merge.Trigger) error {
	if e.closed.Load() {
		return nil
	}
	found := e.registerMerges(e.policy.Select)
	if !found && !e.HasPendingMerges() {
		return nil
	}
	if err := e.coord.OnMergeNeeded(ctx, e, trigger, found); err != nil {
		if errors.Is(err, merge.ErrCoordinatorClosed) {
			return nil
		}
		return fmt.Errorf("scheduling merges: %w", err)
	}
	return nil
}

// registerMerges turns the groups chosen by pick into pending jobs. pick sees
// every segment oldest first, with those already in a job marked as merging.
func (e *Engine) registerMerges(pick func([]policy.SegmentInfo) [][]policy.SegmentInfo) bool {
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()

	e.readerMu.RLock()
	segments := make([]policy.SegmentInfo, 0, len(e.readers))
	for _, r := range e.readers {
		segments = append(segments, policy.SegmentInfo{
			Name:    r.Name(),
			Size:    r.Size(),
			Docs:    int(r.DocCount()),
			Merging: e.merging[r.Name()],
		})
	}
	e.readerMu.RUnlock()

	groups := pick(segments)
	for _, g := range groups {
		e.jobSeq++
		job := &merge.Job{
			ID:     e.jobSeq,
			Dir:    e.cfg.DataDir,
			Target: e.writer.MergedName(g[len(g)-1].Name),
		}
		for _, s := range g {
			job.Sources = append(job.Sources, s.Name)
			job.Bytes += s.Size
			e.merging[s.Name] = true
		}
		e.targets[job.Target] = true
		e.pending = append(e.pending, job)
		e.logger.Debug("merge registered", "job", job.String(), "bytes", job.Bytes)
	}
	return len(groups) > 0
}

func (e *Engine) HasPendingMerges() bool {
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()
	return len(e.pending) > 0
}

func (e *Engine) NextMerge() *merge.Job {
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()
	if len(e.pending) == 0 {
		return nil
	}
	job := e.pending[0]
	e.pending[0] = nil
	e.pending = e.pending[1:]
	return job
}

// Merge executes one job: the sources are merged into the target segment,
// which then replaces them for searches, and the source files are deleted.
// On any failure the sources stay live and become eligible again.
func (e *Engine) Merge(ctx context.Context, job *merge.Job) (err error) {
	ctx, span := tracing.StartSpan(ctx, "segment.merge", fmt.Sprintf("shard-%d-merge-%d", e.shardID, job.ID))
	span.SetAttr("shard_id", e.shardID)
	span.SetAttr("sources", len(job.Sources))
	span.SetAttr("bytes_in", job.Bytes)
	start := time.Now()
	defer func() {
		e.releaseJob(job)
		if err != nil {
			span.SetAttr("error", err.Error())
		}
		span.End()
		if e.sampler.Sample() {
			span.Log(e.logger)
		}
	}()

	sources, err := e.sourceReaders(job)
	if err != nil {
		return err
	}
	_, mergeSpan := tracing.StartChildSpan(ctx, "segment.write")
	stats, err := segment.Merge(ctx, e.writer, job.Target, sources)
	mergeSpan.End()
	if err != nil {
		if errors.Is(err, segment.ErrAborted) {
			return fmt.Errorf("%w: %w", merge.ErrMergeAborted, err)
		}
		return fmt.Errorf("merging %d segments into %s: %w", len(sources), job.Target, err)
	}
	span.SetAttr("bytes_out", stats.Bytes)

	path := filepath.Join(e.cfg.DataDir, job.Target)
	merged, err := segment.OpenReader(path)
	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("opening merged segment: %w", err)
	}
	e.swapReaders(job, merged)
	e.merged.Add(1)

	ev := MergeEvent{
		ShardID:  e.shardID,
		JobID:    job.ID,
		Sources:  job.Sources,
		Target:   job.Target,
		Docs:     stats.Docs,
		Terms:    stats.Terms,
		Bytes:    stats.Bytes,
		Duration: time.Since(start),
		At:       time.Now(),
	}
	e.logger.Info("segments merged",
		"job", job.ID,
		"sources", len(job.Sources),
		"target", job.Target,
		"docs", stats.Docs,
		"bytes", stats.Bytes,
		"duration", ev.Duration,
	)
	e.listener.OnMergeCompleted(ctx, ev)

	// The merged segment may complete a group in the next tier. The worker
	// that ran this job picks such follow-ups up itself.
	if e.registerMerges(e.policy.Select) {
		e.logger.Debug("merge finished, follow-up merges registered", "trigger", merge.TriggerMergeFinished.String())
	}
	return nil
}

func (e *Engine) sourceReaders(job *merge.Job) ([]*segment.Reader, error) {
	e.readerMu.RLock()
	defer e.readerMu.RUnlock()
	byName := make(map[string]*segment.Reader, len(e.readers))
	for _, r := range e.readers {
		byName[r.Name()] = r
	}
	out := make([]*segment.Reader, 0, len(job.Sources))
	for _, name := range job.Sources {
		r, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrSegmentMissing, name)
		}
		out = append(out, r)
	}
	return out, nil
}

// swapReaders puts merged where its sources were and retires them. Sources
// are always adjacent, so no other segment changes its place in age order.
func (e *Engine) swapReaders(job *merge.Job, merged *segment.Reader) {
	retired := make(map[string]bool, len(job.Sources))
	for _, s := range job.Sources {
		retired[s] = true
	}
	e.readerMu.Lock()
	next := make([]*segment.Reader, 0, len(e.readers))
	var old []*segment.Reader
	for _, r := range e.readers {
		if !retired[r.Name()] {
			next = append(next, r)
			continue
		}
		if len(old) == 0 {
			next = append(next, merged)
		}
		old = append(old, r)
	}
	e.readers = next
	e.readerMu.Unlock()

	for _, r := range old {
		if err := r.Close(); err != nil {
			e.logger.Warn("closing retired segment", "segment", r.Name(), "error", err)
		}
		if err := os.Remove(r.Path()); err != nil {
			e.logger.Warn("deleting retired segment", "segment", r.Name(), "error", err)
		}
	}
}

// releaseJob makes a job's sources eligible for merging again. For a
// finished job they are already gone from the reader list.
func (e *Engine) releaseJob(job *merge.Job) {
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()
	for _, s := range job.Sources {
		delete(e.merging, s)
	}
	delete(e.targets, job.Target)
}

func (e *Engine) abandonPending() {
	e.mergeMu.Lock()
	jobs := e.pending
	e.pending = nil
	e.mergeMu.Unlock()
	for _, job := range jobs {
		e.MergeAbandoned(job)
	}
}

func (e *Engine) MergeAbandoned(job *merge.Job) {
	e.releaseJob(job)
	e.logger.Warn("merge abandoned", "job", job.String())
	e.listener.OnMergeAbandoned(context.Background(), MergeEvent{
		ShardID: e.shardID,
		JobID:   job.ID,
		Sources: job.Sources,
		Target:  job.Target,
		At:      time.Now(),
	})
}

func (e *Engine) ReportMergeFailure(err error) {
	now := time.Now()
	e.mergeMu.Lock()
	e.failures = append(e.recentFailuresLocked(now), now)
	e.lastErr = err
	e.mergeMu.Unlock()

	e.logger.Error("merge failure reported", "error", err)
	ev := MergeEvent{ShardID: e.shardID, At: now}
	var me *merge.MergeError
	if errors.As(err, &me) {
		ev.JobID = me.JobID
		ev.Sources = me.Segments
	}
	e.listener.OnMergeFailed(context.Background(), ev, err)
}

// RecentMergeFailures is the number of failures reported within the
// configured failure window, and the last one.
func (e *Engine) RecentMergeFailures() (int, error) {
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()
	e.failures = e.recentFailuresLocked(time.Now())
	if len(e.failures) == 0 {
		return 0, nil
	}
	return len(e.failures), e.lastErr
}

func (e *Engine) recentFailuresLocked(now time.Time) []time.Time {
	window := e.cfg.Merge.FailureWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	i := 0
	for i < len(e.failures) && now.Sub(e.failures[i]) > window {
		i++
	}
	return e.failures[i:]
}

// MergesCompleted is the number of merges this engine finished.
func (e *Engine) MergesCompleted() int64 {
	return e.merged.Load()
}

func (e *Engine) DescribeState() string {
	e.mergeMu.Lock()
	pending, merging := len(e.pending), len(e.merging)
	e.mergeMu.Unlock()
	return fmt.Sprintf("shard=%d segments=%d pending=%d merging=%d mem_docs=%d",
		e.shardID, e.SegmentCount(), pending, merging, e.memIndex.DocCount())
}

// ForceMerge flushes and then merges until at most maxSegments segments are
// left, waiting for the merges it started.
func (e *Engine) ForceMerge(ctx context.Context, maxSegments int) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if maxSegments < 1 {
		maxSegments = 1
	}
	if err := e.flush(ctx, merge.TriggerFullFlush); err != nil {
		return err
	}
	for {
		before := e.SegmentCount()
		if before <= maxSegments {
			return nil
		}
		found := e.registerMerges(func(s []policy.SegmentInfo) [][]policy.SegmentInfo {
			return e.policy.SelectForced(s, maxSegments)
		})
		if found || e.HasPendingMerges() {
			if err := e.coord.OnMergeNeeded(ctx, e, merge.TriggerExplicit, found); err != nil {
				return fmt.Errorf("scheduling forced merges: %w", err)
			}
		}
		if err := e.coord.Drain(ctx); err != nil {
			return err
		}
		if after := e.SegmentCount(); after >= before {
			return fmt.Errorf("%w: %d segments remain", ErrForceMergeStalled, after)
		}
	}
}
