package merge

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultFailurePause    = 250 * time.Millisecond
	defaultMaxFailurePause = 5 * time.Second
)

// FailureHandler is the single funnel for background merge failures. It
// pauses before reporting so that a persistent fault (a full disk, say) does
// not turn into a tight fail-and-retry loop, and the pause grows while
// failures keep coming without a successful merge in between.
type FailureHandler struct {
	mu       sync.Mutex
	pause    *backoff.ExponentialBackOff
	maxPause time.Duration
	suppress atomic.Bool
	sleep    func(time.Duration)
	logger   *slog.Logger
	reported atomic.Int64
}

// NewFailureHandler builds a handler whose first pause is initial and whose
// pause never exceeds max. Zero values select the defaults.
func NewFailureHandler(initial, max time.Duration, logger *slog.Logger) *FailureHandler {
	if initial <= 0 {
		initial = defaultFailurePause
	}
	if max < initial {
		max = defaultMaxFailurePause
		if max < initial {
			max = initial
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0.1
	b.Reset()
	return &FailureHandler{
		pause:    b,
		maxPause: max,
		sleep:    time.Sleep,
		logger:   logger,
	}
}

// Suppress turns reporting off. Only meant for tests and diagnostics.
func (h *FailureHandler) Suppress(v bool) {
	h.suppress.Store(v)
}

func (h *FailureHandler) Suppressed() bool {
	return h.suppress.Load()
}

// Handle pauses, then reports err wrapped in a MergeError to the writer.
func (h *FailureHandler) Handle(w Writer, job *Job, err error) {
	if h.suppress.Load() {
		h.logger.Debug("merge failure suppressed", "job", job.String(), "error", err)
		return
	}
	d := h.nextPause()
	h.logger.Error("merge failed",
		"job", job.String(),
		"pause", d,
		"error", err,
	)
	h.sleep(d)
	h.reported.Add(1)
	w.ReportMergeFailure(newMergeError(job, err))
}

// Reset shortens the pause again after a merge succeeds.
func (h *FailureHandler) Reset() {
	h.mu.Lock()
	h.pause.Reset()
	h.mu.Unlock()
}

// Reported is the number of failures handed to writers.
func (h *FailureHandler) Reported() int64 {
	return h.reported.Load()
}

func (h *FailureHandler) nextPause() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := h.pause.NextBackOff()
	if d == backoff.Stop || d > h.maxPause {
		d = h.maxPause
	}
	return d
}
