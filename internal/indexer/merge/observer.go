package merge

import "time"

// Observer receives scheduler events, typically to feed metrics.
type Observer interface {
	OnMergeStarted(job *Job)
	OnMergeFinished(job *Job, duration time.Duration, err error)
	OnStall(duration time.Duration)
	OnWorkers(active int)
}

type NoopObserver struct{}

func (NoopObserver) OnMergeStarted(*Job)                        {}
func (NoopObserver) OnMergeFinished(*Job, time.Duration, error) {}
func (NoopObserver) OnStall(time.Duration)                      {}
func (NoopObserver) OnWorkers(int)                              {}
