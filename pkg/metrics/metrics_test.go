package metrics

import (
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer/merge"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewWithRegistry(reg, reg)
}

func TestShardObserver(t *testing.T) {
	m := newTestMetrics(t)
	obs := m.ForShard(2)
	job := &merge.Job{ID: 1, Sources: []string{"seg_1.spdx", "seg_2.spdx"}, Bytes: 2048}

	obs.OnMergeStarted(job)
	obs.OnMergeFinished(job, 250*time.Millisecond, nil)
	obs.OnMergeStarted(job)
	obs.OnMergeFinished(job, time.Second, errors.New("disk full"))
	obs.OnMergeStarted(job)
	obs.OnMergeFinished(job, time.Millisecond, fmt.Errorf("%w: shutdown", merge.ErrMergeAborted))
	obs.OnStall(20 * time.Millisecond)
	obs.OnWorkers(3)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.MergesStartedTotal.WithLabelValues("2")))
	assert.Equal(t, 6144.0, testutil.ToFloat64(m.MergeInputBytes.WithLabelValues("2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MergesFinishedTotal.WithLabelValues("2", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MergesFinishedTotal.WithLabelValues("2", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MergesFinishedTotal.WithLabelValues("2", "aborted")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.MergeWorkersActive.WithLabelValues("2")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.IndexingStall))
}

func TestShardsAreLabelledSeparately(t *testing.T) {
	m := newTestMetrics(t)
	m.ForShard(0).OnWorkers(1)
	m.ForShard(1).OnWorkers(4)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MergeWorkersActive.WithLabelValues("0")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.MergeWorkersActive.WithLabelValues("1")))
}

func TestHandler(t *testing.T) {
	m := newTestMetrics(t)
	m.SetBreakerState("kafka-index-complete", 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `circuit_breaker_state{name="kafka-index-complete"} 1`)
}
