package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/Adithya-Monish-Kumar-K/segmerge/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/segmerge/pkg/metrics"
)

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = logger.RequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/merges", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", seen)
	assert.Equal(t, "req-42", rec.Header().Get(RequestIDHeader))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/merges", nil))
	assert.Len(t, rec.Header().Get(RequestIDHeader), 36)
	assert.Equal(t, rec.Header().Get(RequestIDHeader), seen)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg, reg)
	h := Metrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/admin/merges/force", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/random/path/123", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/admin/merges/force", "202")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "other", "202")))
	assert.Zero(t, testutil.ToFloat64(m.HTTPRequestsInFlight))
}
