// Package middleware provides reusable HTTP middleware for request IDs and
// Prometheus metrics.
package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/felixge/httpsnoop"

	"github.com/Adithya-Monish-Kumar-K/segmerge/pkg/metrics"
)

// Metrics returns middleware that records HTTP request count, latency, and
// in-flight gauge.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.HTTPRequestsInFlight.Inc()
			defer m.HTTPRequestsInFlight.Dec()

			snoop := httpsnoop.CaptureMetrics(next, w, r)

			path := normalizePath(r.URL.Path)
			m.HTTPRequestsTotal.WithLabelValues(
				r.Method,
				path,
				strconv.Itoa(snoop.Code),
			).Inc()

			m.HTTPRequestDuration.WithLabelValues(
				r.Method,
				path,
			).Observe(snoop.Duration.Seconds())
		})
	}
}

// normalizePath keeps label cardinality bounded: anything outside the known
// route prefixes is reported as "other".
func normalizePath(path string) string {
	for _, prefix := range []string{"/admin/", "/health/", "/metrics"} {
		if strings.HasPrefix(path, prefix) {
			return path
		}
	}
	return "other"
}
