package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func up(context.Context) ComponentHealth { return ComponentHealth{Status: StatusUp} }

func TestChecker_Run(t *testing.T) {
	c := NewChecker()
	c.Register("disk", up)
	assert.Equal(t, StatusUp, c.Run(context.Background()).Status)

	c.Register("redis", Optional(Ping(func(context.Context) error { return errors.New("connection refused") })))
	report := c.Run(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, "connection refused", report.Components["redis"].Message)

	c.Register("postgres", Ping(func(context.Context) error { return errors.New("timeout") }))
	assert.Equal(t, StatusDown, c.Run(context.Background()).Status)
}

func TestReadyHandler(t *testing.T) {
	c := NewChecker()
	c.Register("merges", func(context.Context) ComponentHealth {
		return ComponentHealth{Status: StatusDegraded, Message: "1 recent failure"}
	})

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var report Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, StatusDegraded, report.Status)

	c.Register("kafka", Ping(func(context.Context) error { return errors.New("no brokers") }))
	rec = httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLiveHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewChecker().LiveHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"alive"`)
}
