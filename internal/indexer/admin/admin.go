// Package admin serves the indexer's operator HTTP surface: merge scheduler
// state, forced merges, merge limits, and health checks.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer/merge"
	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer/shard"
	apperrors "github.com/Adithya-Monish-Kumar-K/segmerge/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/segmerge/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/segmerge/pkg/logger"
)

// ShardStatus is one shard's entry in GET /admin/merges.
type ShardStatus struct {
	ShardID              int                   `json:"shard_id"`
	Coordinator          string                `json:"coordinator"`
	MaxConcurrentMerges  int                   `json:"max_concurrent_merges"`
	MaxConcurrentWorkers int                   `json:"max_concurrent_workers"`
	Workers              []merge.WorkerInfo    `json:"workers"`
	Stalls               int64                 `json:"stalls"`
	MergesCompleted      int64                 `json:"merges_completed"`
	RecentFailures       int                   `json:"recent_failures"`
	LastError            string                `json:"last_error,omitempty"`
	Segments             []indexer.SegmentInfo `json:"segments"`
}

// Handler implements the admin endpoints over a shard router.
type Handler struct {
	router       *shard.Router
	checker      *health.Checker
	forceTimeout time.Duration
	logger       *slog.Logger
}

// New creates a Handler and registers the "merges" readiness check, which
// is degraded while any shard has recent merge failures.
func New(router *shard.Router, checker *health.Checker, forceTimeout time.Duration) *Handler {
	if forceTimeout <= 0 {
		forceTimeout = 10 * time.Minute
	}
	h := &Handler{
		router:       router,
		checker:      checker,
		forceTimeout: forceTimeout,
		logger:       slog.Default().With("component", "admin"),
	}
	checker.Register("merges", h.mergeHealth)
	return h
}

// Routes returns the admin route table.
//
//	GET  /admin/merges                          merge state of every shard
//	GET  /admin/merges/{shard}                  merge state of one shard
//	POST /admin/merges/force?shard=N&max=M      force merge, all shards if shard is omitted
//	PUT  /admin/merges/{shard}/limits?maxMerges=M
//	GET  /health/live
//	GET  /health/ready
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/merges", h.ListMerges)
	mux.HandleFunc("GET /admin/merges/{shard}", h.GetShard)
	mux.HandleFunc("POST /admin/merges/force", h.ForceMerge)
	mux.HandleFunc("PUT /admin/merges/{shard}/limits", h.SetLimits)
	mux.HandleFunc("GET /health/live", h.checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", h.checker.ReadyHandler())
	return mux
}

func (h *Handler) ListMerges(w http.ResponseWriter, r *http.Request) {
	engines := h.router.GetAllEngines()
	out := make([]ShardStatus, 0, len(engines))
	for _, id := range h.router.ShardIDs() {
		out = append(out, status(engines[id]))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"shards": out})
}

func (h *Handler) GetShard(w http.ResponseWriter, r *http.Request) {
	engine, err := h.engine(r.PathValue("shard"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status(engine))
}

func (h *Handler) ForceMerge(w http.ResponseWriter, r *http.Request) {
	maxSegments := 1
	if v := r.URL.Query().Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.writeError(w, r, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "max must be a positive integer, got %q", v))
			return
		}
		maxSegments = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.forceTimeout)
	defer cancel()
	start := time.Now()
	log := logger.FromContext(r.Context()).With("component", "admin")

	shardParam := r.URL.Query().Get("shard")
	var err error
	if shardParam == "" {
		log.Info("force merge requested", "shards", "all", "max_segments", maxSegments)
		err = h.router.ForceMergeAll(ctx, maxSegments)
	} else {
		var engine *indexer.Engine
		engine, err = h.engine(shardParam)
		if err == nil {
			log.Info("force merge requested", "shard_id", engine.ShardID(), "max_segments", maxSegments)
			err = engine.ForceMerge(ctx, maxSegments)
		}
	}
	if err != nil {
		h.writeError(w, r, classify(err))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":       "merged",
		"max_segments": maxSegments,
		"took":         time.Since(start).Round(time.Millisecond).String(),
	})
}

func (h *Handler) SetLimits(w http.ResponseWriter, r *http.Request) {
	engine, err := h.engine(r.PathValue("shard"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	v := r.URL.Query().Get("maxMerges")
	maxMerges, err := strconv.Atoi(v)
	if err != nil {
		h.writeError(w, r, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "maxMerges must be an integer, got %q", v))
		return
	}
	coord := engine.Coordinator()
	if err := coord.Configure(maxMerges, coord.MaxConcurrentWorkers()); err != nil {
		h.writeError(w, r, classify(err))
		return
	}
	h.writeJSON(w, http.StatusOK, status(engine))
}

func (h *Handler) engine(param string) (*indexer.Engine, error) {
	id, err := strconv.Atoi(param)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "shard must be an integer, got %q", param)
	}
	engine, err := h.router.Route(id)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrShardNotFound, http.StatusNotFound, err.Error())
	}
	return engine, nil
}

func (h *Handler) mergeHealth(ctx context.Context) health.ComponentHealth {
	failing := 0
	var last error
	for _, engine := range h.router.GetAllEngines() {
		if n, err := engine.RecentMergeFailures(); n > 0 {
			failing++
			last = err
		}
	}
	if failing == 0 {
		return health.ComponentHealth{Status: health.StatusUp}
	}
	msg := fmt.Sprintf("%d shard(s) with recent merge failures", failing)
	if last != nil {
		msg += ": " + last.Error()
	}
	return health.ComponentHealth{Status: health.StatusDegraded, Message: msg}
}

func status(e *indexer.Engine) ShardStatus {
	coord := e.Coordinator()
	n, lastErr := e.RecentMergeFailures()
	s := ShardStatus{
		ShardID:              e.ShardID(),
		Coordinator:          coord.String(),
		MaxConcurrentMerges:  coord.MaxConcurrentMerges(),
		MaxConcurrentWorkers: coord.MaxConcurrentWorkers(),
		Workers:              coord.ActiveWorkers(),
		Stalls:               coord.Stalls(),
		MergesCompleted:      e.MergesCompleted(),
		RecentFailures:       n,
		Segments:             e.Segments(),
	}
	if lastErr != nil {
		s.LastError = lastErr.Error()
	}
	return s
}

// classify maps engine and scheduler errors onto the HTTP error values.
func classify(err error) error {
	switch {
	case errors.Is(err, indexer.ErrForceMergeStalled):
		return apperrors.New(apperrors.ErrMergeStalled, 0, err.Error())
	case errors.Is(err, indexer.ErrEngineClosed), errors.Is(err, merge.ErrCoordinatorClosed):
		return apperrors.New(apperrors.ErrShardUnavailable, 0, err.Error())
	case errors.Is(err, merge.ErrMergesInFlight):
		return apperrors.New(apperrors.ErrConflict, 0, err.Error())
	case errors.Is(err, merge.ErrInvalidConfig):
		return apperrors.New(apperrors.ErrInvalidInput, 0, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.New(apperrors.ErrTimeout, 0, err.Error())
	}
	return err
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.HTTPStatusCode(err)
	if code >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("admin request failed", "path", r.URL.Path, "error", err)
	}
	h.writeJSON(w, code, map[string]string{"error": err.Error()})
}
