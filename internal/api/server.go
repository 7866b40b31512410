// Package api serves the worker's operational HTTP surface: health, metrics and a
// read-only view of queue, task, account and pool state.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"upload-dispatcher/internal/models"
	"upload-dispatcher/internal/telemetry"
)

type TaskStats interface {
	Stats(ctx context.Context) (models.TaskStats, error)
}

type AccountStats interface {
	Stats(ctx context.Context) (models.AccountStats, error)
}

type PoolView interface {
	Snapshot() models.PoolSnapshot
}

type QueueView interface {
	ReadyDepth(ctx context.Context) (int64, error)
	ScheduledDepth(ctx context.Context) (int64, error)
	InflightDepth(ctx context.Context) (int64, error)
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Deps are the read-only views the server reports on. Ping may be nil.
type Deps struct {
	Tasks    TaskStats
	Accounts AccountStats
	Pool     PoolView
	Queue    QueueView
	Ping     func(ctx context.Context) error
}

// Server wires HTTP handlers for the ops surface.
type Server struct {
	deps Deps
	log  *zap.Logger
}

func New(deps Deps, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{deps: deps, log: log.Named("api")}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())
	r.Get("/stats", s.handleStats)
	r.Get("/pool", s.handlePool)
	r.Get("/dlq", s.handleDLQ)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ping(ctx); err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type queueStats struct {
	Ready     int64 `json:"ready"`
	Scheduled int64 `json:"scheduled"`
	Inflight  int64 `json:"inflight"`
}

type statsResponse struct {
	Tasks    models.TaskStats    `json:"tasks"`
	Accounts models.AccountStats `json:"accounts"`
	Queue    queueStats          `json:"queue"`
	Pool     models.PoolSnapshot `json:"pool"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var resp statsResponse
	var err error
	if resp.Tasks, err = s.deps.Tasks.Stats(ctx); err != nil {
		s.fail(w, "task stats", err)
		return
	}
	if resp.Accounts, err = s.deps.Accounts.Stats(ctx); err != nil {
		s.fail(w, "account stats", err)
		return
	}
	if resp.Queue.Ready, err = s.deps.Queue.ReadyDepth(ctx); err != nil {
		s.fail(w, "queue depth", err)
		return
	}
	if resp.Queue.Scheduled, err = s.deps.Queue.ScheduledDepth(ctx); err != nil {
		s.fail(w, "queue depth", err)
		return
	}
	if resp.Queue.Inflight, err = s.deps.Queue.InflightDepth(ctx); err != nil {
		s.fail(w, "queue depth", err)
		return
	}
	resp.Pool = s.deps.Pool.Snapshot()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePool(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Pool.Snapshot())
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Queue.DLQPeek(r.Context(), 100)
	if err != nil {
		s.fail(w, "read dlq", err)
		return
	}
	if items == nil {
		items = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) fail(w http.ResponseWriter, what string, err error) {
	s.log.Error(what, zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": what + " failed"})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
