// Package api serves a read-only status endpoint for reporting
// collaborators. It never mutates run state.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/stokkr/foreman/internal/logging"
	"github.com/stokkr/foreman/internal/service"
	"github.com/stokkr/foreman/internal/store"
)

// StatusSource exposes the live counters the endpoint reports.
type StatusSource interface {
	Snapshot() service.Snapshot
}

// QueueSource exposes merge queue depth.
type QueueSource interface {
	PendingCount() int
}

// Server is the read-only HTTP status surface.
type Server struct {
	stats  StatusSource
	queue  QueueSource
	ledger *store.Ledger
	logger *logging.Logger
	http   *http.Server
}

// statusResponse is the GET /v1/status payload.
type statusResponse struct {
	service.Snapshot
	MergeQueueDepth int           `json:"merge_queue_depth"`
	Recent          []store.Entry `json:"recent,omitempty"`
}

// NewServer creates the status server. ledger may be nil.
func NewServer(addr string, stats StatusSource, queue QueueSource, ledger *store.Ledger, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		stats:  stats,
		queue:  queue,
		ledger: ledger,
		logger: logger.WithComponent("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	r.Use(cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet},
	}).Handler)

	r.Get("/v1/healthz", s.handleHealth)
	r.Get("/v1/status", s.handleStatus)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until Shutdown. It returns http.ErrServerClosed on a
// clean shutdown like net/http does.
func (s *Server) Start() error {
	s.logger.Info("status endpoint listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown drains connections within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Snapshot:        s.stats.Snapshot(),
		MergeQueueDepth: s.queue.PendingCount(),
	}
	if s.ledger != nil {
		recent, err := s.ledger.Recent(r.Context(), 20)
		if err != nil {
			s.logger.Warn("ledger read failed", "error", err)
		} else {
			resp.Recent = recent
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
