package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"followup-engine/internal/metrics"
	"followup-engine/internal/repo"
	"followup-engine/internal/scheduler"
)

// Handlers groups optional HTTP handlers to mount.
type Handlers struct {
	TopupWebhook http.Handler
}

// CycleRunner triggers detection cycles on demand.
type CycleRunner interface {
	ForceCycle(ctx context.Context, campaignID string) (scheduler.CycleSummary, error)
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies exposes core dependencies to handlers that need them.
type Dependencies struct {
	Storage   Pinger
	Cycles    CycleRunner
	Summaries scheduler.SummaryStore
	// Dedupe coalesces delivery logs of one campaign, or all when the id is empty.
	Dedupe func(ctx context.Context, campaignID string) (int64, error)
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	deps       Dependencies
	adminToken string
	basePath   string
}

// New creates a new HTTP server listening on addr. Admin routes require adminToken as a
// bearer token when it is set.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, handlers Handlers, deps Dependencies, adminToken, basePath string) *Server {
	server := &Server{
		logger:     logger.With("component", "http"),
		metrics:    metricRegistry,
		deps:       deps,
		adminToken: adminToken,
		basePath:   normaliseBasePath(basePath),
	}

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           server.routes(handlers),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}
	if adminToken == "" {
		server.logger.Warn("admin routes are not protected, set ADMIN_TOKEN")
	}
	return server
}

func (s *Server) routes(handlers Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/cycle", s.handleCycle)
		r.Post("/maintenance/dedupe", s.handleDedupe)
		r.Get("/status", s.handleStatus)
	})
	if handlers.TopupWebhook != nil {
		r.Handle("/webhook/topup", handlers.TopupWebhook)
	}

	if s.basePath == "" {
		return r
	}
	root := chi.NewRouter()
	root.Mount(s.basePath, r)
	return root
}

// Handler returns the routed handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
				s.countError("http_admin_auth")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Storage != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Storage.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cycles == nil {
		http.Error(w, "scheduler unavailable", http.StatusServiceUnavailable)
		return
	}
	campaignID := r.URL.Query().Get("campaign_id")
	summary, err := s.deps.Cycles.ForceCycle(r.Context(), campaignID)
	switch {
	case errors.Is(err, scheduler.ErrCampaignBusy):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, scheduler.ErrNotActive):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, repo.ErrNotFound):
		http.Error(w, "campaign not found", http.StatusNotFound)
		return
	case err != nil:
		s.countError("http_cycle")
		s.logger.Error("forced cycle failed", "campaign_id", campaignID, "error", err)
		http.Error(w, "cycle failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, summary)
}

func (s *Server) handleDedupe(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dedupe == nil {
		http.Error(w, "dedupe unavailable", http.StatusServiceUnavailable)
		return
	}
	campaignID := r.URL.Query().Get("campaign_id")
	removed, err := s.deps.Dedupe(r.Context(), campaignID)
	if err != nil {
		s.countError("http_dedupe")
		s.logger.Error("dedupe failed", "campaign_id", campaignID, "error", err)
		http.Error(w, "dedupe failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"status":      "ok",
		"campaign_id": campaignID,
		"removed":     removed,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Summaries == nil {
		http.Error(w, "status unavailable", http.StatusServiceUnavailable)
		return
	}
	last, ok, err := s.deps.Summaries.LastSummary(r.Context())
	if err != nil {
		s.countError("http_status")
		http.Error(w, "failed loading status", http.StatusInternalServerError)
		return
	}
	if !ok {
		writeJSON(w, map[string]any{"status": "idle"})
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "last_cycle": last})
}

func (s *Server) countError(component string) {
	if s.metrics != nil {
		s.metrics.Errors.WithLabelValues(component).Inc()
	}
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
