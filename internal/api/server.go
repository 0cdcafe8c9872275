package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opencivic/speedguard/internal/detect"
	"github.com/opencivic/speedguard/internal/domain"
	"github.com/opencivic/speedguard/internal/lifecycle"
	"github.com/opencivic/speedguard/internal/rules"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, svc *detect.Service, alerts *lifecycle.Manager, repo domain.Repository, cache domain.Cache, engine *rules.Engine, version string) *Server {
	handler := NewHandler(svc, alerts, repo, cache, engine, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Batch ingestion
	router.Post("/ingest", handler.Ingest)

	// Classified rosters and exports
	router.Get("/roster/{kind}", handler.GetRoster)
	router.Get("/export/{kind}", handler.ExportRoster)
	router.Get("/export/{kind}/detail", handler.ExportDetail)

	// Enforcement alerts
	router.Get("/alerts", handler.ListAlerts)
	router.Get("/alerts/{id}", handler.GetAlert)
	router.Post("/alerts/{id}/follow-up", handler.MarkFollowUpDue)
	router.Post("/alerts/{id}/confirm", handler.ConfirmAlert)
	router.Post("/alerts/{id}/escalate", handler.EscalateAlert)
	router.Post("/alerts/sweep", handler.SweepAlerts)

	// Detection run audit trail
	router.Get("/runs", handler.ListRuns)

	// Screening rule management
	router.Get("/rules", handler.ListRules)
	router.Get("/rules/{id}", handler.GetRule)
	router.Post("/rules", handler.CreateRule)
	router.Post("/rules/reload", handler.ReloadRules)

	// Store statistics
	router.Get("/stats", handler.Stats)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
