package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-sec/kestrel/internal/cases"
	"github.com/opensource-sec/kestrel/internal/domain"
	"github.com/opensource-sec/kestrel/internal/pipeline"
	"github.com/opensource-sec/kestrel/internal/rules"
	"github.com/opensource-sec/kestrel/internal/trust"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, trustStore *trust.Store, pipe *pipeline.Pipeline, resolver *cases.Generator, version string) *Server {
	handler := NewHandler(repo, cache, bus, engine, trustStore, pipe, resolver, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Session lifecycle
		r.Post("/sessions", handler.CreateSession)
		r.Get("/sessions", handler.ListSessions)
		r.Get("/sessions/{id}", handler.GetSession)
		r.Post("/sessions/{id}/records", handler.IngestRecords)
		r.Get("/sessions/{id}/records", handler.ListRecords)
		r.Get("/sessions/{id}/records/{recordID}", handler.GetRecord)
		r.Post("/sessions/{id}/run", handler.RunSession)
		r.Get("/sessions/{id}/insights", handler.SessionInsights)

		// Case investigation
		r.Get("/cases", handler.ListCases)
		r.Get("/cases/{id}", handler.GetCase)
		r.Post("/cases/{id}/status", handler.UpdateCaseStatus)

		// Rule management
		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{id}", handler.GetRule)
		r.Post("/rules", handler.CreateRule)
		r.Delete("/rules/{id}", handler.DeleteRule)
		r.Post("/rules/test", handler.TestRule)

		// Domain trust and whitelisting
		r.Get("/profiles", handler.ListProfiles)
		r.Get("/profiles/{domain}", handler.GetProfile)
		r.Post("/whitelist", handler.SetWhitelist)
		r.Get("/whitelist/recommendations", handler.WhitelistRecommendations)
	})

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
