// Package server provides the HTTP server and routing for the rebalancing
// engine.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/folioworks/rebalancer/internal/domain"
	"github.com/folioworks/rebalancer/internal/events"
	"github.com/folioworks/rebalancer/internal/execution"
	"github.com/folioworks/rebalancer/internal/pricefeed"
	"github.com/folioworks/rebalancer/internal/rebalance"
	"github.com/folioworks/rebalancer/internal/session"
)

// Config holds server configuration
type Config struct {
	Log          zerolog.Logger
	Port         int
	DevMode      bool
	Sessions     *session.Manager
	Cache        *pricefeed.Cache
	Store        domain.PortfolioStore
	Source       domain.QuoteSource
	Persister    pricefeed.Persister
	Consumer     *rebalance.Consumer
	Orchestrator *execution.Orchestrator
	DriftDefault float64
	EventBus     *events.Bus
}

// Server is the engine's HTTP server
type Server struct {
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
	handlers *Handlers
	events   *EventsStreamHandler
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		handlers: NewHandlers(
			cfg.Sessions,
			cfg.Cache,
			cfg.Store,
			cfg.Source,
			cfg.Persister,
			cfg.Consumer,
			cfg.Orchestrator,
			cfg.DriftDefault,
			cfg.EventBus,
			cfg.Log,
		),
		events: NewEventsStreamHandler(cfg.EventBus, cfg.Log),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// Unified events stream (SSE)
		r.Get("/events/stream", s.events.ServeHTTP)

		r.Get("/status", s.handlers.HandleStatus)

		r.Post("/session", s.handlers.HandleCreateSession)
		r.Delete("/session", s.handlers.HandleEndSession)

		r.Route("/portfolios/{id}", func(r chi.Router) {
			r.Get("/valuation", s.handlers.HandleValuation)
			r.Post("/rebalance", s.handlers.HandleCalculateRebalance)
			r.Post("/rebalance/cash", s.handlers.HandleCalculateCashRebalance)
		})

		r.Route("/rebalance", func(r chi.Router) {
			r.Get("/", s.handlers.HandleCurrentPlan)
			r.Delete("/", s.handlers.HandleInvalidatePlan)
			r.Post("/trades/{index}/execute", s.handlers.HandleExecuteTrade)
		})
	})
}

// handleHealth is a minimal liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
