// Package server provides the HTTP API: run triggers, run status, market data reads
// and a websocket stream of run events.
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

	"github.com/aristath/marketsync/internal/database"
	"github.com/aristath/marketsync/internal/events"
	"github.com/aristath/marketsync/internal/scheduler"
	"github.com/aristath/marketsync/internal/work"
)

// Config holds server dependencies. Scheduler, Limiter, Gateway and Registry are optional.
type Config struct {
	Log       zerolog.Logger
	Port      int
	DevMode   bool
	MarketDB  *database.DB
	CacheDB   *database.DB
	Sync      SyncStatus
	Runs      RunQueue
	Registry  *work.Registry
	Processor *work.Processor
	Market    MarketReader
	Limiter   StatsSource
	Gateway   StatsSource
	EventBus  *events.Bus
	Scheduler *scheduler.Scheduler
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	cfg    Config
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		cfg:    cfg,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: the websocket stream is long-lived; handlers are bounded by middleware.Timeout
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Handler returns the root handler, for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5, "application/json"))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	syncHandlers := NewSyncHandlers(s.cfg.Sync, s.cfg.Runs, s.cfg.Limiter, s.cfg.Gateway, s.log)
	dataHandlers := NewDataHandlers(s.cfg.Market, s.log)
	systemHandlers := NewSystemHandlers(s.log, map[string]*database.DB{
		"market": s.cfg.MarketDB,
		"cache":  s.cfg.CacheDB,
	}, s.cfg.Scheduler)

	s.router.Route("/api", func(r chi.Router) {
		// Long-lived; kept outside the timeout group
		if s.cfg.EventBus != nil {
			r.Get("/events/ws", NewEventsStreamHandler(s.cfg.EventBus, s.log).ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Post("/sync", syncHandlers.HandleTriggerSync)
			r.Get("/sync/status", syncHandlers.HandleSyncStatus)
			r.Post("/reference/sync", syncHandlers.HandleTriggerReference)
			r.Post("/securities/{id}/adj-factors/sync", syncHandlers.HandleTriggerAdjFactors)
			r.Post("/securities/{id}/history/sync", syncHandlers.HandleTriggerSecurityHistory)

			r.Get("/securities", dataHandlers.HandleListSecurities)
			r.Get("/securities/{id}", dataHandlers.HandleGetSecurity)
			r.Get("/bars/{id}", dataHandlers.HandleGetBars)
			r.Get("/calendar/{exchange}", dataHandlers.HandleGetCalendar)

			r.Get("/system/stats", systemHandlers.HandleSystemStats)
			r.Get("/system/jobs", systemHandlers.HandleJobs)
		})

		if s.cfg.Processor != nil && s.cfg.Registry != nil {
			work.NewHandlers(s.cfg.Processor, s.cfg.Registry).RegisterRoutes(r)
		}
	})
}

// Start starts the HTTP server. Blocks until Shutdown.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

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
