// Package api implements the Operator API Surface (C10): the HTTP/WebSocket
// control plane operators use to inspect the fleet and drive agents. The
// middleware stack and graceful-shutdown shape are carried over from the
// teacher's internal/server/server.go (chi + go-chi/cors + RequestID/RealIP/
// Recoverer/Timeout), generalized from its single Convex-auth router into
// the bearer-token-gated route table spec.md §6 describes.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/reach-sh/reach/internal/config"
	"github.com/reach-sh/reach/internal/pool"
	"github.com/reach-sh/reach/internal/registry"
	"github.com/reach-sh/reach/internal/store"
)

// Server is the HTTP surface over the Registry, Pool, and history Store.
type Server struct {
	cfg      *config.Config
	registry *registry.Registry
	pool     *pool.Pool
	store    *store.Store
	events   *EventBus
	version  string
	started  time.Time

	router     chi.Router
	httpServer *http.Server
}

// New builds the router. events may be shared with the caller so the
// Registry's hook installation can reuse the same bus.
func New(cfg *config.Config, reg *registry.Registry, p *pool.Pool, st *store.Store, events *EventBus, version string) *Server {
	s := &Server{
		cfg:      cfg,
		registry: reg,
		pool:     p,
		store:    st,
		events:   events,
		version:  version,
		started:  time.Now().UTC(),
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public: health, the SSH Listener's registration webhook.
	r.Get("/health", s.handleHealth)
	r.Post("/internal/register", s.handleInternalRegister)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(bearerAuth(s.cfg.APIKey))

		r.Get("/dashboard", s.handleDashboard)
		r.Get("/clients", s.handleListClients)
		r.Get("/clients/{uuid}", s.handleGetClient)
		r.Post("/clients/{uuid}/ack-key-mismatch", s.handleAckKeyMismatch)

		r.Get("/clients/{uuid}/history", s.handleHistory)
		r.Post("/clients/{uuid}/history", s.handleRun)
		r.Get("/clients/{uuid}/history/{commandID}", s.handleGetCommand)

		r.Get("/clients/{uuid}/files", s.handleFilesList)
		r.Get("/clients/{uuid}/files/preview", s.handleFilesPreview)
		r.Get("/clients/{uuid}/files/download", s.handleFilesDownload)
		r.Post("/clients/{uuid}/files/upload", s.handleFilesUpload)

		r.Get("/events", s.handleEvents)
		r.Get("/ws", s.handleWebSocket)

		r.Get("/audit-log", s.handleAuditLog)
		r.Get("/clients/{uuid}/audit-log", s.handleAuditLog)
	})

	s.router = r
}

// Start begins serving on addr and blocks until the listener stops.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // file downloads can run long
		IdleTimeout:  60 * time.Second,
	}
	log.Info().Str("addr", addr).Msg("operator API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
