// Package api exposes the HTTP surface of the dispatch engine: the
// authenticated cron trigger endpoints, the one-click unsubscribe endpoint,
// and the health check.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/embermail/dispatch/internal/config"
	"github.com/embermail/dispatch/internal/pkg/logger"
)

// Server wraps the HTTP server around the configured routes.
type Server struct {
	cfg      config.ServerConfig
	handlers *Handlers
	router   *chi.Mux
	server   *http.Server
	log      *logger.Logger
}

// NewServer creates the API server. CORS origins and the listen address
// come from cfg.
func NewServer(cfg config.ServerConfig, handlers *Handlers) *Server {
	return &Server{
		cfg:      cfg,
		handlers: handlers,
		router:   SetupRoutes(handlers, cfg.Origins),
		log:      logger.With("api"),
	}
}

// Addr is the host:port the server listens on.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// ListenAndServe starts the HTTP server and blocks until it stops.
func (s *Server) ListenAndServe() error {
	addr := s.Addr()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // trigger runs can send for a while
		IdleTimeout:  2 * time.Minute,
	}
	s.log.Info("listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
