// Package api provides the HTTP API for booking intake and pipeline
// administration.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

// Server is the HTTP API server.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         "0.0.0.0:8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewServer creates a new API server serving the router built from routes.
func NewServer(cfg ServerConfig, routes RouterConfig) *Server {
	logger := observability.OrDefault(routes.Logger)
	return &Server{
		server: &http.Server{
			Addr:         cfg.Addr,
			Handler:      NewRouter(routes),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		logger: logger,
	}
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting API server", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}
