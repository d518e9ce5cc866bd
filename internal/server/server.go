// Package server implements the HTTP API for the retrieval service.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/kioku/internal/pipeline"
	"github.com/ashita-ai/kioku/internal/storage"
)

// Server is the retrieval HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Config holds the dependencies and settings for creating a Server.
type Config struct {
	DB        *storage.DB
	Retrieval *pipeline.Service
	Logger    *slog.Logger

	// Optional: health probe for the search mirror (nil = disabled).
	SearchProbe healthProbe

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	RequestBudget       time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates an HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		DB:            cfg.DB,
		Retrieval:     cfg.Retrieval,
		Logger:        cfg.Logger,
		Version:       cfg.Version,
		MaxBodyBytes:  cfg.MaxRequestBodyBytes,
		RequestBudget: cfg.RequestBudget,
		SearchProbe:   cfg.SearchProbe,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/retrieve", h.HandleRetrieve)
	mux.HandleFunc("GET /v1/debug/weights", h.HandleDebugWeights)
	mux.HandleFunc("GET /v1/health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
