// Package server provides the HTTP server of a replicator node.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/devrev/pairdb/replicator/internal/config"
	apperrors "github.com/devrev/pairdb/replicator/internal/errors"
	"github.com/devrev/pairdb/replicator/internal/handler"
	"github.com/devrev/pairdb/replicator/internal/health"
	"github.com/devrev/pairdb/replicator/internal/metrics"
	"github.com/devrev/pairdb/replicator/internal/middleware"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server represents the HTTP server.
type Server struct {
	router      *mux.Router
	httpServer  *http.Server
	node        *Node
	handlers    *handler.Handlers
	healthCheck *health.HealthCheck
	errorWriter *handler.ErrorWriter
	metrics     *metrics.Metrics
	gatherer    prometheus.Gatherer
	logger      *zap.Logger
	cfg         *config.Config
}

// NewServer creates the node and its HTTP server.
// Metrics are registered on registry and served from it.
func NewServer(cfg *config.Config, registry *prometheus.Registry, logger *zap.Logger) (*Server, error) {
	m := metrics.NewMetrics(registry, cfg.Server.NodeID)

	node, err := NewNode(cfg, m, logger)
	if err != nil {
		return nil, err
	}

	router := mux.NewRouter()
	errorWriter := handler.NewErrorWriter(logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	s := &Server{
		router:      router,
		httpServer:  httpServer,
		node:        node,
		handlers:    handler.NewHandlers(node, errorWriter, logger),
		healthCheck: health.NewHealthCheck(node, logger),
		errorWriter: errorWriter,
		metrics:     m,
		gatherer:    registry,
		logger:      logger,
		cfg:         cfg,
	}
	s.SetupRoutes()
	return s, nil
}

// SetupRoutes configures all HTTP routes.
func (s *Server) SetupRoutes() {
	// Setup middleware chain
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
		middleware.Metrics(s.metrics),
	}

	// Add rate limiter if enabled
	if s.cfg.RateLimiter.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.RateLimiter.RequestsPerSecond,
			s.cfg.RateLimiter.BurstSize,
			s.logger,
		)
		middlewareChain = append(middlewareChain, rateLimiter.Limit)
	}

	chain := middleware.Chain(middlewareChain...)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	// Health check endpoints
	s.router.HandleFunc("/health", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	if s.cfg.Metrics.Enabled {
		s.router.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	s.handlers.Register(s.router)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorWriter.WriteErrorResponse(w, r, http.StatusNotFound, apperrors.ErrCodeInvalidArgument.String(), "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorWriter.WriteErrorResponse(w, r, http.StatusMethodNotAllowed, apperrors.ErrCodeInvalidArgument.String(), "method not allowed")
	})
}

// Open starts replication and marks the node ready
func (s *Server) Open(ctx context.Context) error {
	if err := s.node.Open(ctx); err != nil {
		return err
	}
	s.healthCheck.SetReady(true)
	return nil
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		zap.String("addr", s.httpServer.Addr),
		zap.String("advertised_url", s.cfg.AdvertisedURL()),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, then stops replication and resolution.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	s.healthCheck.SetReady(false)

	err := s.httpServer.Shutdown(ctx)

	timeout := s.cfg.Server.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	s.node.Close(timeout)
	return err
}

// Node returns the hosted databases.
func (s *Server) Node() *Node {
	return s.node
}

// GetHandler returns the http.Handler for the server.
func (s *Server) GetHandler() http.Handler {
	return s.router
}
