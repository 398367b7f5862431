// Package server exposes the admin HTTP API of a cache node: health probes,
// Prometheus metrics, statistics, cluster state and key access.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/devrev/distcache/internal/health"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config holds admin server settings
type Config struct {
	Port        int
	MetricsPath string
	// RequestsPerSecond limits the key endpoints; zero disables the limit
	RequestsPerSecond float64
	BurstSize         int
	RequestTimeout    time.Duration
}

// Server is the admin HTTP server
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	handlers   *handlers
	health     *health.HealthChecker
	gatherer   prometheus.Gatherer
	cfg        Config
	logger     *zap.Logger
}

// NewServer creates the admin server and registers its routes
func NewServer(cfg Config, node Node, hc *health.HealthChecker, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	router := mux.NewRouter()
	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.RequestTimeout,
			WriteTimeout: cfg.RequestTimeout,
			IdleTimeout:  60 * time.Second,
		},
		handlers: &handlers{node: node, logger: logger},
		health:   hc,
		gatherer: gatherer,
		cfg:      cfg,
		logger:   logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(Chain(Recovery(s.logger), RequestID, Logging(s.logger)))

	s.router.HandleFunc("/health/live", s.health.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", s.health.ReadinessHandler).Methods(http.MethodGet)
	s.router.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/cluster", s.handlers.cluster).Methods(http.MethodGet)
	v1.HandleFunc("/stats", s.handlers.stats).Methods(http.MethodGet)
	v1.HandleFunc("/stats/reset", s.handlers.resetStats).Methods(http.MethodPost)
	v1.HandleFunc("/stats/enabled", s.handlers.setStatistics).Methods(http.MethodPut)

	keys := v1.PathPrefix("/cache").Subrouter()
	if s.cfg.RequestsPerSecond > 0 {
		keys.Use(NewRateLimiter(s.cfg.RequestsPerSecond, s.cfg.BurstSize, s.logger).Limit)
	}
	keys.HandleFunc("/{key}", s.handlers.getEntry).Methods(http.MethodGet)
	keys.HandleFunc("/{key}", s.handlers.putEntry).Methods(http.MethodPut)
	keys.HandleFunc("/{key}", s.handlers.deleteEntry).Methods(http.MethodDelete)
	keys.HandleFunc("/{key}/evict", s.handlers.evictEntry).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "INVALID_REQUEST", "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "INVALID_REQUEST", "method not allowed")
	})
}

// Start serves until Shutdown
func (s *Server) Start() error {
	s.logger.Info("Starting admin server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down admin server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}
