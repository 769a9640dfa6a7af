// Package api serves the operational endpoints of the indexer: health,
// status and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/0xmhha/registry-indexer/internal/constants"
	apimiddleware "github.com/0xmhha/registry-indexer/pkg/api/middleware"
	"github.com/0xmhha/registry-indexer/pkg/indexer"
)

// StatusProvider reports the pipeline state
type StatusProvider interface {
	Status(ctx context.Context) (*indexer.Status, error)
}

// Server represents the ops HTTP server
type Server struct {
	config   *Config
	logger   *zap.Logger
	status   StatusProvider
	gatherer prometheus.Gatherer
	router   *chi.Mux
	server   *http.Server
}

// NewServer creates a new ops server. A nil gatherer serves the default
// Prometheus registry.
func NewServer(config *Config, logger *zap.Logger, status StatusProvider, gatherer prometheus.Gatherer) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if status == nil {
		return nil, fmt.Errorf("status provider cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		config:   config,
		logger:   logger.Named("api"),
		status:   status,
		gatherer: gatherer,
		router:   chi.NewRouter(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         config.Address(),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s, nil
}

// setupMiddleware configures the middleware stack
func (s *Server) setupMiddleware() {
	// Recovery middleware (must be first)
	s.router.Use(apimiddleware.Recovery(s.logger))
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(apimiddleware.Logger(s.logger))
}

// setupRoutes configures the ops routes
func (s *Server) setupRoutes() {
	s.router.Get(constants.DefaultHealthPath, s.handleHealth)
	s.router.Get(constants.DefaultStatusPath, s.handleStatus)
	s.router.Get("/version", s.handleVersion)
	s.router.Handle(constants.DefaultMetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(s.logger),
	}))
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status            string `json:"status"`
	Timestamp         string `json:"timestamp"`
	Network           string `json:"network,omitempty"`
	LastScannedHeight uint64 `json:"last_scanned_height"`
	Monitor           string `json:"monitor,omitempty"`
	Error             string `json:"error,omitempty"`
}

// handleHealth answers 200 when the pipeline is healthy and 503 otherwise
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	st, err := s.status.Status(r.Context())
	switch {
	case err != nil:
		response.Status = "error"
		response.Error = err.Error()
	case !st.Healthy:
		response.Status = "degraded"
	}
	if st != nil {
		response.Network = st.Network
		response.Monitor = st.Monitor.State
		if st.Progress != nil {
			response.LastScannedHeight = st.Progress.LastScannedHeight
		}
	}

	code := http.StatusOK
	if response.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, response)
}

// handleStatus returns the full status snapshot
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.status.Status(r.Context())
	if err != nil {
		s.logger.Warn("failed to build status", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

// handleVersion handles the version endpoint
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"name":    "registry-indexer",
		"version": s.config.Version,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.logger.Info("starting ops server", zap.String("address", s.config.Address()))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping ops server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("ops server stopped gracefully")
	return nil
}

// Router returns the underlying chi router (for testing)
func (s *Server) Router() *chi.Mux {
	return s.router
}
