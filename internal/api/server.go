// Package api provides the HTTP trigger boundary: enqueue a sync, advance the queue, poll job status.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/campaign-sync/internal/config"
	apperrors "github.com/campaign-sync/internal/errors"
	"github.com/campaign-sync/internal/logging"
	"github.com/campaign-sync/internal/metrics"
	"github.com/campaign-sync/internal/models"
)

// JobQueue is the queue surface the handlers need
type JobQueue interface {
	Enqueue(ctx context.Context, params models.JobParams) (*models.Job, error)
	GetJobStatus(ctx context.Context, id string) (*models.JobStatusView, error)
	HasActive(ctx context.Context, jobType models.JobType) (*models.Job, error)
	ProcessNext(ctx context.Context) (bool, error)
	Length(ctx context.Context) (int64, error)
}

// SyncHistory reads past passes
type SyncHistory interface {
	Recent(ctx context.Context, limit int) ([]models.SyncHistory, error)
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	queue      JobQueue
	history    SyncHistory
	config     *ServerConfig
	now        func() time.Time
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	ShutdownTimeout   time.Duration
	Token             string
	RecentWindow      time.Duration
	RequestsPerSecond float64
	Burst             int
}

// ServerConfigFrom collects the server settings from the loaded configuration
func ServerConfigFrom(cfg *config.Config) *ServerConfig {
	return &ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		Token:             cfg.Trigger.Token,
		RecentWindow:      cfg.Sync.RecentWindow,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
	}
}

// NewServer creates a new API server instance.
func NewServer(cfg *ServerConfig, queue JobQueue, history SyncHistory) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		queue:   queue,
		history: history,
		config:  cfg,
		now:     time.Now,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)

	s.setupRoutes()
	setFallbackHandlers(s.router)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)))
	api.Use(AuthMiddleware(s.config.Token))

	api.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	api.HandleFunc("/worker", s.handleWorker).Methods(http.MethodPost)
	api.HandleFunc("/job-status", s.handleJobStatus).Methods(http.MethodGet)
	api.HandleFunc("/sync-history", s.handleSyncHistory).Methods(http.MethodGet)
	// a subrouter reports a method mismatch as not found unless it has its own handlers
	setFallbackHandlers(api)
}

func setFallbackHandlers(r *mux.Router) {
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		respondError(w, req, apperrors.NewNotFoundError("route", req.URL.Path))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		respondError(w, req, apperrors.NewMethodNotAllowedError(req.Method))
	})
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "campaign-sync",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
