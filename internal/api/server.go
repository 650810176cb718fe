// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pnl-tracker/internal/logging"
	"github.com/pnl-tracker/internal/models"
	"github.com/pnl-tracker/internal/service"
)

// Service interfaces for dependency injection and testing

// SnapshotServiceInterface defines the interface for snapshot service operations
type SnapshotServiceInterface interface {
	CreateSnapshot(ctx context.Context, ownerID string, req *service.CreateSnapshotRequest) (*service.MutationResult, error)
	UpdateSnapshot(ctx context.Context, ownerID, id string, req *service.UpdateSnapshotRequest) (*service.MutationResult, error)
	DeleteSnapshot(ctx context.Context, ownerID, id string) (*service.MutationResult, error)
	GetSnapshot(ctx context.Context, ownerID, id string) (*models.Snapshot, error)
	GetLatestSnapshot(ctx context.Context, ownerID string) (*models.Snapshot, error)
	ListSnapshots(ctx context.Context, ownerID string, limit int) ([]*models.Snapshot, error)
	GetStats(ctx context.Context, ownerID string) (*models.PortfolioStats, error)
	Recalculate(ctx context.Context, ownerID string) (*service.RecalcReport, error)
}

// TargetServiceInterface defines the interface for KPI target operations
type TargetServiceInterface interface {
	ListTargets(ctx context.Context, ownerID string) ([]models.KPITarget, error)
	CreateTarget(ctx context.Context, ownerID string, req *service.CreateTargetRequest) (*service.TargetResult, error)
	UpdateTarget(ctx context.Context, ownerID, id string, req *service.UpdateTargetRequest) (*service.TargetResult, error)
	DeleteTarget(ctx context.Context, ownerID, id string) (*service.TargetResult, error)
}

// SourceServiceInterface defines the interface for balance source operations
type SourceServiceInterface interface {
	ListSources(ctx context.Context, ownerID string, includeInactive bool) ([]models.BalanceSource, error)
	CreateSource(ctx context.Context, ownerID string, req *service.CreateSourceRequest) (*models.BalanceSource, error)
	UpdateSource(ctx context.Context, ownerID, id string, req *service.UpdateSourceRequest) (*models.BalanceSource, error)
	DeleteSource(ctx context.Context, ownerID, id string) (*service.DeleteSourceResult, error)
}

// HealthCheck probes one backing component
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP API server.
type Server struct {
	router          *mux.Router
	httpServer      *http.Server
	snapshotService SnapshotServiceInterface
	targetService   TargetServiceInterface
	sourceService   SourceServiceInterface
	monitor         *service.PerformanceMonitor
	healthChecks    map[string]HealthCheck
	config          *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	RequestsPerSecond int // per owner
	Burst             int
}

// NewServer creates a new API server instance.
// monitor may be nil.
func NewServer(
	config *ServerConfig,
	snapshotService SnapshotServiceInterface,
	targetService TargetServiceInterface,
	sourceService SourceServiceInterface,
	monitor *service.PerformanceMonitor,
) *Server {
	s := &Server{
		router:          mux.NewRouter(),
		snapshotService: snapshotService,
		targetService:   targetService,
		sourceService:   sourceService,
		monitor:         monitor,
		healthChecks:    make(map[string]HealthCheck),
		config:          config,
	}

	s.setupRouter()

	return s
}

// AddHealthCheck registers a component probed by /health
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.healthChecks[name] = check
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)

	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// Snapshot endpoints; fixed paths before {id}
	api.HandleFunc("/snapshots", s.handleListSnapshots).Methods("GET")
	api.HandleFunc("/snapshots", s.handleCreateSnapshot).Methods("POST")
	api.HandleFunc("/snapshots/latest", s.handleGetLatestSnapshot).Methods("GET")
	api.HandleFunc("/snapshots/recalculate", s.handleRecalculate).Methods("POST")
	api.HandleFunc("/snapshots/{id}", s.handleGetSnapshot).Methods("GET")
	api.HandleFunc("/snapshots/{id}", s.handleUpdateSnapshot).Methods("PUT")
	api.HandleFunc("/snapshots/{id}", s.handleDeleteSnapshot).Methods("DELETE")

	api.HandleFunc("/stats", s.handleGetStats).Methods("GET")

	// KPI target endpoints
	api.HandleFunc("/targets", s.handleListTargets).Methods("GET")
	api.HandleFunc("/targets", s.handleCreateTarget).Methods("POST")
	api.HandleFunc("/targets/{id}", s.handleUpdateTarget).Methods("PUT")
	api.HandleFunc("/targets/{id}", s.handleDeleteTarget).Methods("DELETE")

	// Balance source endpoints
	api.HandleFunc("/sources", s.handleListSources).Methods("GET")
	api.HandleFunc("/sources", s.handleCreateSource).Methods("POST")
	api.HandleFunc("/sources/{id}", s.handleUpdateSource).Methods("PUT")
	api.HandleFunc("/sources/{id}", s.handleDeleteSource).Methods("DELETE")

	// Preflight requests need a matching route for the middleware chain to run
	s.router.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleHealth reports process health plus the registered component checks
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	components := make(map[string]string, len(s.healthChecks))
	for name, check := range s.healthChecks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := check(ctx)
		cancel()
		if err != nil {
			components[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}

	body := map[string]interface{}{
		"status":     "healthy",
		"service":    "pnl-tracker",
		"components": components,
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if s.monitor != nil {
		body["performance"] = s.monitor.GetStats()
	}
	respondJSON(w, status, body)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.GetGlobalLogger().WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.GetGlobalLogger().Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
