// Package server provides the HTTP API for archond.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/archon/internal/audit"
	"github.com/fyrsmithlabs/archon/internal/auth"
	"github.com/fyrsmithlabs/archon/internal/catalog"
	"github.com/fyrsmithlabs/archon/internal/chat"
	"github.com/fyrsmithlabs/archon/internal/ingest"
	"github.com/fyrsmithlabs/archon/internal/progress"
	"github.com/fyrsmithlabs/archon/internal/ratelimit"
	"github.com/fyrsmithlabs/archon/internal/search"
	"github.com/fyrsmithlabs/archon/internal/telemetry"
)

// Searcher runs hybrid retrieval.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
}

// Chatter is the RAG conversation engine. Nil when no LLM credential
// is configured; chat endpoints then answer 503.
type Chatter interface {
	Ask(ctx context.Context, sessionID, message string, opts chat.AskOptions) (*chat.Reply, error)
	Stream(ctx context.Context, sessionID, message string, opts chat.AskOptions) (<-chan chat.StreamEvent, error)
}

// Ingester is the scan-side surface the API drives.
type Ingester interface {
	ValidateRoot(path string) (string, error)
	Reindex(ctx context.Context, documentID int64, userIP string) error
	DeleteScanData(ctx context.Context, scanID int64, userIP string) error
	Estimate(ctx context.Context, root string) (*ingest.Estimate, error)
}

// TaskQueue submits and cancels background scan tasks.
type TaskQueue interface {
	Enqueue(ctx context.Context, scanID int64) (string, error)
	Cancel(ctx context.Context, scanID int64) error
}

// Subscriber streams progress snapshots for the scan websocket.
type Subscriber interface {
	Subscribe(ctx context.Context, scanID int64, interval time.Duration) <-chan progress.Snapshot
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// DisableAuth resolves every request to a synthesized admin.
	// Development only.
	DisableAuth bool
}

// Deps are the server's collaborators. Store, Search and Log are
// required; optional ones degrade their endpoints.
type Deps struct {
	Store    *catalog.Store
	Auth     *auth.Service
	Search   Searcher
	Chat     Chatter
	Ingest   Ingester
	Tasks    TaskQueue
	Progress Subscriber
	Audit    *audit.Logger
	Limiter  *ratelimit.Limiter
	Metrics  *telemetry.Metrics
	Log      *zap.Logger

	// Checks are per-dependency health probes reported by /health.
	Checks map[string]func(ctx context.Context) error
}

// Server provides the HTTP endpoints for archond.
type Server struct {
	echo    *echo.Echo
	config  Config
	store   *catalog.Store
	auth    *auth.Service
	search  Searcher
	chat    Chatter
	ingest  Ingester
	tasks   TaskQueue
	watch   Subscriber
	audit   *audit.Logger
	limiter *ratelimit.Limiter
	metrics *telemetry.Metrics
	checks  map[string]func(ctx context.Context) error
	log     *zap.Logger
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(deps Deps, cfg Config) (*Server, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("catalog store is required")
	}
	if deps.Search == nil {
		return nil, fmt.Errorf("search retriever is required")
	}
	if deps.Log == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.New()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 8800
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		config:  cfg,
		store:   deps.Store,
		auth:    deps.Auth,
		search:  deps.Search,
		chat:    deps.Chat,
		ingest:  deps.Ingest,
		tasks:   deps.Tasks,
		watch:   deps.Progress,
		audit:   deps.Audit,
		limiter: deps.Limiter,
		metrics: deps.Metrics,
		checks:  deps.Checks,
		log:     deps.Log.Named("http"),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger())
	e.Use(s.rateLimit())

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(
		s.metrics.Registry, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")

	// Registration checks the caller itself: the bootstrap account is
	// created unauthenticated, later ones need an admin token.
	v1.POST("/auth/register", s.handleRegister)
	v1.POST("/auth/login", s.handleLogin)
	v1.POST("/auth/refresh", s.handleRefresh)

	api := v1.Group("", s.authenticate())

	scans := api.Group("/scans")
	scans.POST("", s.handleCreateScan, s.requireRole(auth.RoleAnalyst))
	scans.POST("/estimate", s.handleEstimateScan, s.requireRole(auth.RoleAnalyst))
	scans.GET("", s.handleListScans)
	scans.GET("/:id", s.handleGetScan)
	scans.GET("/:id/errors", s.handleScanErrors)
	scans.GET("/:id/progress", s.handleScanProgress)
	scans.POST("/:id/cancel", s.handleCancelScan, s.requireRole(auth.RoleAnalyst))
	scans.POST("/:id/resume", s.handleResumeScan, s.requireRole(auth.RoleAnalyst))
	scans.DELETE("/:id", s.handleDeleteScan, s.requireRole(auth.RoleAdmin))

	api.GET("/search", s.handleSearch)

	api.POST("/chat", s.handleChat)
	api.POST("/chat/stream", s.handleChatStream)

	api.GET("/entities", s.handleListEntities)
	api.GET("/entities/graph", s.handleEntityGraph)
	api.POST("/entities/merge", s.handleMergeEntities, s.requireRole(auth.RoleAdmin))

	api.GET("/documents", s.handleListDocuments)
	api.GET("/documents/:id", s.handleGetDocument)
	api.POST("/documents/:id/reindex", s.handleReindexDocument, s.requireRole(auth.RoleAnalyst))

	// The full trail is admin-only; handleListAudit opens the
	// document-scoped view to analysts.
	api.GET("/audit", s.handleListAudit, s.requireRole(auth.RoleAnalyst))
	api.GET("/audit/verify", s.handleVerifyAudit, s.requireRole(auth.RoleAdmin))
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services,omitempty"`
}

// handleHealth probes each wired dependency. Any failure degrades the
// overall status and the response code.
func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	services := make(map[string]string, len(s.checks))
	healthy := true
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			services[name] = err.Error()
			healthy = false
		} else {
			services[name] = "ok"
		}
	}

	resp := HealthResponse{Status: "ok", Services: services}
	code := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.log.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
