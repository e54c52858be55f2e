// Package api exposes the control plane over REST and WebSocket. Handlers
// are thin adapters: they decode the request, call one domain service, and
// translate errors through mapError.
package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	echo "github.com/labstack/echo/v5"

	"github.com/hiveplane/hiveplane/pkg/budget"
	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/database"
	"github.com/hiveplane/hiveplane/pkg/eventbus"
	"github.com/hiveplane/hiveplane/pkg/federation"
	"github.com/hiveplane/hiveplane/pkg/registry"
	"github.com/hiveplane/hiveplane/pkg/sessiontree"
	"github.com/hiveplane/hiveplane/pkg/store"
	"github.com/hiveplane/hiveplane/pkg/team"
	"github.com/hiveplane/hiveplane/pkg/workflow"
)

// Deps wires the domain services into the HTTP surface. Everything except
// the stores may be nil; handlers for a missing service return 503.
type Deps struct {
	Registry    *registry.Registry
	Cancelers   team.CancelerProvider
	Teams       *team.Orchestrator
	Workflows   *workflow.Engine
	Budgets     *budget.Manager
	Clusters    *federation.Registry
	Router      *federation.Router
	Sessions    *sessiontree.Tree
	Bus         *eventbus.Bus
	Idempotency store.IdempotencyStore
	Metrics     http.Handler

	// DB, when set, is pinged by /health; an unreachable database turns
	// the report degraded.
	DB *sql.DB
}

// Server is the HTTP/WebSocket front end.
type Server struct {
	registry    *registry.Registry
	cancelers   team.CancelerProvider
	teams       *team.Orchestrator
	workflows   *workflow.Engine
	budgets     *budget.Manager
	clusters    *federation.Registry
	router      *federation.Router
	sessions    *sessiontree.Tree
	bus         *eventbus.Bus
	idempotency store.IdempotencyStore
	idemCache   *expirable.LRU[string, cachedIdem]
	metrics     http.Handler
	db          *sql.DB
	connManager *ConnectionManager

	cfg    config.ServerConfig
	logger *slog.Logger

	httpServer *http.Server
}

// NewServer assembles the server and its routes.
func NewServer(deps Deps, cfg config.ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry:    deps.Registry,
		cancelers:   deps.Cancelers,
		teams:       deps.Teams,
		workflows:   deps.Workflows,
		budgets:     deps.Budgets,
		clusters:    deps.Clusters,
		router:      deps.Router,
		sessions:    deps.Sessions,
		bus:         deps.Bus,
		idempotency: deps.Idempotency,
		idemCache:   newIdemCache(),
		metrics:     deps.Metrics,
		db:          deps.DB,
		cfg:         cfg,
		logger:      logger.With("component", "api"),
	}
	if deps.Bus != nil {
		s.connManager = NewConnectionManager(deps.Bus, cfg.WSWriteTimeout, logger)
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed so tests can drive the full handler
// chain through httptest without binding a port.
func (s *Server) Routes() *echo.Echo {
	e := echo.New()
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)
	if s.metrics != nil {
		e.GET("/metrics", func(c *echo.Context) error {
			s.metrics.ServeHTTP(c.Response(), c.Request())
			return nil
		})
	}
	e.GET("/ws", s.wsHandler)

	g := e.Group("/api/v1")

	g.POST("/agents", s.createAgentHandler)
	g.POST("/agents/batch", s.createAgentBatchHandler)
	g.GET("/agents", s.listAgentsHandler)
	g.GET("/agents/:id", s.getAgentHandler)
	g.POST("/agents/:id/pause", s.pauseAgentHandler)
	g.POST("/agents/:id/resume", s.resumeAgentHandler)
	g.POST("/agents/:id/retry", s.retryAgentHandler)
	g.POST("/agents/:id/kill", s.killAgentHandler)

	g.POST("/teams", s.createTeamHandler)
	g.GET("/teams", s.listTeamsHandler)
	g.GET("/teams/:id", s.getTeamHandler)
	g.DELETE("/teams/:id", s.destroyTeamHandler)
	g.GET("/teams/:id/members", s.teamMembersHandler)
	g.POST("/teams/:id/start", s.startTeamHandler)
	g.POST("/teams/:id/pause", s.pauseTeamHandler)
	g.POST("/teams/:id/resume", s.resumeTeamHandler)
	g.POST("/teams/:id/complete", s.completeTeamHandler)
	g.POST("/teams/:id/scale", s.scaleTeamHandler)
	g.POST("/teams/:id/agents", s.addTeamAgentHandler)
	g.DELETE("/teams/:id/agents/:agent_id", s.removeTeamAgentHandler)
	g.POST("/teams/:id/execute", s.executeTeamHandler)

	g.POST("/workflows", s.createWorkflowHandler)
	g.GET("/workflows", s.listWorkflowsHandler)
	g.GET("/workflows/:id", s.getWorkflowHandler)
	g.POST("/workflows/:id/start", s.startWorkflowHandler)
	g.POST("/workflows/:id/cancel", s.cancelWorkflowHandler)

	g.POST("/budgets", s.createBudgetHandler)
	g.GET("/budgets/:id", s.getBudgetHandler)
	g.GET("/budgets/entity/:entity_id", s.entityBudgetHandler)
	g.POST("/budgets/consume", s.consumeBudgetHandler)
	g.POST("/budgets/release", s.releaseBudgetHandler)

	g.POST("/clusters", s.registerClusterHandler)
	g.GET("/clusters", s.listClustersHandler)
	g.GET("/clusters/:id", s.getClusterHandler)
	g.DELETE("/clusters/:id", s.deregisterClusterHandler)
	g.POST("/clusters/:id/heartbeat", s.clusterHeartbeatHandler)
	g.POST("/clusters/route", s.routeHandler)

	g.POST("/sessions", s.createSessionHandler)
	g.GET("/sessions/:id", s.getSessionHandler)
	g.GET("/sessions/:id/path", s.sessionPathHandler)
	g.POST("/sessions/:id/messages", s.appendMessageHandler)
	g.POST("/sessions/:id/actions", s.appendActionHandler)
	g.GET("/sessions/:id/branches", s.listBranchesHandler)
	g.POST("/sessions/:id/branches", s.createBranchHandler)
	g.POST("/sessions/:id/branches/:name/switch", s.switchBranchHandler)
	g.POST("/sessions/:id/fork", s.forkSessionHandler)
	g.GET("/sessions/:id/compare", s.compareBranchesHandler)

	g.GET("/events", s.listEventsHandler)

	return e
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// healthHandler reports liveness plus a few cheap gauges. With a database
// wired in, an unreachable pool turns the report degraded with a 503 so
// load balancers stop routing here.
func (s *Server) healthHandler(c *echo.Context) error {
	status := http.StatusOK
	body := map[string]any{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if s.db != nil {
		pool := database.CheckHealth(c.Request().Context(), s.db)
		body["database"] = pool
		if !pool.Healthy {
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	if s.connManager != nil {
		body["ws_connections"] = s.connManager.ActiveConnections()
	}
	if s.registry != nil {
		counts, err := s.registry.CountByState(c.Request().Context())
		if err == nil {
			agents := 0
			for _, n := range counts {
				agents += n
			}
			body["agents"] = agents
		}
	}
	return c.JSON(status, body)
}
