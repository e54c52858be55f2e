package api

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/store"
)

var agentStates = map[models.AgentLifecycleState]bool{
	models.AgentStatePending:      true,
	models.AgentStateInitializing: true,
	models.AgentStateSpawning:     true,
	models.AgentStateRunning:      true,
	models.AgentStatePaused:       true,
	models.AgentStateCompleting:   true,
	models.AgentStateCompleted:    true,
	models.AgentStateFailed:       true,
	models.AgentStateKilled:       true,
}

// createAgentHandler handles POST /api/v1/agents.
func (s *Server) createAgentHandler(c *echo.Context) error {
	var cfg models.AgentConfig
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if cfg.Task == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task is required")
	}

	ctx := c.Request().Context()
	return s.withIdempotency(c, "agents.create", func() (int, any, error) {
		agent, err := s.registry.Register(ctx, cfg)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, agent, nil
	})
}

// createAgentBatchHandler handles POST /api/v1/agents/batch. The batch is
// atomic: either every agent is created or none is.
func (s *Server) createAgentBatchHandler(c *echo.Context) error {
	var body struct {
		Agents []models.AgentConfig `json:"agents"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(body.Agents) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "agents is required")
	}

	ctx := c.Request().Context()
	return s.withIdempotency(c, "agents.create_batch", func() (int, any, error) {
		agents, err := s.registry.RegisterMany(ctx, body.Agents)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, map[string]any{"agents": agents}, nil
	})
}

// listAgentsHandler handles GET /api/v1/agents.
func (s *Server) listAgentsHandler(c *echo.Context) error {
	p, err := pageFromRequest(c)
	if err != nil {
		return err
	}
	filter := store.AgentFilter{
		TeamID:  c.QueryParam("team_id"),
		AfterID: p.AfterID,
		Limit:   p.Limit,
	}
	if v := c.QueryParam("state"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			state := models.AgentLifecycleState(raw)
			if !agentStates[state] {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid state: "+raw)
			}
			filter.States = append(filter.States, state)
		}
	}

	agents, err := s.registry.List(c.Request().Context(), filter)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, newListResponse(agents, p.Limit, func(a *models.Agent) string { return a.ID }))
}

// getAgentHandler handles GET /api/v1/agents/:id.
func (s *Server) getAgentHandler(c *echo.Context) error {
	agent, err := s.registry.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, agent)
}

// pauseAgentHandler handles POST /api/v1/agents/:id/pause.
func (s *Server) pauseAgentHandler(c *echo.Context) error {
	agent, err := s.registry.Pause(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, agent)
}

// resumeAgentHandler handles POST /api/v1/agents/:id/resume.
func (s *Server) resumeAgentHandler(c *echo.Context) error {
	agent, err := s.registry.Resume(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, agent)
}

// retryAgentHandler handles POST /api/v1/agents/:id/retry.
func (s *Server) retryAgentHandler(c *echo.Context) error {
	agent, err := s.registry.Retry(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, agent)
}

// killAgentHandler handles POST /api/v1/agents/:id/kill.
func (s *Server) killAgentHandler(c *echo.Context) error {
	id := c.Param("id")
	var canceler func() <-chan struct{}
	if s.cancelers != nil {
		canceler = s.cancelers.CancelerFor(id)
	}
	agent, err := s.registry.Kill(c.Request().Context(), id, canceler)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, agent)
}
