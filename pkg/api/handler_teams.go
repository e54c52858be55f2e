package api

import (
	"context"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/store"
	"github.com/hiveplane/hiveplane/pkg/team"
)

var teamStatuses = map[models.TeamStatus]bool{
	models.TeamStatusCreating:  true,
	models.TeamStatusActive:    true,
	models.TeamStatusScaling:   true,
	models.TeamStatusPaused:    true,
	models.TeamStatusCompleted: true,
	models.TeamStatusFailed:    true,
}

// createTeamHandler handles POST /api/v1/teams.
func (s *Server) createTeamHandler(c *echo.Context) error {
	var cfg models.TeamConfig
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	return s.withIdempotency(c, "teams.create", func() (int, any, error) {
		created, err := s.teams.Create(ctx, cfg)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, created, nil
	})
}

// listTeamsHandler handles GET /api/v1/teams.
func (s *Server) listTeamsHandler(c *echo.Context) error {
	p, err := pageFromRequest(c)
	if err != nil {
		return err
	}
	filter := store.TeamFilter{AfterID: p.AfterID, Limit: p.Limit}
	if v := c.QueryParam("status"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			status := models.TeamStatus(raw)
			if !teamStatuses[status] {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+raw)
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	teams, err := s.teams.List(c.Request().Context(), filter)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, newListResponse(teams, p.Limit, func(t *models.Team) string { return t.ID }))
}

// getTeamHandler handles GET /api/v1/teams/:id.
func (s *Server) getTeamHandler(c *echo.Context) error {
	t, err := s.teams.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, t)
}

// destroyTeamHandler handles DELETE /api/v1/teams/:id.
func (s *Server) destroyTeamHandler(c *echo.Context) error {
	if err := s.teams.Destroy(c.Request().Context(), c.Param("id")); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// teamMembersHandler handles GET /api/v1/teams/:id/members.
func (s *Server) teamMembersHandler(c *echo.Context) error {
	members, err := s.teams.Members(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	if members == nil {
		members = []*models.Agent{}
	}
	return c.JSON(http.StatusOK, members)
}

func (s *Server) startTeamHandler(c *echo.Context) error {
	return s.teamTransition(c, s.teams.Start)
}

func (s *Server) pauseTeamHandler(c *echo.Context) error {
	return s.teamTransition(c, s.teams.Pause)
}

func (s *Server) resumeTeamHandler(c *echo.Context) error {
	return s.teamTransition(c, s.teams.Resume)
}

func (s *Server) completeTeamHandler(c *echo.Context) error {
	return s.teamTransition(c, s.teams.Complete)
}

func (s *Server) teamTransition(c *echo.Context, op func(context.Context, string) (*models.Team, error)) error {
	t, err := op(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, t)
}

// scaleTeamHandler handles POST /api/v1/teams/:id/scale.
func (s *Server) scaleTeamHandler(c *echo.Context) error {
	var req struct {
		Target int `json:"target"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	t, err := s.teams.Scale(c.Request().Context(), c.Param("id"), req.Target)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, t)
}

// addTeamAgentHandler handles POST /api/v1/teams/:id/agents.
func (s *Server) addTeamAgentHandler(c *echo.Context) error {
	var cfg models.AgentConfig
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	teamID := c.Param("id")

	ctx := c.Request().Context()
	return s.withIdempotency(c, "teams.agents.add", func() (int, any, error) {
		agent, err := s.teams.AddAgent(ctx, teamID, cfg)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, agent, nil
	})
}

// removeTeamAgentHandler handles DELETE /api/v1/teams/:id/agents/:agent_id.
func (s *Server) removeTeamAgentHandler(c *echo.Context) error {
	if err := s.teams.RemoveAgent(c.Request().Context(), c.Param("id"), c.Param("agent_id")); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// executeTeamHandler handles POST /api/v1/teams/:id/execute. The strategy
// runs in the background; progress is observable on the event bus and the
// result lands on the team record.
func (s *Server) executeTeamHandler(c *echo.Context) error {
	var req team.ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	teamID := c.Param("id")

	// Reject unknown teams before accepting the run.
	t, err := s.teams.Get(c.Request().Context(), teamID)
	if err != nil {
		return mapError(err)
	}

	go func() {
		if _, err := s.teams.Execute(context.Background(), teamID, req); err != nil {
			s.logger.Error("team execution failed", "team_id", teamID, "error", err)
		}
	}()

	return c.JSON(http.StatusAccepted, map[string]any{
		"team_id":  t.ID,
		"strategy": t.Strategy,
		"status":   "accepted",
	})
}
