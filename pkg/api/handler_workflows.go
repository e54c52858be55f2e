package api

import (
	"io"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/store"
	"github.com/hiveplane/hiveplane/pkg/workflow"
)

// maxWorkflowDefinitionBytes bounds the accepted definition size.
const maxWorkflowDefinitionBytes = 1 << 20

var workflowStatuses = map[models.WorkflowStatus]bool{
	models.WorkflowStatusPending:   true,
	models.WorkflowStatusRunning:   true,
	models.WorkflowStatusPaused:    true,
	models.WorkflowStatusCompleted: true,
	models.WorkflowStatusFailed:    true,
	models.WorkflowStatusCancelled: true,
}

// createWorkflowHandler handles POST /api/v1/workflows. The body is a
// workflow definition; YAML and JSON both parse since YAML is a superset.
func (s *Server) createWorkflowHandler(c *echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWorkflowDefinitionBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) > maxWorkflowDefinitionBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "workflow definition too large")
	}
	def, err := workflow.ParseDefinition(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	return s.withIdempotency(c, "workflows.create", func() (int, any, error) {
		wf, err := s.workflows.Create(ctx, def)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, wf, nil
	})
}

// listWorkflowsHandler handles GET /api/v1/workflows.
func (s *Server) listWorkflowsHandler(c *echo.Context) error {
	p, err := pageFromRequest(c)
	if err != nil {
		return err
	}
	filter := store.WorkflowFilter{
		TeamID:  c.QueryParam("team_id"),
		AfterID: p.AfterID,
		Limit:   p.Limit,
	}
	if v := c.QueryParam("status"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			status := models.WorkflowStatus(raw)
			if !workflowStatuses[status] {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+raw)
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	flows, err := s.workflows.List(c.Request().Context(), filter)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, newListResponse(flows, p.Limit, func(w *models.Workflow) string { return w.ID }))
}

// getWorkflowHandler handles GET /api/v1/workflows/:id.
func (s *Server) getWorkflowHandler(c *echo.Context) error {
	wf, err := s.workflows.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, wf)
}

// startWorkflowHandler handles POST /api/v1/workflows/:id/start. The run
// happens in the background; 202 acknowledges the launch.
func (s *Server) startWorkflowHandler(c *echo.Context) error {
	id := c.Param("id")
	wf, err := s.workflows.Get(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	if wf.Status != models.WorkflowStatusPending {
		return echo.NewHTTPError(http.StatusConflict, "workflow is not pending")
	}
	s.workflows.Start(id)
	return c.JSON(http.StatusAccepted, map[string]string{
		"workflow_id": id,
		"status":      "accepted",
	})
}

// cancelWorkflowHandler handles POST /api/v1/workflows/:id/cancel.
func (s *Server) cancelWorkflowHandler(c *echo.Context) error {
	id := c.Param("id")
	if err := s.workflows.Cancel(c.Request().Context(), id); err != nil {
		return mapError(err)
	}
	wf, err := s.workflows.Get(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, wf)
}
