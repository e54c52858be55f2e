package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/hiveplane/hiveplane/pkg/budget"
	"github.com/hiveplane/hiveplane/pkg/models"
)

// createBudgetHandler handles POST /api/v1/budgets.
func (s *Server) createBudgetHandler(c *echo.Context) error {
	var req budget.CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	return s.withIdempotency(c, "budgets.create", func() (int, any, error) {
		b, err := s.budgets.Create(ctx, req)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, b, nil
	})
}

// getBudgetHandler handles GET /api/v1/budgets/:id.
func (s *Server) getBudgetHandler(c *echo.Context) error {
	b, err := s.budgets.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, b)
}

// entityBudgetHandler handles GET /api/v1/budgets/entity/:entity_id. The
// level query parameter is required; remaining reflects the tightest
// constraint in the hierarchy chain.
func (s *Server) entityBudgetHandler(c *echo.Context) error {
	level := models.BudgetLevel(c.QueryParam("level"))
	if level == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "level query parameter is required")
	}
	ctx := c.Request().Context()
	entityID := c.Param("entity_id")

	b, err := s.budgets.GetByEntity(ctx, entityID, level)
	if err != nil {
		return mapError(err)
	}
	remaining, err := s.budgets.Remaining(ctx, entityID, level)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"budget":    b,
		"remaining": remaining,
	})
}

// budgetAmountRequest is the shape for consume and release.
type budgetAmountRequest struct {
	EntityID string             `json:"entity_id"`
	Level    models.BudgetLevel `json:"level"`
	Amount   float64            `json:"amount"`
}

// consumeBudgetHandler handles POST /api/v1/budgets/consume.
func (s *Server) consumeBudgetHandler(c *echo.Context) error {
	var req budgetAmountRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	if err := s.budgets.Consume(ctx, req.EntityID, req.Level, req.Amount); err != nil {
		return mapError(err)
	}
	remaining, err := s.budgets.Remaining(ctx, req.EntityID, req.Level)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"remaining": remaining})
}

// releaseBudgetHandler handles POST /api/v1/budgets/release.
func (s *Server) releaseBudgetHandler(c *echo.Context) error {
	var req budgetAmountRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	if err := s.budgets.Release(ctx, req.EntityID, req.Level, req.Amount); err != nil {
		return mapError(err)
	}
	remaining, err := s.budgets.Remaining(ctx, req.EntityID, req.Level)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"remaining": remaining})
}
