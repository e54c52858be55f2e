package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/hiveplane/hiveplane/pkg/budget"
	"github.com/hiveplane/hiveplane/pkg/federation"
	"github.com/hiveplane/hiveplane/pkg/registry"
	"github.com/hiveplane/hiveplane/pkg/sessiontree"
	"github.com/hiveplane/hiveplane/pkg/statemachine"
	"github.com/hiveplane/hiveplane/pkg/store"
	"github.com/hiveplane/hiveplane/pkg/team"
	"github.com/hiveplane/hiveplane/pkg/workflow"
)

// validationErrs all map to 400.
var validationErrs = []error{
	registry.ErrModelRequired,
	registry.ErrTaskRequired,
	team.ErrNameRequired,
	team.ErrInvalidStrategy,
	team.ErrInvalidTarget,
	team.ErrNoScaleTemplate,
	team.ErrStrategyMismatch,
	budget.ErrInvalidLevel,
	budget.ErrInvalidAmount,
	budget.ErrInvalidTotal,
	workflow.ErrNoName,
	workflow.ErrDuplicateStep,
	workflow.ErrSelfLoop,
	workflow.ErrUnknownDependency,
	workflow.ErrCycle,
	workflow.ErrInvalidConcurrency,
	sessiontree.ErrNameRequired,
}

// mapError translates domain errors into HTTP responses.
func mapError(err error) *echo.HTTPError {
	for _, v := range validationErrs {
		if errors.Is(err, v) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	var capErr *team.CapacityError
	if errors.As(err, &capErr) {
		return echo.NewHTTPError(http.StatusBadRequest, capErr.Error())
	}
	var fullErr *registry.TeamFullError
	if errors.As(err, &fullErr) {
		return echo.NewHTTPError(http.StatusBadRequest, fullErr.Error())
	}
	var refErr *registry.TeamRefError
	if errors.As(err, &refErr) {
		return echo.NewHTTPError(http.StatusBadRequest, refErr.Error())
	}
	var depthErr *team.TreeDepthError
	if errors.As(err, &depthErr) {
		return echo.NewHTTPError(http.StatusBadRequest, depthErr.Error())
	}

	var budgetErr *budget.ExceededError
	if errors.As(err, &budgetErr) {
		return echo.NewHTTPError(http.StatusPaymentRequired, budgetErr.Error())
	}

	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, team.ErrNotMember),
		errors.Is(err, sessiontree.ErrBranchNotFound),
		errors.Is(err, sessiontree.ErrNodeNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	case errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, sessiontree.ErrBranchExists):
		return echo.NewHTTPError(http.StatusConflict, "resource already exists")
	case errors.Is(err, store.ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, "resource was modified concurrently")
	case errors.Is(err, statemachine.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, federation.ErrNoEligibleCluster):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}

	slog.Error("unexpected error in handler", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
