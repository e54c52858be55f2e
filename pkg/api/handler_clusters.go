package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/hiveplane/hiveplane/pkg/models"
)

// registerClusterHandler handles POST /api/v1/clusters.
func (s *Server) registerClusterHandler(c *echo.Context) error {
	var cluster models.Cluster
	if err := c.Bind(&cluster); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if cluster.ID == "" || cluster.Endpoint == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id and endpoint are required")
	}

	ctx := c.Request().Context()
	return s.withIdempotency(c, "clusters.register", func() (int, any, error) {
		registered, err := s.clusters.Register(ctx, &cluster)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, registered, nil
	})
}

// listClustersHandler handles GET /api/v1/clusters.
func (s *Server) listClustersHandler(c *echo.Context) error {
	clusters, err := s.clusters.List(c.Request().Context())
	if err != nil {
		return mapError(err)
	}
	if clusters == nil {
		clusters = []*models.Cluster{}
	}
	return c.JSON(http.StatusOK, clusters)
}

// getClusterHandler handles GET /api/v1/clusters/:id.
func (s *Server) getClusterHandler(c *echo.Context) error {
	cluster, err := s.clusters.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, cluster)
}

// deregisterClusterHandler handles DELETE /api/v1/clusters/:id.
func (s *Server) deregisterClusterHandler(c *echo.Context) error {
	if err := s.clusters.Deregister(c.Request().Context(), c.Param("id")); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// clusterHeartbeatHandler handles POST /api/v1/clusters/:id/heartbeat.
func (s *Server) clusterHeartbeatHandler(c *echo.Context) error {
	var capacity models.ClusterCapacity
	if err := c.Bind(&capacity); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id := c.Param("id")
	if err := s.clusters.Heartbeat(c.Request().Context(), id, capacity); err != nil {
		return mapError(err)
	}
	cluster, err := s.clusters.Get(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, cluster)
}

// routeHandler handles POST /api/v1/clusters/route.
func (s *Server) routeHandler(c *echo.Context) error {
	var req models.RouteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	cluster, err := s.router.Route(c.Request().Context(), req)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, cluster)
}
