package api

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/sessiontree"
)

// createSessionHandler handles POST /api/v1/sessions.
func (s *Server) createSessionHandler(c *echo.Context) error {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.AgentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent_id is required")
	}

	ctx := c.Request().Context()
	return s.withIdempotency(c, "sessions.create", func() (int, any, error) {
		session, err := s.sessions.CreateSession(ctx, req.AgentID)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, session, nil
	})
}

// getSessionHandler handles GET /api/v1/sessions/:id.
func (s *Server) getSessionHandler(c *echo.Context) error {
	session, err := s.sessions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, session)
}

// sessionPathHandler handles GET /api/v1/sessions/:id/path. Returns the
// journal from the root to the current branch head, fork ancestry
// included.
func (s *Server) sessionPathHandler(c *echo.Context) error {
	path, err := s.sessions.Path(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	if path == nil {
		path = []*models.SessionNode{}
	}
	return c.JSON(http.StatusOK, path)
}

// appendMessageHandler handles POST /api/v1/sessions/:id/messages.
func (s *Server) appendMessageHandler(c *echo.Context) error {
	var req struct {
		Role    string  `json:"role"`
		Content string  `json:"content"`
		Cost    float64 `json:"cost"`
		Tokens  int     `json:"tokens"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Role == "" || req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "role and content are required")
	}

	node, err := s.sessions.AppendMessage(c.Request().Context(), c.Param("id"), sessiontree.Message{
		Role:    req.Role,
		Content: req.Content,
		Cost:    req.Cost,
		Tokens:  req.Tokens,
	})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, node)
}

// appendActionHandler handles POST /api/v1/sessions/:id/actions.
func (s *Server) appendActionHandler(c *echo.Context) error {
	var req struct {
		Tool        string  `json:"tool"`
		Description string  `json:"description"`
		Cost        float64 `json:"cost"`
		Tokens      int     `json:"tokens"`
		Success     bool    `json:"success"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Tool == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tool is required")
	}

	node, err := s.sessions.AppendAgentAction(c.Request().Context(), c.Param("id"), sessiontree.AgentAction{
		Tool:        req.Tool,
		Description: req.Description,
		Cost:        req.Cost,
		Tokens:      req.Tokens,
		Success:     req.Success,
	})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, node)
}

// listBranchesHandler handles GET /api/v1/sessions/:id/branches.
func (s *Server) listBranchesHandler(c *echo.Context) error {
	branches, err := s.sessions.Branches(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	if branches == nil {
		branches = []*models.SessionBranch{}
	}
	return c.JSON(http.StatusOK, branches)
}

// createBranchHandler handles POST /api/v1/sessions/:id/branches. With
// at_node set, the branch starts from that historical node instead of the
// current head.
func (s *Server) createBranchHandler(c *echo.Context) error {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		AtNode      string `json:"at_node"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	sessionID := c.Param("id")
	var branch *models.SessionBranch
	var err error
	if req.AtNode != "" {
		branch, err = s.sessions.CreateBranchAt(ctx, sessionID, req.AtNode, req.Name)
	} else {
		branch, err = s.sessions.CreateBranch(ctx, sessionID, req.Name, req.Description)
	}
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, branch)
}

// switchBranchHandler handles POST /api/v1/sessions/:id/branches/:name/switch.
func (s *Server) switchBranchHandler(c *echo.Context) error {
	session, err := s.sessions.SwitchBranch(c.Request().Context(), c.Param("id"), c.Param("name"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, session)
}

// forkSessionHandler handles POST /api/v1/sessions/:id/fork.
func (s *Server) forkSessionHandler(c *echo.Context) error {
	var req struct {
		NodeID string `json:"node_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.NodeID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "node_id is required")
	}

	ctx := c.Request().Context()
	sessionID := c.Param("id")
	return s.withIdempotency(c, "sessions.fork", func() (int, any, error) {
		fork, err := s.sessions.Fork(ctx, sessionID, req.NodeID)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, fork, nil
	})
}

// compareBranchesHandler handles GET /api/v1/sessions/:id/compare. The
// branches query parameter narrows the comparison; empty compares all.
func (s *Server) compareBranchesHandler(c *echo.Context) error {
	var names []string
	if v := c.QueryParam("branches"); v != "" {
		names = strings.Split(v, ",")
	}
	cmp, err := s.sessions.CompareBranches(c.Request().Context(), c.Param("id"), names...)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, cmp)
}
