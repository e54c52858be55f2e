package api

import (
	"errors"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/hiveplane/hiveplane/pkg/eventbus"
)

// maxEventPage bounds one journal read.
const maxEventPage = 500

// listEventsHandler handles GET /api/v1/events: a REST read of the event
// journal for clients that missed WebSocket traffic. Results are ordered
// by sequence; next_after_seq is the resume point for the following call.
func (s *Server) listEventsHandler(c *echo.Context) error {
	if s.bus == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event bus not available")
	}

	var afterSeq int64
	if v := c.QueryParam("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "after_seq must be a non-negative integer")
		}
		afterSeq = n
	}
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxEventPage {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer in [1,500]")
		}
		limit = n
	}
	var patterns []string
	if v := c.QueryParam("pattern"); v != "" {
		patterns = append(patterns, v)
	}

	cursor := s.bus.Replay(afterSeq, patterns...)
	events := make([]*eventbus.Event, 0, limit)
	ctx := c.Request().Context()
	for len(events) < limit {
		e, err := cursor.Next(ctx)
		if errors.Is(err, eventbus.ErrEndOfJournal) {
			break
		}
		if err != nil {
			return mapError(err)
		}
		events = append(events, e)
	}

	body := map[string]any{"events": events}
	if len(events) > 0 {
		body["next_after_seq"] = events[len(events)-1].Sequence
	}
	return c.JSON(http.StatusOK, body)
}
