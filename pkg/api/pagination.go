package api

import (
	"encoding/base64"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"
)

const defaultPageSize = 50

// page is the decoded cursor pagination request.
type page struct {
	AfterID string
	Limit   int
}

// pageFromRequest reads the cursor and limit query parameters. The cursor
// is an opaque base64url of the last-seen ordering key.
func pageFromRequest(c *echo.Context) (page, error) {
	p := page{Limit: defaultPageSize}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			return p, echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer in [1,1000]")
		}
		p.Limit = n
	}
	if v := c.QueryParam("cursor"); v != "" {
		raw, err := base64.RawURLEncoding.DecodeString(v)
		if err != nil {
			return p, echo.NewHTTPError(http.StatusBadRequest, "malformed cursor")
		}
		p.AfterID = string(raw)
	}
	return p, nil
}

// listResponse wraps a page of items with the cursor for the next page.
// NextCursor is empty when the page was not full.
type listResponse[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// newListResponse builds the page envelope; id extracts the ordering key
// of the last item.
func newListResponse[T any](items []T, limit int, id func(T) string) listResponse[T] {
	resp := listResponse[T]{Items: items}
	if len(items) == limit && limit > 0 {
		resp.NextCursor = base64.RawURLEncoding.EncodeToString([]byte(id(items[len(items)-1])))
	}
	if resp.Items == nil {
		resp.Items = []T{}
	}
	return resp
}
