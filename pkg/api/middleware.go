package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	echo "github.com/labstack/echo/v5"

	"github.com/hiveplane/hiveplane/pkg/store"
)

// idempotencyHeader carries the client-supplied replay key on mutating
// requests.
const idempotencyHeader = "Idempotency-Key"

// idemCacheSize bounds the hot replay cache; the keys table remains the
// durable record.
const idemCacheSize = 4096

// cachedIdem is one replayable response held in the hot cache.
type cachedIdem struct {
	operation string
	record    []byte
}

func newIdemCache() *expirable.LRU[string, cachedIdem] {
	return expirable.NewLRU[string, cachedIdem](idemCacheSize, nil, 10*time.Minute)
}

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// idempotentResult is the persisted outcome of a keyed mutation.
type idempotentResult struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// withIdempotency executes a mutation exactly once per Idempotency-Key.
// A replayed key returns the stored response without re-running fn; the
// same key reused for a different operation is rejected. Requests without
// the header run fn directly.
func (s *Server) withIdempotency(c *echo.Context, operation string, fn func() (int, any, error)) error {
	key := c.Request().Header.Get(idempotencyHeader)
	if key == "" || s.idempotency == nil {
		status, body, err := fn()
		if err != nil {
			return mapError(err)
		}
		return c.JSON(status, body)
	}

	ctx := c.Request().Context()

	// Hot path: replays of recent keys skip the store entirely.
	if hit, ok := s.idemCache.Get(key); ok {
		return s.replayIdempotent(c, operation, hit.operation, hit.record)
	}

	storedOp, stored, err := s.idempotency.Get(ctx, key)
	switch {
	case err == nil:
		s.idemCache.Add(key, cachedIdem{operation: storedOp, record: stored})
		return s.replayIdempotent(c, operation, storedOp, stored)
	case !isNotFound(err):
		return mapError(err)
	}

	status, body, err := fn()
	if err != nil {
		return mapError(err)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return mapError(err)
	}
	record, err := json.Marshal(idempotentResult{Status: status, Body: raw})
	if err != nil {
		return mapError(err)
	}
	if err := s.idempotency.Put(ctx, key, operation, record); err != nil {
		// The mutation already happened; losing the replay record is
		// logged, not fatal to the response.
		s.logger.Warn("failed to store idempotency record", "key", key, "operation", operation, "error", err)
	}
	s.idemCache.Add(key, cachedIdem{operation: operation, record: record})
	return c.Blob(status, echo.MIMEApplicationJSON, raw)
}

// replayIdempotent serves a stored response for a repeated key, rejecting
// reuse across operations.
func (s *Server) replayIdempotent(c *echo.Context, operation, storedOp string, record []byte) error {
	if storedOp != operation {
		return echo.NewHTTPError(http.StatusConflict, "idempotency key was used for a different operation")
	}
	var res idempotentResult
	if err := json.Unmarshal(record, &res); err != nil {
		return mapError(err)
	}
	c.Response().Header().Set("Idempotency-Replayed", "true")
	return c.Blob(res.Status, echo.MIMEApplicationJSON, res.Body)
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
