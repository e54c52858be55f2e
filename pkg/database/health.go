package database

import (
	"context"
	"database/sql"
	"time"
)

// PoolHealth is the control-plane view of the backing database: liveness
// plus connection pool saturation gauges.
type PoolHealth struct {
	Healthy   bool   `json:"healthy"`
	LatencyMS int64  `json:"latency_ms"`
	Open      int    `json:"open_connections"`
	InUse     int    `json:"in_use"`
	Idle      int    `json:"idle"`
	WaitCount int64  `json:"wait_count"`
	WaitMS    int64  `json:"wait_ms"`
	MaxOpen   int    `json:"max_open"`
	Error     string `json:"error,omitempty"`
}

// CheckHealth pings the database and snapshots pool statistics. The
// snapshot is returned even when the ping fails, so callers can report a
// degraded pool instead of nothing.
func CheckHealth(ctx context.Context, db *sql.DB) *PoolHealth {
	start := time.Now()
	h := &PoolHealth{Healthy: true}
	if err := db.PingContext(ctx); err != nil {
		h.Healthy = false
		h.Error = err.Error()
	}
	h.LatencyMS = time.Since(start).Milliseconds()

	stats := db.Stats()
	h.Open = stats.OpenConnections
	h.InUse = stats.InUse
	h.Idle = stats.Idle
	h.WaitCount = stats.WaitCount
	h.WaitMS = stats.WaitDuration.Milliseconds()
	h.MaxOpen = stats.MaxOpenConnections
	return h
}
