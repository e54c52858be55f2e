package federation

import (
	"time"

	"github.com/hiveplane/hiveplane/pkg/models"
)

// Health factor weights. They sum to 1; the score is the weighted sum of
// the normalized factors, scaled to [0,100].
const (
	weightConnectivity = 0.25
	weightLatency      = 0.20
	weightErrorRate    = 0.25
	weightCapacity     = 0.20
	weightFreshness    = 0.10
)

// latencyRef is the latency at which the latency factor halves.
const latencyRef = time.Second

// callStats aggregates observed call outcomes for one cluster. Transport
// failures and application errors are counted separately: the former feed
// the connectivity factor, the latter the error-rate factor.
type callStats struct {
	attempts     int64
	unreachable  int64
	failed       int64
	totalLatency time.Duration
}

func (s *callStats) avgLatency() time.Duration {
	if s.attempts == 0 {
		return 0
	}
	return s.totalLatency / time.Duration(s.attempts)
}

func (s *callStats) connectivityRate() float64 {
	if s.attempts == 0 {
		return 1
	}
	return 1 - float64(s.unreachable)/float64(s.attempts)
}

func (s *callStats) errorRate() float64 {
	if s.attempts == 0 {
		return 0
	}
	return float64(s.failed) / float64(s.attempts)
}

// healthScore computes the composite score in [0,100] for a cluster.
func healthScore(c *models.Cluster, stats *callStats, breaker BreakerState, now time.Time, deadAfter time.Duration) float64 {
	connectivity := stats.connectivityRate()
	switch breaker {
	case BreakerOpen:
		connectivity = 0
	case BreakerHalfOpen:
		connectivity *= 0.5
	}

	latency := 1.0
	if avg := stats.avgLatency(); avg > 0 {
		latency = float64(latencyRef) / float64(latencyRef+avg)
	}

	errorFactor := clamp01(1 - stats.errorRate())

	capacity := clamp01(1 - c.Capacity.LoadFactor)
	if c.Capacity.MaxAgents > 0 {
		spare := float64(c.Capacity.MaxAgents-c.Capacity.CurrentAgents) / float64(c.Capacity.MaxAgents)
		capacity = clamp01(spare)
	}

	freshness := 1.0
	if deadAfter > 0 && !c.LastHeartbeat.IsZero() {
		age := now.Sub(c.LastHeartbeat)
		freshness = clamp01(1 - float64(age)/float64(deadAfter))
	}

	score := weightConnectivity*connectivity +
		weightLatency*latency +
		weightErrorRate*errorFactor +
		weightCapacity*capacity +
		weightFreshness*freshness
	return 100 * clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
