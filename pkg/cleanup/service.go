// Package cleanup enforces data retention. A background loop periodically
// soft-deletes terminal agents, purges finished workflows, stale sessions,
// old journal events, and expired idempotency keys.
//
// All passes are idempotent and safe to run from multiple nodes sharing
// one store.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/store"
)

// EventPurger removes journaled events older than a cutoff. Both journal
// implementations provide it.
type EventPurger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service runs the retention loop.
type Service struct {
	cfg      config.RetentionConfig
	agents   store.AgentStore
	flows    store.WorkflowStore
	sessions store.SessionStore
	idem     store.IdempotencyStore
	events   EventPurger
	logger   *slog.Logger
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service. Nil stores skip their pass; a TTL
// of zero disables the corresponding pass.
func NewService(
	cfg config.RetentionConfig,
	agents store.AgentStore,
	flows store.WorkflowStore,
	sessions store.SessionStore,
	idem store.IdempotencyStore,
	events EventPurger,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		agents:   agents,
		flows:    flows,
		sessions: sessions,
		idem:     idem,
		events:   events,
		logger:   logger.With("component", "cleanup"),
		now:      time.Now,
	}
}

// Start launches the background loop. Calling Start twice is a no-op.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	s.logger.Info("cleanup started",
		"agent_ttl", s.cfg.AgentTTL,
		"workflow_ttl", s.cfg.WorkflowTTL,
		"session_ttl", s.cfg.SessionTTL,
		"event_ttl", s.cfg.EventTTL,
		"interval", s.cfg.Interval)
}

// Stop signals the loop to exit and waits for it.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("cleanup stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunAll(ctx)

	interval := s.cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunAll(ctx)
		}
	}
}

// RunAll executes every retention pass once.
func (s *Service) RunAll(ctx context.Context) {
	now := s.now().UTC()
	s.purge(ctx, "agents", s.cfg.AgentTTL, now, s.purgeAgents)
	s.purge(ctx, "workflows", s.cfg.WorkflowTTL, now, s.purgeWorkflows)
	s.purge(ctx, "sessions", s.cfg.SessionTTL, now, s.purgeSessions)
	s.purge(ctx, "events", s.cfg.EventTTL, now, s.purgeEvents)
	s.purge(ctx, "idempotency keys", s.cfg.IdempotencyTTL, now, s.purgeIdempotency)
}

func (s *Service) purge(ctx context.Context, what string, ttl time.Duration, now time.Time, fn func(context.Context, time.Time) (int64, error)) {
	if ttl <= 0 || fn == nil {
		return
	}
	count, err := fn(ctx, now.Add(-ttl))
	if err != nil {
		s.logger.Error("retention pass failed", "what", what, "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("retention purged records", "what", what, "count", count)
	}
}

func (s *Service) purgeAgents(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.agents == nil {
		return 0, nil
	}
	return s.agents.PurgeTerminatedBefore(ctx, cutoff)
}

func (s *Service) purgeWorkflows(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.flows == nil {
		return 0, nil
	}
	return s.flows.PurgeTerminalBefore(ctx, cutoff)
}

func (s *Service) purgeSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.sessions == nil {
		return 0, nil
	}
	return s.sessions.PurgeSessionsBefore(ctx, cutoff)
}

func (s *Service) purgeEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.events == nil {
		return 0, nil
	}
	return s.events.PurgeBefore(ctx, cutoff)
}

func (s *Service) purgeIdempotency(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.idem == nil {
		return 0, nil
	}
	return s.idem.PurgeBefore(ctx, cutoff)
}
