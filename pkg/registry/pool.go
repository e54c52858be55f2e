package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/store"
)

// SpawnPool drives pending agents through spawn and execution with a fixed
// set of workers. Claiming is store-atomic, so multiple nodes can run
// pools against the same database without double-spawning.
type SpawnPool struct {
	nodeID    string
	registry  *Registry
	agents    store.AgentStore
	executor  TaskExecutor
	worktrees WorktreeProvider
	cfg       config.AgentsConfig
	logger    *slog.Logger

	// active maps agent id to the cancel side of its execution context
	// plus a done channel the killer can wait on.
	mu     sync.Mutex
	active map[string]*activeRun

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSpawnPool creates a pool; Start launches the workers.
func NewSpawnPool(nodeID string, registry *Registry, agents store.AgentStore, executor TaskExecutor, worktrees WorktreeProvider, cfg config.AgentsConfig, logger *slog.Logger) *SpawnPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &SpawnPool{
		nodeID:    nodeID,
		registry:  registry,
		agents:    agents,
		executor:  executor,
		worktrees: worktrees,
		cfg:       cfg,
		logger:    logger.With("component", "spawnpool", "node_id", nodeID),
		active:    make(map[string]*activeRun),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the worker goroutines. Safe to call once; repeated calls
// are ignored.
func (p *SpawnPool) Start(ctx context.Context) {
	if p.started {
		p.logger.Warn("spawn pool already started, ignoring duplicate Start")
		return
	}
	p.started = true

	p.logger.Info("starting spawn pool", "workers", p.cfg.SpawnWorkers)
	for i := 0; i < p.cfg.SpawnWorkers; i++ {
		workerID := fmt.Sprintf("%s-spawn-%d", p.nodeID, i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runWorker(ctx, workerID)
		}()
	}
}

// Stop signals the workers and waits. In-flight executions run to
// completion; pending agents stay pending for the next start.
func (p *SpawnPool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.logger.Info("spawn pool stopped")
}

// CancelerFor returns a cancel trigger for Kill: invoking it cancels the
// agent's execution context and returns a channel closed when the run
// goroutine has finished. Returns nil when the agent is not running on
// this node.
func (p *SpawnPool) CancelerFor(agentID string) func() <-chan struct{} {
	p.mu.Lock()
	run, ok := p.active[agentID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return func() <-chan struct{} {
		run.cancel()
		return run.done
	}
}

// ActiveCount returns how many agents this node is currently executing.
func (p *SpawnPool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

func (p *SpawnPool) runWorker(ctx context.Context, workerID string) {
	log := p.logger.With("worker_id", workerID)
	ticker := time.NewTicker(p.cfg.SpawnPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
		}

		claimed, err := p.agents.ClaimPending(ctx, 1)
		if err != nil {
			log.Error("failed to claim pending agent", "error", err)
			continue
		}
		if len(claimed) == 0 {
			continue
		}
		p.spawnAndRun(ctx, log, claimed[0])
	}
}

// spawnAndRun walks one claimed agent through spawning, running, and a
// terminal outcome. Failures route through the registry's retry logic.
func (p *SpawnPool) spawnAndRun(ctx context.Context, log *slog.Logger, agent *models.Agent) {
	log = log.With("agent_id", agent.ID)

	worktree, err := p.worktrees.Create(ctx, agent.ID)
	if err != nil {
		log.Error("worktree creation failed", "error", err)
		if _, ferr := p.registry.Fail(ctx, agent.ID, err); ferr != nil {
			log.Error("failed to record spawn failure", "error", ferr)
		}
		return
	}
	agent, err = p.registry.Transition(ctx, agent.ID, EventSpawn, func(a *models.Agent) {
		a.WorktreePath = worktree
	})
	if err != nil {
		log.Error("spawn transition failed", "error", err)
		_ = p.worktrees.Remove(ctx, worktree)
		return
	}

	now := time.Now().UTC()
	agent, err = p.registry.Transition(ctx, agent.ID, EventStarted, func(a *models.Agent) {
		a.SpawnedAt = &now
	})
	if err != nil {
		log.Error("start transition failed", "error", err)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &activeRun{cancel: cancel, done: make(chan struct{})}
	p.mu.Lock()
	p.active[agent.ID] = run
	p.mu.Unlock()

	result, execErr := p.executor.Execute(runCtx, agent)
	// Snapshot before the worker's own cancel below taints it.
	killRequested := runCtx.Err() != nil

	p.mu.Lock()
	delete(p.active, agent.ID)
	p.mu.Unlock()
	close(run.done)
	cancel()

	// A kill cancels runCtx; the killer owns the terminal transition, so
	// the worker only cleans up the worktree in that case.
	if killRequested && ctx.Err() == nil {
		p.cleanupWorktree(ctx, log, worktree)
		return
	}

	if execErr != nil {
		log.Warn("agent execution failed", "error", execErr)
		if _, err := p.registry.Fail(ctx, agent.ID, execErr); err != nil {
			log.Error("failed to record execution failure", "error", err)
		}
		p.cleanupWorktree(ctx, log, worktree)
		return
	}

	if result == nil {
		result = &ExecutionResult{}
	}
	if _, err := p.registry.Complete(ctx, agent.ID, result); err != nil {
		log.Error("failed to complete agent", "error", err)
		return
	}
	p.cleanupWorktree(ctx, log, worktree)
	log.Info("agent completed", "cost", result.Cost)
}

func (p *SpawnPool) cleanupWorktree(ctx context.Context, log *slog.Logger, path string) {
	if err := p.worktrees.Remove(ctx, path); err != nil {
		log.Warn("failed to remove worktree", "path", path, "error", err)
	}
}
