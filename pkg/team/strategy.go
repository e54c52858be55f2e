package team

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hiveplane/hiveplane/pkg/models"
)

// ExecuteRequest carries the strategy-specific inputs for a team run.
// Parallel and map-reduce consume Input and Worker; pipeline consumes
// Stages; tree consumes Root.
type ExecuteRequest struct {
	// Input holds the work items. Parallel shards one item per worker
	// (or runs the whole input on every member when empty); map-reduce
	// dispatches one chunk per worker agent.
	Input []string `json:"input,omitempty"`

	// Worker is the agent template cloned per shard or chunk.
	Worker models.AgentConfig `json:"worker,omitempty"`

	// ReducerTask runs once over the combined chunk outputs (map-reduce).
	ReducerTask string `json:"reducer_task,omitempty"`

	// DropFailedChunks keeps a map-reduce run alive when a chunk fails
	// after exhausting retries; the chunk's output is dropped. When
	// false a failed chunk fails the team.
	DropFailedChunks bool `json:"drop_failed_chunks,omitempty"`

	// Stages are the ordered pipeline stages.
	Stages []StageConfig `json:"stages,omitempty"`

	// Root is the tree strategy's root agent.
	Root models.AgentConfig `json:"root,omitempty"`
}

// StageConfig is one pipeline stage. A recoverable stage that fails
// passes its input through unchanged instead of failing the tail of the
// pipeline.
type StageConfig struct {
	models.AgentConfig
	Recoverable bool `json:"recoverable,omitempty"`
}

// Result is the aggregated outcome of a strategy run.
type Result struct {
	Strategy models.TeamStrategy `json:"strategy"`
	// Outputs are the per-agent results in dispatch order. Dropped
	// map-reduce chunks and skipped recoverable stages appear as "".
	Outputs []string `json:"outputs"`
	// Reduced is the reducer output (map-reduce only).
	Reduced string `json:"reduced,omitempty"`
	// FailedAgents lists agents that ended failed without failing the
	// team.
	FailedAgents []string `json:"failed_agents,omitempty"`
}

// Execute runs the team's strategy to completion. The team must be
// active. On success the team transitions to completed; an unrecoverable
// aggregate failure transitions it to failed and returns an
// AggregateError.
func (o *Orchestrator) Execute(ctx context.Context, teamID string, req ExecuteRequest) (*Result, error) {
	team, err := o.teams.Get(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if team.Status != models.TeamStatusActive {
		return nil, fmt.Errorf("team %s is %s, not active", teamID, team.Status)
	}

	var result *Result
	switch team.Strategy {
	case models.StrategyParallel:
		result, err = o.runParallel(ctx, team, req)
	case models.StrategyMapReduce:
		result, err = o.runMapReduce(ctx, team, req)
	case models.StrategyPipeline:
		result, err = o.runPipeline(ctx, team, req)
	case models.StrategyTree:
		result, err = o.runTree(ctx, team, req)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, team.Strategy)
	}
	if err != nil {
		if _, ferr := o.Fail(ctx, teamID, err); ferr != nil {
			o.logger.Error("failed to mark team failed",
				"team_id", teamID, "error", ferr)
		}
		return nil, err
	}

	if _, err := o.Complete(ctx, teamID); err != nil {
		return nil, err
	}
	return result, nil
}

// runParallel waits for every member to reach a settled state and
// aggregates their results in roster order. The team fails only when all
// members fail; partial failure just shrinks the output.
func (o *Orchestrator) runParallel(ctx context.Context, team *models.Team, req ExecuteRequest) (*Result, error) {
	ids := team.AgentIDs
	if len(req.Input) > 0 {
		if req.Worker.Model == "" || req.Worker.Task == "" {
			return nil, fmt.Errorf("%w: parallel with input needs a worker template", ErrStrategyMismatch)
		}
		// One worker per shard, appended to whatever the team already has.
		for _, shard := range req.Input {
			agent, err := o.dispatchWorker(ctx, team, req.Worker, shard)
			if err != nil {
				return nil, err
			}
			ids = append(ids, agent.ID)
		}
	}
	if len(ids) == 0 {
		return &Result{Strategy: models.StrategyParallel}, nil
	}

	settled, err := o.waitAll(ctx, ids)
	if err != nil {
		return nil, err
	}

	result := &Result{Strategy: models.StrategyParallel, Outputs: make([]string, 0, len(ids))}
	failures := 0
	for _, a := range settled {
		if a.State == models.AgentStateCompleted {
			result.Outputs = append(result.Outputs, a.Result)
		} else {
			failures++
			result.FailedAgents = append(result.FailedAgents, a.ID)
		}
	}
	if failures == len(settled) {
		return nil, &AggregateError{
			TeamID:  team.ID,
			AgentID: settled[0].ID,
			Reason:  "every member failed",
		}
	}
	return result, nil
}

// runMapReduce dispatches one worker per chunk, gathers the outputs, then
// runs the reducer over the combined result. Reducer failure is always
// fatal; chunk failure is fatal unless DropFailedChunks is set.
func (o *Orchestrator) runMapReduce(ctx context.Context, team *models.Team, req ExecuteRequest) (*Result, error) {
	if len(req.Input) == 0 || req.Worker.Model == "" || req.Worker.Task == "" || req.ReducerTask == "" {
		return nil, fmt.Errorf("%w: map-reduce needs input, a worker template, and a reducer task", ErrStrategyMismatch)
	}

	ids := make([]string, len(req.Input))
	for i, chunk := range req.Input {
		agent, err := o.dispatchWorker(ctx, team, req.Worker, chunk)
		if err != nil {
			return nil, err
		}
		ids[i] = agent.ID
	}

	settled, err := o.waitAll(ctx, ids)
	if err != nil {
		return nil, err
	}

	result := &Result{Strategy: models.StrategyMapReduce, Outputs: make([]string, len(settled))}
	kept := make([]string, 0, len(settled))
	for i, a := range settled {
		if a.State == models.AgentStateCompleted {
			result.Outputs[i] = a.Result
			kept = append(kept, a.Result)
			continue
		}
		if !req.DropFailedChunks {
			return nil, &AggregateError{TeamID: team.ID, AgentID: a.ID, Reason: "chunk failed: " + a.LastError}
		}
		result.FailedAgents = append(result.FailedAgents, a.ID)
	}

	reducer, err := o.dispatchWorker(ctx, team,
		models.AgentConfig{Model: req.Worker.Model, Task: req.ReducerTask},
		strings.Join(kept, "\n"))
	if err != nil {
		return nil, err
	}
	settled, err = o.waitAll(ctx, []string{reducer.ID})
	if err != nil {
		return nil, err
	}
	if settled[0].State != models.AgentStateCompleted {
		return nil, &AggregateError{TeamID: team.ID, AgentID: reducer.ID, Reason: "reducer failed: " + settled[0].LastError}
	}
	result.Reduced = settled[0].Result
	return result, nil
}

// runPipeline runs the stages sequentially, feeding each stage's output
// into the next. A failed stage fails everything downstream unless it is
// marked recoverable, in which case its input passes through unchanged.
func (o *Orchestrator) runPipeline(ctx context.Context, team *models.Team, req ExecuteRequest) (*Result, error) {
	if len(req.Stages) == 0 {
		return nil, fmt.Errorf("%w: pipeline needs stages", ErrStrategyMismatch)
	}

	carry := strings.Join(req.Input, "\n")
	result := &Result{Strategy: models.StrategyPipeline, Outputs: make([]string, len(req.Stages))}
	for i, stage := range req.Stages {
		agent, err := o.dispatchWorker(ctx, team, stage.AgentConfig, carry)
		if err != nil {
			return nil, err
		}
		settled, err := o.waitAll(ctx, []string{agent.ID})
		if err != nil {
			return nil, err
		}
		a := settled[0]
		if a.State != models.AgentStateCompleted {
			if !stage.Recoverable {
				return nil, &AggregateError{
					TeamID:  team.ID,
					AgentID: a.ID,
					Reason:  fmt.Sprintf("stage %d failed: %s", i, a.LastError),
				}
			}
			result.FailedAgents = append(result.FailedAgents, a.ID)
			continue
		}
		result.Outputs[i] = a.Result
		carry = a.Result
	}
	return result, nil
}

// runTree registers the root and waits until the root and every
// descendant spawned through SpawnChild are settled. The team fails when
// the root fails.
func (o *Orchestrator) runTree(ctx context.Context, team *models.Team, req ExecuteRequest) (*Result, error) {
	if req.Root.Model == "" || req.Root.Task == "" {
		return nil, fmt.Errorf("%w: tree needs a root agent", ErrStrategyMismatch)
	}

	root, err := o.dispatchWorker(ctx, team, req.Root, strings.Join(req.Input, "\n"))
	if err != nil {
		return nil, err
	}
	o.trees.add(team.ID, root.ID, 0)

	// The tracked set can grow while we wait; drain until a sweep finds
	// everything settled.
	var settled []*models.Agent
	for {
		ids := o.trees.agents(team.ID)
		settled, err = o.waitAll(ctx, ids)
		if err != nil {
			return nil, err
		}
		if len(o.trees.agents(team.ID)) == len(ids) {
			break
		}
	}

	result := &Result{Strategy: models.StrategyTree, Outputs: make([]string, 0, len(settled))}
	for _, a := range settled {
		if a.State == models.AgentStateCompleted {
			result.Outputs = append(result.Outputs, a.Result)
		} else {
			result.FailedAgents = append(result.FailedAgents, a.ID)
			if a.ID == root.ID {
				return nil, &AggregateError{TeamID: team.ID, AgentID: a.ID, Reason: "root failed: " + a.LastError}
			}
		}
	}
	return result, nil
}

// SpawnChild registers a child agent under a tree parent, bounding the
// decomposition depth by configuration.
func (o *Orchestrator) SpawnChild(ctx context.Context, teamID, parentID string, cfg models.AgentConfig) (*models.Agent, error) {
	depth, ok := o.trees.depth(teamID, parentID)
	if !ok {
		return nil, fmt.Errorf("%w: parent %s is not tracked in team %s", ErrNotMember, parentID, teamID)
	}
	if depth+1 > o.cfg.MaxTreeDepth {
		return nil, &TreeDepthError{TeamID: teamID, ParentID: parentID, MaxDepth: o.cfg.MaxTreeDepth}
	}
	agent, err := o.AddAgent(ctx, teamID, cfg)
	if err != nil {
		return nil, err
	}
	o.trees.add(teamID, agent.ID, depth+1)
	return agent, nil
}

// dispatchWorker registers one agent with the item appended to the
// template task and records it on the roster.
func (o *Orchestrator) dispatchWorker(ctx context.Context, team *models.Team, cfg models.AgentConfig, item string) (*models.Agent, error) {
	task := cfg.Task
	if item != "" {
		task = task + "\n\ninput:\n" + item
	}
	return o.AddAgent(ctx, team.ID, models.AgentConfig{
		Model:      cfg.Model,
		Task:       task,
		MaxRetries: cfg.MaxRetries,
	})
}

// waitAll blocks until every listed agent settles: completed, killed, or
// failed with no retries remaining. Returns the settled records in the
// order of ids.
func (o *Orchestrator) waitAll(ctx context.Context, ids []string) ([]*models.Agent, error) {
	out := make([]*models.Agent, len(ids))
	g, ctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			a, err := o.waitSettled(ctx, id)
			if err != nil {
				return err
			}
			out[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// waitSettled polls the registry until the agent is terminal or failed
// with retries exhausted. A failed agent with retries left is still in
// flight: the registry requeues it.
func (o *Orchestrator) waitSettled(ctx context.Context, id string) (*models.Agent, error) {
	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()
	for {
		agent, err := o.registry.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if agent.State.Terminal() ||
			(agent.State == models.AgentStateFailed && agent.RetryCount >= agent.MaxRetries) {
			return agent, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// treeTracker records the spawn depth of tree-strategy agents per team.
// In-memory only: tree runs do not survive a node restart, the supervisor
// restarts them.
type treeTracker struct {
	mu    sync.Mutex
	teams map[string]map[string]int
}

func newTreeTracker() *treeTracker {
	return &treeTracker{teams: make(map[string]map[string]int)}
}

func (t *treeTracker) add(teamID, agentID string, depth int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.teams[teamID] == nil {
		t.teams[teamID] = make(map[string]int)
	}
	t.teams[teamID][agentID] = depth
}

func (t *treeTracker) depth(teamID, agentID string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.teams[teamID][agentID]
	return d, ok
}

// agents returns the tracked ids sorted by depth then id, root first.
func (t *treeTracker) agents(teamID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	tracked := t.teams[teamID]
	out := make([]string, 0, len(tracked))
	for id := range tracked {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if tracked[out[i]] != tracked[out[j]] {
			return tracked[out[i]] < tracked[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

func (t *treeTracker) drop(teamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.teams, teamID)
}
