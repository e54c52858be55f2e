package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hiveplane/hiveplane/pkg/models"
)

// Memory bundles in-memory implementations of every store interface. One
// mutex guards the whole set, which keeps cross-entity operations simple;
// contention is irrelevant at test scale.
type Memory struct {
	mu sync.RWMutex

	agents      map[string]*models.Agent
	teams       map[string]*models.Team
	workflows   map[string]*models.Workflow
	stepResults map[string]map[string]*models.StepResult // workflowID -> stepID
	budgets     map[string]*models.Budget
	clusters    map[string]*models.Cluster
	sessions    map[string]*models.Session
	nodes       map[string][]*models.SessionNode     // sessionID, append order
	branches    map[string][]*models.SessionBranch   // sessionID
	idem        map[string]*idemRecord
}

type idemRecord struct {
	operation string
	result    []byte
	createdAt time.Time
}

// NewMemory creates an empty in-memory store set.
func NewMemory() *Memory {
	return &Memory{
		agents:      make(map[string]*models.Agent),
		teams:       make(map[string]*models.Team),
		workflows:   make(map[string]*models.Workflow),
		stepResults: make(map[string]map[string]*models.StepResult),
		budgets:     make(map[string]*models.Budget),
		clusters:    make(map[string]*models.Cluster),
		sessions:    make(map[string]*models.Session),
		nodes:       make(map[string][]*models.SessionNode),
		branches:    make(map[string][]*models.SessionBranch),
		idem:        make(map[string]*idemRecord),
	}
}

// --- AgentStore ---

func (m *Memory) Create(_ context.Context, agent *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.ID]; ok {
		return ErrAlreadyExists
	}
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	agent.Version = 0
	m.agents[agent.ID] = agent.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok || a.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (m *Memory) Update(_ context.Context, agent *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.agents[agent.ID]
	if !ok || cur.DeletedAt != nil {
		return ErrNotFound
	}
	if cur.Version != agent.Version {
		return ErrVersionConflict
	}
	cp := agent.Clone()
	cp.Version = cur.Version + 1
	cp.CreatedAt = cur.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	m.agents[agent.ID] = cp
	agent.Version = cp.Version
	agent.UpdatedAt = cp.UpdatedAt
	return nil
}

func (m *Memory) AddUsage(_ context.Context, id string, cost float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok || a.DeletedAt != nil {
		return 0, ErrNotFound
	}
	a.BudgetConsumed += cost
	a.Version++
	a.UpdatedAt = time.Now().UTC()
	return a.BudgetConsumed, nil
}

func (m *Memory) CreateMany(_ context.Context, agents []*models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Validate the whole batch before touching the map so a late
	// duplicate cannot leave a partial commit behind.
	seen := make(map[string]bool, len(agents))
	for _, a := range agents {
		if _, ok := m.agents[a.ID]; ok || seen[a.ID] {
			return ErrAlreadyExists
		}
		seen[a.ID] = true
	}
	now := time.Now().UTC()
	for _, a := range agents {
		a.CreatedAt = now
		a.UpdatedAt = now
		a.Version = 0
		m.agents[a.ID] = a.Clone()
	}
	return nil
}

func (m *Memory) UpdateMany(_ context.Context, agents []*models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range agents {
		cur, ok := m.agents[a.ID]
		if !ok || cur.DeletedAt != nil {
			return ErrNotFound
		}
		if cur.Version != a.Version {
			return ErrVersionConflict
		}
	}
	now := time.Now().UTC()
	for _, a := range agents {
		cur := m.agents[a.ID]
		cp := a.Clone()
		cp.Version = cur.Version + 1
		cp.CreatedAt = cur.CreatedAt
		cp.UpdatedAt = now
		m.agents[a.ID] = cp
		a.Version = cp.Version
		a.UpdatedAt = now
	}
	return nil
}

func (m *Memory) List(_ context.Context, filter AgentFilter) ([]*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*models.Agent
	for _, a := range m.agents {
		if a.DeletedAt != nil {
			continue
		}
		if filter.TeamID != "" && a.TeamID != filter.TeamID {
			continue
		}
		if len(filter.States) > 0 && !containsState(filter.States, a.State) {
			continue
		}
		all = append(all, a.Clone())
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	return paginate(all, filter.AfterID, filter.Limit, func(a *models.Agent) string { return a.ID }), nil
}

func (m *Memory) ClaimPending(_ context.Context, limit int) ([]*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []*models.Agent
	for _, a := range m.agents {
		if a.DeletedAt == nil && a.State == models.AgentStatePending {
			pending = append(pending, a)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	now := time.Now().UTC()
	out := make([]*models.Agent, 0, len(pending))
	for _, a := range pending {
		a.State = models.AgentStateInitializing
		a.Version++
		a.UpdatedAt = now
		out = append(out, a.Clone())
	}
	return out, nil
}

func (m *Memory) SoftDelete(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok || a.DeletedAt != nil {
		return ErrNotFound
	}
	a.DeletedAt = &at
	return nil
}

func (m *Memory) CountByState(_ context.Context) (map[models.AgentLifecycleState]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[models.AgentLifecycleState]int)
	for _, a := range m.agents {
		if a.DeletedAt == nil {
			out[a.State]++
		}
	}
	return out, nil
}

func (m *Memory) PurgeTerminatedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := time.Now().UTC()
	for _, a := range m.agents {
		if a.DeletedAt != nil || !a.State.Terminal() {
			continue
		}
		if a.CompletedAt != nil && a.CompletedAt.Before(cutoff) {
			a.DeletedAt = &now
			n++
		}
	}
	return n, nil
}

// --- TeamStore ---

// Agents and the accessors below expose per-interface views of the
// bundle, so call sites read like the per-interface SQL stores.
func (m *Memory) Agents() AgentStore { return m }

func (m *Memory) Teams() TeamStore           { return (*memoryTeams)(m) }
func (m *Memory) Workflows() WorkflowStore   { return (*memoryWorkflows)(m) }
func (m *Memory) Budgets() BudgetStore       { return (*memoryBudgets)(m) }
func (m *Memory) Clusters() ClusterStore     { return (*memoryClusters)(m) }
func (m *Memory) Sessions() SessionStore     { return (*memorySessions)(m) }
func (m *Memory) Idempotency() IdempotencyStore { return (*memoryIdem)(m) }

type memoryTeams Memory

func (m *memoryTeams) Create(_ context.Context, team *models.Team) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.teams[team.ID]; ok {
		return ErrAlreadyExists
	}
	now := time.Now().UTC()
	team.CreatedAt = now
	team.UpdatedAt = now
	team.Version = 0
	m.teams[team.ID] = team.Clone()
	return nil
}

func (m *memoryTeams) Get(_ context.Context, id string) (*models.Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.teams[id]
	if !ok || t.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *memoryTeams) Update(_ context.Context, team *models.Team) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.teams[team.ID]
	if !ok || cur.DeletedAt != nil {
		return ErrNotFound
	}
	if cur.Version != team.Version {
		return ErrVersionConflict
	}
	cp := team.Clone()
	cp.Version = cur.Version + 1
	cp.CreatedAt = cur.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	m.teams[team.ID] = cp
	team.Version = cp.Version
	team.UpdatedAt = cp.UpdatedAt
	return nil
}

func (m *memoryTeams) List(_ context.Context, filter TeamFilter) ([]*models.Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*models.Team
	for _, t := range m.teams {
		if t.DeletedAt != nil {
			continue
		}
		if len(filter.Statuses) > 0 && !containsTeamStatus(filter.Statuses, t.Status) {
			continue
		}
		all = append(all, t.Clone())
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	return paginate(all, filter.AfterID, filter.Limit, func(t *models.Team) string { return t.ID }), nil
}

func (m *memoryTeams) SoftDelete(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.teams[id]
	if !ok || t.DeletedAt != nil {
		return ErrNotFound
	}
	t.DeletedAt = &at
	return nil
}

// --- WorkflowStore ---

type memoryWorkflows Memory

func (m *memoryWorkflows) Create(_ context.Context, wf *models.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[wf.ID]; ok {
		return ErrAlreadyExists
	}
	now := time.Now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	wf.Version = 0
	m.workflows[wf.ID] = wf.Clone()
	return nil
}

func (m *memoryWorkflows) Get(_ context.Context, id string) (*models.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok || wf.DeletedAt != nil {
		return nil, ErrNotFound
	}
	out := wf.Clone()
	if results, ok := m.stepResults[id]; ok {
		out.Results = make(map[string]*models.StepResult, len(results))
		for k, v := range results {
			r := *v
			out.Results[k] = &r
		}
	}
	return out, nil
}

func (m *memoryWorkflows) Update(_ context.Context, wf *models.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.workflows[wf.ID]
	if !ok || cur.DeletedAt != nil {
		return ErrNotFound
	}
	if cur.Version != wf.Version {
		return ErrVersionConflict
	}
	cp := wf.Clone()
	cp.Version = cur.Version + 1
	cp.CreatedAt = cur.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	m.workflows[wf.ID] = cp
	wf.Version = cp.Version
	wf.UpdatedAt = cp.UpdatedAt
	return nil
}

func (m *memoryWorkflows) List(_ context.Context, filter WorkflowFilter) ([]*models.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*models.Workflow
	for _, wf := range m.workflows {
		if wf.DeletedAt != nil {
			continue
		}
		if filter.TeamID != "" && wf.TeamID != filter.TeamID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsWorkflowStatus(filter.Statuses, wf.Status) {
			continue
		}
		all = append(all, wf.Clone())
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	return paginate(all, filter.AfterID, filter.Limit, func(w *models.Workflow) string { return w.ID }), nil
}

func (m *memoryWorkflows) UpsertStepResult(_ context.Context, workflowID string, result *models.StepResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[workflowID]; !ok {
		return ErrNotFound
	}
	if m.stepResults[workflowID] == nil {
		m.stepResults[workflowID] = make(map[string]*models.StepResult)
	}
	r := *result
	m.stepResults[workflowID][result.StepID] = &r
	return nil
}

func (m *memoryWorkflows) ListStepResults(_ context.Context, workflowID string) (map[string]*models.StepResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*models.StepResult)
	for k, v := range m.stepResults[workflowID] {
		r := *v
		out[k] = &r
	}
	return out, nil
}

func (m *memoryWorkflows) SoftDelete(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok || wf.DeletedAt != nil {
		return ErrNotFound
	}
	wf.DeletedAt = &at
	return nil
}

func (m *memoryWorkflows) PurgeTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := time.Now().UTC()
	for _, wf := range m.workflows {
		if wf.DeletedAt != nil || !wf.Status.Terminal() {
			continue
		}
		if wf.CompletedAt != nil && wf.CompletedAt.Before(cutoff) {
			wf.DeletedAt = &now
			n++
		}
	}
	return n, nil
}

// --- BudgetStore ---

type memoryBudgets Memory

func (m *memoryBudgets) Create(_ context.Context, b *models.Budget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.budgets[b.ID]; ok {
		return ErrAlreadyExists
	}
	for _, have := range m.budgets {
		if have.EntityID == b.EntityID && have.Level == b.Level {
			return ErrAlreadyExists
		}
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	b.Version = 0
	if b.PeriodStart.IsZero() {
		b.PeriodStart = now
	}
	m.budgets[b.ID] = b.Clone()
	return nil
}

func (m *memoryBudgets) Get(_ context.Context, id string) (*models.Budget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.budgets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (m *memoryBudgets) GetByEntity(_ context.Context, entityID string, level models.BudgetLevel) (*models.Budget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.budgets {
		if b.EntityID == entityID && b.Level == level {
			return b.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *memoryBudgets) Update(_ context.Context, b *models.Budget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.budgets[b.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != b.Version {
		return ErrVersionConflict
	}
	cp := b.Clone()
	cp.Version = cur.Version + 1
	cp.CreatedAt = cur.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	m.budgets[b.ID] = cp
	b.Version = cp.Version
	return nil
}

func (m *memoryBudgets) Chain(_ context.Context, id string) ([]*models.Budget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var chain []*models.Budget
	seen := make(map[string]bool)
	for id != "" {
		if seen[id] {
			break // defensive: malformed parent cycle
		}
		seen[id] = true
		b, ok := m.budgets[id]
		if !ok {
			return nil, ErrNotFound
		}
		chain = append(chain, b.Clone())
		id = b.ParentID
	}
	return chain, nil
}

func (m *memoryBudgets) Consume(_ context.Context, ids []string, amount float64) ([]*models.Budget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Validate the whole set before touching any row.
	for _, id := range ids {
		b, ok := m.budgets[id]
		if !ok {
			return nil, ErrNotFound
		}
		if b.Consumed+amount > b.Total {
			return nil, &InsufficientBudgetError{
				BudgetID:  id,
				Requested: amount,
				Remaining: b.Total - b.Consumed,
			}
		}
	}
	now := time.Now().UTC()
	out := make([]*models.Budget, 0, len(ids))
	for _, id := range ids {
		b := m.budgets[id]
		b.Consumed += amount
		b.Version++
		b.UpdatedAt = now
		out = append(out, b.Clone())
	}
	return out, nil
}

func (m *memoryBudgets) Release(_ context.Context, ids []string, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if _, ok := m.budgets[id]; !ok {
			return ErrNotFound
		}
	}
	now := time.Now().UTC()
	for _, id := range ids {
		b := m.budgets[id]
		b.Consumed -= amount
		if b.Consumed < 0 {
			b.Consumed = 0
		}
		b.Version++
		b.UpdatedAt = now
	}
	return nil
}

// --- ClusterStore ---

type memoryClusters Memory

func (m *memoryClusters) Upsert(_ context.Context, c *models.Cluster) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.clusters[c.ID]; ok {
		c.RegisteredAt = cur.RegisteredAt
	} else if c.RegisteredAt.IsZero() {
		c.RegisteredAt = time.Now().UTC()
	}
	m.clusters[c.ID] = c.Clone()
	return nil
}

func (m *memoryClusters) Get(_ context.Context, id string) (*models.Cluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clusters[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (m *memoryClusters) List(_ context.Context) ([]*models.Cluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Cluster, 0, len(m.clusters))
	for _, c := range m.clusters {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryClusters) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clusters[id]; !ok {
		return ErrNotFound
	}
	delete(m.clusters, id)
	return nil
}

func (m *memoryClusters) UpdateHeartbeat(_ context.Context, id string, capacity models.ClusterCapacity, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clusters[id]
	if !ok {
		return ErrNotFound
	}
	c.Capacity = capacity
	c.LastHeartbeat = at
	return nil
}

func (m *memoryClusters) UpdateStatus(_ context.Context, id string, status models.ClusterStatus, healthScore float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clusters[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.HealthScore = healthScore
	return nil
}

// --- SessionStore ---

type memorySessions Memory

func (m *memorySessions) CreateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrAlreadyExists
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memorySessions) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memorySessions) UpdateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.ID]
	if !ok {
		return ErrNotFound
	}
	cp := *s
	cp.CreatedAt = cur.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memorySessions) AppendNode(_ context.Context, n *models.SessionNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[n.SessionID]; !ok {
		return ErrNotFound
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	cp := *n
	m.nodes[n.SessionID] = append(m.nodes[n.SessionID], &cp)
	return nil
}

func (m *memorySessions) GetNode(_ context.Context, sessionID, nodeID string) (*models.SessionNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.nodes[sessionID] {
		if n.ID == nodeID {
			cp := *n
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memorySessions) ListNodes(_ context.Context, sessionID string) ([]*models.SessionNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.nodes[sessionID]
	out := make([]*models.SessionNode, len(src))
	for i, n := range src {
		cp := *n
		out[i] = &cp
	}
	return out, nil
}

func (m *memorySessions) CreateBranch(_ context.Context, sessionID string, b *models.SessionBranch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	for _, have := range m.branches[sessionID] {
		if have.Name == b.Name {
			return ErrAlreadyExists
		}
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	cp := *b
	m.branches[sessionID] = append(m.branches[sessionID], &cp)
	return nil
}

func (m *memorySessions) GetBranch(_ context.Context, sessionID, name string) (*models.SessionBranch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.branches[sessionID] {
		if b.Name == name {
			cp := *b
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memorySessions) ListBranches(_ context.Context, sessionID string) ([]*models.SessionBranch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.branches[sessionID]
	out := make([]*models.SessionBranch, len(src))
	for i, b := range src {
		cp := *b
		out[i] = &cp
	}
	return out, nil
}

func (m *memorySessions) UpdateBranchHead(_ context.Context, sessionID, name, headID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.branches[sessionID] {
		if b.Name == name {
			b.HeadID = headID
			return nil
		}
	}
	return ErrNotFound
}

func (m *memorySessions) PurgeSessionsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sessions {
		if s.UpdatedAt.Before(cutoff) {
			delete(m.sessions, id)
			delete(m.nodes, id)
			delete(m.branches, id)
			n++
		}
	}
	return n, nil
}

// --- IdempotencyStore ---

type memoryIdem Memory

func (m *memoryIdem) Get(_ context.Context, key string) (string, []byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.idem[key]
	if !ok {
		return "", nil, ErrNotFound
	}
	return rec.operation, append([]byte(nil), rec.result...), nil
}

func (m *memoryIdem) Put(_ context.Context, key, operation string, result []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.idem[key]; ok {
		return ErrAlreadyExists
	}
	m.idem[key] = &idemRecord{
		operation: operation,
		result:    append([]byte(nil), result...),
		createdAt: time.Now().UTC(),
	}
	return nil
}

func (m *memoryIdem) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, rec := range m.idem {
		if rec.createdAt.Before(cutoff) {
			delete(m.idem, k)
			n++
		}
	}
	return n, nil
}

// --- helpers ---

func paginate[T any](all []T, afterID string, limit int, id func(T) string) []T {
	start := 0
	if afterID != "" {
		for i, item := range all {
			if id(item) == afterID {
				start = i + 1
				break
			}
		}
	}
	out := all[start:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func containsState(states []models.AgentLifecycleState, s models.AgentLifecycleState) bool {
	for _, have := range states {
		if have == s {
			return true
		}
	}
	return false
}

func containsTeamStatus(statuses []models.TeamStatus, s models.TeamStatus) bool {
	for _, have := range statuses {
		if have == s {
			return true
		}
	}
	return false
}

func containsWorkflowStatus(statuses []models.WorkflowStatus, s models.WorkflowStatus) bool {
	for _, have := range statuses {
		if have == s {
			return true
		}
	}
	return false
}
