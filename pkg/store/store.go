// Package store defines persistence interfaces for the control plane and
// provides two implementations: in-memory (pkg/store, for tests and
// single-process use) and PostgreSQL (sql_*.go, the production backend).
// Stores hand out deep copies; mutating a returned record never changes
// the committed one.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hiveplane/hiveplane/pkg/models"
)

// Errors shared by all store implementations.
var (
	ErrNotFound        = errors.New("record not found")
	ErrAlreadyExists   = errors.New("record already exists")
	ErrVersionConflict = errors.New("version conflict")
)

// InsufficientBudgetError reports a consume that would overdraw a budget.
type InsufficientBudgetError struct {
	BudgetID  string
	Requested float64
	Remaining float64
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("budget %s: requested %.4f exceeds remaining %.4f",
		e.BudgetID, e.Requested, e.Remaining)
}

// AgentFilter narrows List results. Zero fields match everything.
type AgentFilter struct {
	TeamID string
	States []models.AgentLifecycleState

	// Cursor pagination: records strictly after AfterID in (created_at,
	// id) order. Limit 0 means no limit.
	AfterID string
	Limit   int
}

// TeamFilter narrows team listings.
type TeamFilter struct {
	Statuses []models.TeamStatus
	AfterID  string
	Limit    int
}

// WorkflowFilter narrows workflow listings.
type WorkflowFilter struct {
	TeamID   string
	Statuses []models.WorkflowStatus
	AfterID  string
	Limit    int
}

// AgentStore persists agent records. Update applies optimistic locking on
// Version: the stored version must equal the record's, and the committed
// record gets Version+1.
type AgentStore interface {
	Create(ctx context.Context, agent *models.Agent) error
	Get(ctx context.Context, id string) (*models.Agent, error)
	Update(ctx context.Context, agent *models.Agent) error
	List(ctx context.Context, filter AgentFilter) ([]*models.Agent, error)

	// CreateMany and UpdateMany are atomic across the batch: either every
	// record commits or none does. UpdateMany applies optimistic locking
	// per row; the first conflicting row aborts the batch.
	CreateMany(ctx context.Context, agents []*models.Agent) error
	UpdateMany(ctx context.Context, agents []*models.Agent) error

	// AddUsage atomically adds cost to the agent's consumed budget and
	// returns the new total. The row version advances, so an in-flight
	// read-modify-write Update observes the increment as a conflict
	// instead of silently overwriting it.
	AddUsage(ctx context.Context, id string, cost float64) (float64, error)

	// ClaimPending atomically marks up to limit pending agents as
	// initializing and returns them, oldest first. Two concurrent
	// claimers never receive the same agent.
	ClaimPending(ctx context.Context, limit int) ([]*models.Agent, error)

	SoftDelete(ctx context.Context, id string, at time.Time) error
	CountByState(ctx context.Context) (map[models.AgentLifecycleState]int, error)

	// PurgeTerminatedBefore soft-deletes terminal agents that completed
	// before cutoff. Returns how many were affected.
	PurgeTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// TeamStore persists team records with optimistic locking on Version.
type TeamStore interface {
	Create(ctx context.Context, team *models.Team) error
	Get(ctx context.Context, id string) (*models.Team, error)
	Update(ctx context.Context, team *models.Team) error
	List(ctx context.Context, filter TeamFilter) ([]*models.Team, error)
	SoftDelete(ctx context.Context, id string, at time.Time) error
}

// WorkflowStore persists workflow records and per-step results.
type WorkflowStore interface {
	Create(ctx context.Context, wf *models.Workflow) error
	Get(ctx context.Context, id string) (*models.Workflow, error)
	Update(ctx context.Context, wf *models.Workflow) error
	List(ctx context.Context, filter WorkflowFilter) ([]*models.Workflow, error)

	UpsertStepResult(ctx context.Context, workflowID string, result *models.StepResult) error
	ListStepResults(ctx context.Context, workflowID string) (map[string]*models.StepResult, error)

	SoftDelete(ctx context.Context, id string, at time.Time) error
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// BudgetStore persists budgets. Consume and Release are atomic across the
// given budget ids: either every row is adjusted or none is.
type BudgetStore interface {
	Create(ctx context.Context, b *models.Budget) error
	Get(ctx context.Context, id string) (*models.Budget, error)
	GetByEntity(ctx context.Context, entityID string, level models.BudgetLevel) (*models.Budget, error)
	Update(ctx context.Context, b *models.Budget) error

	// Chain returns the budget and its ancestors, leaf first, following
	// ParentID until the root.
	Chain(ctx context.Context, id string) ([]*models.Budget, error)

	// Consume adds amount to Consumed on every listed budget, failing
	// with *InsufficientBudgetError if any would exceed its Total. On
	// success it returns the post-consume records in ids order; since
	// increments serialize, concurrent consumers observe disjoint
	// (before, after] intervals, which is what makes threshold-crossing
	// alerts exactly-once.
	Consume(ctx context.Context, ids []string, amount float64) ([]*models.Budget, error)

	// Release subtracts amount from Consumed on every listed budget,
	// clamping at zero.
	Release(ctx context.Context, ids []string, amount float64) error
}

// ClusterStore persists federation peers.
type ClusterStore interface {
	Upsert(ctx context.Context, c *models.Cluster) error
	Get(ctx context.Context, id string) (*models.Cluster, error)
	List(ctx context.Context) ([]*models.Cluster, error)
	Delete(ctx context.Context, id string) error
	UpdateHeartbeat(ctx context.Context, id string, capacity models.ClusterCapacity, at time.Time) error
	UpdateStatus(ctx context.Context, id string, status models.ClusterStatus, healthScore float64) error
}

// SessionStore persists session trees. Nodes are append-only.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, s *models.Session) error

	AppendNode(ctx context.Context, n *models.SessionNode) error
	GetNode(ctx context.Context, sessionID, nodeID string) (*models.SessionNode, error)
	ListNodes(ctx context.Context, sessionID string) ([]*models.SessionNode, error)

	CreateBranch(ctx context.Context, sessionID string, b *models.SessionBranch) error
	GetBranch(ctx context.Context, sessionID, name string) (*models.SessionBranch, error)
	ListBranches(ctx context.Context, sessionID string) ([]*models.SessionBranch, error)
	UpdateBranchHead(ctx context.Context, sessionID, name, headID string) error

	PurgeSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// IdempotencyStore records completed mutation results keyed by the
// client-supplied idempotency key.
type IdempotencyStore interface {
	// Get returns the stored operation name and result, or ErrNotFound.
	Get(ctx context.Context, key string) (operation string, result []byte, err error)
	Put(ctx context.Context, key, operation string, result []byte) error
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
