// Package sessiontree maintains the append-only history of an agent's
// session as a tree of nodes. Named branches are cursors onto leaves;
// forks create a new session that shares the original nodes instead of
// copying them.
package sessiontree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/store"
)

// DefaultBranch is the branch every session starts on.
const DefaultBranch = "main"

// Errors returned by the tree.
var (
	ErrNameRequired   = errors.New("branch name required")
	ErrBranchExists   = errors.New("branch already exists")
	ErrBranchNotFound = errors.New("branch not found")
	ErrNodeNotFound   = errors.New("session node not found")
)

// CompareMetricLowestCost selects the cheapest successful branch.
const CompareMetricLowestCost = "lowest-cost"

// Tree operates on session journals through the store.
type Tree struct {
	sessions store.SessionStore
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a session tree service.
func New(sessions store.SessionStore, logger *slog.Logger) *Tree {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tree{
		sessions: sessions,
		logger:   logger.With("component", "sessiontree"),
		now:      time.Now,
	}
}

// CreateSession starts an empty session for an agent.
func (t *Tree) CreateSession(ctx context.Context, agentID string) (*models.Session, error) {
	s := &models.Session{
		ID:            uuid.New().String(),
		AgentID:       agentID,
		CurrentBranch: DefaultBranch,
	}
	if err := t.sessions.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns session metadata.
func (t *Tree) Get(ctx context.Context, id string) (*models.Session, error) {
	return t.sessions.GetSession(ctx, id)
}

// Message is the payload for AppendMessage.
type Message struct {
	Role    string
	Content string
	Cost    float64
	Tokens  int
}

// AppendMessage adds a message node to the current branch.
func (t *Tree) AppendMessage(ctx context.Context, sessionID string, msg Message) (*models.SessionNode, error) {
	return t.append(ctx, sessionID, &models.SessionNode{
		Type:    models.NodeTypeMessage,
		Role:    msg.Role,
		Content: msg.Content,
		Cost:    msg.Cost,
		Tokens:  msg.Tokens,
		Success: true,
	})
}

// AgentAction is the payload for AppendAgentAction.
type AgentAction struct {
	Tool        string
	Description string
	Cost        float64
	Tokens      int
	Success     bool
}

// AppendAgentAction adds a tool-invocation node to the current branch.
func (t *Tree) AppendAgentAction(ctx context.Context, sessionID string, act AgentAction) (*models.SessionNode, error) {
	return t.append(ctx, sessionID, &models.SessionNode{
		Type:    models.NodeTypeAgentAction,
		Tool:    act.Tool,
		Content: act.Description,
		Cost:    act.Cost,
		Tokens:  act.Tokens,
		Success: act.Success,
	})
}

// AppendLabel adds an annotation node to the current branch.
func (t *Tree) AppendLabel(ctx context.Context, sessionID, text string) (*models.SessionNode, error) {
	return t.append(ctx, sessionID, &models.SessionNode{
		Type:    models.NodeTypeLabel,
		Content: text,
		Success: true,
	})
}

// append attaches the node at the current branch head and advances the
// cursor. The first node of a non-forked session becomes the root.
func (t *Tree) append(ctx context.Context, sessionID string, node *models.SessionNode) (*models.SessionNode, error) {
	s, err := t.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	branch, err := t.ensureBranch(ctx, s)
	if err != nil {
		return nil, err
	}

	node.ID = uuid.New().String()
	node.SessionID = s.ID
	node.ParentID = branch.HeadID
	node.Timestamp = t.now().UTC()
	if err := t.sessions.AppendNode(ctx, node); err != nil {
		return nil, err
	}
	if err := t.sessions.UpdateBranchHead(ctx, s.ID, branch.Name, node.ID); err != nil {
		return nil, err
	}
	if s.RootID == "" && node.ParentID == "" {
		s.RootID = node.ID
		if err := t.sessions.UpdateSession(ctx, s); err != nil {
			return nil, err
		}
	}
	return node, nil
}

// ensureBranch loads the current branch, creating its cursor lazily for
// sessions registered without one. A fork's default branch starts at the
// fork point.
func (t *Tree) ensureBranch(ctx context.Context, s *models.Session) (*models.SessionBranch, error) {
	branch, err := t.sessions.GetBranch(ctx, s.ID, s.CurrentBranch)
	if err == nil {
		return branch, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	branch = &models.SessionBranch{
		Name:   s.CurrentBranch,
		HeadID: s.ForkedAtNode,
	}
	if err := t.sessions.CreateBranch(ctx, s.ID, branch); err != nil {
		return nil, err
	}
	return branch, nil
}

// CreateBranch opens a branch at the current head. The branch starts with
// a branch-point node so the divergence shows up in the journal.
func (t *Tree) CreateBranch(ctx context.Context, sessionID, name, description string) (*models.SessionBranch, error) {
	s, err := t.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	cur, err := t.ensureBranch(ctx, s)
	if err != nil {
		return nil, err
	}
	return t.createBranchAt(ctx, s, cur.HeadID, name, description)
}

// CreateBranchAt opens a branch at an arbitrary existing node.
func (t *Tree) CreateBranchAt(ctx context.Context, sessionID, nodeID, name string) (*models.SessionBranch, error) {
	s, err := t.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := t.resolveNode(ctx, s, nodeID); err != nil {
		return nil, err
	}
	return t.createBranchAt(ctx, s, nodeID, name, "")
}

func (t *Tree) createBranchAt(ctx context.Context, s *models.Session, headID, name, description string) (*models.SessionBranch, error) {
	if name == "" {
		return nil, ErrNameRequired
	}
	branch := &models.SessionBranch{
		Name:        name,
		Description: description,
		HeadID:      headID,
	}
	if err := t.sessions.CreateBranch(ctx, s.ID, branch); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: %q", ErrBranchExists, name)
		}
		return nil, err
	}
	point := &models.SessionNode{
		ID:        uuid.New().String(),
		SessionID: s.ID,
		ParentID:  headID,
		Type:      models.NodeTypeBranchPoint,
		Content:   name,
		Success:   true,
		Timestamp: t.now().UTC(),
	}
	if err := t.sessions.AppendNode(ctx, point); err != nil {
		return nil, err
	}
	if err := t.sessions.UpdateBranchHead(ctx, s.ID, name, point.ID); err != nil {
		return nil, err
	}
	branch.HeadID = point.ID
	t.logger.Debug("branch created", "session_id", s.ID, "branch", name)
	return branch, nil
}

// SwitchBranch moves the session's current-branch pointer.
func (t *Tree) SwitchBranch(ctx context.Context, sessionID, name string) (*models.Session, error) {
	s, err := t.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := t.sessions.GetBranch(ctx, sessionID, name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q", ErrBranchNotFound, name)
		}
		return nil, err
	}
	s.CurrentBranch = name
	if err := t.sessions.UpdateSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Branches lists the session's branch cursors.
func (t *Tree) Branches(ctx context.Context, sessionID string) ([]*models.SessionBranch, error) {
	return t.sessions.ListBranches(ctx, sessionID)
}

// Fork creates a new session rooted at the path from the original root to
// fromNodeID. Nodes are shared with the origin; only the new session's own
// appends are stored under it.
func (t *Tree) Fork(ctx context.Context, sessionID, fromNodeID string) (*models.Session, error) {
	s, err := t.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := t.resolveNode(ctx, s, fromNodeID); err != nil {
		return nil, err
	}
	fork := &models.Session{
		ID:            uuid.New().String(),
		AgentID:       s.AgentID,
		RootID:        s.RootID,
		CurrentBranch: DefaultBranch,
		ForkedFrom:    s.ID,
		ForkedAtNode:  fromNodeID,
	}
	if err := t.sessions.CreateSession(ctx, fork); err != nil {
		return nil, err
	}
	if err := t.sessions.CreateBranch(ctx, fork.ID, &models.SessionBranch{
		Name:   DefaultBranch,
		HeadID: fromNodeID,
	}); err != nil {
		return nil, err
	}
	t.logger.Info("session forked", "session_id", s.ID, "fork_id", fork.ID, "at_node", fromNodeID)
	return fork, nil
}

// Path returns the nodes from the root to the current branch head, in
// order. Fork ancestry is followed transparently.
func (t *Tree) Path(ctx context.Context, sessionID string) ([]*models.SessionNode, error) {
	s, err := t.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	branch, err := t.sessions.GetBranch(ctx, sessionID, s.CurrentBranch)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return t.pathTo(ctx, s, branch.HeadID)
}

// pathTo walks parent pointers from a head back to the root and reverses.
func (t *Tree) pathTo(ctx context.Context, s *models.Session, headID string) ([]*models.SessionNode, error) {
	var reversed []*models.SessionNode
	for id := headID; id != ""; {
		node, err := t.resolveNode(ctx, s, id)
		if err != nil {
			return nil, err
		}
		reversed = append(reversed, node)
		id = node.ParentID
	}
	path := make([]*models.SessionNode, len(reversed))
	for i, n := range reversed {
		path[len(path)-1-i] = n
	}
	return path, nil
}

// resolveNode finds a node in the session or, for forks, in the origin
// chain.
func (t *Tree) resolveNode(ctx context.Context, s *models.Session, nodeID string) (*models.SessionNode, error) {
	node, err := t.sessions.GetNode(ctx, s.ID, nodeID)
	if err == nil {
		return node, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if s.ForkedFrom == "" {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	origin, err := t.sessions.GetSession(ctx, s.ForkedFrom)
	if err != nil {
		return nil, err
	}
	return t.resolveNode(ctx, origin, nodeID)
}

// CompareBranches summarizes branches and picks a winner: the lowest-cost
// branch among those whose every node succeeded. Branches with no nodes
// never win. An empty names list compares all branches.
func (t *Tree) CompareBranches(ctx context.Context, sessionID string, names ...string) (*models.BranchComparison, error) {
	s, err := t.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		branches, err := t.sessions.ListBranches(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		for _, b := range branches {
			names = append(names, b.Name)
		}
	}

	cmp := &models.BranchComparison{Metric: CompareMetricLowestCost}
	for _, name := range names {
		branch, err := t.sessions.GetBranch(ctx, sessionID, name)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: %q", ErrBranchNotFound, name)
			}
			return nil, err
		}
		path, err := t.pathTo(ctx, s, branch.HeadID)
		if err != nil {
			return nil, err
		}
		stats := models.BranchStats{Name: name, NodeCount: len(path), Succeeded: len(path) > 0}
		for _, n := range path {
			stats.Cost += n.Cost
			stats.Tokens += n.Tokens
			if !n.Success {
				stats.Succeeded = false
			}
		}
		cmp.Branches = append(cmp.Branches, stats)
	}

	best := -1
	for i, b := range cmp.Branches {
		if !b.Succeeded {
			continue
		}
		if best < 0 || b.Cost < cmp.Branches[best].Cost {
			best = i
		}
	}
	if best >= 0 {
		cmp.Winner = cmp.Branches[best].Name
	}
	return cmp, nil
}
