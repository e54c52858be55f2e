package models

import "time"

// SessionNodeType discriminates the kinds of entries in a session journal.
type SessionNodeType string

// Session node types.
const (
	NodeTypeMessage     SessionNodeType = "message"
	NodeTypeAgentAction SessionNodeType = "agent-action"
	NodeTypeBranchPoint SessionNodeType = "branch-point"
	NodeTypeLabel       SessionNodeType = "label"
)

// SessionNode is one append-only entry in an agent's session tree.
// Nodes are never edited after creation; ParentID forms a strict tree
// (empty ParentID marks the root).
type SessionNode struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	ParentID  string          `json:"parent_id,omitempty"`
	Type      SessionNodeType `json:"type"`
	Role      string          `json:"role,omitempty"`    // message: user|assistant|system
	Content   string          `json:"content,omitempty"` // message text or action description
	Tool      string          `json:"tool,omitempty"`    // agent-action: tool invoked
	Cost      float64         `json:"cost,omitempty"`
	Tokens    int             `json:"tokens,omitempty"`
	Success   bool            `json:"success"`
	Timestamp time.Time       `json:"timestamp"`
}

// SessionBranch is a named cursor pointing at a leaf of the tree.
type SessionBranch struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	HeadID      string    `json:"head_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Session is the metadata record for one agent's session tree. Journal
// entries are stored as SessionNodes; forks share nodes, never copy them.
type Session struct {
	ID            string    `json:"id"`
	AgentID       string    `json:"agent_id"`
	RootID        string    `json:"root_id,omitempty"`
	CurrentBranch string    `json:"current_branch"`
	ForkedFrom    string    `json:"forked_from,omitempty"` // originating session id
	ForkedAtNode  string    `json:"forked_at_node,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// BranchStats summarizes one branch for comparison.
type BranchStats struct {
	Name      string  `json:"name"`
	NodeCount int     `json:"node_count"`
	Cost      float64 `json:"cost"`
	Tokens    int     `json:"tokens"`
	Succeeded bool    `json:"succeeded"`
}

// BranchComparison is the result of comparing branches of one session.
type BranchComparison struct {
	Branches []BranchStats `json:"branches"`
	Winner   string        `json:"winner,omitempty"`
	Metric   string        `json:"metric"`
}
