package registry

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// WorktreeProvider provisions an isolated working directory per agent.
type WorktreeProvider interface {
	Create(ctx context.Context, agentID string) (string, error)
	Remove(ctx context.Context, path string) error
}

// TempDirProvider backs worktrees with plain temp directories. This is the
// default; it needs no repository and cleanup is a recursive remove.
type TempDirProvider struct {
	// BaseDir is the parent for agent directories. Empty means the
	// system temp dir.
	BaseDir string
}

// Create implements WorktreeProvider.
func (p *TempDirProvider) Create(_ context.Context, agentID string) (string, error) {
	base := p.BaseDir
	if base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, "hiveplane-"+agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create worktree dir: %w", err)
	}
	return dir, nil
}

// Remove implements WorktreeProvider.
func (p *TempDirProvider) Remove(_ context.Context, path string) error {
	if path == "" {
		return nil
	}
	return os.RemoveAll(path)
}

// GitProvider backs worktrees with `git worktree` so agents share object
// storage but get isolated checkouts.
type GitProvider struct {
	// RepoRoot is the repository the worktrees attach to.
	RepoRoot string
	// BaseDir is where detached worktrees are created.
	BaseDir string
}

// Create implements WorktreeProvider. The worktree is detached at HEAD on
// a per-agent branch so concurrent agents never collide.
func (p *GitProvider) Create(ctx context.Context, agentID string) (string, error) {
	dir := filepath.Join(p.BaseDir, "agent-"+agentID)
	branch := "hiveplane/agent-" + agentID
	cmd := exec.CommandContext(ctx, "git", "-C", p.RepoRoot,
		"worktree", "add", "-b", branch, dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git worktree add failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return dir, nil
}

// Remove implements WorktreeProvider.
func (p *GitProvider) Remove(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "git", "-C", p.RepoRoot,
		"worktree", "remove", "--force", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree remove failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
