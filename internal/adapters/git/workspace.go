package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/stokkr/foreman/internal/core"
	"github.com/stokkr/foreman/internal/logging"
)

// branchPrefix namespaces every workspace branch.
const branchPrefix = "task/"

var (
	unsafeBranchChars = regexp.MustCompile(`[#:*?\[\]^~[:space:]]+`)
	repeatedDots      = regexp.MustCompile(`\.{2,}`)
)

// SanitizeBranchName makes an arbitrary identifier safe for git refs:
// unsafe characters and whitespace become '-', runs of '.' collapse,
// and leading/trailing '-' or '.' are trimmed.
func SanitizeBranchName(name string) string {
	s := unsafeBranchChars.ReplaceAllString(name, "-")
	s = repeatedDots.ReplaceAllString(s, ".")
	return strings.Trim(s, "-.")
}

// WorkspaceManager creates, merges and destroys isolated per-item
// worktree workspaces. It owns the only mutable handle on the trunk
// checkout; callers above serialize merges through the merge queue.
type WorkspaceManager struct {
	mu      sync.Mutex // serializes trunk-side git operations
	trunk   *Client
	baseDir string
	logger  *logging.Logger

	workspaces map[core.ItemID]*core.Workspace
}

// Ensure interface compliance.
var _ core.WorkspaceManager = (*WorkspaceManager)(nil)

// NewWorkspaceManager creates a workspace manager. Worktrees live under
// baseDir; relative paths are rooted at the trunk repository.
func NewWorkspaceManager(trunk *Client, baseDir string, logger *logging.Logger) (*WorkspaceManager, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if baseDir == "" {
		baseDir = filepath.Join(trunk.RepoPath(), ".foreman", "workspaces")
	} else if !filepath.IsAbs(baseDir) {
		baseDir = filepath.Join(trunk.RepoPath(), baseDir)
	}

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace base directory: %w", err)
	}

	return &WorkspaceManager{
		trunk:      trunk,
		baseDir:    baseDir,
		logger:     logger.WithComponent("workspace"),
		workspaces: make(map[core.ItemID]*core.Workspace),
	}, nil
}

// BranchFor returns the branch name used for an item's workspace.
func (m *WorkspaceManager) BranchFor(id core.ItemID) string {
	return branchPrefix + SanitizeBranchName(string(id))
}

func (m *WorkspaceManager) pathFor(id core.ItemID) string {
	return filepath.Join(m.baseDir, SanitizeBranchName(string(id)))
}

// Create creates (or reuses) the workspace for an item. At most one live
// workspace exists per item ID; an existing directory or branch means a
// previous run set it up and it is reused as-is.
func (m *WorkspaceManager) Create(ctx context.Context, id core.ItemID, baseBranch string) (*core.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ws, ok := m.workspaces[id]; ok {
		return ws, nil
	}

	branch := m.BranchFor(id)
	path := m.pathFor(id)

	ws := &core.Workspace{
		ItemID:    id,
		Path:      path,
		Branch:    branch,
		CreatedAt: time.Now(),
	}

	// Worktree directory left over from a previous run: adopt it.
	if _, err := os.Stat(path); err == nil {
		m.logger.Info("reusing existing workspace", "item_id", id, "path", path)
		m.workspaces[id] = ws
		return ws, nil
	}

	if err := m.trunk.CreateBranch(ctx, branch, baseBranch); err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return nil, core.ErrWorkspace(core.CodeBranchExists,
				fmt.Sprintf("creating branch %s", branch)).WithCause(err)
		}
		m.logger.Info("branch already exists, reusing", "branch", branch)
	}

	if err := m.trunk.AddWorktree(ctx, path, branch); err != nil {
		// The worktree may exist under stale bookkeeping; prune and retry once.
		_ = m.trunk.PruneWorktrees(ctx)
		if retryErr := m.trunk.AddWorktree(ctx, path, branch); retryErr != nil {
			return nil, core.ErrWorkspace(core.CodeWorkspaceExists,
				fmt.Sprintf("creating worktree at %s", path)).WithCause(retryErr)
		}
	}

	m.logger.Info("workspace created", "item_id", id, "path", path, "branch", branch)
	m.workspaces[id] = ws
	return ws, nil
}

// Get returns the live workspace for an item, if any.
func (m *WorkspaceManager) Get(id core.ItemID) (*core.Workspace, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[id]
	return ws, ok
}

// HasUncommittedChanges reports whether the item's workspace is dirty.
func (m *WorkspaceManager) HasUncommittedChanges(ctx context.Context, id core.ItemID) (bool, error) {
	ws, ok := m.Get(id)
	if !ok {
		return false, core.ErrWorkspace(core.CodeItemNotFound, fmt.Sprintf("no workspace for %s", id))
	}
	client, err := NewClient(ws.Path)
	if err != nil {
		return false, err
	}
	clean, err := client.IsClean(ctx)
	return !clean, err
}

// CommitAll stages and commits everything in the item's workspace.
func (m *WorkspaceManager) CommitAll(ctx context.Context, id core.ItemID, message string) error {
	ws, ok := m.Get(id)
	if !ok {
		return core.ErrWorkspace(core.CodeItemNotFound, fmt.Sprintf("no workspace for %s", id))
	}
	client, err := NewClient(ws.Path)
	if err != nil {
		return err
	}
	return client.CommitAll(ctx, message)
}

// RebaseOntoTrunk rebases the workspace branch onto the latest trunk.
// Failures abort the rebase and are reported; the caller treats them as
// best-effort since the merge itself has conflict handling.
func (m *WorkspaceManager) RebaseOntoTrunk(ctx context.Context, id core.ItemID, trunk string) error {
	ws, ok := m.Get(id)
	if !ok {
		return core.ErrWorkspace(core.CodeItemNotFound, fmt.Sprintf("no workspace for %s", id))
	}
	client, err := NewClient(ws.Path)
	if err != nil {
		return err
	}
	if err := client.Rebase(ctx, trunk); err != nil {
		_ = client.AbortRebase(ctx)
		return err
	}
	return nil
}

// infraOnlyPaths reports whether every changed path is run infrastructure
// (state under .foreman/ or lock files) that is safe to auto-commit.
func infraOnlyPaths(files []string) bool {
	for _, f := range files {
		if strings.HasPrefix(f, ".foreman/") || strings.HasSuffix(f, ".lock") {
			continue
		}
		return false
	}
	return true
}

// Merge integrates the item's branch into target. Preconditions: the
// workspace is committed and the trunk carries no non-infrastructure
// changes (infra-only changes are committed first). After the VCS merge,
// post-conditions are validated independently; any violation counts as
// failure even when git reported success.
func (m *WorkspaceManager) Merge(ctx context.Context, id core.ItemID, target string, cleanup bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.workspaces[id]
	if !ok {
		return core.ErrWorkspace(core.CodeItemNotFound, fmt.Sprintf("no workspace for %s", id))
	}

	wsClient, err := NewClient(ws.Path)
	if err != nil {
		return err
	}
	if clean, err := wsClient.IsClean(ctx); err != nil {
		return err
	} else if !clean {
		return core.ErrWorkspace(core.CodeDirtyWorkspace,
			fmt.Sprintf("workspace %s has uncommitted changes", id))
	}

	trunkFiles, err := m.trunk.ChangedFiles(ctx)
	if err != nil {
		return err
	}
	if len(trunkFiles) > 0 {
		if !infraOnlyPaths(trunkFiles) {
			return core.ErrWorkspace(core.CodeDirtyTrunk,
				"trunk has uncommitted changes").WithDetail("files", trunkFiles)
		}
		if err := m.trunk.CommitAll(ctx, "chore: commit run infrastructure changes"); err != nil {
			return core.ErrWorkspace(core.CodeDirtyTrunk,
				"auto-committing trunk infrastructure changes").WithCause(err)
		}
	}

	if err := m.trunk.Switch(ctx, target); err != nil {
		return core.ErrWorkspace(core.CodeDirtyTrunk,
			fmt.Sprintf("switching trunk to %s", target)).WithCause(err)
	}

	message := fmt.Sprintf("Merge %s: %s", ws.Branch, id)
	if err := m.trunk.Merge(ctx, ws.Branch, message); err != nil {
		conflicted, _ := m.trunk.ConflictedFiles(ctx)
		_ = m.trunk.AbortMerge(ctx)
		if len(conflicted) > 0 || strings.Contains(strings.ToLower(err.Error()), "conflict") {
			m.logger.Warn("merge conflict", "item_id", id, "files", conflicted)
			return core.ErrConflict(fmt.Sprintf("merging %s into %s", ws.Branch, target), conflicted)
		}
		return core.ErrWorkspace(core.CodeDirtyTrunk, "merge failed").WithCause(err)
	}

	if err := m.trunk.Push(ctx, target); err != nil {
		m.logger.Warn("push failed after merge", "item_id", id, "error", err)
	}

	if err := m.validatePostMerge(ctx, ws, target); err != nil {
		return err
	}

	m.logger.Info("merge completed", "item_id", id, "branch", ws.Branch, "target", target)

	if cleanup {
		m.removeLocked(ctx, ws)
		delete(m.workspaces, id)
	}
	return nil
}

// validatePostMerge re-checks the trunk after a reportedly successful
// merge: right branch, clean tree, and the workspace branch now merged.
func (m *WorkspaceManager) validatePostMerge(ctx context.Context, ws *core.Workspace, target string) error {
	branch, err := m.trunk.CurrentBranch(ctx)
	if err != nil || branch != target {
		return core.ErrWorkspace(core.CodePostMergeCheck,
			fmt.Sprintf("trunk on branch %q after merge, want %q", branch, target)).WithCause(err)
	}
	if clean, err := m.trunk.IsClean(ctx); err != nil || !clean {
		return core.ErrWorkspace(core.CodePostMergeCheck,
			"trunk not clean after merge").WithCause(err)
	}
	if merged, err := m.trunk.IsAncestor(ctx, ws.Branch, target); err != nil || !merged {
		return core.ErrWorkspace(core.CodePostMergeCheck,
			fmt.Sprintf("branch %s not reachable from %s after merge", ws.Branch, target)).WithCause(err)
	}
	return nil
}

// Discard force-removes the workspace regardless of merge state.
func (m *WorkspaceManager) Discard(ctx context.Context, id core.ItemID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.workspaces[id]
	if !ok {
		return nil
	}
	m.removeLocked(ctx, ws)
	delete(m.workspaces, id)
	return nil
}

// removeLocked removes a workspace directory and its branch with
// escalating force. Removal failure is a warning, never a merge failure.
func (m *WorkspaceManager) removeLocked(ctx context.Context, ws *core.Workspace) {
	if err := m.trunk.RemoveWorktree(ctx, ws.Path, false); err != nil {
		if err := m.trunk.RemoveWorktree(ctx, ws.Path, true); err != nil {
			if err := forceRemoveAll(ws.Path); err != nil {
				m.logger.Warn("failed to remove workspace directory",
					"item_id", ws.ItemID, "path", ws.Path, "error", err)
			}
			_ = m.trunk.PruneWorktrees(ctx)
		}
	}

	if err := m.trunk.DeleteBranchForce(ctx, ws.Branch); err != nil {
		m.logger.Warn("failed to delete workspace branch",
			"item_id", ws.ItemID, "branch", ws.Branch, "error", err)
	}
}

// forceRemoveAll deletes a tree, clearing read-only bits that would make
// os.RemoveAll fail (object files under .git are read-only).
func forceRemoveAll(path string) error {
	_ = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().Perm()&0o200 == 0 {
			_ = os.Chmod(p, info.Mode().Perm()|0o200)
		}
		return nil
	})
	return os.RemoveAll(path)
}
