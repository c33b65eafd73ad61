// Package git wraps the git CLI for trunk and workspace operations.
// All version control mechanics are delegated to the external tool;
// this package only shells out and interprets the results.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/stokkr/foreman/internal/core"
)

// Client wraps git CLI operations rooted at one working directory.
type Client struct {
	repoPath string
	timeout  time.Duration
}

// NewClient creates a new git client for repoPath.
func NewClient(repoPath string) (*Client, error) {
	absPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}

	client := &Client{
		repoPath: absPath,
		timeout:  60 * time.Second,
	}

	if _, err := client.run(context.Background(), "rev-parse", "--git-dir"); err != nil {
		return nil, core.ErrWorkspace(core.CodeNotGitRepo,
			fmt.Sprintf("%s is not a git repository", absPath))
	}

	return client, nil
}

// run executes a git command and returns trimmed stdout.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", core.ErrTimeout("git command timed out")
		}
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "),
			strings.TrimSpace(stderr.String()), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// CurrentBranch returns the current branch name.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	return c.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// ChangedFiles returns every path with uncommitted changes, staged,
// unstaged or untracked.
func (c *Client) ChangedFiles(ctx context.Context) ([]string, error) {
	output, err := c.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}

	var files []string
	for _, line := range strings.Split(output, "\n") {
		if len(line) > 3 {
			// Renames show as "old -> new"; keep the destination.
			path := line[3:]
			if idx := strings.LastIndex(path, " -> "); idx >= 0 {
				path = path[idx+4:]
			}
			files = append(files, path)
		}
	}
	return files, nil
}

// IsClean reports whether the working tree has no uncommitted changes.
func (c *Client) IsClean(ctx context.Context) (bool, error) {
	files, err := c.ChangedFiles(ctx)
	if err != nil {
		return false, err
	}
	return len(files) == 0, nil
}

// ConflictedFiles returns paths currently in merge conflict.
func (c *Client) ConflictedFiles(ctx context.Context) ([]string, error) {
	output, err := c.run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if output == "" {
		return nil, nil
	}
	return strings.Split(output, "\n"), nil
}

// Switch checks out an existing branch.
func (c *Client) Switch(ctx context.Context, branch string) error {
	_, err := c.run(ctx, "switch", branch)
	return err
}

// CreateBranch creates a branch from base without switching to it.
func (c *Client) CreateBranch(ctx context.Context, name, base string) error {
	_, err := c.run(ctx, "branch", name, base)
	return err
}

// DeleteBranchForce force-deletes a branch.
func (c *Client) DeleteBranchForce(ctx context.Context, name string) error {
	_, err := c.run(ctx, "branch", "-D", name)
	return err
}

// BranchExists checks if a local branch exists.
func (c *Client) BranchExists(ctx context.Context, name string) (bool, error) {
	_, err := c.run(ctx, "rev-parse", "--verify", "refs/heads/"+name)
	if err != nil {
		if strings.Contains(err.Error(), "exit status 128") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CommitAll stages everything and commits. A hook rejecting the commit
// surfaces as a validation error carrying the hook output.
func (c *Client) CommitAll(ctx context.Context, message string) error {
	if _, err := c.run(ctx, "add", "-A"); err != nil {
		return err
	}
	if _, err := c.run(ctx, "commit", "-m", message); err != nil {
		return core.ErrValidation(core.CodeCommitRejected, "commit rejected").WithCause(err)
	}
	return nil
}

// Merge merges branch into the current branch with --no-ff.
func (c *Client) Merge(ctx context.Context, branch, message string) error {
	_, err := c.run(ctx, "merge", "--no-ff", "-m", message, branch)
	return err
}

// AbortMerge aborts an in-progress merge.
func (c *Client) AbortMerge(ctx context.Context) error {
	_, err := c.run(ctx, "merge", "--abort")
	return err
}

// Rebase rebases the current branch onto the given ref.
func (c *Client) Rebase(ctx context.Context, onto string) error {
	_, err := c.run(ctx, "rebase", onto)
	return err
}

// AbortRebase aborts an in-progress rebase.
func (c *Client) AbortRebase(ctx context.Context) error {
	_, err := c.run(ctx, "rebase", "--abort")
	return err
}

// Push pushes branch to origin. Missing remotes are tolerated so local
// only repositories keep working.
func (c *Client) Push(ctx context.Context, branch string) error {
	_, err := c.run(ctx, "push", "origin", branch)
	if err != nil && strings.Contains(err.Error(), "does not appear to be a git repository") {
		return nil
	}
	if err != nil && strings.Contains(err.Error(), "No configured push destination") {
		return nil
	}
	return err
}

// AheadCount returns how many commits branch has that base does not.
func (c *Client) AheadCount(ctx context.Context, base, branch string) (int, error) {
	output, err := c.run(ctx, "rev-list", "--count", base+".."+branch)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(output)
}

// IsAncestor reports whether ancestor is reachable from descendant,
// i.e. the branch shows as merged.
func (c *Client) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	_, err := c.run(ctx, "merge-base", "--is-ancestor", ancestor, descendant)
	if err != nil {
		if strings.Contains(err.Error(), "exit status 1") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// AddWorktree creates a worktree at path on an existing branch.
func (c *Client) AddWorktree(ctx context.Context, path, branch string) error {
	_, err := c.run(ctx, "worktree", "add", path, branch)
	return err
}

// RemoveWorktree removes a worktree, optionally forcing.
func (c *Client) RemoveWorktree(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := c.run(ctx, args...)
	return err
}

// PruneWorktrees removes stale worktree bookkeeping.
func (c *Client) PruneWorktrees(ctx context.Context) error {
	_, err := c.run(ctx, "worktree", "prune")
	return err
}

// RepoPath returns the working directory this client operates on.
func (c *Client) RepoPath() string {
	return c.repoPath
}

// WithTimeout sets the per-command timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}
