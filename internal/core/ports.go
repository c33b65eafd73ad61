package core

import (
	"context"
	"time"
)

// BacklogClient is the port to the external issue tracker.
type BacklogClient interface {
	// ListReady returns items with no open blockers, ordered by priority.
	ListReady(ctx context.Context) ([]*Item, error)
	// GetWithDependencies returns one item including its dependency edges.
	GetWithDependencies(ctx context.Context, id ItemID) (*Item, error)
	// Claim atomically marks the item as owned by this run. A claim that
	// fails costs nothing and must not count as an attempt.
	Claim(ctx context.Context, id ItemID) error
	// Close closes the item with a resolution note.
	Close(ctx context.Context, id ItemID, note string) error
	// Release drops this run's claim so the item can be picked up again.
	Release(ctx context.Context, id ItemID) error
	// AddComment attaches free-text progress information to the item.
	AddComment(ctx context.Context, id ItemID, text string) error
	// OpenChildren returns the still-open items whose parent is id.
	OpenChildren(ctx context.Context, id ItemID) ([]ItemID, error)
}

// InvokeOptions configures a single agent invocation.
type InvokeOptions struct {
	Prompt    string
	WorkDir   string
	Timeout   time.Duration
	DenyWrite bool // read-only invocations (gate checks)
}

// Agent is the port to the code-generation agent. Invoke is a synchronous
// black-box call; implementations classify their own failures.
type Agent interface {
	Invoke(ctx context.Context, opts InvokeOptions) (*InvokeResult, error)
}

// WorkspaceManager creates, merges and destroys isolated per-item workspaces.
type WorkspaceManager interface {
	// Create returns the workspace for the item, creating branch and
	// directory as needed. Idempotent: an existing workspace is reused.
	Create(ctx context.Context, id ItemID, baseBranch string) (*Workspace, error)
	// Merge integrates the item's branch into target. On conflict the
	// returned error carries the conflicting files and the workspace is
	// left intact for resolution.
	Merge(ctx context.Context, id ItemID, target string, cleanup bool) error
	// Discard force-removes the workspace regardless of merge state.
	Discard(ctx context.Context, id ItemID) error
	// HasUncommittedChanges reports whether the workspace is dirty.
	HasUncommittedChanges(ctx context.Context, id ItemID) (bool, error)
	// CommitAll stages and commits everything in the workspace. Commit
	// hook rejections surface as validation errors.
	CommitAll(ctx context.Context, id ItemID, message string) error
	// RebaseOntoTrunk best-effort rebases the item branch onto the latest
	// trunk before merging.
	RebaseOntoTrunk(ctx context.Context, id ItemID, trunk string) error
	// Get returns the live workspace for the item, if any.
	Get(id ItemID) (*Workspace, bool)
}
