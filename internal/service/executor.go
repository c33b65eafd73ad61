package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stokkr/foreman/internal/core"
	"github.com/stokkr/foreman/internal/events"
	"github.com/stokkr/foreman/internal/logging"
	"github.com/stokkr/foreman/internal/retry"
)

const (
	// defaultCeiling is the wall-clock budget for one pass over an item.
	defaultCeiling = 2 * time.Hour
	// maxRestarts bounds how many times an item restarts from ATTEMPT
	// after exceeding its ceiling.
	maxRestarts = 3
	// maxCleanupRounds bounds the commit/correct cycle.
	maxCleanupRounds = 5
	// minInvokeBudget is the smallest slice of the ceiling worth handing
	// to the agent.
	minInvokeBudget = time.Minute
)

// ExecutorConfig tunes the per-item state machine.
type ExecutorConfig struct {
	Trunk    string
	Ceiling  time.Duration
	Policy   *retry.Policy
	CloseUps bool // close ancestors whose children are all closed
}

// Executor drives one item through claim, workspace setup, attempt,
// cleanup, gate and finalize. One Execute call per item; instances are
// safe for concurrent use across items.
type Executor struct {
	backlog    core.BacklogClient
	agent      core.Agent
	workspaces core.WorkspaceManager
	queue      *MergeQueue
	bus        *events.Bus
	logger     *logging.Logger

	trunk    string
	ceiling  time.Duration
	policy   *retry.Policy
	closeUps bool
}

// NewExecutor wires the state machine. bus may be nil.
func NewExecutor(
	backlog core.BacklogClient,
	agent core.Agent,
	workspaces core.WorkspaceManager,
	queue *MergeQueue,
	bus *events.Bus,
	cfg ExecutorConfig,
	logger *logging.Logger,
) *Executor {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = defaultCeiling
	}
	if cfg.Policy == nil {
		cfg.Policy = retry.DefaultPolicy()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Executor{
		backlog:    backlog,
		agent:      agent,
		workspaces: workspaces,
		queue:      queue,
		bus:        bus,
		logger:     logger.WithComponent("executor"),
		trunk:      cfg.Trunk,
		ceiling:    cfg.Ceiling,
		policy:     cfg.Policy,
		closeUps:   cfg.CloseUps,
	}
}

// Execute processes one item end to end and always returns a result.
// A result with zero attempts and Success false means the claim failed
// and the item cost nothing.
func (e *Executor) Execute(ctx context.Context, item *core.Item) core.ItemResult {
	result := core.ItemResult{ItemID: item.ID, StartedAt: time.Now()}
	defer func() { result.EndedAt = time.Now() }()

	log := e.logger.WithItem(string(item.ID))

	// CLAIM: failure aborts with zero cost.
	if err := e.backlog.Claim(ctx, item.ID); err != nil {
		log.Info("claim failed", "error", err)
		result.Reason = fmt.Sprintf("claim failed: %v", err)
		return result
	}
	e.publish(events.New(events.TypeClaimed, item.ID))

	// WORKSPACE_SETUP: failure aborts, no retry.
	ws, err := e.workspaces.Create(ctx, item.ID, e.trunk)
	if err != nil {
		log.Error("workspace setup failed", "error", err)
		_ = e.workspaces.Discard(ctx, item.ID)
		result.Reason = fmt.Sprintf("workspace setup failed: %v", err)
		result.Attempts = 1
		e.publish(events.New(events.TypeFailed, item.ID).WithDetail(result.Reason))
		return result
	}
	log.Info("workspace ready", "path", ws.Path, "branch", ws.Branch)

	deadline := time.Now().Add(e.ceiling)
	restarts := 0

	for {
		if ctx.Err() != nil {
			result.Reason = "shutdown"
			return result
		}

		// Ceiling check at every loop head: an exhausted budget restarts
		// the item from ATTEMPT in the same workspace.
		if time.Now().After(deadline) {
			restarts++
			if restarts > maxRestarts {
				return e.fail(ctx, item, &result, "wall-clock ceiling exceeded after restarts")
			}
			log.Warn("ceiling exceeded, restarting item in place", "restart", restarts)
			e.publish(events.New(events.TypeRequeued, item.ID).WithAttempt(result.Attempts))
			deadline = time.Now().Add(e.ceiling)
		}

		// ATTEMPT
		result.Attempts++
		e.publish(events.New(events.TypeAttempt, item.ID).WithAttempt(result.Attempts))
		inv, err := e.invoke(ctx, core.InvokeOptions{
			Prompt:  attemptPrompt(item),
			WorkDir: ws.Path,
			Timeout: time.Until(deadline),
		})
		if inv != nil {
			result.Stats.Add(inv.Stats)
		}
		if err != nil {
			if core.IsCategory(err, core.ErrCatTimeout) {
				// Handled by the ceiling check at the next loop head.
				deadline = time.Time{}
				continue
			}
			return e.fail(ctx, item, &result, fmt.Sprintf("agent failed: %v", err))
		}

		// CLEANUP_LOOP
		if err := e.cleanupLoop(ctx, item, ws.Path, deadline, &result); err != nil {
			if core.IsCategory(err, core.ErrCatTimeout) {
				deadline = time.Time{}
				continue
			}
			return e.fail(ctx, item, &result, fmt.Sprintf("cleanup failed: %v", err))
		}

		// GATE_CHECK
		approved, feedback, gateInv, err := e.gate(ctx, item, ws.Path, deadline)
		if gateInv != nil {
			result.Stats.Add(gateInv.Stats)
		}
		if err != nil {
			if core.IsCategory(err, core.ErrCatTimeout) {
				deadline = time.Time{}
				continue
			}
			return e.fail(ctx, item, &result, fmt.Sprintf("gate failed: %v", err))
		}
		if !approved {
			log.Info("gate rejected, returning to attempt", "attempt", result.Attempts)
			e.publish(events.New(events.TypeGate, item.ID).
				WithAttempt(result.Attempts).WithDetail("rejected"))
			item.AppendFeedback(feedback)
			continue
		}
		e.publish(events.New(events.TypeGate, item.ID).
			WithAttempt(result.Attempts).WithDetail("approved"))

		// FINALIZE
		return e.finalize(ctx, item, ws.Path, &result)
	}
}

// invoke runs the agent under the retry policy, passing through the last
// invocation result for stats accounting.
func (e *Executor) invoke(ctx context.Context, opts core.InvokeOptions) (*core.InvokeResult, error) {
	if opts.Timeout < minInvokeBudget {
		opts.Timeout = minInvokeBudget
	}

	var last *core.InvokeResult
	err := e.policy.ExecuteWithNotify(ctx, func(ctx context.Context) error {
		inv, err := e.agent.Invoke(ctx, opts)
		if inv != nil {
			if last != nil {
				inv.Stats.Add(last.Stats)
			}
			last = inv
		}
		return err
	}, func(attempt int, err error, delay time.Duration) {
		e.logger.Warn("retrying agent invocation",
			"attempt", attempt, "delay", delay, "error", err)
	})
	return last, err
}

// cleanupLoop commits outstanding changes, invoking a corrective
// sub-task when a commit hook rejects them.
func (e *Executor) cleanupLoop(ctx context.Context, item *core.Item, workDir string, deadline time.Time, result *core.ItemResult) error {
	for round := 0; round < maxCleanupRounds; round++ {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return core.ErrTimeout("ceiling exceeded during cleanup")
		}

		dirty, err := e.workspaces.HasUncommittedChanges(ctx, item.ID)
		if err != nil {
			return err
		}
		if !dirty {
			return nil
		}

		err = e.workspaces.CommitAll(ctx, item.ID,
			fmt.Sprintf("%s: %s", item.ID, item.Title))
		if err == nil {
			continue
		}
		if !core.IsCategory(err, core.ErrCatValidation) {
			return err
		}

		// Commit hook rejected the changes: ask the agent to fix them.
		e.logger.Info("commit rejected, invoking corrective sub-task", "item_id", item.ID)
		inv, invErr := e.invoke(ctx, core.InvokeOptions{
			Prompt:  correctivePrompt(item, err),
			WorkDir: workDir,
			Timeout: time.Until(deadline),
		})
		if inv != nil {
			result.Stats.Add(inv.Stats)
		}
		if invErr != nil {
			return invErr
		}
	}
	return core.ErrValidation(core.CodeCommitRejected,
		"changes still rejected after corrective sub-tasks")
}

// gate runs the read-only verification sub-task and parses its verdict.
func (e *Executor) gate(ctx context.Context, item *core.Item, workDir string, deadline time.Time) (bool, string, *core.InvokeResult, error) {
	inv, err := e.invoke(ctx, core.InvokeOptions{
		Prompt:    gatePrompt(item),
		WorkDir:   workDir,
		Timeout:   time.Until(deadline),
		DenyWrite: true,
	})
	if err != nil {
		return false, "", inv, err
	}
	approved, feedback := parseGateVerdict(inv.Output)
	return approved, feedback, inv, nil
}

// finalize hands the workspace to the merge queue and closes the item.
// A conflict gets one resolution sub-task and one merge retry; failing
// that, the workspace stays for manual resolution.
func (e *Executor) finalize(ctx context.Context, item *core.Item, workDir string, result *core.ItemResult) core.ItemResult {
	res := e.awaitMerge(ctx, item.ID)

	if res.Outcome == core.MergeConflict {
		e.logger.Info("merge conflict, invoking resolution sub-task",
			"item_id", item.ID, "files", res.ConflictedFiles)
		inv, err := e.invoke(ctx, core.InvokeOptions{
			Prompt:  conflictPrompt(item, res.ConflictedFiles),
			WorkDir: workDir,
			Timeout: e.ceiling / 4,
		})
		if inv != nil {
			result.Stats.Add(inv.Stats)
		}
		if err == nil {
			if err := e.workspaces.CommitAll(ctx, item.ID,
				fmt.Sprintf("%s: resolve merge conflicts", item.ID)); err != nil {
				e.logger.Warn("committing conflict resolution failed",
					"item_id", item.ID, "error", err)
			}
			res = e.awaitMerge(ctx, item.ID)
		}
	}

	switch res.Outcome {
	case core.MergeSuccess:
		if err := e.backlog.Close(ctx, item.ID,
			fmt.Sprintf("Completed in %d attempt(s).", result.Attempts)); err != nil {
			e.logger.Warn("closing item failed", "item_id", item.ID, "error", err)
		}
		if e.closeUps {
			e.closeAncestors(ctx, item)
		}
		e.publish(events.New(events.TypeMerged, item.ID).WithAttempt(result.Attempts))
		result.Success = true
		result.Reason = "merged"
		return *result

	case core.MergeShutdown:
		result.Reason = "shutdown before merge"
		return *result

	default:
		// Conflict or failure: the workspace is preserved for resolution.
		reason := fmt.Sprintf("merge %s: %s", res.Outcome, res.Message)
		if len(res.ConflictedFiles) > 0 {
			reason = fmt.Sprintf("%s (files: %s)", reason, strings.Join(res.ConflictedFiles, ", "))
		}
		result.Reason = reason
		e.publish(events.New(events.TypeFailed, item.ID).WithDetail(reason))
		e.comment(ctx, item.ID, reason)
		return *result
	}
}

func (e *Executor) awaitMerge(ctx context.Context, id core.ItemID) core.MergeResult {
	select {
	case res := <-e.queue.Submit(id):
		return res
	case <-ctx.Done():
		return core.MergeResult{Outcome: core.MergeShutdown, Message: "shutdown while awaiting merge"}
	}
}

// closeAncestors walks parent links upward, closing every ancestor whose
// remaining children are all closed, stopping at the first open child.
func (e *Executor) closeAncestors(ctx context.Context, item *core.Item) {
	current := item
	for {
		parentID, ok := current.Parent()
		if !ok {
			return
		}
		open, err := e.backlog.OpenChildren(ctx, parentID)
		if err != nil {
			e.logger.Warn("could not list children", "item_id", parentID, "error", err)
			return
		}
		if len(open) > 0 {
			return
		}
		if err := e.backlog.Close(ctx, parentID, "All child items completed."); err != nil {
			e.logger.Warn("closing ancestor failed", "item_id", parentID, "error", err)
			return
		}
		e.logger.Info("closed ancestor", "item_id", parentID)

		parent, err := e.backlog.GetWithDependencies(ctx, parentID)
		if err != nil {
			return
		}
		current = parent
	}
}

// fail marks the item failed, discards its workspace and reports why.
func (e *Executor) fail(ctx context.Context, item *core.Item, result *core.ItemResult, reason string) core.ItemResult {
	e.logger.Warn("item failed", "item_id", item.ID, "reason", reason)
	result.Reason = reason
	_ = e.workspaces.Discard(ctx, item.ID)
	e.comment(ctx, item.ID, reason)
	e.publish(events.New(events.TypeFailed, item.ID).WithDetail(reason))
	return *result
}

func (e *Executor) comment(ctx context.Context, id core.ItemID, text string) {
	if err := e.backlog.AddComment(ctx, id, text); err != nil {
		e.logger.Debug("adding comment failed", "item_id", id, "error", err)
	}
}

func (e *Executor) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}
