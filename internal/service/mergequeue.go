package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/stokkr/foreman/internal/core"
	"github.com/stokkr/foreman/internal/logging"
)

// mergeRequest is owned by the queue until resolved, exactly once.
type mergeRequest struct {
	itemID core.ItemID
	result chan core.MergeResult
	once   sync.Once
}

func (r *mergeRequest) resolve(res core.MergeResult) {
	r.once.Do(func() {
		r.result <- res
		close(r.result)
	})
}

// MergeQueue linearizes workspace-to-trunk merges: one worker owns
// exclusive trunk-write access and processes requests strictly FIFO.
type MergeQueue struct {
	manager core.WorkspaceManager
	trunk   string
	logger  *logging.Logger
	stats   *SessionStats

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*mergeRequest
	inFlight int
	started  bool
	stopped  bool
	done     chan struct{}
}

// NewMergeQueue creates a queue merging into the given trunk branch.
// The worker starts lazily on the first Submit.
func NewMergeQueue(manager core.WorkspaceManager, trunk string, logger *logging.Logger) *MergeQueue {
	if logger == nil {
		logger = logging.NewNop()
	}
	q := &MergeQueue{
		manager: manager,
		trunk:   trunk,
		logger:  logger.WithComponent("mergequeue"),
		done:    make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// RecordTo counts merge outcomes into the given session stats. Must be
// called before the first Submit.
func (q *MergeQueue) RecordTo(stats *SessionStats) {
	q.stats = stats
}

// Submit enqueues a merge for the item's workspace and returns a channel
// that receives exactly one MergeResult.
func (q *MergeQueue) Submit(id core.ItemID) <-chan core.MergeResult {
	req := &mergeRequest{
		itemID: id,
		result: make(chan core.MergeResult, 1),
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		req.resolve(core.MergeResult{
			Outcome: core.MergeShutdown,
			Message: "merge queue is shut down",
		})
		return req.result
	}
	q.queue = append(q.queue, req)
	if !q.started {
		q.started = true
		go q.worker()
	}
	q.cond.Signal()
	q.mu.Unlock()

	return req.result
}

// PendingCount returns the number of unresolved requests, including the
// one in flight.
func (q *MergeQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue) + q.inFlight
}

// Shutdown stops the worker. The in-flight request finishes normally;
// every queued request resolves to SHUTDOWN. Safe to call repeatedly.
func (q *MergeQueue) Shutdown() {
	q.mu.Lock()
	if q.stopped {
		started := q.started
		q.mu.Unlock()
		if started {
			<-q.done
		}
		return
	}
	q.stopped = true
	queued := q.queue
	q.queue = nil
	started := q.started
	q.cond.Signal()
	q.mu.Unlock()

	for _, req := range queued {
		req.resolve(core.MergeResult{
			Outcome: core.MergeShutdown,
			Message: "shutdown before merge started",
		})
	}
	if started {
		<-q.done
	}
}

func (q *MergeQueue) worker() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.queue) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if q.stopped {
			// Shutdown already resolved everything queued.
			q.mu.Unlock()
			return
		}
		req := q.queue[0]
		q.queue = q.queue[1:]
		q.inFlight = 1
		q.mu.Unlock()

		q.process(req)

		q.mu.Lock()
		q.inFlight = 0
		q.mu.Unlock()
	}
}

// process performs one merge. A panic resolves the request to FAILED
// instead of killing the worker.
func (q *MergeQueue) process(req *mergeRequest) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("merge worker panic", "item_id", req.itemID, "panic", r)
			req.resolve(core.MergeResult{
				Outcome: core.MergeFailed,
				Message: fmt.Sprintf("merge worker panic: %v", r),
			})
		}
	}()

	ctx := context.Background()

	// Best-effort: a fresh base makes the merge trivial. Failure here is
	// fine, the merge has its own conflict handling.
	if err := q.manager.RebaseOntoTrunk(ctx, req.itemID, q.trunk); err != nil {
		q.logger.Debug("pre-merge rebase failed", "item_id", req.itemID, "error", err)
	}

	err := q.manager.Merge(ctx, req.itemID, q.trunk, true)
	if err == nil {
		q.logger.Info("merge succeeded", "item_id", req.itemID)
		q.record(core.MergeSuccess)
		req.resolve(core.MergeResult{Outcome: core.MergeSuccess})
		return
	}

	if core.IsCategory(err, core.ErrCatConflict) {
		files := core.ConflictedFiles(err)
		q.logger.Warn("merge conflict", "item_id", req.itemID, "files", files)
		q.record(core.MergeConflict)
		req.resolve(core.MergeResult{
			Outcome:         core.MergeConflict,
			Message:         err.Error(),
			ConflictedFiles: files,
		})
		return
	}

	q.logger.Warn("merge failed", "item_id", req.itemID, "error", err)
	q.record(core.MergeFailed)
	req.resolve(core.MergeResult{
		Outcome: core.MergeFailed,
		Message: err.Error(),
	})
}

func (q *MergeQueue) record(outcome core.MergeOutcome) {
	if q.stats != nil {
		q.stats.RecordMerge(outcome)
	}
}
