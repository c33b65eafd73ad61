package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stokkr/foreman/internal/core"
)

func newTestScheduler(t *testing.T, backlog *fakeBacklog, agent *fakeAgent, ws *fakeWorkspaces, cfg SchedulerConfig) *Scheduler {
	t.Helper()
	queue := NewMergeQueue(ws, "main", nil)
	t.Cleanup(queue.Shutdown)

	executor := NewExecutor(backlog, agent, ws, queue, nil, ExecutorConfig{
		Trunk:   "main",
		Ceiling: time.Minute,
		Policy:  testPolicy(),
	}, nil)

	if cfg.PollInterval == 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	return NewScheduler(backlog, executor, agent, &fakeTrunk{}, NewSessionStats(),
		nil, nil, cfg, nil)
}

func TestSchedulerNeverExceedsConcurrency(t *testing.T) {
	const n = 2
	items := make([]*core.Item, 0, 8)
	for i := 0; i < 8; i++ {
		items = append(items, core.NewItem(core.ItemID(fmt.Sprintf("i-%d", i)), "work"))
	}
	backlog := newFakeBacklog(items...)
	ws := newFakeWorkspaces()

	var inFlight, maxSeen atomic.Int32
	agent := &fakeAgent{}
	agent.invokeFn = func(_ int, opts core.InvokeOptions) (*core.InvokeResult, error) {
		if !opts.DenyWrite {
			cur := inFlight.Add(1)
			for {
				prev := maxSeen.Load()
				if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			inFlight.Add(-1)
		}
		return &core.InvokeResult{Success: true, Output: "VERDICT: APPROVED"}, nil
	}

	s := newTestScheduler(t, backlog, agent, ws, SchedulerConfig{Concurrency: n})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() {
		time.Sleep(1500 * time.Millisecond)
		s.Stop()
	}()
	_ = s.Run(ctx)

	assert.LessOrEqual(t, maxSeen.Load(), int32(n))
	assert.Positive(t, maxSeen.Load())
}

func TestSchedulerSingleShotStopsAfterOneCompletion(t *testing.T) {
	backlog := newFakeBacklog(core.NewItem("solo", "only item"))
	agent := &fakeAgent{}
	ws := newFakeWorkspaces()

	s := newTestScheduler(t, backlog, agent, ws, SchedulerConfig{
		Concurrency: 1,
		SingleShot:  true,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	assert.True(t, backlog.isClosed("solo"))
}

func TestSchedulerSingleShotEmptyBacklog(t *testing.T) {
	s := newTestScheduler(t, newFakeBacklog(), &fakeAgent{}, newFakeWorkspaces(),
		SchedulerConfig{Concurrency: 1, SingleShot: true})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, s.Run(ctx))
}

func TestSchedulerFailedClaimExcludedFromSelection(t *testing.T) {
	item := core.NewItem("stolen", "claimed elsewhere")
	backlog := newFakeBacklog(item)
	backlog.claimErrs["stolen"] = []error{core.ErrClaim("stolen", "already claimed")}
	agent := &fakeAgent{}
	ws := newFakeWorkspaces()

	s := newTestScheduler(t, backlog, agent, ws, SchedulerConfig{
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		// Several admission rounds pass before we stop.
		time.Sleep(200 * time.Millisecond)
		s.Stop()
	}()
	_ = s.Run(ctx)

	backlog.mu.Lock()
	calls := backlog.claimCalls["stolen"]
	backlog.mu.Unlock()
	assert.Equal(t, 1, calls, "a failed claim must not be retried in later rounds")
}

func TestSchedulerFailedClaimReadmittedAfterCooldown(t *testing.T) {
	item := core.NewItem("retry-me", "claim races once")
	backlog := newFakeBacklog(item)
	backlog.claimErrs["retry-me"] = []error{core.ErrClaim("retry-me", "already claimed")}
	agent := &fakeAgent{}
	ws := newFakeWorkspaces()

	s := newTestScheduler(t, backlog, agent, ws, SchedulerConfig{
		Concurrency:   1,
		PollInterval:  10 * time.Millisecond,
		ClaimCooldown: 40 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) && !backlog.isClosed("retry-me") {
			time.Sleep(10 * time.Millisecond)
		}
		s.Stop()
	}()
	_ = s.Run(ctx)

	assert.True(t, backlog.isClosed("retry-me"), "item should complete once the cooldown expires")
	backlog.mu.Lock()
	calls := backlog.claimCalls["retry-me"]
	backlog.mu.Unlock()
	assert.Equal(t, 2, calls, "exactly one retry after the cooldown")
}

func TestSchedulerReadyQueryFailureSkipsRound(t *testing.T) {
	backlog := newFakeBacklog(core.NewItem("unreachable", "tracker is down"))
	backlog.listErr = fmt.Errorf("tracker unavailable")

	s := newTestScheduler(t, backlog, &fakeAgent{}, newFakeWorkspaces(),
		SchedulerConfig{Concurrency: 1, SingleShot: true, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	backlog.mu.Lock()
	calls := backlog.claimCalls["unreachable"]
	backlog.mu.Unlock()
	assert.Zero(t, calls, "a failed ready query must not admit anything")
	assert.False(t, backlog.isClosed("unreachable"))
}

func TestSchedulerPauseSuspendsAdmission(t *testing.T) {
	backlog := newFakeBacklog(core.NewItem("waiting", "paused out"))
	agent := &fakeAgent{}
	ws := newFakeWorkspaces()

	s := newTestScheduler(t, backlog, agent, ws, SchedulerConfig{
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
	})
	s.SetPaused(true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.Stop()
	}()
	_ = s.Run(ctx)

	backlog.mu.Lock()
	calls := backlog.claimCalls["waiting"]
	backlog.mu.Unlock()
	assert.Zero(t, calls, "paused scheduler must not admit items")
}

func TestSchedulerTrunkCorrectionBeforeAdmission(t *testing.T) {
	backlog := newFakeBacklog(core.NewItem("clean-me", "needs clean trunk"))
	trunk := &fakeTrunk{}
	trunk.setFiles([]string{"main.go"})
	ws := newFakeWorkspaces()

	var correctionSeen atomic.Bool
	var mu sync.Mutex
	agent := &fakeAgent{}
	agent.invokeFn = func(_ int, opts core.InvokeOptions) (*core.InvokeResult, error) {
		mu.Lock()
		defer mu.Unlock()
		if opts.WorkDir == trunk.RepoPath() {
			correctionSeen.Store(true)
			trunk.setFiles(nil)
		}
		return &core.InvokeResult{Success: true, Output: "VERDICT: APPROVED"}, nil
	}

	queue := NewMergeQueue(ws, "main", nil)
	t.Cleanup(queue.Shutdown)
	executor := NewExecutor(backlog, agent, ws, queue, nil, ExecutorConfig{
		Trunk: "main", Ceiling: time.Minute, Policy: testPolicy(),
	}, nil)
	s := NewScheduler(backlog, executor, agent, trunk, NewSessionStats(), nil, nil,
		SchedulerConfig{Concurrency: 1, SingleShot: true, PollInterval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.True(t, correctionSeen.Load(), "correction sub-task should run on the trunk")
	assert.True(t, backlog.isClosed("clean-me"), "item should run once the trunk is clean")
}
