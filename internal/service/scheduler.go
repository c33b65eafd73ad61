package service

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/stokkr/foreman/internal/core"
	"github.com/stokkr/foreman/internal/logging"
	"github.com/stokkr/foreman/internal/store"
)

// TrunkInspector is the slice of the VCS client the admission loop needs
// to judge trunk hygiene.
type TrunkInspector interface {
	ChangedFiles(ctx context.Context) ([]string, error)
	RepoPath() string
}

// defaultClaimCooldown is how long a failed-claim item stays out of
// selection before it may be tried again.
const defaultClaimCooldown = 5 * time.Minute

// SchedulerConfig tunes the admission loop.
type SchedulerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	SingleShot   bool
	StatsPath    string
	RunID        string
	// ClaimCooldown is how long an item stays excluded after a failed
	// claim. Zero means the default.
	ClaimCooldown time.Duration
}

// Scheduler is the bounded-concurrency admission loop: it claims ready
// items, submits them to the worker pool and aggregates results.
type Scheduler struct {
	backlog  core.BacklogClient
	executor *Executor
	agent    core.Agent
	trunk    TrunkInspector
	stats    *SessionStats
	ledger   *store.Ledger
	maint    *MaintenanceScheduler
	logger   *logging.Logger

	concurrency   int
	pollInterval  time.Duration
	singleShot    bool
	statsPath     string
	runID         string
	claimCooldown time.Duration

	sem    *semaphore.Weighted
	paused atomic.Bool
	stop   chan struct{}
}

// NewScheduler wires the admission loop. ledger and maint may be nil.
func NewScheduler(
	backlog core.BacklogClient,
	executor *Executor,
	agent core.Agent,
	trunk TrunkInspector,
	stats *SessionStats,
	ledger *store.Ledger,
	maint *MaintenanceScheduler,
	cfg SchedulerConfig,
	logger *logging.Logger,
) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.ClaimCooldown <= 0 {
		cfg.ClaimCooldown = defaultClaimCooldown
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Scheduler{
		backlog:       backlog,
		executor:      executor,
		agent:         agent,
		trunk:         trunk,
		stats:         stats,
		ledger:        ledger,
		maint:         maint,
		logger:        logger.WithComponent("scheduler"),
		concurrency:   cfg.Concurrency,
		pollInterval:  cfg.PollInterval,
		singleShot:    cfg.SingleShot,
		statsPath:     cfg.StatsPath,
		runID:         cfg.RunID,
		claimCooldown: cfg.ClaimCooldown,
		sem:           semaphore.NewWeighted(int64(cfg.Concurrency)),
		stop:          make(chan struct{}),
	}
}

// SetPaused suspends or resumes admission; in-flight items continue.
func (s *Scheduler) SetPaused(paused bool) {
	s.paused.Store(paused)
	s.logger.Info("admission pause state changed", "paused", paused)
}

// Stop requests cooperative shutdown. In-flight work is abandoned.
func (s *Scheduler) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

// Run executes the admission loop until shutdown or, in single-shot
// mode, until one submission completes.
func (s *Scheduler) Run(ctx context.Context) error {
	results := make(chan core.ItemResult, s.concurrency*2)
	active := make(map[core.ItemID]bool)
	failedClaims := make(map[core.ItemID]time.Time)

	s.logger.Info("scheduler started",
		"concurrency", s.concurrency,
		"poll_interval", s.pollInterval,
		"single_shot", s.singleShot,
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping", "reason", "context canceled")
			return ctx.Err()
		case <-s.stop:
			s.logger.Info("scheduler stopping", "reason", "stop requested")
			return nil
		default:
		}

		if !s.paused.Load() {
			s.admit(ctx, active, failedClaims, results)
		}

		done, err := s.drain(ctx, results, active, failedClaims)
		if err != nil {
			return err
		}
		if s.singleShot && done {
			s.logger.Info("single-shot submission completed")
			return nil
		}
		if s.singleShot && len(active) == 0 {
			// Nothing admitted and nothing running: the backlog is empty.
			s.logger.Info("single-shot found no eligible items")
			return nil
		}
	}
}

// admit runs one admission round: trunk hygiene, ready query, selection
// and submission up to the free slots.
func (s *Scheduler) admit(ctx context.Context, active map[core.ItemID]bool, failedClaims map[core.ItemID]time.Time, results chan<- core.ItemResult) {
	if !s.ensureTrunkClean(ctx) {
		return
	}

	slots := s.concurrency - len(active)
	if slots <= 0 {
		return
	}

	items, err := s.backlog.ListReady(ctx)
	if err != nil {
		s.logger.Warn("ready query failed", "error", err)
		return
	}

	submitted := 0
	for _, item := range items {
		if submitted >= slots {
			break
		}
		if active[item.ID] {
			continue
		}
		if failedAt, ok := failedClaims[item.ID]; ok {
			if time.Since(failedAt) < s.claimCooldown {
				continue
			}
			// Cooldown expired: let the item compete for a claim again.
			delete(failedClaims, item.ID)
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		active[item.ID] = true
		submitted++
		s.logger.Info("item admitted", "item_id", item.ID, "active", len(active))

		go func(item *core.Item) {
			defer s.sem.Release(1)
			results <- s.executor.Execute(ctx, item)
		}(item)
	}
}

// drain collects finished items, waiting up to the poll interval for the
// first one. Returns whether any submission completed.
func (s *Scheduler) drain(ctx context.Context, results <-chan core.ItemResult, active map[core.ItemID]bool, failedClaims map[core.ItemID]time.Time) (bool, error) {
	timer := time.NewTimer(s.pollInterval)
	defer timer.Stop()

	done := false
	for {
		select {
		case <-ctx.Done():
			return done, ctx.Err()
		case <-s.stop:
			return done, nil
		case result := <-results:
			s.collect(ctx, result, active, failedClaims)
			done = true
		case <-timer.C:
			// Drain whatever else is already waiting, then yield.
			for {
				select {
				case result := <-results:
					s.collect(ctx, result, active, failedClaims)
					done = true
				default:
					return done, nil
				}
			}
		}
	}
}

// collect folds one result into the run state.
func (s *Scheduler) collect(ctx context.Context, result core.ItemResult, active map[core.ItemID]bool, failedClaims map[core.ItemID]time.Time) {
	delete(active, result.ItemID)

	if !result.Success && result.Attempts == 0 {
		// Failed before any real attempt: keep it out of selection until
		// the cooldown elapses or a later round succeeds for it.
		failedClaims[result.ItemID] = time.Now()
		s.logger.Info("item joined failed-claim set", "item_id", result.ItemID)
		return
	}

	if result.Success {
		delete(failedClaims, result.ItemID)
	}

	s.stats.RecordItem(result)
	s.logger.Info("item finished",
		"item_id", result.ItemID,
		"success", result.Success,
		"attempts", result.Attempts,
		"reason", result.Reason,
		"elapsed", result.ElapsedWall(),
	)

	if s.ledger != nil {
		if err := s.ledger.Record(ctx, s.runID, result); err != nil {
			s.logger.Warn("ledger write failed", "item_id", result.ItemID, "error", err)
		}
	}
	if s.statsPath != "" {
		if err := s.stats.Persist(s.statsPath); err != nil {
			s.logger.Warn("stats snapshot write failed", "error", err)
		}
	}
	if s.maint != nil && result.Success {
		s.maint.RunDue(ctx, s.stats.CompletedCount())
	}
}

// ensureTrunkClean verifies the trunk is mergeable, invoking a
// correction sub-task when stray non-infrastructure changes exist.
func (s *Scheduler) ensureTrunkClean(ctx context.Context) bool {
	files, err := s.trunk.ChangedFiles(ctx)
	if err != nil {
		s.logger.Warn("trunk status check failed", "error", err)
		return false
	}
	if infraOnly(files) {
		return true
	}

	s.logger.Warn("trunk has stray changes, invoking correction sub-task", "files", files)
	_, err = s.agent.Invoke(ctx, core.InvokeOptions{
		Prompt:  trunkCorrectionPrompt(files),
		WorkDir: s.trunk.RepoPath(),
		Timeout: 10 * time.Minute,
	})
	if err != nil {
		s.logger.Warn("trunk correction failed", "error", err)
		return false
	}

	files, err = s.trunk.ChangedFiles(ctx)
	if err != nil || !infraOnly(files) {
		s.logger.Warn("trunk still not mergeable, skipping admission round",
			"files", files, "error", err)
		return false
	}
	return true
}

// infraOnly reports whether every changed path is run infrastructure
// that never blocks admission.
func infraOnly(files []string) bool {
	for _, f := range files {
		if strings.HasPrefix(f, ".foreman/") || strings.HasSuffix(f, ".lock") {
			continue
		}
		return false
	}
	return true
}

func trunkCorrectionPrompt(files []string) string {
	var b strings.Builder
	b.WriteString("The integration branch has uncommitted changes that block merging:\n")
	for _, f := range files {
		fmt.Fprintf(&b, "  - %s\n", f)
	}
	b.WriteString("\nEither commit them with a descriptive message or revert them. ")
	b.WriteString("Leave the working tree clean.")
	return b.String()
}
