package service

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/stokkr/foreman/internal/core"
)

// SessionStats aggregates counters across one run. The scheduler's drain
// step and the maintenance scheduler are the only writers; reporting
// collaborators read immutable snapshots.
type SessionStats struct {
	mu sync.Mutex

	startedAt   time.Time
	completed   int
	failed      int
	attempts    int
	maintRuns   int
	maintSkips  int
	mergeCount  int
	conflicts   int
	perItemRuns map[core.ItemID]int
	totals      core.InvokeStats
}

// NewSessionStats creates stats for a run starting now.
func NewSessionStats() *SessionStats {
	return &SessionStats{
		startedAt:   time.Now(),
		perItemRuns: make(map[core.ItemID]int),
	}
}

// RecordItem folds one finished item into the totals.
func (s *SessionStats) RecordItem(result core.ItemResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if result.Success {
		s.completed++
	} else {
		s.failed++
	}
	s.attempts += result.Attempts
	s.perItemRuns[result.ItemID]++
	s.totals.Add(result.Stats)
}

// RecordMerge counts a merge queue outcome.
func (s *SessionStats) RecordMerge(outcome core.MergeOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if outcome == core.MergeSuccess {
		s.mergeCount++
	}
	if outcome == core.MergeConflict {
		s.conflicts++
	}
}

// RecordMaintenance counts a maintenance task run or skip.
func (s *SessionStats) RecordMaintenance(ran bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ran {
		s.maintRuns++
	} else {
		s.maintSkips++
	}
}

// CompletedCount returns how many items finished successfully so far.
// The maintenance scheduler uses it as its frequency clock.
func (s *SessionStats) CompletedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// Snapshot is an immutable, JSON-serializable view of the counters.
type Snapshot struct {
	StartedAt        time.Time           `json:"started_at"`
	TakenAt          time.Time           `json:"taken_at"`
	Completed        int                 `json:"completed"`
	Failed           int                 `json:"failed"`
	Attempts         int                 `json:"attempts"`
	Merges           int                 `json:"merges"`
	Conflicts        int                 `json:"conflicts"`
	MaintenanceRuns  int                 `json:"maintenance_runs"`
	MaintenanceSkips int                 `json:"maintenance_skips"`
	PerItemRuns      map[core.ItemID]int `json:"per_item_runs"`
	TokensIn         int                 `json:"tokens_in"`
	TokensOut        int                 `json:"tokens_out"`
	LinesChanged     int                 `json:"lines_changed"`
	AgentDuration    time.Duration       `json:"agent_duration_ns"`
}

// Snapshot returns a copy of the current counters.
func (s *SessionStats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	perItem := make(map[core.ItemID]int, len(s.perItemRuns))
	for k, v := range s.perItemRuns {
		perItem[k] = v
	}
	return Snapshot{
		StartedAt:        s.startedAt,
		TakenAt:          time.Now(),
		Completed:        s.completed,
		Failed:           s.failed,
		Attempts:         s.attempts,
		Merges:           s.mergeCount,
		Conflicts:        s.conflicts,
		MaintenanceRuns:  s.maintRuns,
		MaintenanceSkips: s.maintSkips,
		PerItemRuns:      perItem,
		TokensIn:         s.totals.TokensIn,
		TokensOut:        s.totals.TokensOut,
		LinesChanged:     s.totals.LinesChanged,
		AgentDuration:    s.totals.Duration,
	}
}

// Persist writes the snapshot atomically so readers never observe a
// partial file.
func (s *SessionStats) Persist(path string) error {
	snap := s.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding stats snapshot: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing stats snapshot: %w", err)
	}
	return nil
}
