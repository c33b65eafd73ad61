package core

import "time"

// MergeOutcome is the closed set of merge queue results.
type MergeOutcome string

const (
	MergeSuccess  MergeOutcome = "success"
	MergeConflict MergeOutcome = "conflict"
	MergeFailed   MergeOutcome = "failed"
	MergeShutdown MergeOutcome = "shutdown"
)

// MergeResult is the outcome of one merge request, produced exactly once.
type MergeResult struct {
	Outcome         MergeOutcome
	Message         string
	ConflictedFiles []string
}

// OK reports whether the merge landed on the trunk.
func (r MergeResult) OK() bool {
	return r.Outcome == MergeSuccess
}

// InvokeStats are the resource figures of a single agent invocation,
// parsed best-effort from the agent's free-text output.
type InvokeStats struct {
	Duration     time.Duration
	TokensIn     int
	TokensOut    int
	LinesChanged int
}

// Add accumulates another invocation's stats into this one.
func (s *InvokeStats) Add(other InvokeStats) {
	s.Duration += other.Duration
	s.TokensIn += other.TokensIn
	s.TokensOut += other.TokensOut
	s.LinesChanged += other.LinesChanged
}

// InvokeResult is the outcome of one agent invocation.
type InvokeResult struct {
	Success bool
	Output  string
	Error   string
	Stats   InvokeStats
}

// ItemResult is what the executor returns for one item, regardless of
// outcome. Stats cover every loop iteration the item went through.
type ItemResult struct {
	ItemID    ItemID
	Success   bool
	Attempts  int
	Reason    string
	Stats     InvokeStats
	StartedAt time.Time
	EndedAt   time.Time
}

// ElapsedWall returns the wall-clock time the item occupied a worker.
func (r ItemResult) ElapsedWall() time.Duration {
	if r.EndedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
