package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stokkr/foreman/internal/lock"
)

func newRegistry(t *testing.T, dir string) *lock.Registry {
	t.Helper()
	r, err := lock.NewRegistry(dir)
	require.NoError(t, err)
	return r
}

func countRuns(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return strings.Count(string(data), "run")
}

func TestMaintenanceFrequencyGate(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")
	tasks := []MaintenanceTask{{
		Name:    "mark",
		Every:   2,
		Mode:    ModeParallelSafe,
		Command: "echo run >> " + marker,
	}}
	m := NewMaintenanceScheduler(tasks, newRegistry(t, dir), NewSessionStats(), dir, nil)

	ctx := context.Background()
	m.RunDue(ctx, 1)
	assert.Equal(t, 0, countRuns(t, marker))
	m.RunDue(ctx, 2)
	assert.Equal(t, 1, countRuns(t, marker))
	m.RunDue(ctx, 3)
	assert.Equal(t, 1, countRuns(t, marker))
	m.RunDue(ctx, 4)
	assert.Equal(t, 2, countRuns(t, marker))
}

func TestMaintenanceDisabledTaskNeverRuns(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")
	tasks := []MaintenanceTask{{
		Name:     "off",
		Every:    1,
		Command:  "echo run >> " + marker,
		Disabled: true,
	}}
	m := NewMaintenanceScheduler(tasks, newRegistry(t, dir), NewSessionStats(), dir, nil)

	m.RunDue(context.Background(), 5)
	assert.Equal(t, 0, countRuns(t, marker))
}

// Two schedulers sharing a lock directory: a singleton task runs in
// exactly one of them at a time, the loser logs a skip.
func TestMaintenanceSingletonNeverOverlaps(t *testing.T) {
	lockDir := t.TempDir()
	workDir := t.TempDir()
	task := MaintenanceTask{
		Name:    "slow",
		Every:   1,
		Mode:    ModeSingleton,
		Command: "sleep 0.3",
	}

	statsA := NewSessionStats()
	statsB := NewSessionStats()
	a := NewMaintenanceScheduler([]MaintenanceTask{task}, newRegistry(t, lockDir), statsA, workDir, nil)
	b := NewMaintenanceScheduler([]MaintenanceTask{task}, newRegistry(t, lockDir), statsB, workDir, nil)

	var wg sync.WaitGroup
	for _, m := range []*MaintenanceScheduler{a, b} {
		wg.Add(1)
		go func(m *MaintenanceScheduler) {
			defer wg.Done()
			m.RunDue(context.Background(), 1)
		}(m)
	}
	wg.Wait()

	snapA, snapB := statsA.Snapshot(), statsB.Snapshot()
	assert.Equal(t, 1, snapA.MaintenanceRuns+snapB.MaintenanceRuns, "exactly one run")
	assert.Equal(t, 1, snapA.MaintenanceSkips+snapB.MaintenanceSkips, "exactly one skip")
}

func TestMaintenanceParallelSafeSkipsLocking(t *testing.T) {
	lockDir := t.TempDir()
	workDir := t.TempDir()
	registry := newRegistry(t, lockDir)

	// Hold the lock the task would use if it were a singleton.
	handle, err := registry.TryAcquire("maint-free")
	require.NoError(t, err)
	require.NotNil(t, handle)
	defer handle.Release()

	marker := filepath.Join(workDir, "marker")
	stats := NewSessionStats()
	m := NewMaintenanceScheduler([]MaintenanceTask{{
		Name:    "free",
		Every:   1,
		Mode:    ModeParallelSafe,
		Command: "echo run >> " + marker,
	}}, registry, stats, workDir, nil)

	m.RunDue(context.Background(), 1)
	assert.Equal(t, 1, countRuns(t, marker))
	assert.Equal(t, 1, stats.Snapshot().MaintenanceRuns)
}

func TestMaintenanceUnknownModeIsSingleton(t *testing.T) {
	task := MaintenanceTask{Mode: "whatever"}
	assert.True(t, task.IsSingleton())
	assert.True(t, MaintenanceTask{}.IsSingleton())
	assert.False(t, MaintenanceTask{Mode: ModeParallelSafe}.IsSingleton())
}

func TestMaintenanceTaskFailureStillReleasesLock(t *testing.T) {
	lockDir := t.TempDir()
	workDir := t.TempDir()
	registry := newRegistry(t, lockDir)
	m := NewMaintenanceScheduler([]MaintenanceTask{{
		Name:    "fails",
		Every:   1,
		Command: "exit 1",
	}}, registry, NewSessionStats(), workDir, nil)

	m.RunDue(context.Background(), 1)

	// The lock must be free again.
	handle, err := registry.TryAcquire("maint-fails")
	require.NoError(t, err)
	require.NotNil(t, handle)
	handle.Release()
}

func TestLoadTasks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tasks:
  - name: prune
    every: 5
    mode: singleton
    command: git worktree prune
    timeout: 2m
  - name: audit
    every: 10
    mode: parallel-safe
    command: ./scripts/audit.sh
    disabled: true
`), 0o644))

	tasks, err := LoadTasks(path)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "prune", tasks[0].Name)
	assert.Equal(t, 5, tasks[0].Every)
	assert.Equal(t, 2*time.Minute, time.Duration(tasks[0].Timeout))
	assert.True(t, tasks[0].IsSingleton())
	assert.True(t, tasks[1].Disabled)
	assert.False(t, tasks[1].IsSingleton())
}

func TestLoadTasksValidation(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{
		"no name":      "tasks:\n  - every: 1\n    command: true\n",
		"no frequency": "tasks:\n  - name: x\n    command: true\n",
		"no command":   "tasks:\n  - name: x\n    every: 1\n",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(name, " ", "-")+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
			_, err := LoadTasks(path)
			assert.Error(t, err)
		})
	}
}
