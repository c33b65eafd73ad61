package service

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stokkr/foreman/internal/lock"
	"github.com/stokkr/foreman/internal/logging"
)

// Duration decodes "90s" / "10m" style YAML values.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// TaskMode classifies how a maintenance task may overlap with itself.
type TaskMode string

const (
	// ModeSingleton tasks never run concurrently with themselves, in
	// this process or any other.
	ModeSingleton TaskMode = "singleton"
	// ModeParallelSafe tasks need no coordination.
	ModeParallelSafe TaskMode = "parallel-safe"
)

// MaintenanceTask is one frequency-gated background task.
type MaintenanceTask struct {
	Name string `yaml:"name"`
	// Every N completed items the task becomes due.
	Every int `yaml:"every"`
	// Mode defaults to singleton; unrecognized values also mean
	// singleton, the safe direction.
	Mode     TaskMode `yaml:"mode"`
	Command  string   `yaml:"command"`
	WorkDir  string   `yaml:"workdir"`
	Timeout  Duration `yaml:"timeout"`
	Disabled bool     `yaml:"disabled"`
}

// IsSingleton reports whether the task requires singleton locking.
func (t MaintenanceTask) IsSingleton() bool {
	return t.Mode != ModeParallelSafe
}

type taskFile struct {
	Tasks []MaintenanceTask `yaml:"tasks"`
}

// LoadTasks reads task definitions from a YAML file.
func LoadTasks(path string) ([]MaintenanceTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task definitions: %w", err)
	}
	var f taskFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing task definitions: %w", err)
	}
	for i, t := range f.Tasks {
		if t.Name == "" {
			return nil, fmt.Errorf("task %d has no name", i)
		}
		if t.Every <= 0 {
			return nil, fmt.Errorf("task %q has invalid frequency %d", t.Name, t.Every)
		}
		if t.Command == "" {
			return nil, fmt.Errorf("task %q has no command", t.Name)
		}
	}
	return f.Tasks, nil
}

// MaintenanceScheduler runs frequency-gated background tasks without
// racing the work in flight. Singleton tasks are guarded by the lock
// registry; a busy lock means another run owns the task and we skip.
type MaintenanceScheduler struct {
	tasks   []MaintenanceTask
	locks   *lock.Registry
	stats   *SessionStats
	logger  *logging.Logger
	workDir string

	lastRun map[string]int
}

// NewMaintenanceScheduler creates a scheduler over the given tasks.
// workDir is where commands run unless a task overrides it.
func NewMaintenanceScheduler(tasks []MaintenanceTask, locks *lock.Registry, stats *SessionStats, workDir string, logger *logging.Logger) *MaintenanceScheduler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &MaintenanceScheduler{
		tasks:   tasks,
		locks:   locks,
		stats:   stats,
		logger:  logger.WithComponent("maintenance"),
		workDir: workDir,
		lastRun: make(map[string]int),
	}
}

// RunDue runs every enabled task whose frequency gate opened since its
// last run. Called from the scheduler's drain step, so there is a single
// caller by construction.
func (m *MaintenanceScheduler) RunDue(ctx context.Context, completed int) {
	for _, task := range m.tasks {
		if task.Disabled {
			continue
		}
		if completed-m.lastRun[task.Name] < task.Every {
			continue
		}
		m.lastRun[task.Name] = completed
		m.runOne(ctx, task)
	}
}

func (m *MaintenanceScheduler) runOne(ctx context.Context, task MaintenanceTask) {
	if task.IsSingleton() {
		handle, err := m.locks.TryAcquire("maint-" + task.Name)
		if err != nil {
			m.logger.Warn("maintenance lock error", "task", task.Name, "error", err)
			m.record(false)
			return
		}
		if handle == nil {
			m.logger.Info("maintenance task skipped, lock busy", "task", task.Name)
			m.record(false)
			return
		}
		defer handle.Release()
	}

	start := time.Now()
	err := m.execute(ctx, task)
	if err != nil {
		m.logger.Warn("maintenance task failed",
			"task", task.Name, "elapsed", time.Since(start), "error", err)
	} else {
		m.logger.Info("maintenance task completed",
			"task", task.Name, "elapsed", time.Since(start))
	}
	m.record(true)
}

func (m *MaintenanceScheduler) execute(ctx context.Context, task MaintenanceTask) error {
	timeout := time.Duration(task.Timeout)
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	workDir := task.WorkDir
	if workDir == "" {
		workDir = m.workDir
	}

	// #nosec G204 -- commands come from the operator's task file
	cmd := exec.CommandContext(ctx, "sh", "-c", task.Command)
	cmd.Dir = workDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

func (m *MaintenanceScheduler) record(ran bool) {
	if m.stats != nil {
		m.stats.RecordMaintenance(ran)
	}
}
