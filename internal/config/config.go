// Package config loads foreman's configuration from file, environment
// and CLI flags.
package config

import (
	"fmt"
	"time"
)

// Config is the complete runtime configuration.
type Config struct {
	Repo        RepoConfig        `mapstructure:"repo"`
	Backlog     BacklogConfig     `mapstructure:"backlog"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	API         APIConfig         `mapstructure:"api"`
	Log         LogConfig         `mapstructure:"log"`
}

// RepoConfig describes the trunk repository and workspace layout.
type RepoConfig struct {
	// Path is the trunk checkout foreman operates on.
	Path string `mapstructure:"path"`
	// Trunk is the integration branch workspaces merge into.
	Trunk string `mapstructure:"trunk"`
	// WorkspaceDir holds per-item worktrees; relative to Path.
	WorkspaceDir string `mapstructure:"workspace_dir"`
}

// BacklogConfig describes the external issue tracker.
type BacklogConfig struct {
	// Repo is the owner/name of the tracker repository.
	Repo string `mapstructure:"repo"`
	// ReadyLabel marks issues eligible for processing.
	ReadyLabel string `mapstructure:"ready_label"`
	// ClaimLabel marks issues owned by a run.
	ClaimLabel string `mapstructure:"claim_label"`
}

// AgentConfig describes the coding agent CLI.
type AgentConfig struct {
	Path         string            `mapstructure:"path"`
	Args         []string          `mapstructure:"args"`
	ReadOnlyFlag string            `mapstructure:"read_only_flag"`
	Timeout      time.Duration     `mapstructure:"timeout"`
	Env          map[string]string `mapstructure:"env"`
}

// SchedulerConfig tunes admission and per-item execution.
type SchedulerConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ItemCeiling  time.Duration `mapstructure:"item_ceiling"`
	SingleShot   bool          `mapstructure:"single_shot"`
	MaxRetries   int           `mapstructure:"max_retries"`
	CloseParents bool          `mapstructure:"close_parents"`
}

// MaintenanceConfig points at the background task definitions.
type MaintenanceConfig struct {
	// TasksFile is a YAML file of task definitions; empty disables
	// maintenance entirely.
	TasksFile string `mapstructure:"tasks_file"`
}

// APIConfig configures the read-only status endpoint.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "auto", "text" or "json"
}

// Validate checks the configuration for holes that would only surface
// mid-run.
func (c *Config) Validate() error {
	if c.Repo.Path == "" {
		return fmt.Errorf("repo.path is required")
	}
	if c.Repo.Trunk == "" {
		return fmt.Errorf("repo.trunk is required")
	}
	if c.Backlog.Repo == "" {
		return fmt.Errorf("backlog.repo is required")
	}
	if c.Agent.Path == "" {
		return fmt.Errorf("agent.path is required")
	}
	if c.Scheduler.Concurrency < 1 {
		return fmt.Errorf("scheduler.concurrency must be at least 1, got %d", c.Scheduler.Concurrency)
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries cannot be negative")
	}
	if c.API.Enabled && c.API.Addr == "" {
		return fmt.Errorf("api.addr is required when the api is enabled")
	}
	return nil
}
