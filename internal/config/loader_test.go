package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "foreman.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
repo:
  path: /srv/checkout
backlog:
  repo: acme/widgets
agent:
  path: my-agent
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigFile(writeConfig(t, minimalConfig)).Load()
	require.NoError(t, err)

	assert.Equal(t, "main", cfg.Repo.Trunk)
	assert.Equal(t, "ready", cfg.Backlog.ReadyLabel)
	assert.Equal(t, 2, cfg.Scheduler.Concurrency)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, 2*time.Hour, cfg.Scheduler.ItemCeiling)
	assert.Equal(t, 30*time.Minute, cfg.Agent.Timeout)
	assert.False(t, cfg.API.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigFile(writeConfig(t, minimalConfig+`
scheduler:
  concurrency: 4
  item_ceiling: 45m
log:
  level: debug
`)).Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Scheduler.Concurrency)
	assert.Equal(t, 45*time.Minute, cfg.Scheduler.ItemCeiling)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("FOREMAN_SCHEDULER_CONCURRENCY", "8")
	t.Setenv("FOREMAN_LOG_LEVEL", "warn")

	cfg, err := NewLoader().WithConfigFile(writeConfig(t, minimalConfig)).Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Scheduler.Concurrency)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing repo path", `
backlog:
  repo: acme/widgets
agent:
  path: my-agent
repo:
  path: ""
`},
		{"missing backlog repo", `
repo:
  path: /srv/checkout
agent:
  path: my-agent
`},
		{"zero concurrency", minimalConfig + `
scheduler:
  concurrency: 0
`},
		{"api enabled without addr", minimalConfig + `
api:
  enabled: true
  addr: ""
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().WithConfigFile(writeConfig(t, tt.content)).Load()
			assert.Error(t, err)
		})
	}
}
