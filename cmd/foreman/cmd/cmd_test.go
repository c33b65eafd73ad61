package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stokkr/foreman/internal/control"
)

func TestSentinelPathCreatesControlDir(t *testing.T) {
	dir := t.TempDir()
	controlRepoPath = dir
	defer func() { controlRepoPath = "." }()

	path := sentinelPath(control.StopSentinel)
	assert.Equal(t, filepath.Join(dir, ".foreman", "control", control.StopSentinel), path)

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestPauseAndResumeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	controlRepoPath = dir
	defer func() { controlRepoPath = "." }()

	require.NoError(t, pauseCmd.RunE(pauseCmd, nil))
	_, err := os.Stat(filepath.Join(dir, ".foreman", "control", control.PauseSentinel))
	require.NoError(t, err)

	require.NoError(t, resumeCmd.RunE(resumeCmd, nil))
	_, err = os.Stat(filepath.Join(dir, ".foreman", "control", control.PauseSentinel))
	assert.True(t, os.IsNotExist(err))
}

func TestResumeWhenNotPaused(t *testing.T) {
	controlRepoPath = t.TempDir()
	defer func() { controlRepoPath = "." }()

	assert.NoError(t, resumeCmd.RunE(resumeCmd, nil))
}

func TestVersionIsRegistered(t *testing.T) {
	SetVersion("1.2.3", "abc", "today")
	assert.Equal(t, "1.2.3", appVersion)

	found := false
	for _, c := range rootCmd.Commands() {
		if c.Name() == "version" {
			found = true
		}
	}
	assert.True(t, found)
}
