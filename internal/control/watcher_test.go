package control

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stokkr/foreman/internal/logging"
)

type recordingHandler struct {
	mu      sync.Mutex
	paused  []bool
	stopped int
}

func (h *recordingHandler) SetPaused(paused bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paused = append(h.paused, paused)
}

func (h *recordingHandler) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped++
}

func (h *recordingHandler) snapshot() ([]bool, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.paused...), h.stopped
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestWatcherStopSentinel(t *testing.T) {
	dir := t.TempDir()
	handler := &recordingHandler{}

	w, err := NewWatcher(dir, handler, logging.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	// Give the watcher a moment to start receiving events.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, StopSentinel), nil, 0o644))

	waitFor(t, func() bool {
		_, stopped := handler.snapshot()
		return stopped >= 1
	})
}

func TestWatcherPauseAndResume(t *testing.T) {
	dir := t.TempDir()
	handler := &recordingHandler{}

	w, err := NewWatcher(dir, handler, logging.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)

	pause := filepath.Join(dir, PauseSentinel)
	require.NoError(t, os.WriteFile(pause, nil, 0o644))
	waitFor(t, func() bool {
		paused, _ := handler.snapshot()
		return len(paused) >= 1 && paused[0]
	})

	require.NoError(t, os.Remove(pause))
	waitFor(t, func() bool {
		paused, _ := handler.snapshot()
		return len(paused) >= 2 && !paused[len(paused)-1]
	})
}

func TestWatcherAppliesExistingSentinels(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, PauseSentinel), nil, 0o644))

	handler := &recordingHandler{}
	w, err := NewWatcher(dir, handler, logging.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	waitFor(t, func() bool {
		paused, _ := handler.snapshot()
		return len(paused) >= 1 && paused[0]
	})
}

func TestWatcherCreatesControlDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "control")
	_, err := NewWatcher(dir, &recordingHandler{}, logging.NewNop())
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
