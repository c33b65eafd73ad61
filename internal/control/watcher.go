// Package control implements the file-based control plane: sentinel
// files in a watched directory pause admission or stop the run, so an
// operator can steer a daemon without signals or an admin API.
package control

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/stokkr/foreman/internal/logging"
)

const (
	// StopSentinel requests cooperative shutdown.
	StopSentinel = "stop"
	// PauseSentinel suspends admission while it exists.
	PauseSentinel = "pause"
)

// Handler receives control transitions.
type Handler interface {
	SetPaused(paused bool)
	Stop()
}

// Watcher observes a control directory for sentinel files.
type Watcher struct {
	dir     string
	handler Handler
	logger  *logging.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher creates the watcher, creating the control directory when
// missing. Sentinels already present at startup take effect immediately.
func NewWatcher(dir string, handler Handler, logger *logging.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return &Watcher{
		dir:     dir,
		handler: handler,
		logger:  logger.WithComponent("control"),
		watcher: fsw,
	}, nil
}

// Run dispatches sentinel transitions until the context ends.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	w.applyExisting()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) applyExisting() {
	if w.exists(StopSentinel) {
		w.logger.Info("stop sentinel present at startup")
		w.handler.Stop()
	}
	if w.exists(PauseSentinel) {
		w.logger.Info("pause sentinel present at startup")
		w.handler.SetPaused(true)
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	switch name {
	case StopSentinel:
		if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
			w.logger.Info("stop requested via sentinel")
			w.handler.Stop()
		}
	case PauseSentinel:
		switch {
		case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
			w.logger.Info("pause requested via sentinel")
			w.handler.SetPaused(true)
		case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
			w.logger.Info("pause cleared via sentinel")
			w.handler.SetPaused(false)
		}
	}
}

func (w *Watcher) exists(name string) bool {
	_, err := os.Stat(filepath.Join(w.dir, name))
	return err == nil
}
