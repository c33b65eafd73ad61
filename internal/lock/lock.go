// Package lock provides named mutual exclusion that holds across
// goroutines of one process and across separate processes. Cross-process
// exclusion is backed by flock(2) on files under a shared directory;
// in-process exclusion by a per-name mutex registry.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/stokkr/foreman/internal/core"
)

// pollInterval is how often Acquire re-attempts a busy lock.
const pollInterval = 50 * time.Millisecond

var nameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// Registry hands out named locks rooted at a lock directory.
type Registry struct {
	dir string

	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

// NewRegistry creates a registry writing lock files under dir.
func NewRegistry(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	return &Registry{
		dir:     dir,
		mutexes: make(map[string]*sync.Mutex),
	}, nil
}

// Handle represents a held lock. Release is idempotent.
type Handle struct {
	name string
	file *os.File
	mu   *sync.Mutex
	once sync.Once
}

// Name returns the lock name.
func (h *Handle) Name() string { return h.name }

// Release drops the lock on both levels. Safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(func() {
		if h.file != nil {
			_ = syscall.Flock(int(h.file.Fd()), syscall.LOCK_UN)
			_ = h.file.Close()
		}
		if h.mu != nil {
			h.mu.Unlock()
		}
	})
}

// TryAcquire attempts to take the named lock without blocking. It returns
// nil when the lock is held elsewhere, in this process or another one.
func (r *Registry) TryAcquire(name string) (*Handle, error) {
	mu := r.mutexFor(name)
	if !mu.TryLock() {
		return nil, nil
	}

	file, err := r.flockFile(name)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	if file == nil {
		mu.Unlock()
		return nil, nil
	}

	return &Handle{name: name, file: file, mu: mu}, nil
}

// Acquire blocks up to timeout waiting for the named lock. On expiry it
// fails with a lock timeout error; the caller should treat that as
// "try later", never as fatal.
func (r *Registry) Acquire(ctx context.Context, name string, timeout time.Duration) (*Handle, error) {
	deadline := time.Now().Add(timeout)
	for {
		h, err := r.TryAcquire(name)
		if err != nil {
			return nil, err
		}
		if h != nil {
			return h, nil
		}

		if time.Now().After(deadline) {
			return nil, &core.DomainError{
				Category: core.ErrCatTimeout,
				Code:     core.CodeLockTimeout,
				Message:  fmt.Sprintf("lock %q not acquired within %s", name, timeout),
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// flockFile opens the lock file and takes a non-blocking exclusive flock.
// Returns (nil, nil) when another process holds it.
func (r *Registry) flockFile(name string) (*os.File, error) {
	path := filepath.Join(r.dir, nameSanitizer.ReplaceAllString(name, "-")+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, nil
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	// Owner info is diagnostic only; failures to record it are ignored.
	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d %s\n", os.Getpid(), uuid.NewString())
	_ = f.Sync()

	return f, nil
}

func (r *Registry) mutexFor(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	if mu, ok := r.mutexes[name]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	r.mutexes[name] = mu
	return mu
}
