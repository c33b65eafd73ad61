package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stokkr/foreman/internal/core"
)

// fakeBacklog is an in-memory BacklogClient.
type fakeBacklog struct {
	mu          sync.Mutex
	items       map[core.ItemID]*core.Item
	claimed     map[core.ItemID]bool
	claimErrs   map[core.ItemID][]error
	claimCalls  map[core.ItemID]int
	closed      map[core.ItemID]string
	comments    map[core.ItemID][]string
	openKids    map[core.ItemID][]core.ItemID
	listErr     error
}

func newFakeBacklog(items ...*core.Item) *fakeBacklog {
	b := &fakeBacklog{
		items:      make(map[core.ItemID]*core.Item),
		claimed:    make(map[core.ItemID]bool),
		claimErrs:  make(map[core.ItemID][]error),
		claimCalls: make(map[core.ItemID]int),
		closed:     make(map[core.ItemID]string),
		comments:   make(map[core.ItemID][]string),
		openKids:   make(map[core.ItemID][]core.ItemID),
	}
	for _, it := range items {
		b.items[it.ID] = it
	}
	return b
}

func (b *fakeBacklog) ListReady(context.Context) ([]*core.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	var out []*core.Item
	for _, it := range b.items {
		if !b.claimed[it.ID] && b.closed[it.ID] == "" {
			out = append(out, it)
		}
	}
	return out, nil
}

func (b *fakeBacklog) GetWithDependencies(_ context.Context, id core.ItemID) (*core.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	it, ok := b.items[id]
	if !ok {
		return nil, core.ErrClaim(string(id), "item not found")
	}
	return it, nil
}

func (b *fakeBacklog) Claim(_ context.Context, id core.ItemID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.claimCalls[id]++
	if errs := b.claimErrs[id]; len(errs) > 0 {
		b.claimErrs[id] = errs[1:]
		return errs[0]
	}
	if b.claimed[id] {
		return core.ErrClaim(string(id), "already claimed")
	}
	b.claimed[id] = true
	return nil
}

func (b *fakeBacklog) Close(_ context.Context, id core.ItemID, note string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed[id] = note
	// Drop the item from every parent's open-children list.
	for parent, kids := range b.openKids {
		var kept []core.ItemID
		for _, k := range kids {
			if k != id {
				kept = append(kept, k)
			}
		}
		b.openKids[parent] = kept
	}
	return nil
}

func (b *fakeBacklog) Release(_ context.Context, id core.ItemID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.claimed, id)
	return nil
}

func (b *fakeBacklog) AddComment(_ context.Context, id core.ItemID, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.comments[id] = append(b.comments[id], text)
	return nil
}

func (b *fakeBacklog) OpenChildren(_ context.Context, id core.ItemID) ([]core.ItemID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openKids[id], nil
}

func (b *fakeBacklog) isClosed(id core.ItemID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed[id] != ""
}

// fakeAgent scripts invocation outcomes and records every prompt.
type fakeAgent struct {
	mu      sync.Mutex
	prompts []core.InvokeOptions
	// invokeFn, when set, decides each call; the default always succeeds.
	invokeFn func(call int, opts core.InvokeOptions) (*core.InvokeResult, error)
	calls    int
}

func (a *fakeAgent) Invoke(_ context.Context, opts core.InvokeOptions) (*core.InvokeResult, error) {
	a.mu.Lock()
	a.prompts = append(a.prompts, opts)
	call := a.calls
	a.calls++
	fn := a.invokeFn
	a.mu.Unlock()

	if fn != nil {
		return fn(call, opts)
	}
	return &core.InvokeResult{
		Success: true,
		Output:  "VERDICT: APPROVED",
		Stats:   core.InvokeStats{Duration: time.Millisecond, TokensIn: 1, TokensOut: 1},
	}, nil
}

func (a *fakeAgent) recorded() []core.InvokeOptions {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]core.InvokeOptions, len(a.prompts))
	copy(out, a.prompts)
	return out
}

// fakeWorkspaces is an in-memory WorkspaceManager whose Merge outcomes
// are scripted per item.
type fakeWorkspaces struct {
	mu         sync.Mutex
	workspaces map[core.ItemID]*core.Workspace
	dirty      map[core.ItemID]bool
	commitErrs map[core.ItemID][]error
	mergeErrs  map[core.ItemID][]error
	mergeOrder []core.ItemID
	mergeHook  func(id core.ItemID) // runs inside Merge, outside the lock
	discarded  map[core.ItemID]bool
	createErr  error
}

func newFakeWorkspaces() *fakeWorkspaces {
	return &fakeWorkspaces{
		workspaces: make(map[core.ItemID]*core.Workspace),
		dirty:      make(map[core.ItemID]bool),
		commitErrs: make(map[core.ItemID][]error),
		mergeErrs:  make(map[core.ItemID][]error),
		discarded:  make(map[core.ItemID]bool),
	}
}

func (w *fakeWorkspaces) Create(_ context.Context, id core.ItemID, _ string) (*core.Workspace, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.createErr != nil {
		return nil, w.createErr
	}
	if ws, ok := w.workspaces[id]; ok {
		return ws, nil
	}
	ws := &core.Workspace{
		ItemID:    id,
		Path:      fmt.Sprintf("/tmp/ws/%s", id),
		Branch:    fmt.Sprintf("task/%s", id),
		CreatedAt: time.Now(),
	}
	w.workspaces[id] = ws
	return ws, nil
}

func (w *fakeWorkspaces) Merge(_ context.Context, id core.ItemID, _ string, _ bool) error {
	w.mu.Lock()
	w.mergeOrder = append(w.mergeOrder, id)
	var err error
	if errs := w.mergeErrs[id]; len(errs) > 0 {
		err = errs[0]
		w.mergeErrs[id] = errs[1:]
	}
	hook := w.mergeHook
	w.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	return err
}

func (w *fakeWorkspaces) Discard(_ context.Context, id core.ItemID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.discarded[id] = true
	delete(w.workspaces, id)
	return nil
}

func (w *fakeWorkspaces) HasUncommittedChanges(_ context.Context, id core.ItemID) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dirty[id], nil
}

func (w *fakeWorkspaces) CommitAll(_ context.Context, id core.ItemID, _ string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if errs := w.commitErrs[id]; len(errs) > 0 {
		err := errs[0]
		w.commitErrs[id] = errs[1:]
		return err
	}
	w.dirty[id] = false
	return nil
}

func (w *fakeWorkspaces) RebaseOntoTrunk(context.Context, core.ItemID, string) error {
	return nil
}

func (w *fakeWorkspaces) Get(id core.ItemID) (*core.Workspace, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ws, ok := w.workspaces[id]
	return ws, ok
}

func (w *fakeWorkspaces) mergedOrder() []core.ItemID {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]core.ItemID, len(w.mergeOrder))
	copy(out, w.mergeOrder)
	return out
}

// fakeTrunk satisfies TrunkInspector.
type fakeTrunk struct {
	mu    sync.Mutex
	files []string
}

func (t *fakeTrunk) ChangedFiles(context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.files))
	copy(out, t.files)
	return out, nil
}

func (t *fakeTrunk) RepoPath() string { return "/tmp/trunk" }

func (t *fakeTrunk) setFiles(files []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files = files
}
