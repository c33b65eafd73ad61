package core

import "time"

// Workspace is an isolated, branch-scoped working copy for one item.
// At most one live workspace exists per item ID; it is exclusively owned
// by the executor instance processing that item.
type Workspace struct {
	ItemID    ItemID
	Path      string
	Branch    string
	CreatedAt time.Time
}
