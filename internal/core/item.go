package core

import (
	"fmt"
	"strings"
	"time"
)

// ItemID uniquely identifies a backlog item.
type ItemID string

// DependencyKind is the type of an edge between two items.
type DependencyKind string

const (
	DepBlocks DependencyKind = "blocks"
	DepParent DependencyKind = "parent"
)

// Dependency is a typed edge from one item to another.
type Dependency struct {
	Kind   DependencyKind
	Target ItemID
}

// Item is a unit of backlog work processed end to end by the executor.
type Item struct {
	ID           ItemID
	Title        string
	Description  string
	Priority     int
	Type         string
	Dependencies []Dependency
	CreatedAt    time.Time
}

// NewItem creates an item with required fields.
func NewItem(id ItemID, title string) *Item {
	return &Item{
		ID:        id,
		Title:     title,
		CreatedAt: time.Now(),
	}
}

// WithDescription sets the item description.
func (i *Item) WithDescription(desc string) *Item {
	i.Description = desc
	return i
}

// WithPriority sets the item priority.
func (i *Item) WithPriority(p int) *Item {
	i.Priority = p
	return i
}

// Parent returns the parent item ID, if any.
func (i *Item) Parent() (ItemID, bool) {
	for _, dep := range i.Dependencies {
		if dep.Kind == DepParent {
			return dep.Target, true
		}
	}
	return "", false
}

// Blockers returns the IDs of items that block this one.
func (i *Item) Blockers() []ItemID {
	var out []ItemID
	for _, dep := range i.Dependencies {
		if dep.Kind == DepBlocks {
			out = append(out, dep.Target)
		}
	}
	return out
}

// AppendFeedback amends the working description with gate feedback so the
// next attempt sees why the previous one was rejected.
func (i *Item) AppendFeedback(feedback string) {
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return
	}
	i.Description = fmt.Sprintf("%s\n\n## Reviewer feedback\n%s", i.Description, feedback)
}
