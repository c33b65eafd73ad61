// Package events carries item lifecycle notifications from the
// scheduler to reporting collaborators. Publish never blocks the hot
// path: slow subscribers lose oldest-first.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/stokkr/foreman/internal/core"
)

// Event types emitted over an item's lifetime.
const (
	TypeClaimed   = "item_claimed"
	TypeAttempt   = "item_attempt"
	TypeGate      = "item_gate"
	TypeMerged    = "item_merged"
	TypeFailed    = "item_failed"
	TypeRequeued  = "item_requeued"
	TypeMaintRun  = "maintenance_run"
	TypeMaintSkip = "maintenance_skipped"
)

// Event is one lifecycle notification.
type Event struct {
	Type    string            `json:"type"`
	Time    time.Time         `json:"time"`
	ItemID  core.ItemID       `json:"item_id,omitempty"`
	Attempt int               `json:"attempt,omitempty"`
	Detail  string            `json:"detail,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// New creates an event stamped with the current time.
func New(eventType string, itemID core.ItemID) Event {
	return Event{Type: eventType, Time: time.Now(), ItemID: itemID}
}

// WithDetail attaches a human-readable detail string.
func (e Event) WithDetail(detail string) Event {
	e.Detail = detail
	return e
}

// WithAttempt records which attempt the event belongs to.
func (e Event) WithAttempt(n int) Event {
	e.Attempt = n
	return e
}

type subscriber struct {
	ch    chan Event
	types map[string]bool // empty means all types
}

// Bus is a pub/sub fan-out with drop-oldest backpressure.
type Bus struct {
	mu          sync.RWMutex
	subscribers []*subscriber
	bufferSize  int
	dropped     int64
	closed      bool
}

// NewBus creates a bus; each subscription gets its own buffer of the
// given size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{bufferSize: bufferSize}
}

// Subscribe returns a channel receiving the named event types, or all
// events when none are given.
func (b *Bus) Subscribe(types ...string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{
		ch:    make(chan Event, b.bufferSize),
		types: make(map[string]bool),
	}
	for _, t := range types {
		sub.types[t] = true
	}
	b.subscribers = append(b.subscribers, sub)
	return sub.ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.ch != ch {
			kept = append(kept, sub)
		} else {
			close(sub.ch)
		}
	}
	b.subscribers = kept
}

// Publish delivers the event to matching subscribers. A full buffer
// drops the oldest queued event rather than blocking the publisher.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subscribers {
		if len(sub.types) > 0 && !sub.types[event.Type] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			select {
			case <-sub.ch:
				atomic.AddInt64(&b.dropped, 1)
			default:
			}
			select {
			case sub.ch <- event:
			default:
				atomic.AddInt64(&b.dropped, 1)
			}
		}
	}
}

// DroppedCount returns how many events were lost to backpressure.
func (b *Bus) DroppedCount() int64 {
	return atomic.LoadInt64(&b.dropped)
}

// Close shuts the bus down; further publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		close(sub.ch)
	}
	b.subscribers = nil
}
