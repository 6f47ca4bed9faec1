// Package propagation delivers committed lattice events to registered
// subscribers and publishes decisions with their impacted-cell snapshots.
//
// Delivery guarantees: at-least-once per matching subscriber, events from a
// single source cell arrive in commit order, and redelivered events are
// suppressed by event id on the subscriber side of the engine.
package propagation

import (
	"context"

	"latticecore/pkg/domain"
)

// Subscriber consumes delivered events. Handle is invoked sequentially per
// subscription; returning an error triggers redelivery with backoff.
type Subscriber interface {
	HandleEvent(ctx context.Context, event domain.Event) error
}

// SubscriberFunc adapts a plain function to the Subscriber interface.
type SubscriberFunc func(ctx context.Context, event domain.Event) error

// HandleEvent implements Subscriber.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event domain.Event) error {
	return f(ctx, event)
}

// Filter selects which events a subscription receives. Empty slices match
// everything in their dimension; all populated dimensions must match.
type Filter struct {
	Cells   []string
	Domains []string
	Types   []domain.EventType
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(event domain.Event) bool {
	if len(f.Cells) > 0 && !containsString(f.Cells, event.SourceCell) {
		return false
	}
	if len(f.Domains) > 0 && !containsString(f.Domains, event.SourceDomain) {
		return false
	}
	if len(f.Types) > 0 {
		match := false
		for _, t := range f.Types {
			if t == event.Type {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return true
}

// Subscription registers a subscriber with its filter. ID is assigned on
// Subscribe when empty. With Replay set, stored events with Seq greater than
// FromSeq are enqueued before live delivery begins.
type Subscription struct {
	ID      string
	Filter  Filter
	Handler Subscriber
	Replay  bool
	FromSeq int64
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// seenRing remembers the ids of recently delivered events for deduplication.
// It evicts oldest-first once full.
type seenRing struct {
	ids   []string
	index map[string]struct{}
	next  int
}

func newSeenRing(capacity int) *seenRing {
	if capacity <= 0 {
		capacity = 4096
	}
	return &seenRing{
		ids:   make([]string, capacity),
		index: make(map[string]struct{}, capacity),
	}
}

func (r *seenRing) contains(id string) bool {
	_, ok := r.index[id]
	return ok
}

func (r *seenRing) add(id string) {
	if old := r.ids[r.next]; old != "" {
		delete(r.index, old)
	}
	r.ids[r.next] = id
	r.index[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ids)
}
