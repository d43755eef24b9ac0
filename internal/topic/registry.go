package topic

import (
	"sync"
	"sync/atomic"
)

// Subscriber is anything a Topic can deliver a published message to. A
// Connection implements this; the registry holds only this narrow interface
// so it never needs to import the connection package.
type Subscriber interface {
	// ID uniquely identifies the subscriber for equality and removal.
	ID() uint64
	// Deliver is invoked with the raw topic name, the cache id (may be
	// empty), the payload, and the request id the subscription was created
	// under. Implementations must not block the registry; Deliver should
	// enqueue onto the connection's own mailbox.
	Deliver(topicName, cacheID, payload, originSubject string, requestID any)
}

type subscriberEntry struct {
	sub       Subscriber
	requestID any
}

// entry holds the copy-on-write subscriber snapshot for one filter.
type entry struct {
	filter string
	subs   atomic.Value // []subscriberEntry
}

func (e *entry) load() []subscriberEntry {
	v := e.subs.Load()
	if v == nil {
		return nil
	}
	return v.([]subscriberEntry)
}

// Registry is a per-worker map from filter to the connections subscribed
// under it. Registry mutations (subscribe/unsubscribe/deleteTopic) are
// serialized by mu; publish takes a lock-free atomic snapshot of each
// matching filter's subscriber list.
//
// Lock ordering: Registry.mu is acquired before any per-entry snapshot
// swap, and released before Subscriber.Deliver is invoked, matching the
// acquire-registry-then-topic-then-connection discipline: writes to
// connections must never happen while the registry lock is held.
type Registry struct {
	mu      sync.Mutex
	filters map[string]*entry
}

// NewRegistry creates an empty per-worker topic registry.
func NewRegistry() *Registry {
	return &Registry{filters: make(map[string]*entry)}
}

// SubscribeConnection registers sub under filter with the given request id.
// Idempotent: subscribing the same (filter, sub) pair twice is a no-op on
// the second call.
func (r *Registry) SubscribeConnection(sub Subscriber, filter string, requestID any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.filters[filter]
	if !ok {
		e = &entry{filter: filter}
		r.filters[filter] = e
	}

	current := e.load()
	for _, existing := range current {
		if existing.sub.ID() == sub.ID() {
			return
		}
	}

	next := make([]subscriberEntry, len(current)+1)
	copy(next, current)
	next[len(current)] = subscriberEntry{sub: sub, requestID: requestID}
	e.subs.Store(next)
}

// Unsubscribe removes sub from filter. If the filter's subscriber list
// becomes empty, the Topic entry is deleted.
func (r *Registry) Unsubscribe(sub Subscriber, filter string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(sub, filter)
}

// UnsubscribeAll removes sub from every filter it is currently registered
// under and returns the count removed.
func (r *Registry) UnsubscribeAll(sub Subscriber) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for filter, e := range r.filters {
		current := e.load()
		for _, existing := range current {
			if existing.sub.ID() == sub.ID() {
				r.removeFromEntryLocked(filter, e, sub)
				removed++
				break
			}
		}
	}
	return removed
}

func (r *Registry) removeLocked(sub Subscriber, filter string) {
	e, ok := r.filters[filter]
	if !ok {
		return
	}
	r.removeFromEntryLocked(filter, e, sub)
}

func (r *Registry) removeFromEntryLocked(filter string, e *entry, sub Subscriber) {
	current := e.load()
	idx := -1
	for i, existing := range current {
		if existing.sub.ID() == sub.ID() {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	if len(current) == 1 {
		delete(r.filters, filter)
		return
	}
	next := make([]subscriberEntry, len(current)-1)
	copy(next, current[:idx])
	copy(next[idx:], current[idx+1:])
	e.subs.Store(next)
}

// Publish delivers payload to every subscriber whose filter matches
// topicName, in each filter's subscriber insertion order. The registry
// lock is held only long enough to snapshot the set of matching filters;
// Deliver calls happen outside any registry or entry lock.
func (r *Registry) Publish(topicName, cacheID, payload, originSubject string) {
	r.mu.Lock()
	matching := make([]*entry, 0, len(r.filters))
	for filter, e := range r.filters {
		if IsFilterMatched(filter, topicName) {
			matching = append(matching, e)
		}
	}
	r.mu.Unlock()

	for _, e := range matching {
		for _, se := range e.load() {
			se.sub.Deliver(topicName, cacheID, payload, originSubject, se.requestID)
		}
	}
}

// ListFilters returns the filters sub is currently subscribed to.
func (r *Registry) ListFilters(sub Subscriber) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0)
	for filter, e := range r.filters {
		for _, existing := range e.load() {
			if existing.sub.ID() == sub.ID() {
				out = append(out, filter)
				break
			}
		}
	}
	return out
}

// Count returns the number of live filter entries (for metrics/tests).
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.filters)
}
