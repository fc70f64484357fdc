// Package observer implements the per-key subscriber registry that
// binds reactive UI state to cache entries. The registry is stateless
// with respect to cache data: it only forwards snapshots handed to it.
package observer

import (
	"sync"

	"github.com/google/uuid"
	"github.com/otero/querycache/entry"
	"github.com/otero/querycache/errs"
	"github.com/otero/querycache/key"
	"github.com/otero/querycache/store"
)

// Snapshot is what a sink receives on every notification.
type Snapshot struct {
	Data    *entry.SerializedEntry
	Error   *errs.ClassifiedError
	State   store.State
	IsStale bool
}

// SnapshotFromEntry computes the Snapshot the registry would deliver
// for e, given whether it is currently stale.
func SnapshotFromEntry(e *store.CacheEntry, isStale bool) Snapshot {
	if e == nil {
		return Snapshot{State: store.Idle}
	}
	return Snapshot{
		Data:    e.Data,
		Error:   e.LastError,
		State:   e.State,
		IsStale: isStale,
	}
}

// Sink is the opaque delivery function supplied by the UI runtime at
// registration. It must be safe for the core to invoke directly from
// its single runner; any marshalling onto another thread is the
// collaborator's responsibility.
type Sink func(Snapshot)

type entryRecord struct {
	id   string
	key  key.Key
	sink Sink
}

// Registry holds, per key, an ordered set of subscribers.
type Registry struct {
	mu    sync.Mutex
	byKey map[string][]*entryRecord
}

func New() *Registry {
	return &Registry{byKey: make(map[string][]*entryRecord)}
}

// Register adds sink as an observer of k and returns its unique
// observer ID. O(1) amortised.
func (r *Registry) Register(k key.Key, sink Sink) string {
	id := uuid.New().String()
	r.mu.Lock()
	defer r.mu.Unlock()
	ck := k.Canonical()
	r.byKey[ck] = append(r.byKey[ck], &entryRecord{id: id, key: k, sink: sink})
	return id
}

// Unregister removes the observer identified by observerID from k.
func (r *Registry) Unregister(k key.Key, observerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ck := k.Canonical()
	list := r.byKey[ck]
	for i, rec := range list {
		if rec.id == observerID {
			r.byKey[ck] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(r.byKey[ck]) == 0 {
		delete(r.byKey, ck)
	}
}

// HasObservers reports whether any observer is currently registered on
// k. Used by the store's GC to protect observed entries.
func (r *Registry) HasObservers(k key.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey[k.Canonical()]) > 0
}

// Notify delivers snapshot to every observer registered on k at call
// time, in registration order. The caller must not hold the cache
// store's lock when calling Notify; the registry drops its own lock
// before invoking any sink so a sink may safely register or unregister
// observers re-entrantly.
func (r *Registry) Notify(k key.Key, snapshot Snapshot) {
	r.mu.Lock()
	list := r.byKey[k.Canonical()]
	// copy so later (un)registration during delivery doesn't race the
	// slice we're iterating.
	snap := make([]*entryRecord, len(list))
	copy(snap, list)
	r.mu.Unlock()

	for _, rec := range snap {
		rec.sink(snapshot)
	}
}

// Count returns the number of observers currently registered on k.
func (r *Registry) Count(k key.Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey[k.Canonical()])
}
