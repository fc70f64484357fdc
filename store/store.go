// Package store implements the keyed cache: per-key entries with
// freshness/expiry accounting, pattern-based invalidation, and garbage
// collection. It is the sole owner of cache state; the query and
// mutation executors mutate it but never hold its lock across a
// notification or a fetch.
package store

import (
	"sync"
	"time"

	"github.com/otero/querycache/entry"
	"github.com/otero/querycache/errs"
	"github.com/otero/querycache/key"
)

// State is the per-entry lifecycle state.
type State int

const (
	Idle State = iota
	Loading
	Fetching
	Success
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Loading:
		return "Loading"
	case Fetching:
		return "Fetching"
	case Success:
		return "Success"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// CacheEntry is the per-key record the store maintains. Invariants:
// State==Success implies Data present; State==Error implies LastError
// present; State==Fetching implies Data present (background refresh).
type CacheEntry struct {
	Data          *entry.SerializedEntry
	LastError     *errs.ClassifiedError
	State         State
	UpdatedAt     time.Time
	DataUpdatedAt time.Time
	StaleTime     time.Duration
	CacheTime     time.Duration
	Meta          map[string]interface{}
}

// IsStale reports whether the entry's age exceeds StaleTime, evaluated
// at now.
func (e *CacheEntry) IsStale(now time.Time) bool {
	return now.Sub(e.UpdatedAt) > e.StaleTime
}

// IsExpired reports whether the entry's age exceeds CacheTime.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return now.Sub(e.UpdatedAt) > e.CacheTime
}

func (e *CacheEntry) clone() *CacheEntry {
	cp := *e
	if e.Meta != nil {
		cp.Meta = make(map[string]interface{}, len(e.Meta))
		for k, v := range e.Meta {
			cp.Meta[k] = v
		}
	}
	return &cp
}

// WriteOptions carries the per-entry freshness configuration applied on
// set/create.
type WriteOptions struct {
	StaleTime time.Duration
	CacheTime time.Duration
}

// Stats is the aggregate snapshot returned by Stats().
type Stats struct {
	TotalEntries int
	StaleEntries int
	TotalBytes   int
}

// Config holds the store-wide defaults and GC policy.
type Config struct {
	DefaultStaleTime time.Duration
	DefaultCacheTime time.Duration
	GCInterval       time.Duration
	MaxEntries       int // 0 means unbounded
}

func DefaultConfig() Config {
	return Config{
		DefaultStaleTime: 0,
		DefaultCacheTime: 5 * time.Minute,
		GCInterval:       time.Minute,
		MaxEntries:       0,
	}
}

type record struct {
	entry      *CacheEntry
	accessedAt time.Time
}

// Store is a thread-safe keyed map of CacheEntry. A single mutex guards
// all mutation, matching the spec's single-lock concurrency model; no
// critical section here ever spans a suspension point — callers must
// copy what they need and drop the lock before fetching or notifying.
type Store struct {
	mu      sync.Mutex
	entries map[string]*record
	config  Config
}

func New(config Config) *Store {
	return &Store{
		entries: make(map[string]*record),
		config:  config,
	}
}

// Get returns a copy of the entry at key, bumping its accessedAt, or
// (nil, false) if absent.
func (s *Store) Get(k key.Key) (*CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.entries[k.Canonical()]
	if !ok {
		return nil, false
	}
	r.accessedAt = time.Now()
	return r.entry.clone(), true
}

// Peek is like Get but does not bump accessedAt; used by the executor
// for read-only freshness checks that shouldn't count as access.
func (s *Store) Peek(k key.Key) (*CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.entries[k.Canonical()]
	if !ok {
		return nil, false
	}
	return r.entry.clone(), true
}

func (s *Store) ensureLocked(k key.Key) *record {
	ck := k.Canonical()
	r, ok := s.entries[ck]
	if !ok {
		r = &record{
			entry: &CacheEntry{
				State:     Idle,
				StaleTime: s.config.DefaultStaleTime,
				CacheTime: s.config.DefaultCacheTime,
			},
			accessedAt: time.Now(),
		}
		s.entries[ck] = r
	}
	return r
}

// Set creates or updates the entry, transitioning to Success and
// stamping UpdatedAt=DataUpdatedAt=now.
func (s *Store) Set(k key.Key, se entry.SerializedEntry, opts WriteOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.ensureLocked(k)
	now := time.Now()
	r.entry.Data = &se
	r.entry.LastError = nil
	r.entry.State = Success
	r.entry.UpdatedAt = now
	r.entry.DataUpdatedAt = now
	if opts.StaleTime > 0 || opts.CacheTime > 0 {
		r.entry.StaleTime = opts.StaleTime
		r.entry.CacheTime = opts.CacheTime
	}
	s.evictOverCapLocked()
}

// SetError transitions the entry to Error, preserving existing data.
func (s *Store) SetError(k key.Key, err *errs.ClassifiedError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.ensureLocked(k)
	r.entry.LastError = err
	r.entry.State = Error
	r.entry.UpdatedAt = time.Now()
}

// MarkFetching transitions to Fetching (data already present; this is a
// background refresh of a stale entry).
func (s *Store) MarkFetching(k key.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.ensureLocked(k)
	r.entry.State = Fetching
}

// MarkLoading transitions to Loading (no data yet).
func (s *Store) MarkLoading(k key.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.ensureLocked(k)
	r.entry.State = Loading
}

// SetData writes an optimistic or caller-supplied value without forcing
// the Success state machinery a fetch would, used by setQueryData and
// the mutation executor's optimistic apply. Unlike Set, the caller
// chooses the resulting state explicitly.
func (s *Store) SetData(k key.Key, se entry.SerializedEntry, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.ensureLocked(k)
	now := time.Now()
	r.entry.Data = &se
	r.entry.State = state
	r.entry.UpdatedAt = now
	r.entry.DataUpdatedAt = now
}

// Restore resets the entry's Data to prev (nil deletes it) without
// touching StaleTime/CacheTime configuration; used for optimistic
// rollback.
func (s *Store) Restore(k key.Key, prev *entry.SerializedEntry, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ck := k.Canonical()
	if prev == nil {
		delete(s.entries, ck)
		return
	}
	r := s.ensureLocked(k)
	r.entry.Data = prev
	r.entry.LastError = nil
	r.entry.State = state
	r.entry.UpdatedAt = time.Now()
}

// Invalidate backdates UpdatedAt on every matching entry so IsStale
// becomes true, without deleting. Idempotent: invalidating twice has
// the same observable effect as once.
func (s *Store) Invalidate(pattern key.Pattern) []key.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	var touched []key.Key
	now := time.Now()
	for ck, r := range s.entries {
		k, err := key.ParseCanonical(ck)
		if err != nil {
			continue
		}
		if !pattern.Matches(k) {
			continue
		}
		backdated := now.Add(-r.entry.StaleTime - time.Millisecond)
		if backdated.Before(r.entry.UpdatedAt) {
			r.entry.UpdatedAt = backdated
		}
		touched = append(touched, k)
	}
	return touched
}

// Remove deletes every entry matching pattern.
func (s *Store) Remove(pattern key.Pattern) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ck := range s.entries {
		k, err := key.ParseCanonical(ck)
		if err != nil {
			continue
		}
		if pattern.Matches(k) {
			delete(s.entries, ck)
		}
	}
}

// Clear removes every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*record)
}

// Stats returns the aggregate snapshot.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	st := Stats{}
	for _, r := range s.entries {
		st.TotalEntries++
		if r.entry.IsStale(now) {
			st.StaleEntries++
		}
		if r.entry.Data != nil {
			st.TotalBytes += r.entry.Data.Size()
		}
	}
	return st
}

// evictOverCapLocked evicts the excess by ascending UpdatedAt until
// under MaxEntries. Must be called with mu held. Freshness wins over
// presence when over cap: it does not consult observer presence, per
// §4.3's GC step 2 (only step 1, run separately via GC, checks
// observers).
func (s *Store) evictOverCapLocked() {
	if s.config.MaxEntries <= 0 || len(s.entries) <= s.config.MaxEntries {
		return
	}
	type kv struct {
		ck string
		ts time.Time
	}
	ordered := make([]kv, 0, len(s.entries))
	for ck, r := range s.entries {
		ordered = append(ordered, kv{ck, r.entry.UpdatedAt})
	}
	// simple insertion sort by UpdatedAt ascending; caches are small enough
	// in the embedded-client setting that this is not a hot path.
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].ts.Before(ordered[j-1].ts); j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	excess := len(s.entries) - s.config.MaxEntries
	for i := 0; i < excess; i++ {
		delete(s.entries, ordered[i].ck)
	}
}

// HasObserversFunc reports whether any observer is currently registered
// on k; supplied by the client facade so the store never imports the
// observer package.
type HasObserversFunc func(k key.Key) bool

// HasInFlightFunc reports whether a fetch is currently outstanding for
// k; supplied by the client facade.
type HasInFlightFunc func(k key.Key) bool

// GC removes every expired-and-unobserved entry, then evicts by
// ascending UpdatedAt if still over MaxEntries. Matches §4.3 and
// invariant 8: collect and delete happen under one held lock, so an
// observer or in-flight fetch registered on a candidate key between
// collection and deletion is re-checked before that key is actually
// removed, instead of racing in through a gap between two locks.
func (s *Store) GC(hasObservers HasObserversFunc, hasInFlight HasInFlightFunc) int {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for ck, r := range s.entries {
		if !r.entry.IsExpired(now) {
			continue
		}
		k, err := key.ParseCanonical(ck)
		if err != nil {
			continue
		}
		if hasObservers != nil && hasObservers(k) {
			continue
		}
		if hasInFlight != nil && hasInFlight(k) {
			continue
		}
		delete(s.entries, ck)
		removed++
	}
	s.evictOverCapLocked()

	return removed
}

// RunGC starts a background goroutine invoking GC every s.config.GCInterval
// until stop is closed, mirroring the teacher's runTTLCleanup ticker loop
// (cache-manager/service.go) adapted to the expired-and-unobserved rule.
func (s *Store) RunGC(stop <-chan struct{}, hasObservers HasObserversFunc, hasInFlight HasInFlightFunc) {
	if s.config.GCInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.config.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.GC(hasObservers, hasInFlight)
		case <-stop:
			return
		}
	}
}
