// Package inflight deduplicates concurrent fetches for the same key.
// It is a thin, key-scoped wrapper over golang.org/x/sync/singleflight,
// replacing the teacher's hand-rolled RequestCoalescer
// (cache-manager/singleflight.go) with the real library the teacher
// also imports in its warming service — singleflight.Group.DoChan's
// channel-of-result shape is exactly the spec's Future<Result>.
package inflight

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/otero/querycache/errs"
	"github.com/otero/querycache/key"
)

// Result is the terminal outcome delivered to every waiter attached to
// the same in-flight execution.
type Result struct {
	Value interface{}
	Err   *errs.ClassifiedError
}

// Future resolves exactly once with the shared outcome.
type Future struct {
	ch chan Result
}

// Wait blocks until the outcome is available.
func (f *Future) Wait() Result {
	return <-f.ch
}

// AttemptTracker lets the retry loop running inside startFn publish its
// current attempt number for introspection (e.g. devtools), mirroring
// the spec's InflightRecord.retryAttempt field.
type AttemptTracker struct {
	count atomic.Int32
}

func (a *AttemptTracker) Inc() int32  { return a.count.Add(1) }
func (a *AttemptTracker) Load() int32 { return a.count.Load() }

// StartFunc performs the actual fetch (typically the retry loop from
// package retry wrapped around a user fetcher). It reports progress on
// tracker and returns the resolved value or a classified error.
type StartFunc func(tracker *AttemptTracker) (interface{}, *errs.ClassifiedError)

type bookkeeping struct {
	tracker   *AttemptTracker
	startedAt time.Time
}

// Registry deduplicates fetches by key: at most one underlying
// execution per key at any time; every attached waiter observes the
// same success value or error.
type Registry struct {
	group singleflight.Group

	mu      sync.Mutex
	records map[string]*bookkeeping
}

func New() *Registry {
	return &Registry{records: make(map[string]*bookkeeping)}
}

// BeginOrAttach starts startFn if no execution for k is outstanding, or
// attaches to the existing one. Either way it returns a Future that
// resolves with the shared terminal outcome.
func (r *Registry) BeginOrAttach(k key.Key, startFn StartFunc) *Future {
	ck := k.Canonical()

	r.mu.Lock()
	bk, attached := r.records[ck]
	if !attached {
		bk = &bookkeeping{tracker: &AttemptTracker{}, startedAt: time.Now()}
		r.records[ck] = bk
	}
	r.mu.Unlock()

	resultCh := r.group.DoChan(ck, func() (interface{}, error) {
		val, cerr := startFn(bk.tracker)
		if cerr != nil {
			return nil, cerr
		}
		return val, nil
	})

	future := &Future{ch: make(chan Result, 1)}
	go func() {
		res := <-resultCh

		r.mu.Lock()
		delete(r.records, ck)
		r.mu.Unlock()

		var cerr *errs.ClassifiedError
		if res.Err != nil {
			cerr = errs.As(res.Err)
		}
		future.ch <- Result{Value: res.Val, Err: cerr}
		close(future.ch)
	}()
	return future
}

// InFlight reports whether a fetch is currently outstanding for k.
// Supplied to the store's GC so expired entries with a pending fetch
// are never collected out from under it.
func (r *Registry) InFlight(k key.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[k.Canonical()]
	return ok
}

// Attempt returns the current retry attempt for an outstanding fetch on
// k, or 0 if none is in flight.
func (r *Registry) Attempt(k key.Key) int32 {
	r.mu.Lock()
	bk, ok := r.records[k.Canonical()]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return bk.tracker.Load()
}

// StartedAt returns when the current in-flight fetch for k began, or
// the zero time if none is outstanding.
func (r *Registry) StartedAt(k key.Key) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	bk, ok := r.records[k.Canonical()]
	if !ok {
		return time.Time{}
	}
	return bk.startedAt
}

// Forget drops the underlying singleflight call for k without affecting
// waiters already attached; matches the teacher's Forget on
// RequestCoalescer (cache-manager/singleflight.go). The next
// BeginOrAttach for k starts a fresh execution instead of attaching.
func (r *Registry) Forget(k key.Key) {
	r.group.Forget(k.Canonical())
}
