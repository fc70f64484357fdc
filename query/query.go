// Package query implements the read path (C7): cache check, dedup,
// fetch with retry, write-back, and observer notification. Grounded on
// the teacher's cache-aside fetchWithFallback flow
// (cache-manager/service.go), generalized from an L1/L2/origin
// hierarchy to a single cache store plus a caller-supplied fetcher.
package query

import (
	"context"
	"sync"
	"time"

	"github.com/otero/querycache/devtools"
	"github.com/otero/querycache/entry"
	"github.com/otero/querycache/errs"
	"github.com/otero/querycache/inflight"
	"github.com/otero/querycache/key"
	"github.com/otero/querycache/logging"
	"github.com/otero/querycache/observer"
	"github.com/otero/querycache/retry"
	"github.com/otero/querycache/store"
)

// Fetcher is the user-supplied async read: () -> Result<value, ClassifiedError>.
type Fetcher func(ctx context.Context) (interface{}, *errs.ClassifiedError)

// Options configures one execution.
type Options struct {
	Enabled         bool
	StaleTime       time.Duration
	CacheTime       time.Duration
	RefetchInterval time.Duration // 0 disables scheduled refetch
	Retry           retry.Policy
	TypeTag         string // type identity used for C2 serialize/deserialize
}

// Executor runs the read-path algorithm against a shared Store,
// Registry and in-flight Registry. It holds no per-query state beyond
// the refetch-interval timers it schedules.
type Executor struct {
	store     *store.Store
	observers *observer.Registry
	inflight  *inflight.Registry
	events    *devtools.Emitter
	log       *logging.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewExecutor(st *store.Store, obs *observer.Registry, infl *inflight.Registry, events *devtools.Emitter) *Executor {
	return &Executor{
		store:     st,
		observers: obs,
		inflight:  infl,
		events:    events,
		log:       logging.New("query"),
		timers:    make(map[string]*time.Timer),
	}
}

// Execute runs the algorithm in §4.7 for k. It is async: callers that
// want to await the outcome should register an observer first.
func (x *Executor) Execute(ctx context.Context, k key.Key, fetcher Fetcher, opts Options) {
	correlationID := logging.NewCorrelationID()

	if !opts.Enabled {
		x.publishCurrent(k)
		return
	}

	now := time.Now()
	if e, ok := x.store.Peek(k); ok {
		if !e.IsStale(now) && e.State == store.Success {
			x.observers.Notify(k, observer.SnapshotFromEntry(e, false))
			return
		}
		if e.Data != nil {
			x.store.MarkFetching(k)
			x.observers.Notify(k, observer.Snapshot{Data: e.Data, State: store.Fetching, IsStale: true})
		} else {
			x.store.MarkLoading(k)
			x.observers.Notify(k, observer.Snapshot{State: store.Loading})
		}
	} else {
		x.store.MarkLoading(k)
		x.observers.Notify(k, observer.Snapshot{State: store.Loading})
	}

	x.events.Emit(devtools.Event{Kind: "QueryStart", QueryStart: &devtools.QueryStart{Key: k}})
	x.log.Infof(correlationID, "fetch.start", map[string]interface{}{"key": k.String()})

	start := time.Now()
	future := x.inflight.BeginOrAttach(k, func(tracker *inflight.AttemptTracker) (interface{}, *errs.ClassifiedError) {
		return retry.Run(ctx, opts.Retry, func(ctx context.Context) (interface{}, *errs.ClassifiedError) {
			tracker.Inc()
			return fetcher(ctx)
		}, nil)
	})

	go func() {
		result := future.Wait()
		duration := time.Since(start)

		if result.Err == nil {
			se, serErr := entry.Serialize(result.Value, opts.TypeTag)
			if serErr != nil {
				x.store.SetError(k, errs.As(serErr))
				x.observers.Notify(k, observer.Snapshot{Error: errs.As(serErr), State: store.Error})
				x.log.Errorf(correlationID, "fetch.serialize_error", map[string]interface{}{"key": k.String()})
				return
			}
			x.store.Set(k, se, store.WriteOptions{StaleTime: opts.StaleTime, CacheTime: opts.CacheTime})
			x.observers.Notify(k, observer.Snapshot{Data: &se, State: store.Success, IsStale: false})
			x.events.Emit(devtools.Event{Kind: "QueryComplete", QueryComplete: &devtools.QueryComplete{Key: k, Success: true, Duration: duration}})
			x.log.Infof(correlationID, "fetch.success", map[string]interface{}{"key": k.String(), "duration_ms": duration.Milliseconds()})
			x.scheduleRefetch(ctx, k, fetcher, opts)
			return
		}

		x.store.SetError(k, result.Err)
		e, _ := x.store.Peek(k)
		x.observers.Notify(k, observer.Snapshot{Data: entryDataOf(e), Error: result.Err, State: store.Error})
		x.events.Emit(devtools.Event{Kind: "QueryError", QueryError: &devtools.QueryError{Key: k, ErrorTag: string(result.Err.Tag)}})
		x.log.Warnf(correlationID, "fetch.error", map[string]interface{}{"key": k.String(), "tag": string(result.Err.Tag)})
	}()
}

func entryDataOf(e *store.CacheEntry) *entry.SerializedEntry {
	if e == nil {
		return nil
	}
	return e.Data
}

// publishCurrent emits the current cache snapshot without fetching,
// used when a query is disabled.
func (x *Executor) publishCurrent(k key.Key) {
	e, ok := x.store.Peek(k)
	if !ok {
		x.observers.Notify(k, observer.Snapshot{State: store.Idle})
		return
	}
	x.observers.Notify(k, observer.SnapshotFromEntry(e, e.IsStale(time.Now())))
}

// scheduleRefetch arms a one-shot timer that re-runs Execute after
// RefetchInterval, cancelling any previously scheduled timer for k —
// matches §4.7's "cancelled on unregister or new execution" guarantee
// for the unregister half, see Cancel.
func (x *Executor) scheduleRefetch(ctx context.Context, k key.Key, fetcher Fetcher, opts Options) {
	if opts.RefetchInterval <= 0 {
		return
	}
	ck := k.Canonical()

	x.mu.Lock()
	if t, ok := x.timers[ck]; ok {
		t.Stop()
	}
	x.timers[ck] = time.AfterFunc(opts.RefetchInterval, func() {
		x.Execute(ctx, k, fetcher, opts)
	})
	x.mu.Unlock()
}

// Cancel stops any scheduled refetch timer for k, called on observer
// unregister.
func (x *Executor) Cancel(k key.Key) {
	ck := k.Canonical()
	x.mu.Lock()
	defer x.mu.Unlock()
	if t, ok := x.timers[ck]; ok {
		t.Stop()
		delete(x.timers, ck)
	}
}
