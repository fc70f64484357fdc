// Package client implements the Client Facade (C10): the sole
// composer of C3-C9 and the entry point for UI code and collaborators.
// Grounded on the teacher's Service struct (cache-manager/service.go)
// wiring L1/L2/coalescer/policy collaborators together, generalized
// here from a server-side cache-aside service to an explicit,
// globals-free constructor per the design notes' "no globals" guidance.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/otero/querycache/devtools"
	"github.com/otero/querycache/entry"
	"github.com/otero/querycache/errs"
	"github.com/otero/querycache/inflight"
	"github.com/otero/querycache/infinite"
	"github.com/otero/querycache/key"
	"github.com/otero/querycache/logging"
	"github.com/otero/querycache/mutation"
	"github.com/otero/querycache/observer"
	"github.com/otero/querycache/persistence"
	"github.com/otero/querycache/query"
	"github.com/otero/querycache/retry"
	"github.com/otero/querycache/store"
)

// ConflictResolver reconciles a setQueryData write that targets a key
// with an unconfirmed optimistic update outstanding. It receives the
// entry's current (optimistic) value and the incoming value and
// returns the value that should actually be written. This is the
// narrow hook the design notes describe for an offline-sync
// collaborator to compose above the core without the core knowing
// about CRDTs.
type ConflictResolver func(k key.Key, current, incoming interface{}) (interface{}, error)

// Config is the client-wide configuration surface (§6).
type Config struct {
	DefaultStaleTime time.Duration
	DefaultCacheTime time.Duration
	GCInterval       time.Duration
	MaxEntries       int
	DefaultRetry     retry.Policy

	Storage           persistence.StorageBackend // optional
	DevtoolsSink      devtools.Sink              // optional
	DevtoolsRatePerS  float64
	DevtoolsBurst     int
	ConflictResolver  ConflictResolver // optional
}

func DefaultConfig() Config {
	return Config{
		DefaultStaleTime: 0,
		DefaultCacheTime: 5 * time.Minute,
		GCInterval:       time.Minute,
		DefaultRetry:     retry.DefaultPolicy(),
		DevtoolsRatePerS: 50,
		DevtoolsBurst:    50,
	}
}

type activeQuery struct {
	fetcher query.Fetcher
	opts    query.Options
}

type activeInfinite struct {
	fetcher infinite.PageFetcher
	opts    infinite.Options
}

// Client owns the Cache Store, Observer Registry, and In-flight
// Registry exclusively; no other component reaches into them directly.
type Client struct {
	store     *store.Store
	observers *observer.Registry
	inflight  *inflight.Registry
	events    *devtools.Emitter

	queryExec    *query.Executor
	mutationExec *mutation.Executor
	infiniteCtrl *infinite.Controller

	storage persistence.StorageBackend
	queue   *persistence.Queue
	resolve ConflictResolver

	log *logging.Logger

	mu             sync.Mutex
	activeQueries  map[string]activeQuery
	activeInfinite map[string]activeInfinite

	stop chan struct{}
}

// New constructs a Client. There is no global instance; the caller
// owns the returned value and passes it to whatever binds observers.
func New(cfg Config) *Client {
	st := store.New(store.Config{
		DefaultStaleTime: cfg.DefaultStaleTime,
		DefaultCacheTime: cfg.DefaultCacheTime,
		GCInterval:       cfg.GCInterval,
		MaxEntries:       cfg.MaxEntries,
	})
	obs := observer.New()
	infl := inflight.New()
	events := devtools.NewEmitter(cfg.DevtoolsSink, cfg.DevtoolsRatePerS, cfg.DevtoolsBurst)

	c := &Client{
		store:          st,
		observers:      obs,
		inflight:       infl,
		events:         events,
		storage:        cfg.Storage,
		resolve:        cfg.ConflictResolver,
		log:            logging.New("client"),
		activeQueries:  make(map[string]activeQuery),
		activeInfinite: make(map[string]activeInfinite),
		stop:           make(chan struct{}),
	}

	c.queryExec = query.NewExecutor(st, obs, infl, events)
	c.mutationExec = mutation.NewExecutor(st, obs, c.refetchKey, events)
	c.infiniteCtrl = infinite.NewController(st, obs, infl, events)

	if cfg.Storage != nil {
		c.queue = persistence.NewQueue(cfg.Storage)
	}

	go st.RunGC(c.stop, obs.HasObservers, infl.InFlight)

	return c
}

// Close stops the background GC loop. It does not close the storage
// backend; callers that opened one (e.g. storage/postgres.Backend) are
// responsible for closing it themselves.
func (c *Client) Close() {
	close(c.stop)
}

func (c *Client) refetchKey(k key.Key) {
	c.mu.Lock()
	aq, ok := c.activeQueries[k.Canonical()]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.queryExec.Execute(context.Background(), k, aq.fetcher, aq.opts)
}

// validateQueryOptions enforces staleTime <= cacheTime synchronously,
// surfaced as InvalidKey rather than deferred to first fetch — one of
// the option-validation checks the original performs at registration
// time (src/client/mod.rs) that the distilled spec left implicit.
func validateQueryOptions(staleTime, cacheTime time.Duration) *errs.ClassifiedError {
	if staleTime > cacheTime {
		return errs.New(errs.InvalidKey, "staleTime must be <= cacheTime")
	}
	return nil
}

// QueryHandle is returned by ObserveQuery.
type QueryHandle struct {
	Unregister func()
	Refetch    func()
}

// ObserveQuery registers sink as an observer of k, validates options,
// and kicks off C7's algorithm. fetcher and opts are remembered so a
// later invalidation can trigger a refetch.
func (c *Client) ObserveQuery(k key.Key, fetcher query.Fetcher, opts query.Options, sink observer.Sink) (QueryHandle, error) {
	staleTime := opts.StaleTime
	cacheTime := opts.CacheTime
	if cerr := validateQueryOptions(staleTime, cacheTime); cerr != nil {
		return QueryHandle{}, cerr
	}

	observerID := c.observers.Register(k, sink)

	c.mu.Lock()
	c.activeQueries[k.Canonical()] = activeQuery{fetcher: fetcher, opts: opts}
	c.mu.Unlock()

	c.queryExec.Execute(context.Background(), k, fetcher, opts)

	handle := QueryHandle{
		Unregister: func() {
			c.observers.Unregister(k, observerID)
			if !c.observers.HasObservers(k) {
				c.mu.Lock()
				delete(c.activeQueries, k.Canonical())
				c.mu.Unlock()
				c.queryExec.Cancel(k)
			}
		},
		Refetch: func() {
			c.queryExec.Execute(context.Background(), k, fetcher, opts)
		},
	}
	return handle, nil
}

// ExecuteMutation runs C8's algorithm and returns a future-shaped
// result channel.
func (c *Client) ExecuteMutation(ctx context.Context, variables interface{}, fetcher mutation.Fetcher, opts mutation.Options) <-chan mutation.Result {
	return c.mutationExec.Mutate(ctx, variables, fetcher, opts)
}

// InfiniteHandle is returned by ObserveInfinite.
type InfiniteHandle struct {
	FetchNextPage     func(ctx context.Context) error
	FetchPreviousPage func(ctx context.Context) error
	Refetch           func(ctx context.Context) error
	Remove            func()
	GetAllItems       func() []interface{}
	HasNext           func() bool
	HasPrev           func() bool
}

// ObserveInfinite registers sink on an infinite query key and returns a
// handle bound to that key/fetcher/options.
func (c *Client) ObserveInfinite(ik key.Key, fetcher infinite.PageFetcher, opts infinite.Options, sink observer.Sink) InfiniteHandle {
	c.observers.Register(ik, sink)
	c.mu.Lock()
	c.activeInfinite[ik.Canonical()] = activeInfinite{fetcher: fetcher, opts: opts}
	c.mu.Unlock()

	return InfiniteHandle{
		FetchNextPage:     func(ctx context.Context) error { return c.infiniteCtrl.FetchNextPage(ctx, ik, fetcher, opts) },
		FetchPreviousPage: func(ctx context.Context) error { return c.infiniteCtrl.FetchPreviousPage(ctx, ik, fetcher, opts) },
		Refetch:           func(ctx context.Context) error { return c.infiniteCtrl.Refetch(ctx, ik, fetcher, opts) },
		Remove:            func() { c.infiniteCtrl.Remove(ik) },
		GetAllItems:       func() []interface{} { return c.infiniteCtrl.GetAllItems(ik) },
		HasNext:           func() bool { return c.infiniteCtrl.HasNext(ik) },
		HasPrev:           func() bool { return c.infiniteCtrl.HasPrev(ik) },
	}
}

// SetQueryData writes value into the cache as a typed round-trip
// through C2 (§4.10). If k has an unconfirmed optimistic update
// outstanding and a ConflictResolver was configured, the resolver
// decides the value actually written instead of a bare overwrite.
func (c *Client) SetQueryData(k key.Key, value interface{}, typeTag string) error {
	if c.resolve != nil && c.mutationExec.HasOutstandingOptimistic(k) {
		current, _ := c.GetQueryData(k, typeTag)
		resolved, err := c.resolve(k, current, value)
		if err != nil {
			return errs.Wrap(errs.Generic, "conflict resolver failed", err)
		}
		value = resolved
	}

	se, err := entry.Serialize(value, typeTag)
	if err != nil {
		return err
	}
	c.store.SetData(k, se, store.Success)
	c.observers.Notify(k, observer.Snapshot{Data: &se, State: store.Success})
	c.events.Emit(devtools.Event{Kind: "CacheOp", CacheOp: &devtools.CacheOpEvent{Op: devtools.OpSet, Key: &k, Size: se.Size()}})
	return nil
}

// GetQueryData reads back the current value at k typed through
// typeTag, or nil if absent. Returns errs.TypeMismatch if the stored
// entry's tag differs.
func (c *Client) GetQueryData(k key.Key, typeTag string) (interface{}, error) {
	e, ok := c.store.Peek(k)
	if !ok || e.Data == nil {
		return nil, nil
	}
	var out interface{}
	if err := entry.Deserialize(*e.Data, typeTag, &out); err != nil {
		return nil, err
	}
	c.events.Emit(devtools.Event{Kind: "CacheOp", CacheOp: &devtools.CacheOpEvent{Op: devtools.OpGetHit, Key: &k}})
	return out, nil
}

// InvalidateQueries marks matching entries stale and schedules
// refetches for those currently observed.
func (c *Client) InvalidateQueries(pattern key.Pattern) {
	touched := c.store.Invalidate(pattern)
	for _, k := range touched {
		if c.observers.HasObservers(k) {
			c.refetchKey(k)
		}
	}
	c.events.Emit(devtools.Event{Kind: "CacheOp", CacheOp: &devtools.CacheOpEvent{Op: devtools.OpExpire}})
}

// RemoveQueries deletes every matching entry outright.
func (c *Client) RemoveQueries(pattern key.Pattern) {
	c.store.Remove(pattern)
	c.events.Emit(devtools.Event{Kind: "CacheOp", CacheOp: &devtools.CacheOpEvent{Op: devtools.OpRemove}})
}

// Clear removes every cache entry.
func (c *Client) Clear() {
	c.store.Clear()
	c.events.Emit(devtools.Event{Kind: "CacheOp", CacheOp: &devtools.CacheOpEvent{Op: devtools.OpClear}})
}

// Stats returns the aggregate cache snapshot.
func (c *Client) Stats() store.Stats {
	return c.store.Stats()
}

// RestorePendingMutations replays every mutation that was persisted but
// not yet acknowledged before the process last stopped, via fetcher for
// the given subKey-addressed variables. Supplements §6's storage port
// with the concrete replay behaviour named only as "a queue of pending
// mutations".
func (c *Client) RestorePendingMutations(ctx context.Context, decode func(subKey string, variables []byte) (mutation.Fetcher, interface{}, mutation.Options)) error {
	if c.queue == nil {
		return nil
	}
	pending, err := c.queue.Drain(ctx)
	if err != nil {
		return err
	}
	for _, pm := range pending {
		fetcher, variables, opts := decode(pm.SubKey, pm.Variables)
		result := <-c.ExecuteMutation(ctx, variables, fetcher, opts)
		if result.Err == nil {
			c.queue.Ack(ctx, pm.ID)
		}
	}
	return nil
}
