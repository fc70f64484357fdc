// Package devtools implements the best-effort event port (§6): a
// closed set of event types describing query/mutation/cache lifecycle
// activity, delivered fire-and-forget so the core never blocks on a
// slow or absent consumer. Event shapes are grounded on the teacher's
// Pub/Sub event schema (pkg/pubsub/events.go); the rate limiting that
// protects the consumer from the core's own event volume is grounded
// on the teacher's use of golang.org/x/time/rate to protect an origin
// in warming/service.go.
package devtools

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/otero/querycache/key"
)

// CacheOpKind enumerates the cache-level operations a sink can observe.
type CacheOpKind string

const (
	OpSet    CacheOpKind = "Set"
	OpGetHit CacheOpKind = "Get"
	OpRemove CacheOpKind = "Remove"
	OpClear  CacheOpKind = "Clear"
	OpExpire CacheOpKind = "Expire"
)

// OptimisticKind enumerates the optimistic-update lifecycle stages.
type OptimisticKind string

const (
	OptimisticApply    OptimisticKind = "Apply"
	OptimisticConfirm  OptimisticKind = "Confirm"
	OptimisticRollback OptimisticKind = "Rollback"
)

// Event is a closed union over the devtools event schema. Exactly one
// of the typed fields is populated, selected by Kind.
type Event struct {
	Kind string
	Ts   time.Time

	QueryStart    *QueryStart
	QueryComplete *QueryComplete
	QueryError    *QueryError
	CacheOp       *CacheOpEvent
	NetworkReq    *NetworkRequest
	Optimistic    *OptimisticEvent
	Persistence   *PersistenceEvent
}

type QueryStart struct {
	Key key.Key
}

type QueryComplete struct {
	Key      key.Key
	Success  bool
	Duration time.Duration
}

type QueryError struct {
	Key      key.Key
	ErrorTag string
}

type CacheOpEvent struct {
	Op   CacheOpKind
	Key  *key.Key
	Size int
}

type NetworkRequest struct {
	Key      key.Key
	URL      string
	Method   string
	Status   int
	Duration time.Duration
	ErrorMsg string
}

type OptimisticEvent struct {
	Kind     OptimisticKind
	Key      key.Key
	UpdateID string
}

type PersistenceEvent struct {
	Op  string
	Key *key.Key
}

// Sink receives devtools events. Implementations must return quickly;
// Emitter never waits on a sink.
type Sink func(Event)

// Emitter rate-limits and fans events out to a sink without blocking
// the caller. A nil sink makes Emitter a no-op, so wiring devtools is
// always optional.
type Emitter struct {
	sink    Sink
	limiter *rate.Limiter
}

// NewEmitter builds an Emitter delivering to sink at up to
// eventsPerSecond, bursting up to burst. A zero eventsPerSecond means
// unlimited.
func NewEmitter(sink Sink, eventsPerSecond float64, burst int) *Emitter {
	var limiter *rate.Limiter
	if eventsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(eventsPerSecond), burst)
	}
	return &Emitter{sink: sink, limiter: limiter}
}

// Emit delivers ev to the sink, best-effort: if the limiter denies the
// event outright (no tokens available right now) the event is dropped
// rather than queued, matching the closed "fire-and-forget" contract.
func (e *Emitter) Emit(ev Event) {
	if e == nil || e.sink == nil {
		return
	}
	if e.limiter != nil && !e.limiter.AllowN(time.Now(), 1) {
		return
	}
	if ev.Ts.IsZero() {
		ev.Ts = time.Now()
	}
	e.sink(ev)
}

// Record is a convenience constructor+emit combined for the common
// case where callers don't need to build an Event by hand. ctx is
// accepted for symmetry with the async fetcher port even though the
// fire-and-forget sink itself never suspends.
func (e *Emitter) Record(ctx context.Context, ev Event) {
	_ = ctx
	e.Emit(ev)
}
