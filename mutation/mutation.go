// Package mutation implements the write path (C8): optional optimistic
// apply, fetch with retry, targeted invalidation, and rollback on
// terminal error. Grounded on the teacher's invalidation flow
// (invalidation/service.go's InvalidateKey/InvalidatePattern) for the
// invalidate-and-refetch half, and on the original Rust
// implementation's optimistic module for the snapshot/rollback
// semantics the distilled spec names only briefly.
package mutation

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/otero/querycache/devtools"
	"github.com/otero/querycache/entry"
	"github.com/otero/querycache/errs"
	"github.com/otero/querycache/key"
	"github.com/otero/querycache/logging"
	"github.com/otero/querycache/observer"
	"github.com/otero/querycache/retry"
	"github.com/otero/querycache/store"
)

// Fetcher is the user-supplied write: (variables) -> Result<value, ClassifiedError>.
type Fetcher func(ctx context.Context, variables interface{}) (interface{}, *errs.ClassifiedError)

// ComputeFunc derives the optimistic value for a key from the entry's
// current data (nil if absent) and the mutation's variables.
type ComputeFunc func(previousData interface{}, variables interface{}) (interface{}, error)

// OptimisticSpec configures the pre-write half of a mutation.
type OptimisticSpec struct {
	Keys    []key.Key
	Compute ComputeFunc
	TypeTag string
}

// Options configures one mutation.
type Options struct {
	Retry              retry.Policy
	InvalidatePatterns []key.Pattern
	Optimistic         *OptimisticSpec
}

// Result is the terminal outcome of Mutate.
type Result struct {
	Value interface{}
	Err   *errs.ClassifiedError
}

// RefetchFunc is invoked by the executor for every key whose entry just
// became stale via invalidation and which currently has observers; the
// client facade supplies this, since only it knows each key's
// registered fetcher.
type RefetchFunc func(k key.Key)

type snapshot struct {
	data  *entry.SerializedEntry
	state store.State
}

// snapshotStacks maintains the per-key LIFO stack of pre-optimistic
// snapshots described in §4.8's concurrency note.
type snapshotStacks struct {
	mu     sync.Mutex
	stacks map[string][]snapshot
}

func newSnapshotStacks() *snapshotStacks {
	return &snapshotStacks{stacks: make(map[string][]snapshot)}
}

func (s *snapshotStacks) push(k key.Key, snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ck := k.Canonical()
	s.stacks[ck] = append(s.stacks[ck], snap)
}

// pop removes the top snapshot and reports whether the stack is now
// empty (i.e. this was the last outstanding optimistic update).
func (s *snapshotStacks) pop(k key.Key) (snapshot, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ck := k.Canonical()
	stack := s.stacks[ck]
	if len(stack) == 0 {
		return snapshot{}, false, true
	}
	top := stack[len(stack)-1]
	stack = stack[:len(stack)-1]
	if len(stack) == 0 {
		delete(s.stacks, ck)
	} else {
		s.stacks[ck] = stack
	}
	return top, true, len(stack) == 0
}

func (s *snapshotStacks) hasOutstanding(k key.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stacks[k.Canonical()]) > 0
}

// Executor runs the write-path algorithm.
type Executor struct {
	store     *store.Store
	observers *observer.Registry
	refetch   RefetchFunc
	events    *devtools.Emitter
	log       *logging.Logger

	snapshots *snapshotStacks
}

func NewExecutor(st *store.Store, obs *observer.Registry, refetch RefetchFunc, events *devtools.Emitter) *Executor {
	return &Executor{
		store:     st,
		observers: obs,
		refetch:   refetch,
		events:    events,
		log:       logging.New("mutation"),
		snapshots: newSnapshotStacks(),
	}
}

// HasOutstandingOptimistic reports whether k has an optimistic update
// awaiting confirmation or rollback. setQueryData consults this to
// route through the ConflictResolver collaborator instead of
// overwriting an in-flight optimistic value outright.
func (x *Executor) HasOutstandingOptimistic(k key.Key) bool {
	return x.snapshots.hasOutstanding(k)
}

// Mutate runs the algorithm in §4.8 synchronously up to optimistic
// apply, then asynchronously resolves via the returned channel so
// callers get a Future<Result> without blocking their own goroutine.
func (x *Executor) Mutate(ctx context.Context, variables interface{}, fetcher Fetcher, opts Options) <-chan Result {
	correlationID := logging.NewCorrelationID()
	out := make(chan Result, 1)

	if opts.Optimistic != nil {
		x.applyOptimistic(ctx, *opts.Optimistic, variables, correlationID)
	}

	go func() {
		value, cerr := retry.Run(ctx, opts.Retry, func(ctx context.Context) (interface{}, *errs.ClassifiedError) {
			return fetcher(ctx, variables)
		}, nil)

		if cerr == nil {
			x.confirm(opts)
			x.invalidate(opts.InvalidatePatterns)
			x.log.Infof(correlationID, "mutation.success", nil)
			out <- Result{Value: value}
		} else {
			x.rollback(opts, cerr, correlationID)
			x.log.Warnf(correlationID, "mutation.error", map[string]interface{}{"tag": string(cerr.Tag)})
			out <- Result{Err: cerr}
		}
		close(out)
	}()

	return out
}

func (x *Executor) applyOptimistic(ctx context.Context, spec OptimisticSpec, variables interface{}, correlationID string) {
	_ = ctx
	for _, k := range spec.Keys {
		prior, _ := x.store.Peek(k)

		var priorData *entry.SerializedEntry
		var priorState store.State
		var previous interface{}
		if prior != nil {
			priorData = prior.Data
			priorState = prior.State
			if prior.Data != nil {
				var decoded interface{}
				if err := entry.Deserialize(*prior.Data, spec.TypeTag, &decoded); err == nil {
					previous = decoded
				}
			}
		} else {
			priorState = store.Idle
		}

		x.snapshots.push(k, snapshot{data: priorData, state: priorState})

		newValue, err := spec.Compute(previous, variables)
		if err != nil {
			continue
		}
		se, serErr := entry.Serialize(newValue, spec.TypeTag)
		if serErr != nil {
			continue
		}

		updateID := uuid.New().String()
		x.store.SetData(k, se, store.Success)
		x.observers.Notify(k, observer.Snapshot{Data: &se, State: store.Success, IsStale: false})
		x.events.Emit(devtools.Event{Kind: "Optimistic", Optimistic: &devtools.OptimisticEvent{
			Kind: devtools.OptimisticApply, Key: k, UpdateID: updateID,
		}})
		x.log.Infof(correlationID, "optimistic.apply", map[string]interface{}{"key": k.String(), "update_id": updateID})
	}
}

func (x *Executor) confirm(opts Options) {
	if opts.Optimistic == nil {
		return
	}
	for _, k := range opts.Optimistic.Keys {
		x.snapshots.pop(k)
		x.events.Emit(devtools.Event{Kind: "Optimistic", Optimistic: &devtools.OptimisticEvent{
			Kind: devtools.OptimisticConfirm, Key: k,
		}})
	}
}

func (x *Executor) rollback(opts Options, cerr *errs.ClassifiedError, correlationID string) {
	if opts.Optimistic == nil {
		return
	}
	for _, k := range opts.Optimistic.Keys {
		snap, had, isLast := x.snapshots.pop(k)
		if !had || !isLast {
			continue
		}
		restoredState := snap.state
		if snap.data == nil {
			restoredState = store.Idle
		}
		x.store.Restore(k, snap.data, restoredState)
		x.store.SetError(k, cerr)
		x.observers.Notify(k, observer.Snapshot{Data: snap.data, Error: cerr, State: store.Error})
		x.events.Emit(devtools.Event{Kind: "Optimistic", Optimistic: &devtools.OptimisticEvent{
			Kind: devtools.OptimisticRollback, Key: k,
		}})
		x.log.Warnf(correlationID, "optimistic.rollback", map[string]interface{}{"key": k.String()})
	}
}

// invalidate marks every key matching any pattern as stale, atomically
// with respect to observers (§5: all matching keys become stale before
// any refetch is scheduled), then schedules a refetch for every touched
// key that currently has observers.
func (x *Executor) invalidate(patterns []key.Pattern) {
	if len(patterns) == 0 {
		return
	}
	var allTouched []key.Key
	for _, p := range patterns {
		allTouched = append(allTouched, x.store.Invalidate(p)...)
	}
	for _, k := range allTouched {
		if x.observers.HasObservers(k) {
			x.refetch(k)
		}
	}
}
