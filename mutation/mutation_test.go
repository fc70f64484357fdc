package mutation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/otero/querycache/devtools"
	"github.com/otero/querycache/entry"
	"github.com/otero/querycache/errs"
	"github.com/otero/querycache/key"
	"github.com/otero/querycache/observer"
	"github.com/otero/querycache/store"
)

func newHarness() (*store.Store, *observer.Registry, *Executor, *[]key.Key) {
	st := store.New(store.DefaultConfig())
	obs := observer.New()
	refetched := &[]key.Key{}
	var mu sync.Mutex
	refetch := func(k key.Key) {
		mu.Lock()
		*refetched = append(*refetched, k)
		mu.Unlock()
	}
	events := devtools.NewEmitter(nil, 0, 0)
	return st, obs, NewExecutor(st, obs, refetch, events), refetched
}

func seed(t *testing.T, st *store.Store, k key.Key, v interface{}) {
	t.Helper()
	se, err := entry.Serialize(v, "t")
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	st.Set(k, se, store.WriteOptions{StaleTime: time.Hour, CacheTime: time.Hour})
}

type todo struct {
	Title string
	Done  bool
}

// TestOptimisticApplyThenConfirm exercises the success half of §4.8: the
// optimistic write lands immediately and is retained (not reverted) once
// the mutation's fetcher confirms.
func TestOptimisticApplyThenConfirm(t *testing.T) {
	st, obs, x, _ := newHarness()
	k := key.MustMake("todos", "1")
	seed(t, st, k, todo{Title: "old"})

	var snaps []observer.Snapshot
	var mu sync.Mutex
	obs.Register(k, func(s observer.Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})

	opts := Options{
		Optimistic: &OptimisticSpec{
			Keys:    []key.Key{k},
			TypeTag: "t",
			Compute: func(previous interface{}, variables interface{}) (interface{}, error) {
				return todo{Title: variables.(string), Done: false}, nil
			},
		},
	}

	done := make(chan Result, 1)
	go func() {
		res := <-x.Mutate(context.Background(), "new title", func(ctx context.Context, variables interface{}) (interface{}, *errs.ClassifiedError) {
			return "server-ack", nil
		}, opts)
		done <- res
	}()

	res := <-done
	if res.Err != nil {
		t.Fatalf("unexpected mutation error: %v", res.Err)
	}

	got, _ := st.Peek(k)
	var decoded todo
	if err := entry.Deserialize(*got.Data, "t", &decoded); err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if decoded.Title != "new title" {
		t.Fatalf("expected optimistic value retained after confirm, got %+v", decoded)
	}
	if x.HasOutstandingOptimistic(k) {
		t.Fatalf("expected no outstanding optimistic update after confirm")
	}
}

// TestOptimisticRollbackOnError is S5: a mutation whose fetcher fails
// restores the pre-optimistic snapshot.
func TestOptimisticRollbackOnError(t *testing.T) {
	st, obs, x, _ := newHarness()
	k := key.MustMake("todos", "1")
	seed(t, st, k, todo{Title: "old"})

	var last observer.Snapshot
	var mu sync.Mutex
	obs.Register(k, func(s observer.Snapshot) {
		mu.Lock()
		last = s
		mu.Unlock()
	})

	opts := Options{
		Optimistic: &OptimisticSpec{
			Keys:    []key.Key{k},
			TypeTag: "t",
			Compute: func(previous interface{}, variables interface{}) (interface{}, error) {
				return todo{Title: "optimistic"}, nil
			},
		},
	}

	res := <-x.Mutate(context.Background(), "x", func(ctx context.Context, variables interface{}) (interface{}, *errs.ClassifiedError) {
		return nil, errs.New(errs.Network, "server rejected")
	}, opts)

	if res.Err == nil {
		t.Fatalf("expected mutation error")
	}

	got, _ := st.Peek(k)
	var decoded todo
	if err := entry.Deserialize(*got.Data, "t", &decoded); err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if decoded.Title != "old" {
		t.Fatalf("expected rollback to prior value, got %+v", decoded)
	}
	if got.State != store.Error {
		t.Fatalf("expected entry state Error after rollback, got %v", got.State)
	}
	if got.LastError == nil {
		t.Fatalf("expected entry LastError populated after rollback")
	}

	mu.Lock()
	defer mu.Unlock()
	if last.Data == nil {
		t.Fatalf("expected rollback notification to carry restored data")
	}
	if last.State != store.Error {
		t.Fatalf("expected rollback notification state Error, got %v", last.State)
	}
	if last.Error == nil {
		t.Fatalf("expected rollback notification to carry the mutation error")
	}
}

// TestRollbackPopsLIFOAndOnlyRestoresWhenStackEmpties locks in §4.8's
// concurrency note: each resolution pops the top snapshot off the
// per-key LIFO stack; a restore only happens on the pop that empties the
// stack (the last outstanding optimistic update), using whichever
// snapshot sits at the bottom — here, confirming the second update first
// just drops its snapshot with no store mutation, and only the first
// update's own (oldest) snapshot is ever used to restore.
func TestRollbackPopsLIFOAndOnlyRestoresWhenStackEmpties(t *testing.T) {
	st, _, x, _ := newHarness()
	k := key.MustMake("todos", "1")
	seed(t, st, k, todo{Title: "original"})

	compute := func(title string) ComputeFunc {
		return func(previous interface{}, variables interface{}) (interface{}, error) {
			return todo{Title: title}, nil
		}
	}

	blockFirst := make(chan struct{})
	firstOpts := Options{
		Optimistic: &OptimisticSpec{Keys: []key.Key{k}, TypeTag: "t", Compute: compute("first")},
	}
	firstCh := x.Mutate(context.Background(), "v1", func(ctx context.Context, variables interface{}) (interface{}, *errs.ClassifiedError) {
		<-blockFirst
		return nil, errs.New(errs.Network, "first fails")
	}, firstOpts)

	secondOpts := Options{
		Optimistic: &OptimisticSpec{Keys: []key.Key{k}, TypeTag: "t", Compute: compute("second")},
	}
	secondRes := <-x.Mutate(context.Background(), "v2", func(ctx context.Context, variables interface{}) (interface{}, *errs.ClassifiedError) {
		return "ok", nil
	}, secondOpts)
	if secondRes.Err != nil {
		t.Fatalf("second mutation should confirm: %v", secondRes.Err)
	}

	got, _ := st.Peek(k)
	var decoded todo
	entry.Deserialize(*got.Data, "t", &decoded)
	if decoded.Title != "second" {
		t.Fatalf("expected second's confirmed optimistic value to remain, got %+v", decoded)
	}
	if !x.HasOutstandingOptimistic(k) {
		t.Fatalf("first's optimistic update is still outstanding, expected HasOutstandingOptimistic true")
	}

	close(blockFirst)
	firstRes := <-firstCh
	if firstRes.Err == nil {
		t.Fatalf("expected first mutation to fail")
	}

	got, _ = st.Peek(k)
	entry.Deserialize(*got.Data, "t", &decoded)
	if decoded.Title != "original" {
		t.Fatalf("first's rollback (which empties the stack) should restore the oldest snapshot, got %+v", decoded)
	}
	if got.State != store.Error {
		t.Fatalf("expected entry state Error after the stack-emptying rollback, got %v", got.State)
	}
	if x.HasOutstandingOptimistic(k) {
		t.Fatalf("expected no outstanding optimistic updates once both have resolved")
	}
}

// TestInvalidateTriggersRefetchOnlyForObservedKeys is S4.
func TestInvalidateTriggersRefetchOnlyForObservedKeys(t *testing.T) {
	st, obs, x, refetched := newHarness()
	observedKey := key.MustMake("todos", "1")
	unobservedKey := key.MustMake("todos", "2")
	seed(t, st, observedKey, todo{Title: "a"})
	seed(t, st, unobservedKey, todo{Title: "b"})

	obs.Register(observedKey, func(observer.Snapshot) {})

	opts := Options{InvalidatePatterns: []key.Pattern{key.NewPrefix(key.MustMake("todos"))}}
	res := <-x.Mutate(context.Background(), nil, func(ctx context.Context, variables interface{}) (interface{}, *errs.ClassifiedError) {
		return "ok", nil
	}, opts)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}

	deadline := time.Now().Add(time.Second)
	for len(*refetched) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(*refetched) != 1 {
		t.Fatalf("expected exactly one refetch, got %d", len(*refetched))
	}
	if !(*refetched)[0].Equal(observedKey) {
		t.Fatalf("expected refetch only for the observed key, got %v", (*refetched)[0])
	}
}
