// Package infinite implements the multi-page query controller (C9):
// bounded-window pagination with per-page deduplication through C5.
// Grounded on the teacher's batch-oriented warming patterns
// (warming/worker_pool.go) for the dedup-by-composite-key idea, and on
// the original Rust implementation's infinite module for the
// bounded-window semantics the distilled spec names only in §4.9.
package infinite

import (
	"context"
	"fmt"
	"sync"

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

// Page is one segment of an infinite query's data.
type Page struct {
	Items []interface{}
	Info  PageInfo
}

// PageInfo carries pagination metadata.
type PageInfo struct {
	Page    int
	PerPage int
	Total   int
	HasNext bool
	HasPrev bool
}

// PageFetcher is the user-supplied paging read: (pageIndex) -> Result<Page<T>, ClassifiedError>.
type PageFetcher func(ctx context.Context, pageIndex int) (Page, *errs.ClassifiedError)

// Options configures an infinite query.
type Options struct {
	MaxPages         int // 0 means unbounded
	KeepPreviousData bool
	Retry            retry.Policy
	TypeTag          string
}

type windowState struct {
	pages       []Page
	pageIndices []int
	currentPage int
	hasNext     bool
	hasPrev     bool
	started     bool
}

// Controller owns the per-infinite-key window state and composes the
// cache store, observer registry, and in-flight registry to serve
// fetchNextPage/fetchPreviousPage/refetch.
type Controller struct {
	store     *store.Store
	observers *observer.Registry
	inflight  *inflight.Registry
	events    *devtools.Emitter
	log       *logging.Logger

	mu     sync.Mutex
	states map[string]*windowState
}

func NewController(st *store.Store, obs *observer.Registry, infl *inflight.Registry, events *devtools.Emitter) *Controller {
	return &Controller{
		store:     st,
		observers: obs,
		inflight:  infl,
		events:    events,
		log:       logging.New("infinite"),
		states:    make(map[string]*windowState),
	}
}

func pageDedupKey(ik key.Key, pageIndex int) key.Key {
	segs := append(ik.Segments(), fmt.Sprintf("__page__:%d", pageIndex))
	k, err := key.Make(segs...)
	if err != nil {
		// pageIndex is caller-controlled and small; this only fires if
		// the base key is already at the 10-segment ceiling.
		return ik
	}
	return k
}

func (c *Controller) stateFor(ik key.Key) *windowState {
	c.mu.Lock()
	defer c.mu.Unlock()
	ck := ik.Canonical()
	st, ok := c.states[ck]
	if !ok {
		st = &windowState{hasNext: true, currentPage: -1}
		c.states[ck] = st
	}
	return st
}

func (c *Controller) fetchPage(ctx context.Context, ik key.Key, idx int, fetcher PageFetcher, opts Options) (Page, *errs.ClassifiedError) {
	future := c.inflight.BeginOrAttach(pageDedupKey(ik, idx), func(tracker *inflight.AttemptTracker) (interface{}, *errs.ClassifiedError) {
		return retry.Run(ctx, opts.Retry, func(ctx context.Context) (interface{}, *errs.ClassifiedError) {
			tracker.Inc()
			return fetcher(ctx, idx)
		}, nil)
	})
	res := future.Wait()
	if res.Err != nil {
		return Page{}, res.Err
	}
	return res.Value.(Page), nil
}

// persistAndNotify mirrors the current window into the cache store as a
// single serialized entry (the ordered page list §3 describes) and
// notifies observers of ik.
func (c *Controller) persistAndNotify(ik key.Key, st *windowState, opts Options) {
	se, err := entry.Serialize(st.pages, opts.TypeTag)
	if err != nil {
		c.store.SetError(ik, errs.As(err))
		c.observers.Notify(ik, observer.Snapshot{Error: errs.As(err), State: store.Error})
		return
	}
	c.store.Set(ik, se, store.WriteOptions{})
	c.observers.Notify(ik, observer.Snapshot{Data: &se, State: store.Success})
}

// FetchNextPage advances the window forward. No-op if the current
// window reports hasNext=false.
func (c *Controller) FetchNextPage(ctx context.Context, ik key.Key, fetcher PageFetcher, opts Options) error {
	st := c.stateFor(ik)
	c.mu.Lock()
	if st.started && !st.hasNext {
		c.mu.Unlock()
		return nil
	}
	nextIdx := st.currentPage + 1
	c.mu.Unlock()

	c.store.MarkLoading(ik)
	c.observers.Notify(ik, observer.Snapshot{State: store.Loading})

	page, cerr := c.fetchPage(ctx, ik, nextIdx, fetcher, opts)
	if cerr != nil {
		c.store.SetError(ik, cerr)
		c.observers.Notify(ik, observer.Snapshot{Error: cerr, State: store.Error})
		return cerr
	}

	c.mu.Lock()
	st.pages = append(st.pages, page)
	st.pageIndices = append(st.pageIndices, nextIdx)
	if opts.MaxPages > 0 && len(st.pages) > opts.MaxPages {
		st.pages = st.pages[1:]
		st.pageIndices = st.pageIndices[1:]
	}
	st.currentPage = nextIdx
	st.hasNext = page.Info.HasNext
	st.hasPrev = page.Info.HasPrev
	st.started = true
	snapshotPages := append([]Page(nil), st.pages...)
	c.mu.Unlock()

	c.persistAndNotify(ik, &windowState{pages: snapshotPages}, opts)
	return nil
}

// FetchPreviousPage advances the window backward, prepending the
// fetched page and dropping the newest on overflow.
func (c *Controller) FetchPreviousPage(ctx context.Context, ik key.Key, fetcher PageFetcher, opts Options) error {
	st := c.stateFor(ik)
	c.mu.Lock()
	if st.started && !st.hasPrev {
		c.mu.Unlock()
		return nil
	}
	prevIdx := st.currentPage - 1
	if prevIdx < 0 {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.store.MarkLoading(ik)
	c.observers.Notify(ik, observer.Snapshot{State: store.Loading})

	page, cerr := c.fetchPage(ctx, ik, prevIdx, fetcher, opts)
	if cerr != nil {
		c.store.SetError(ik, cerr)
		c.observers.Notify(ik, observer.Snapshot{Error: cerr, State: store.Error})
		return cerr
	}

	c.mu.Lock()
	st.pages = append([]Page{page}, st.pages...)
	st.pageIndices = append([]int{prevIdx}, st.pageIndices...)
	if opts.MaxPages > 0 && len(st.pages) > opts.MaxPages {
		st.pages = st.pages[:len(st.pages)-1]
		st.pageIndices = st.pageIndices[:len(st.pageIndices)-1]
	}
	st.hasPrev = page.Info.HasPrev
	snapshotPages := append([]Page(nil), st.pages...)
	c.mu.Unlock()

	c.persistAndNotify(ik, &windowState{pages: snapshotPages}, opts)
	return nil
}

// Refetch clears the window and re-fetches page 0.
func (c *Controller) Refetch(ctx context.Context, ik key.Key, fetcher PageFetcher, opts Options) error {
	c.mu.Lock()
	c.states[ik.Canonical()] = &windowState{hasNext: true, currentPage: -1}
	c.mu.Unlock()
	return c.FetchNextPage(ctx, ik, fetcher, opts)
}

// Remove drops the window state and cache entry for ik entirely.
func (c *Controller) Remove(ik key.Key) {
	c.mu.Lock()
	delete(c.states, ik.Canonical())
	c.mu.Unlock()
	c.store.Remove(key.NewExact(ik))
}

// GetAllItems flattens the current window's pages in page order.
func (c *Controller) GetAllItems(ik key.Key) []interface{} {
	st := c.stateFor(ik)
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []interface{}
	for _, p := range st.pages {
		out = append(out, p.Items...)
	}
	return out
}

// HasNext and HasPrev expose the current window's pagination edges.
func (c *Controller) HasNext(ik key.Key) bool {
	st := c.stateFor(ik)
	c.mu.Lock()
	defer c.mu.Unlock()
	return st.hasNext
}

func (c *Controller) HasPrev(ik key.Key) bool {
	st := c.stateFor(ik)
	c.mu.Lock()
	defer c.mu.Unlock()
	return st.hasPrev
}

// CurrentPage returns the index of the page most recently fetched by
// FetchNextPage, or -1 before the first. FetchPreviousPage does not
// change it, even when it drops that page from the window.
func (c *Controller) CurrentPage(ik key.Key) int {
	st := c.stateFor(ik)
	c.mu.Lock()
	defer c.mu.Unlock()
	return st.currentPage
}
