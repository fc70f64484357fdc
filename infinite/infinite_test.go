package infinite

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/otero/querycache/devtools"
	"github.com/otero/querycache/errs"
	"github.com/otero/querycache/inflight"
	"github.com/otero/querycache/key"
	"github.com/otero/querycache/observer"
	"github.com/otero/querycache/store"
)

func newHarness() (*Controller, *store.Store) {
	st := store.New(store.DefaultConfig())
	obs := observer.New()
	infl := inflight.New()
	events := devtools.NewEmitter(nil, 0, 0)
	return NewController(st, obs, infl, events), st
}

func pageFetcherFromPages(pages map[int]Page) PageFetcher {
	return func(ctx context.Context, pageIndex int) (Page, *errs.ClassifiedError) {
		p, ok := pages[pageIndex]
		if !ok {
			return Page{}, errs.New(errs.Generic, "no such page")
		}
		return p, nil
	}
}

// TestInfinitePaginationBoundedWindow is S6: fetching forward past
// MaxPages drops the oldest page and keeps exact page indices in order.
func TestInfinitePaginationBoundedWindow(t *testing.T) {
	c, _ := newHarness()
	ik := key.MustMake("feed")

	pages := map[int]Page{
		0: {Items: []interface{}{"a0", "a1"}, Info: PageInfo{Page: 0, HasNext: true}},
		1: {Items: []interface{}{"b0"}, Info: PageInfo{Page: 1, HasNext: true}},
		2: {Items: []interface{}{"c0"}, Info: PageInfo{Page: 2, HasNext: true}},
	}
	fetcher := pageFetcherFromPages(pages)
	opts := Options{MaxPages: 2, TypeTag: "t"}

	for i := 0; i < 3; i++ {
		if err := c.FetchNextPage(context.Background(), ik, fetcher, opts); err != nil {
			t.Fatalf("FetchNextPage %d: %v", i, err)
		}
	}

	if got := c.CurrentPage(ik); got != 2 {
		t.Fatalf("expected currentPage=2, got %d", got)
	}
	items := c.GetAllItems(ik)
	want := []interface{}{"b0", "c0"}
	if len(items) != len(want) {
		t.Fatalf("expected window of 2 pages worth of items, got %v", items)
	}
	for i, v := range want {
		if items[i] != v {
			t.Fatalf("items[%d] = %v, want %v", i, items[i], v)
		}
	}
}

func TestFetchNextPageNoOpWhenNoMore(t *testing.T) {
	c, _ := newHarness()
	ik := key.MustMake("feed")
	pages := map[int]Page{
		0: {Items: []interface{}{"a0"}, Info: PageInfo{Page: 0, HasNext: false}},
	}
	fetcher := pageFetcherFromPages(pages)
	opts := Options{TypeTag: "t"}

	if err := c.FetchNextPage(context.Background(), ik, fetcher, opts); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.HasNext(ik) {
		t.Fatalf("expected hasNext=false after last page")
	}

	var calls atomic.Int32
	countingFetcher := func(ctx context.Context, idx int) (Page, *errs.ClassifiedError) {
		calls.Add(1)
		return Page{}, nil
	}
	if err := c.FetchNextPage(context.Background(), ik, countingFetcher, opts); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected no fetch once hasNext is false")
	}
}

func TestFetchPreviousPagePrependsAndDropsNewestOnOverflow(t *testing.T) {
	c, _ := newHarness()
	ik := key.MustMake("feed")
	pages := map[int]Page{
		0: {Items: []interface{}{"p0"}, Info: PageInfo{Page: 0, HasNext: true, HasPrev: false}},
		1: {Items: []interface{}{"p1"}, Info: PageInfo{Page: 1, HasNext: true, HasPrev: true}},
		2: {Items: []interface{}{"p2"}, Info: PageInfo{Page: 2, HasNext: false, HasPrev: true}},
	}
	fetcher := pageFetcherFromPages(pages)
	opts := Options{MaxPages: 2, TypeTag: "t"}

	c.FetchNextPage(context.Background(), ik, fetcher, opts) // page 0, window [0]
	c.FetchNextPage(context.Background(), ik, fetcher, opts) // page 1, window [0,1]

	if err := c.FetchPreviousPage(context.Background(), ik, fetcher, opts); err != nil {
		t.Fatalf("FetchPreviousPage: %v", err)
	}

	items := c.GetAllItems(ik)
	if len(items) != 2 {
		t.Fatalf("expected window still bounded at MaxPages=2 after prepend, got %v", items)
	}
	if items[0] != "p0" {
		t.Fatalf("expected the prepended page 0 at the front of the window, got %v", items)
	}
	if c.HasPrev(ik) {
		t.Fatalf("expected hasPrev to reflect page 0's PageInfo.HasPrev=false becoming the new front")
	}
}

func TestFetchPreviousPageNoOpWhenNoneLoaded(t *testing.T) {
	c, _ := newHarness()
	ik := key.MustMake("feed")
	pages := map[int]Page{0: {Items: []interface{}{"p0"}, Info: PageInfo{Page: 0}}}
	fetcher := pageFetcherFromPages(pages)

	if err := c.FetchPreviousPage(context.Background(), ik, fetcher, Options{TypeTag: "t"}); err != nil {
		t.Fatalf("unexpected error on fresh key: %v", err)
	}
	if c.CurrentPage(ik) != -1 {
		t.Fatalf("expected no page fetched when currentPage starts below 0")
	}
}

func TestRefetchResetsWindow(t *testing.T) {
	c, _ := newHarness()
	ik := key.MustMake("feed")
	pages := map[int]Page{
		0: {Items: []interface{}{"a0"}, Info: PageInfo{Page: 0, HasNext: true}},
		1: {Items: []interface{}{"b0"}, Info: PageInfo{Page: 1, HasNext: true}},
	}
	fetcher := pageFetcherFromPages(pages)
	opts := Options{TypeTag: "t"}

	c.FetchNextPage(context.Background(), ik, fetcher, opts)
	c.FetchNextPage(context.Background(), ik, fetcher, opts)
	if c.CurrentPage(ik) != 1 {
		t.Fatalf("expected currentPage=1 before refetch")
	}

	if err := c.Refetch(context.Background(), ik, fetcher, opts); err != nil {
		t.Fatalf("Refetch: %v", err)
	}
	if c.CurrentPage(ik) != 0 {
		t.Fatalf("expected refetch to reset to page 0, got %d", c.CurrentPage(ik))
	}
	if len(c.GetAllItems(ik)) != 1 {
		t.Fatalf("expected window cleared to a single page after refetch")
	}
}

func TestRemoveDropsStateAndCacheEntry(t *testing.T) {
	c, st := newHarness()
	ik := key.MustMake("feed")
	pages := map[int]Page{0: {Items: []interface{}{"a0"}, Info: PageInfo{Page: 0}}}
	fetcher := pageFetcherFromPages(pages)
	c.FetchNextPage(context.Background(), ik, fetcher, Options{TypeTag: "t"})

	c.Remove(ik)
	if _, ok := st.Peek(ik); ok {
		t.Fatalf("expected cache entry removed")
	}
	if c.CurrentPage(ik) != -1 {
		t.Fatalf("expected window state reset after Remove")
	}
}

// TestPerPageDedup confirms concurrent fetches of the same page index
// share one underlying fetch via the in-flight registry.
func TestPerPageDedup(t *testing.T) {
	c, _ := newHarness()
	ik := key.MustMake("feed")
	var calls atomic.Int32
	gate := make(chan struct{})
	fetcher := func(ctx context.Context, idx int) (Page, *errs.ClassifiedError) {
		calls.Add(1)
		<-gate
		return Page{Items: []interface{}{"x"}, Info: PageInfo{Page: idx, HasNext: true}}, nil
	}
	opts := Options{TypeTag: "t"}

	done := make(chan *errs.ClassifiedError, 2)
	fetchPageZero := func() {
		_, cerr := c.fetchPage(context.Background(), ik, 0, fetcher, opts)
		done <- cerr
	}
	go fetchPageZero()
	deadline := time.Now().Add(time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	go fetchPageZero()
	time.Sleep(20 * time.Millisecond) // let the second caller attach
	close(gate)

	for i := 0; i < 2; i++ {
		if cerr := <-done; cerr != nil {
			t.Fatalf("fetchPage: %v", cerr)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one shared underlying fetch for page 0, got %d", got)
	}
}
