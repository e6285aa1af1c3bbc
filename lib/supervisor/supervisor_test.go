package supervisor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MAGI3/Magi/lib/events"
	"github.com/MAGI3/Magi/lib/fleet"
	"github.com/MAGI3/Magi/lib/surface/sim"
)

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) record(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.evs))
	copy(out, r.evs)
	return out
}

func (r *recorder) waitFor(t *testing.T, pred func([]events.Event) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pred(r.all()) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met; events: %#v", r.all())
}

func newFixture(t *testing.T) (*Supervisor, *fleet.Store, *sim.Provider, *recorder) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := fleet.NewStore(logger)
	bus := events.NewBus()
	provider := sim.New()
	rec := &recorder{}
	bus.Subscribe(rec.record)
	sup := New(store, bus, provider, logger, Options{})
	return sup, store, provider, rec
}

func TestCreateBrowserOpensInitialPage(t *testing.T) {
	sup, store, provider, rec := newFixture(t)
	ctx := context.Background()

	b, err := sup.CreateBrowser(ctx, CreateBrowserOptions{Name: "main"})
	require.NoError(t, err)
	require.Len(t, b.Pages, 1)
	assert.Equal(t, b.Pages[0], b.ActivePageID)

	p, ok := store.GetPage(b.Pages[0])
	require.True(t, ok)
	assert.Equal(t, "about:blank", p.URL)

	pg, ok := sup.PageSurface(p.ID)
	require.True(t, ok)
	assert.True(t, provider.ViewAttached(pg))

	// browserCreated precedes pageCreated
	evs := rec.all()
	var createdAt, pageAt = -1, -1
	for i, ev := range evs {
		switch ev.(type) {
		case events.BrowserCreated:
			createdAt = i
		case events.PageCreated:
			pageAt = i
		}
	}
	require.GreaterOrEqual(t, createdAt, 0)
	require.GreaterOrEqual(t, pageAt, 0)
	assert.Less(t, createdAt, pageAt)
}

func TestDestroyBrowserCascadesInOrder(t *testing.T) {
	sup, store, _, rec := newFixture(t)
	ctx := context.Background()

	b, err := sup.CreateBrowser(ctx, CreateBrowserOptions{})
	require.NoError(t, err)
	p2, err := sup.CreatePage(ctx, CreatePageOptions{BrowserID: b.ID})
	require.NoError(t, err)
	p3, err := sup.CreatePage(ctx, CreatePageOptions{BrowserID: b.ID})
	require.NoError(t, err)

	want := []string{b.Pages[0], p2.ID, p3.ID}

	require.NoError(t, sup.DestroyBrowser(ctx, b.ID))

	var destroyed []string
	sawBrowserGone := false
	for _, ev := range rec.all() {
		switch e := ev.(type) {
		case events.PageDestroyed:
			destroyed = append(destroyed, e.PageID)
		case events.BrowserDestroyed:
			sawBrowserGone = true
		}
	}
	assert.Equal(t, want, destroyed)
	assert.True(t, sawBrowserGone)

	_, ok := store.GetBrowser(b.ID)
	assert.False(t, ok)
}

func TestCloseActivePageActivatesSuccessor(t *testing.T) {
	sup, store, _, _ := newFixture(t)
	ctx := context.Background()

	b, err := sup.CreateBrowser(ctx, CreateBrowserOptions{})
	require.NoError(t, err)
	p1 := b.Pages[0]
	p2, err := sup.CreatePage(ctx, CreatePageOptions{BrowserID: b.ID})
	require.NoError(t, err)
	p3, err := sup.CreatePage(ctx, CreatePageOptions{BrowserID: b.ID})
	require.NoError(t, err)

	// [p1 p2 p3], active p2 -> close p2 -> active p3
	require.NoError(t, sup.SelectPage(ctx, b.ID, p2.ID))
	require.NoError(t, sup.ClosePage(ctx, b.ID, p2.ID))
	rec, _ := store.GetBrowser(b.ID)
	assert.Equal(t, p3.ID, rec.ActivePageID)

	// [p1 p3], active p3 -> close p3 -> active p1
	require.NoError(t, sup.ClosePage(ctx, b.ID, p3.ID))
	rec, _ = store.GetBrowser(b.ID)
	assert.Equal(t, p1, rec.ActivePageID)

	// [p1], active p1 -> close p1 -> no active page
	require.NoError(t, sup.ClosePage(ctx, b.ID, p1))
	rec, _ = store.GetBrowser(b.ID)
	assert.Equal(t, "", rec.ActivePageID)
	assert.Empty(t, rec.Pages)
}

func TestPopupInsertsAfterParentAndActivates(t *testing.T) {
	sup, store, provider, rec := newFixture(t)
	ctx := context.Background()

	b, err := sup.CreateBrowser(ctx, CreateBrowserOptions{})
	require.NoError(t, err)
	parent := b.Pages[0]
	_, err = sup.CreatePage(ctx, CreatePageOptions{BrowserID: b.ID})
	require.NoError(t, err)

	pg, ok := sup.PageSurface(parent)
	require.True(t, ok)
	provider.RequestPopup(pg, "https://example.com/popup")

	rec.waitFor(t, func(evs []events.Event) bool {
		for _, ev := range evs {
			if e, ok := ev.(events.PageCreated); ok && e.AfterPageID == parent {
				return true
			}
		}
		return false
	})

	brec, _ := store.GetBrowser(b.ID)
	require.Len(t, brec.Pages, 3)
	popupID := brec.Pages[1] // directly after the parent
	prec, ok := store.GetPage(popupID)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/popup", prec.URL)
	assert.Equal(t, popupID, brec.ActivePageID)
}

func TestNavigationMirrorsIntoStore(t *testing.T) {
	sup, store, provider, rec := newFixture(t)
	ctx := context.Background()

	b, err := sup.CreateBrowser(ctx, CreateBrowserOptions{})
	require.NoError(t, err)
	pid := b.Pages[0]

	require.NoError(t, sup.NavigatePage(ctx, pid, "https://example.com/a"))
	require.NoError(t, sup.NavigatePage(ctx, pid, "https://example.com/b"))

	rec.waitFor(t, func(evs []events.Event) bool {
		p, ok := store.GetPage(pid)
		return ok && p.URL == "https://example.com/b" && !p.Nav.IsLoading
	})
	p, _ := store.GetPage(pid)
	assert.True(t, p.Nav.CanGoBack)
	assert.False(t, p.Nav.CanGoForward)

	require.NoError(t, sup.GoBack(ctx, pid))
	rec.waitFor(t, func([]events.Event) bool {
		p, ok := store.GetPage(pid)
		return ok && p.URL == "https://example.com/a"
	})
	p, _ = store.GetPage(pid)
	assert.True(t, p.Nav.CanGoForward)

	// title changes are mirrored and republished
	pg, _ := sup.PageSurface(pid)
	provider.SetTitle(pg, "hello")
	rec.waitFor(t, func(evs []events.Event) bool {
		for _, ev := range evs {
			if e, ok := ev.(events.PageTitleChanged); ok && e.Page.Title == "hello" {
				return true
			}
		}
		return false
	})
}
