// Package supervisor owns the concrete browser and page surfaces. It is the
// only component that talks to the surface provider, and every lifecycle
// change it makes goes through the fleet store before the matching event is
// published, so all observers see record state and events in the same order.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nrednav/cuid2"

	"github.com/MAGI3/Magi/lib/events"
	"github.com/MAGI3/Magi/lib/fleet"
	"github.com/MAGI3/Magi/lib/surface"
)

// Options tunes supervisor defaults.
type Options struct {
	// NewTabURL is where a browser's initial page lands. Defaults to
	// about:blank.
	NewTabURL string
}

// Supervisor translates lifecycle requests into surface operations plus fleet
// mutations, in a fixed order.
type Supervisor struct {
	store    *fleet.Store
	bus      *events.Bus
	provider surface.Provider
	logger   *slog.Logger
	opts     Options

	mu       sync.Mutex
	browsers map[string]*browserEntry
	pages    map[string]*pageEntry
}

type browserEntry struct {
	partition surface.Partition
}

type pageEntry struct {
	browserID string
	page      surface.Page
	cancel    func() // event pump subscription
}

func New(store *fleet.Store, bus *events.Bus, provider surface.Provider, logger *slog.Logger, opts Options) *Supervisor {
	if opts.NewTabURL == "" {
		opts.NewTabURL = "about:blank"
	}
	return &Supervisor{
		store:    store,
		bus:      bus,
		provider: provider,
		logger:   logger,
		opts:     opts,
		browsers: make(map[string]*browserEntry),
		pages:    make(map[string]*pageEntry),
	}
}

// CreateBrowserOptions describes a browser to create.
type CreateBrowserOptions struct {
	Name      string
	UserAgent string
}

// CreateBrowser provisions an isolated storage partition, registers the
// record, and opens the initial page at the new-tab URL. If the initial page
// cannot be created the browser is rolled back.
func (s *Supervisor) CreateBrowser(ctx context.Context, opts CreateBrowserOptions) (fleet.BrowserRecord, error) {
	key := "partition-" + cuid2.Generate()
	part, err := s.provider.NewBrowserPartition(ctx, key)
	if err != nil {
		return fleet.BrowserRecord{}, fmt.Errorf("create partition: %w", err)
	}

	id := s.store.CreateBrowser(fleet.BrowserSpec{
		Name:         opts.Name,
		PartitionKey: key,
		UserAgent:    opts.UserAgent,
	})
	s.mu.Lock()
	s.browsers[id] = &browserEntry{partition: part}
	s.mu.Unlock()

	rec, _ := s.store.GetBrowser(id)
	s.bus.Publish(events.BrowserCreated{Browser: rec})
	s.logger.Info("browser created", slog.String("browserId", id), slog.String("name", opts.Name))

	if _, err := s.CreatePage(ctx, CreatePageOptions{
		BrowserID: id,
		URL:       s.opts.NewTabURL,
		Activate:  true,
	}); err != nil {
		// roll the browser back so callers never see a half-built one
		_ = s.DestroyBrowser(ctx, id)
		return fleet.BrowserRecord{}, fmt.Errorf("create initial page: %w", err)
	}

	rec, _ = s.store.GetBrowser(id)
	return rec, nil
}

// DestroyBrowser tears down every page in list order, then the browser
// itself.
func (s *Supervisor) DestroyBrowser(ctx context.Context, browserID string) error {
	s.mu.Lock()
	_, ok := s.browsers[browserID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("browser not found: %s", browserID)
	}

	removed := s.store.DeleteBrowser(browserID)
	for _, pid := range removed {
		s.mu.Lock()
		entry := s.pages[pid]
		delete(s.pages, pid)
		s.mu.Unlock()
		if entry != nil {
			_ = s.provider.DetachView(ctx, entry.page)
			if err := s.provider.ClosePage(ctx, entry.page); err != nil {
				s.logger.Warn("close page during browser destroy", slog.String("pageId", pid), slog.String("err", err.Error()))
			}
			entry.cancel()
		}
		s.bus.Publish(events.PageDestroyed{BrowserID: browserID, PageID: pid})
	}

	s.mu.Lock()
	delete(s.browsers, browserID)
	s.mu.Unlock()

	s.bus.Publish(events.BrowserDestroyed{BrowserID: browserID})
	s.logger.Info("browser destroyed", slog.String("browserId", browserID))
	return nil
}

// CreatePageOptions describes a page to create.
type CreatePageOptions struct {
	BrowserID   string
	URL         string
	Activate    bool
	AfterPageID string
}

// CreatePage registers the record first so the page id and endpoints are
// visible before anyone hears about the page, then builds the surface. The
// view is attached before the first navigation starts; navigating earlier
// loses the first load events for whoever attaches a debugger next.
func (s *Supervisor) CreatePage(ctx context.Context, opts CreatePageOptions) (fleet.PageRecord, error) {
	s.mu.Lock()
	bEntry, ok := s.browsers[opts.BrowserID]
	s.mu.Unlock()
	if !ok {
		return fleet.PageRecord{}, fmt.Errorf("browser not found: %s", opts.BrowserID)
	}

	brec, _ := s.store.GetBrowser(opts.BrowserID)
	rec, ok := s.store.InsertPage(opts.BrowserID, fleet.PageInit{URL: opts.URL}, opts.AfterPageID)
	if !ok {
		return fleet.PageRecord{}, fmt.Errorf("browser not found: %s", opts.BrowserID)
	}

	pg, err := s.provider.NewPage(ctx, bEntry.partition, surface.PageOptions{UserAgent: brec.UserAgent})
	if err != nil {
		// roll the tentative record back before reporting failure
		s.store.RemovePage(opts.BrowserID, rec.ID)
		return fleet.PageRecord{}, fmt.Errorf("create surface page: %w", err)
	}

	ch, cancel := s.provider.PageEvents(pg)
	entry := &pageEntry{browserID: opts.BrowserID, page: pg, cancel: cancel}
	s.mu.Lock()
	s.pages[rec.ID] = entry
	s.mu.Unlock()
	go s.pumpPageEvents(rec.ID, opts.BrowserID, pg, ch)

	s.bus.Publish(events.PageCreated{Page: rec, AfterPageID: opts.AfterPageID})

	if err := s.provider.AttachView(ctx, pg); err != nil {
		s.logger.Warn("attach view", slog.String("pageId", rec.ID), slog.String("err", err.Error()))
	}
	if opts.Activate {
		s.store.SetActivePage(opts.BrowserID, rec.ID)
		s.bus.Publish(events.PageActivated{BrowserID: opts.BrowserID, PageID: rec.ID})
	}
	if opts.URL != "" {
		if err := s.provider.Navigate(ctx, pg, opts.URL); err != nil {
			// navigation failures do not tear the page down
			s.publishNavigated(rec.ID, true, err.Error())
		}
	}

	out, _ := s.store.GetPage(rec.ID)
	return out, nil
}

// ClosePage tears one page down and, when it was the active one, activates
// its successor.
func (s *Supervisor) ClosePage(ctx context.Context, browserID, pageID string) error {
	s.mu.Lock()
	entry, ok := s.pages[pageID]
	if ok && entry.browserID != browserID {
		ok = false
	}
	if ok {
		delete(s.pages, pageID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("page not found: %s", pageID)
	}

	_ = s.provider.DetachView(ctx, entry.page)
	if err := s.provider.ClosePage(ctx, entry.page); err != nil {
		s.logger.Warn("close surface page", slog.String("pageId", pageID), slog.String("err", err.Error()))
	}
	entry.cancel()

	newActive, activeChanged, ok := s.store.RemovePage(browserID, pageID)
	if !ok {
		return fmt.Errorf("page not found: %s", pageID)
	}
	s.bus.Publish(events.PageDestroyed{BrowserID: browserID, PageID: pageID})
	if activeChanged {
		s.bus.Publish(events.PageActivated{BrowserID: browserID, PageID: newActive})
	}
	return nil
}

// SelectPage makes pageID the browser's active page.
func (s *Supervisor) SelectPage(ctx context.Context, browserID, pageID string) error {
	if !s.store.SetActivePage(browserID, pageID) {
		return fmt.Errorf("page not found: %s", pageID)
	}
	s.bus.Publish(events.PageActivated{BrowserID: browserID, PageID: pageID})
	return nil
}

// NavigatePage starts a navigation. Failures are reported both on the bus and
// to the caller; the page stays up.
func (s *Supervisor) NavigatePage(ctx context.Context, pageID, url string) error {
	entry, err := s.pageEntry(pageID)
	if err != nil {
		return err
	}
	if err := s.provider.Navigate(ctx, entry.page, url); err != nil {
		s.publishNavigated(pageID, true, err.Error())
		return fmt.Errorf("navigate: %w", err)
	}
	return nil
}

// ReloadPage reloads the current document.
func (s *Supervisor) ReloadPage(ctx context.Context, pageID string) error {
	entry, err := s.pageEntry(pageID)
	if err != nil {
		return err
	}
	return s.provider.Reload(ctx, entry.page)
}

// GoBack steps the page history backwards.
func (s *Supervisor) GoBack(ctx context.Context, pageID string) error {
	entry, err := s.pageEntry(pageID)
	if err != nil {
		return err
	}
	return s.provider.GoBack(ctx, entry.page)
}

// GoForward steps the page history forwards.
func (s *Supervisor) GoForward(ctx context.Context, pageID string) error {
	entry, err := s.pageEntry(pageID)
	if err != nil {
		return err
	}
	return s.provider.GoForward(ctx, entry.page)
}

// PageSurface exposes the underlying surface handle for one page. The session
// multiplexer uses it to acquire the debugger channel.
func (s *Supervisor) PageSurface(pageID string) (surface.Page, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pages[pageID]
	if !ok {
		return nil, false
	}
	return entry.page, true
}

// Shutdown destroys every browser.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	for {
		s.mu.Lock()
		var id string
		for bid := range s.browsers {
			id = bid
			break
		}
		s.mu.Unlock()
		if id == "" {
			return nil
		}
		if err := s.DestroyBrowser(ctx, id); err != nil {
			return err
		}
	}
}

func (s *Supervisor) pageEntry(pageID string) (*pageEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pages[pageID]
	if !ok {
		return nil, fmt.Errorf("page not found: %s", pageID)
	}
	return entry, nil
}

// pumpPageEvents mirrors surface-side changes into the fleet store and
// republishes them on the bus. It exits when the page's event stream closes.
func (s *Supervisor) pumpPageEvents(pageID, browserID string, pg surface.Page, ch <-chan surface.PageEvent) {
	for ev := range ch {
		switch ev.Kind {
		case surface.EventNavigated:
			st := s.provider.PageState(pg)
			s.store.MutatePage(pageID, func(p *fleet.PageRecord) {
				p.URL = st.URL
				p.Nav = fleet.NavigationState{CanGoBack: st.CanGoBack, CanGoForward: st.CanGoForward, IsLoading: st.Loading}
			})
			s.publishNavigated(pageID, false, "")

		case surface.EventLoadFinished:
			st := s.provider.PageState(pg)
			s.store.MutatePage(pageID, func(p *fleet.PageRecord) {
				p.Nav = fleet.NavigationState{CanGoBack: st.CanGoBack, CanGoForward: st.CanGoForward, IsLoading: false}
			})
			s.publishNavigated(pageID, false, "")

		case surface.EventLoadFailed:
			s.store.MutatePage(pageID, func(p *fleet.PageRecord) {
				p.Nav.IsLoading = false
			})
			s.publishNavigated(pageID, true, ev.Err)

		case surface.EventTitleChanged:
			s.store.MutatePage(pageID, func(p *fleet.PageRecord) { p.Title = ev.Title })
			if rec, ok := s.store.GetPage(pageID); ok {
				s.bus.Publish(events.PageTitleChanged{Page: rec})
			}

		case surface.EventFaviconChanged:
			s.store.MutatePage(pageID, func(p *fleet.PageRecord) { p.Favicon = ev.Favicon })
			if rec, ok := s.store.GetPage(pageID); ok {
				s.bus.Publish(events.PageFaviconChanged{Page: rec})
			}

		case surface.EventPopupRequested:
			// window.open lands immediately to the right of its opener,
			// activated
			if _, err := s.CreatePage(context.Background(), CreatePageOptions{
				BrowserID:   browserID,
				URL:         ev.URL,
				Activate:    true,
				AfterPageID: pageID,
			}); err != nil {
				s.logger.Warn("open popup", slog.String("parentPageId", pageID), slog.String("err", err.Error()))
			}
		}
	}
}

func (s *Supervisor) publishNavigated(pageID string, failed bool, errMsg string) {
	rec, ok := s.store.GetPage(pageID)
	if !ok {
		return
	}
	s.bus.Publish(events.PageNavigated{Page: rec, Failed: failed, Err: errMsg})
}
