package fleet

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nrednav/cuid2"
	"github.com/samber/lo"
)

// Store is a single-writer, many-reader database of browser and page records.
// All mutations run under one write lock and maintain the record invariants
// atomically: every page id listed by a browser has a live PageRecord, the
// active page is always a member of the browser's page list, and page order is
// preserved across mutations.
type Store struct {
	logger *slog.Logger

	mu       sync.RWMutex
	order    []string // browser insertion order
	browsers map[string]*BrowserRecord
	pages    map[string]*PageRecord
}

func NewStore(logger *slog.Logger) *Store {
	return &Store{
		logger:   logger,
		browsers: make(map[string]*BrowserRecord),
		pages:    make(map[string]*PageRecord),
	}
}

// CreateBrowser allocates a fresh id and inserts an empty BrowserRecord.
func (s *Store) CreateBrowser(spec BrowserSpec) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := cuid2.Generate()
	s.browsers[id] = &BrowserRecord{
		ID:           id,
		Name:         spec.Name,
		PartitionKey: spec.PartitionKey,
		UserAgent:    spec.UserAgent,
		CreatedAt:    time.Now(),
	}
	s.order = append(s.order, id)
	return id
}

// DeleteBrowser removes the record and all child pages. It returns the removed
// page ids in list order so callers can emit destruction events in the order
// the pages left the browser. No-op on an unknown id.
func (s *Store) DeleteBrowser(browserID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.browsers[browserID]
	if !ok {
		return nil
	}
	removed := slices.Clone(b.Pages)
	for _, pid := range removed {
		delete(s.pages, pid)
	}
	delete(s.browsers, browserID)
	s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == browserID })
	return removed
}

// InsertPage appends a page to the browser, or inserts it immediately after
// afterPageID when given. An afterPageID that is not in the browser falls back
// to append.
func (s *Store) InsertPage(browserID string, init PageInit, afterPageID string) (PageRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.browsers[browserID]
	if !ok {
		return PageRecord{}, false
	}

	id := cuid2.Generate()
	rec := &PageRecord{
		ID:        id,
		BrowserID: browserID,
		Title:     init.Title,
		URL:       init.URL,
	}
	s.pages[id] = rec

	pos := len(b.Pages)
	if afterPageID != "" {
		if i := slices.Index(b.Pages, afterPageID); i >= 0 {
			pos = i + 1
		} else {
			s.logger.Warn("insertPage: afterPageId not in browser, appending",
				slog.String("browserId", browserID), slog.String("afterPageId", afterPageID))
		}
	}
	b.Pages = slices.Insert(b.Pages, pos, id)
	return *rec, true
}

// RemovePage removes the page from its browser. When the removed page was the
// active one, the successor is the page to its right if any, else the page to
// its left, else none. It reports the new active page id and whether the
// active pointer changed.
func (s *Store) RemovePage(browserID, pageID string) (newActive string, activeChanged, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, okB := s.browsers[browserID]
	if !okB {
		return "", false, false
	}
	i := slices.Index(b.Pages, pageID)
	if i < 0 {
		return "", false, false
	}
	b.Pages = slices.Delete(b.Pages, i, i+1)
	delete(s.pages, pageID)

	if b.ActivePageID != pageID {
		return b.ActivePageID, false, true
	}
	switch {
	case i < len(b.Pages):
		b.ActivePageID = b.Pages[i]
	case len(b.Pages) > 0:
		b.ActivePageID = b.Pages[len(b.Pages)-1]
	default:
		b.ActivePageID = ""
	}
	if p, okP := s.pages[b.ActivePageID]; okP {
		p.Active = true
	}
	return b.ActivePageID, true, true
}

// SetActivePage updates the active pointer. Idempotent; a page id outside the
// browser is ignored.
func (s *Store) SetActivePage(browserID, pageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.browsers[browserID]
	if !ok {
		return false
	}
	if pageID != "" && !slices.Contains(b.Pages, pageID) {
		return false
	}
	if b.ActivePageID == pageID {
		return true
	}
	if prev, okP := s.pages[b.ActivePageID]; okP {
		prev.Active = false
	}
	b.ActivePageID = pageID
	if next, okP := s.pages[pageID]; okP {
		next.Active = true
	}
	return true
}

// MutatePage applies fn to the page record in place. No-op on an unknown id.
func (s *Store) MutatePage(pageID string, fn func(*PageRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pages[pageID]; ok {
		fn(p)
	}
}

// GetBrowser returns a value copy of the browser record.
func (s *Store) GetBrowser(browserID string) (BrowserRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.browsers[browserID]
	if !ok {
		return BrowserRecord{}, false
	}
	return copyBrowser(b), true
}

// GetPage returns a value copy of the page record.
func (s *Store) GetPage(pageID string) (PageRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pages[pageID]
	if !ok {
		return PageRecord{}, false
	}
	return *p, true
}

// FirstBrowserID returns the id of the oldest live browser.
func (s *Store) FirstBrowserID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.order) == 0 {
		return "", false
	}
	return s.order[0], true
}

// Snapshot returns a deep value copy of the store. Callers may retain it
// without holding any lock.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Snapshot{
		Browsers: lo.Map(s.order, func(id string, _ int) BrowserRecord {
			return copyBrowser(s.browsers[id])
		}),
		Pages: lo.MapEntries(s.pages, func(id string, p *PageRecord) (string, PageRecord) {
			return id, *p
		}),
	}
}

func copyBrowser(b *BrowserRecord) BrowserRecord {
	out := *b
	out.Pages = slices.Clone(b.Pages)
	return out
}
