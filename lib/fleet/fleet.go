// Package fleet holds the authoritative in-memory model of browsers and pages.
// It is the single source of truth for target discovery: every record visible
// to a CDP client exists here first.
package fleet

import "time"

// NavigationState mirrors the surface's view of where a page can go.
type NavigationState struct {
	CanGoBack    bool
	CanGoForward bool
	IsLoading    bool
}

// Thumbnail is the most recent capture of a page, mirrored in by the owner of
// the capture schedule.
type Thumbnail struct {
	DataURL       string
	LastUpdatedAt time.Time
}

// BrowserRecord is one isolated browser: an ordered set of pages sharing a
// storage partition.
type BrowserRecord struct {
	ID           string
	Name         string
	PartitionKey string
	UserAgent    string
	CreatedAt    time.Time

	// Pages is the insertion/reorder history; its order is the target-list
	// order clients observe.
	Pages []string

	// ActivePageID is empty when the browser has no focused page.
	ActivePageID string
}

// PageRecord is one page inside a browser.
type PageRecord struct {
	ID        string
	BrowserID string

	Title   string
	URL     string
	Favicon string

	Active    bool
	Nav       NavigationState
	Thumbnail Thumbnail
}

// BrowserSpec describes a browser to create.
type BrowserSpec struct {
	Name         string
	PartitionKey string
	UserAgent    string
}

// PageInit describes a page to insert.
type PageInit struct {
	Title string
	URL   string
}

// Snapshot is a deep value copy of the whole store, safe to retain and read
// without locking.
type Snapshot struct {
	Browsers []BrowserRecord
	Pages    map[string]PageRecord
}
