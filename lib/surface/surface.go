// Package surface defines the narrow contract the core consumes from the
// embedded browser engine. The engine side owns windows, rendering, and the
// real debugger channel; the core only ever sees opaque handles and this
// interface.
package surface

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrAlreadyAttached is returned by AttachDebugger while another binding holds
// the page's single debugger channel.
var ErrAlreadyAttached = errors.New("debugger already attached")

// Partition is an opaque storage isolation namespace.
type Partition any

// Page is an opaque handle to one embedded page.
type Page any

// PageOptions configures a page at creation time. Navigation is not part of
// creation: the caller attaches the view first and navigates afterwards.
type PageOptions struct {
	UserAgent string
}

// PageState is a point-in-time poll of a page.
type PageState struct {
	URL          string
	Title        string
	Favicon      string
	Loading      bool
	CanGoBack    bool
	CanGoForward bool
}

// PageEventKind enumerates the engine-side notifications a page emits.
type PageEventKind string

const (
	EventNavigated      PageEventKind = "navigated"
	EventTitleChanged   PageEventKind = "title-changed"
	EventFaviconChanged PageEventKind = "favicon-changed"
	EventLoadFinished   PageEventKind = "load-finished"
	EventLoadFailed     PageEventKind = "load-failed"
	// EventPopupRequested is the window.open path: the page asks its host to
	// open URL in a new page next to it.
	EventPopupRequested PageEventKind = "popup-requested"
)

// PageEvent is one engine-side notification.
type PageEvent struct {
	Kind    PageEventKind
	URL     string
	Title   string
	Favicon string
	Err     string
}

// Debugger is the single concrete debugger attachment for one page. Between
// AttachDebugger and Detach, events arrive in engine-emitted order.
type Debugger interface {
	// Send issues one protocol command and waits for its result.
	Send(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
	// Events registers a handler for debugger events. The returned cancel
	// unregisters it.
	Events(handler func(method string, params json.RawMessage)) (cancel func())
	// Detach releases the attachment so another binding may acquire it.
	Detach() error
}

// Provider is the engine-side factory and control plane the core drives.
type Provider interface {
	NewBrowserPartition(ctx context.Context, key string) (Partition, error)
	NewPage(ctx context.Context, part Partition, opts PageOptions) (Page, error)

	AttachView(ctx context.Context, page Page) error
	DetachView(ctx context.Context, page Page) error

	Navigate(ctx context.Context, page Page, url string) error
	Reload(ctx context.Context, page Page) error
	GoBack(ctx context.Context, page Page) error
	GoForward(ctx context.Context, page Page) error
	ClosePage(ctx context.Context, page Page) error

	AttachDebugger(ctx context.Context, page Page) (Debugger, error)

	PageState(page Page) PageState
	// PageEvents returns a fresh event stream for the page; each call gets its
	// own subscription. The cancel releases it.
	PageEvents(page Page) (<-chan PageEvent, func())
}
