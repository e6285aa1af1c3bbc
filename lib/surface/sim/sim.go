// Package sim is an in-memory surface.Provider. It backs the protocol test
// suites and the standalone dev entrypoint, where the gateway runs without an
// embedded engine: pages "load" instantly (or on command, see HoldLoads) and
// the debugger acknowledges every command with an empty result unless a
// response has been scripted.
package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/MAGI3/Magi/lib/surface"
)

// Provider implements surface.Provider.
type Provider struct {
	// HoldLoads keeps pages in the loading state after Navigate until
	// FinishLoad or FailLoad is called. Off by default: navigations settle
	// synchronously.
	HoldLoads bool

	mu    sync.Mutex
	parts map[string]*partition
}

type partition struct {
	key string
}

// page implements the opaque surface.Page handle.
type page struct {
	p *Provider

	mu       sync.Mutex
	state    surface.PageState
	history  []string
	histIdx  int
	attached bool // host view
	closed   bool

	subs    map[int]chan surface.PageEvent
	nextSub int

	debugger *debugger // nil when not attached

	// scripted debugger responses by method; absent methods ack with {}
	responses map[string]json.RawMessage
	// every command the debugger received, in order
	commands []Command
}

// Command is one recorded debugger command.
type Command struct {
	Method string
	Params json.RawMessage
}

func New() *Provider {
	return &Provider{parts: make(map[string]*partition)}
}

var _ surface.Provider = (*Provider)(nil)

func (p *Provider) NewBrowserPartition(ctx context.Context, key string) (surface.Partition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.parts[key]; ok {
		return nil, fmt.Errorf("partition %q already exists", key)
	}
	part := &partition{key: key}
	p.parts[key] = part
	return part, nil
}

func (p *Provider) NewPage(ctx context.Context, part surface.Partition, opts surface.PageOptions) (surface.Page, error) {
	if _, ok := part.(*partition); !ok {
		return nil, fmt.Errorf("not a sim partition: %T", part)
	}
	return &page{
		p:         p,
		subs:      make(map[int]chan surface.PageEvent),
		responses: make(map[string]json.RawMessage),
		histIdx:   -1,
	}, nil
}

func (p *Provider) AttachView(ctx context.Context, pg surface.Page) error {
	sp, err := p.page(pg)
	if err != nil {
		return err
	}
	sp.mu.Lock()
	sp.attached = true
	sp.mu.Unlock()
	return nil
}

func (p *Provider) DetachView(ctx context.Context, pg surface.Page) error {
	sp, err := p.page(pg)
	if err != nil {
		return err
	}
	sp.mu.Lock()
	sp.attached = false
	sp.mu.Unlock()
	return nil
}

func (p *Provider) Navigate(ctx context.Context, pg surface.Page, url string) error {
	sp, err := p.page(pg)
	if err != nil {
		return err
	}

	sp.mu.Lock()
	if sp.closed {
		sp.mu.Unlock()
		return fmt.Errorf("page is closed")
	}
	// a fresh navigation truncates forward history
	sp.history = append(sp.history[:sp.histIdx+1], url)
	sp.histIdx = len(sp.history) - 1
	sp.applyHistoryLocked()
	sp.state.Loading = true
	hold := p.HoldLoads
	sp.mu.Unlock()

	sp.emit(surface.PageEvent{Kind: surface.EventNavigated, URL: url})
	if !hold {
		p.FinishLoad(pg)
	}
	return nil
}

func (p *Provider) Reload(ctx context.Context, pg surface.Page) error {
	sp, err := p.page(pg)
	if err != nil {
		return err
	}
	sp.mu.Lock()
	if sp.histIdx < 0 {
		sp.mu.Unlock()
		return nil
	}
	url := sp.history[sp.histIdx]
	sp.state.Loading = true
	hold := p.HoldLoads
	sp.mu.Unlock()

	sp.emit(surface.PageEvent{Kind: surface.EventNavigated, URL: url})
	if !hold {
		p.FinishLoad(pg)
	}
	return nil
}

func (p *Provider) GoBack(ctx context.Context, pg surface.Page) error {
	return p.step(pg, -1)
}

func (p *Provider) GoForward(ctx context.Context, pg surface.Page) error {
	return p.step(pg, +1)
}

func (p *Provider) step(pg surface.Page, delta int) error {
	sp, err := p.page(pg)
	if err != nil {
		return err
	}
	sp.mu.Lock()
	next := sp.histIdx + delta
	if next < 0 || next >= len(sp.history) {
		sp.mu.Unlock()
		return nil
	}
	sp.histIdx = next
	sp.applyHistoryLocked()
	url := sp.state.URL
	sp.mu.Unlock()

	sp.emit(surface.PageEvent{Kind: surface.EventNavigated, URL: url})
	p.FinishLoad(pg)
	return nil
}

func (p *Provider) ClosePage(ctx context.Context, pg surface.Page) error {
	sp, err := p.page(pg)
	if err != nil {
		return err
	}
	sp.mu.Lock()
	sp.closed = true
	for id, ch := range sp.subs {
		close(ch)
		delete(sp.subs, id)
	}
	sp.mu.Unlock()
	return nil
}

func (p *Provider) AttachDebugger(ctx context.Context, pg surface.Page) (surface.Debugger, error) {
	sp, err := p.page(pg)
	if err != nil {
		return nil, err
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.closed {
		return nil, fmt.Errorf("page is closed")
	}
	if sp.debugger != nil {
		return nil, surface.ErrAlreadyAttached
	}
	sp.debugger = &debugger{page: sp, handlers: make(map[int]func(string, json.RawMessage))}
	return sp.debugger, nil
}

func (p *Provider) PageState(pg surface.Page) surface.PageState {
	sp, err := p.page(pg)
	if err != nil {
		return surface.PageState{}
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.state
}

func (p *Provider) PageEvents(pg surface.Page) (<-chan surface.PageEvent, func()) {
	sp, err := p.page(pg)
	if err != nil {
		ch := make(chan surface.PageEvent)
		close(ch)
		return ch, func() {}
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	id := sp.nextSub
	sp.nextSub++
	ch := make(chan surface.PageEvent, 64)
	sp.subs[id] = ch
	return ch, func() {
		sp.mu.Lock()
		defer sp.mu.Unlock()
		if c, ok := sp.subs[id]; ok {
			delete(sp.subs, id)
			close(c)
		}
	}
}

func (p *Provider) page(pg surface.Page) (*page, error) {
	sp, ok := pg.(*page)
	if !ok {
		return nil, fmt.Errorf("not a sim page: %T", pg)
	}
	return sp, nil
}

// applyHistoryLocked syncs URL and back/forward flags to histIdx.
func (sp *page) applyHistoryLocked() {
	sp.state.URL = sp.history[sp.histIdx]
	sp.state.CanGoBack = sp.histIdx > 0
	sp.state.CanGoForward = sp.histIdx < len(sp.history)-1
}

func (sp *page) emit(ev surface.PageEvent) {
	sp.mu.Lock()
	chans := make([]chan surface.PageEvent, 0, len(sp.subs))
	for _, ch := range sp.subs {
		chans = append(chans, ch)
	}
	sp.mu.Unlock()
	for _, ch := range chans {
		ch <- ev
	}
}

// --- test and dev controls ---

// FinishLoad settles a pending navigation successfully.
func (p *Provider) FinishLoad(pg surface.Page) {
	sp, err := p.page(pg)
	if err != nil {
		return
	}
	sp.mu.Lock()
	sp.state.Loading = false
	url := sp.state.URL
	sp.mu.Unlock()
	sp.emit(surface.PageEvent{Kind: surface.EventLoadFinished, URL: url})
}

// FailLoad settles a pending navigation with an error.
func (p *Provider) FailLoad(pg surface.Page, reason string) {
	sp, err := p.page(pg)
	if err != nil {
		return
	}
	sp.mu.Lock()
	sp.state.Loading = false
	url := sp.state.URL
	sp.mu.Unlock()
	sp.emit(surface.PageEvent{Kind: surface.EventLoadFailed, URL: url, Err: reason})
}

// SetTitle changes the page title and notifies subscribers.
func (p *Provider) SetTitle(pg surface.Page, title string) {
	sp, err := p.page(pg)
	if err != nil {
		return
	}
	sp.mu.Lock()
	sp.state.Title = title
	sp.mu.Unlock()
	sp.emit(surface.PageEvent{Kind: surface.EventTitleChanged, Title: title})
}

// SetFavicon changes the favicon URL and notifies subscribers.
func (p *Provider) SetFavicon(pg surface.Page, favicon string) {
	sp, err := p.page(pg)
	if err != nil {
		return
	}
	sp.mu.Lock()
	sp.state.Favicon = favicon
	sp.mu.Unlock()
	sp.emit(surface.PageEvent{Kind: surface.EventFaviconChanged, Favicon: favicon})
}

// RequestPopup simulates window.open from inside the page.
func (p *Provider) RequestPopup(pg surface.Page, url string) {
	sp, err := p.page(pg)
	if err != nil {
		return
	}
	sp.emit(surface.PageEvent{Kind: surface.EventPopupRequested, URL: url})
}

// ScriptResponse makes the page's debugger answer method with result instead
// of the default empty object.
func (p *Provider) ScriptResponse(pg surface.Page, method string, result json.RawMessage) {
	sp, err := p.page(pg)
	if err != nil {
		return
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.responses[method] = result
}

// Commands returns every debugger command the page has received, in order.
func (p *Provider) Commands(pg surface.Page) []Command {
	sp, err := p.page(pg)
	if err != nil {
		return nil
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	out := make([]Command, len(sp.commands))
	copy(out, sp.commands)
	return out
}

// EmitDebuggerEvent pushes an event through the page's debugger binding, if
// one is attached.
func (p *Provider) EmitDebuggerEvent(pg surface.Page, method string, params json.RawMessage) {
	sp, err := p.page(pg)
	if err != nil {
		return
	}
	sp.mu.Lock()
	d := sp.debugger
	sp.mu.Unlock()
	if d != nil {
		d.emit(method, params)
	}
}

// DebuggerAttached reports whether the page's debugger channel is held.
func (p *Provider) DebuggerAttached(pg surface.Page) bool {
	sp, err := p.page(pg)
	if err != nil {
		return false
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.debugger != nil
}

// ViewAttached reports whether the host view is attached.
func (p *Provider) ViewAttached(pg surface.Page) bool {
	sp, err := p.page(pg)
	if err != nil {
		return false
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.attached
}

// --- debugger ---

type debugger struct {
	page *page

	mu       sync.Mutex
	detached bool
	handlers map[int]func(string, json.RawMessage)
	nextID   int
}

var _ surface.Debugger = (*debugger)(nil)

func (d *debugger) Send(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	if d.detached {
		d.mu.Unlock()
		return nil, fmt.Errorf("debugger detached")
	}
	d.mu.Unlock()

	sp := d.page
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.closed {
		return nil, fmt.Errorf("page is closed")
	}
	sp.commands = append(sp.commands, Command{Method: method, Params: params})
	if res, ok := sp.responses[method]; ok {
		return res, nil
	}
	return json.RawMessage(`{}`), nil
}

func (d *debugger) Events(handler func(method string, params json.RawMessage)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.handlers[id] = handler
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.handlers, id)
		d.mu.Unlock()
	}
}

func (d *debugger) Detach() error {
	d.mu.Lock()
	d.detached = true
	d.mu.Unlock()

	sp := d.page
	sp.mu.Lock()
	if sp.debugger == d {
		sp.debugger = nil
	}
	sp.mu.Unlock()
	return nil
}

func (d *debugger) emit(method string, params json.RawMessage) {
	d.mu.Lock()
	hs := make([]func(string, json.RawMessage), 0, len(d.handlers))
	for _, h := range d.handlers {
		hs = append(hs, h)
	}
	d.mu.Unlock()
	for _, h := range hs {
		h(method, params)
	}
}
