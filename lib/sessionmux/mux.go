// Package sessionmux multiplexes N client sessions over each page's single
// debugger channel. It owns the per-page binding, correlates every command
// response back to the client that issued it, and fans debugger events out to
// every session on the page.
package sessionmux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v5"

	"github.com/MAGI3/Magi/lib/cdp"
	"github.com/MAGI3/Magi/lib/events"
	"github.com/MAGI3/Magi/lib/surface"
)

// ErrPageNotFound reports an attach against a page id with no live surface.
var ErrPageNotFound = errors.New("page not found")

// ErrSessionNotFound reports routing against an unknown or detached session.
var ErrSessionNotFound = errors.New("session not found")

// SendFunc delivers one framed message to a client connection. It must not
// block; the gateway backs it with the per-connection writer queue.
type SendFunc func(payload []byte)

// PageResolver turns a page id into its surface handle. The supervisor
// implements it.
type PageResolver interface {
	PageSurface(pageID string) (surface.Page, bool)
}

// Options tunes the attach readiness gate.
type Options struct {
	// InitialSettle is waited before the first readiness probe of a fresh
	// page.
	InitialSettle time.Duration
	// FinalSettle is waited after the page reports idle.
	FinalSettle time.Duration
	// ReadyTimeout bounds the whole gate. On expiry the attach proceeds
	// anyway; the debugger either works or returns a normal protocol error.
	ReadyTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.InitialSettle == 0 {
		out.InitialSettle = 200 * time.Millisecond
	}
	if out.FinalSettle == 0 {
		out.FinalSettle = 100 * time.Millisecond
	}
	if out.ReadyTimeout == 0 {
		out.ReadyTimeout = 3 * time.Second
	}
	return out
}

// Mux is the session multiplexer.
type Mux struct {
	provider surface.Provider
	pages    PageResolver
	logger   *slog.Logger
	opts     Options

	seq atomic.Uint64

	mu       sync.Mutex
	bindings map[string]*binding
	sessions map[SessionID]*session
}

// binding is the single debugger attachment for one page, shared by all of
// the page's sessions.
type binding struct {
	pageID string

	// ready is closed once acquisition (readiness gate + debugger attach)
	// finished; err holds the outcome.
	ready chan struct{}
	err   error

	dbg          surface.Debugger
	cancelEvents func()

	sessions map[SessionID]*session // guarded by Mux.mu
}

type session struct {
	id      SessionID
	connID  string
	wrapped bool
	send    SendFunc

	mu      sync.Mutex
	pending map[string]string // request id -> owning connection id
}

func New(provider surface.Provider, pages PageResolver, logger *slog.Logger, opts Options) *Mux {
	return &Mux{
		provider: provider,
		pages:    pages,
		logger:   logger,
		opts:     opts.withDefaults(),
		bindings: make(map[string]*binding),
		sessions: make(map[SessionID]*session),
	}
}

// BindBus subscribes the mux to lifecycle events so page destruction tears
// down the page's sessions and binding.
func (m *Mux) BindBus(bus *events.Bus) func() {
	return bus.Subscribe(func(ev events.Event) {
		if e, ok := ev.(events.PageDestroyed); ok {
			// bus dispatch is synchronous; release off the publisher's
			// goroutine
			go m.teardownPage(e.PageID)
		}
	})
}

// AttachClient creates a session for connID on pageID, lazily acquiring the
// page's debugger binding. The first caller runs the readiness gate; later
// callers wait for it. On return the session routes and the caller may drain
// any buffered client messages. wrapped selects the outbound framing: browser
// endpoint sessions set it so their traffic rides inside
// Target.receivedMessageFromTarget; page endpoint sessions send direct.
func (m *Mux) AttachClient(ctx context.Context, pageID, connID string, wrapped bool, send SendFunc) (SessionID, error) {
	m.mu.Lock()
	b, ok := m.bindings[pageID]
	if !ok {
		b = &binding{
			pageID:   pageID,
			ready:    make(chan struct{}),
			sessions: make(map[SessionID]*session),
		}
		m.bindings[pageID] = b
		m.mu.Unlock()

		err := m.acquire(ctx, b)
		m.mu.Lock()
		if err != nil {
			b.err = err
			delete(m.bindings, pageID)
			m.mu.Unlock()
			close(b.ready)
			return SessionID{}, err
		}
		m.mu.Unlock()
		close(b.ready)
	} else {
		m.mu.Unlock()
		select {
		case <-b.ready:
		case <-ctx.Done():
			return SessionID{}, ctx.Err()
		}
		if b.err != nil {
			return SessionID{}, b.err
		}
	}

	sid := SessionID{PageID: pageID, Seq: m.seq.Add(1)}
	s := &session{
		id:      sid,
		connID:  connID,
		wrapped: wrapped,
		send:    send,
		pending: make(map[string]string),
	}

	m.mu.Lock()
	// the binding may have been torn down while we waited
	if m.bindings[pageID] != b {
		m.mu.Unlock()
		return SessionID{}, ErrPageNotFound
	}
	b.sessions[sid] = s
	m.sessions[sid] = s
	m.mu.Unlock()

	m.logger.Debug("session attached",
		slog.String("sessionId", sid.String()), slog.String("connId", connID), slog.Bool("wrapped", wrapped))
	return sid, nil
}

// DetachSession removes one session. When it was the binding's last, the
// debugger attachment is released.
func (m *Mux) DetachSession(sid SessionID) error {
	m.mu.Lock()
	s, ok := m.sessions[sid]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(m.sessions, sid)

	b := m.bindings[s.id.PageID]
	var release *binding
	if b != nil {
		delete(b.sessions, sid)
		if len(b.sessions) == 0 {
			delete(m.bindings, s.id.PageID)
			release = b
		}
	}
	m.mu.Unlock()

	if release != nil {
		release.close()
		m.logger.Debug("binding released", slog.String("pageId", s.id.PageID))
	}
	return nil
}

// DetachConnection removes every session owned by connID.
func (m *Mux) DetachConnection(connID string) {
	m.mu.Lock()
	var owned []SessionID
	for sid, s := range m.sessions {
		if s.connID == connID {
			owned = append(owned, sid)
		}
	}
	m.mu.Unlock()
	for _, sid := range owned {
		_ = m.DetachSession(sid)
	}
}

// RouteRequest forwards one raw client frame through the session's binding
// and later delivers the response, framed for the session, to the owning
// client only. Unparseable frames are logged and dropped.
func (m *Mux) RouteRequest(ctx context.Context, sid SessionID, raw []byte) error {
	m.mu.Lock()
	s, ok := m.sessions[sid]
	b := m.bindings[sid.PageID]
	m.mu.Unlock()
	if !ok || b == nil {
		return ErrSessionNotFound
	}

	var env cdp.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		m.logger.Warn("unparseable frame on session",
			slog.String("sessionId", sid.String()), slog.String("err", err.Error()))
		return nil
	}
	if env.Method == "" {
		s.deliver(cdp.MarshalError(env.ID, cdp.CodeInvalidParams, "missing method"))
		return nil
	}

	s.mu.Lock()
	s.pending[env.ID.String()] = s.connID
	s.mu.Unlock()

	go func() {
		res, err := b.dbg.Send(ctx, env.Method, env.Params)

		s.mu.Lock()
		delete(s.pending, env.ID.String())
		s.mu.Unlock()

		if err != nil {
			s.deliver(cdp.MarshalError(env.ID, cdp.CodeServerError, err.Error()))
			return
		}
		payload, _ := json.Marshal(cdp.Response{ID: env.ID, Result: res})
		s.deliver(payload)
	}()
	return nil
}

// Attached reports whether any session holds the page's debugger.
func (m *Mux) Attached(pageID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[pageID]
	return ok && len(b.sessions) > 0
}

// SessionOwner returns the connection that owns sid.
func (m *Mux) SessionOwner(sid SessionID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sid]
	if !ok {
		return "", false
	}
	return s.connID, true
}

// acquire runs the readiness gate and takes the page's debugger channel.
func (m *Mux) acquire(ctx context.Context, b *binding) error {
	pg, ok := m.pages.PageSurface(b.pageID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPageNotFound, b.pageID)
	}

	m.awaitPageReady(ctx, pg, b.pageID)

	var dbg surface.Debugger
	err := retry.New(
		retry.Attempts(5),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool { return errors.Is(err, surface.ErrAlreadyAttached) }),
	).Do(func() error {
		var err error
		dbg, err = m.provider.AttachDebugger(ctx, pg)
		return err
	})
	if err != nil {
		return fmt.Errorf("attach debugger: %w", err)
	}

	b.dbg = dbg
	b.cancelEvents = dbg.Events(func(method string, params json.RawMessage) {
		m.fanout(b, method, params)
	})
	return nil
}

// awaitPageReady holds the first attach until the page can accept debugger
// commands: a short settle, then — if the page is mid-load — load completion,
// then a final settle. The whole gate is bounded; on timeout the attach
// proceeds and the debugger reports its own errors.
func (m *Mux) awaitPageReady(ctx context.Context, pg surface.Page, pageID string) {
	deadline := time.Now().Add(m.opts.ReadyTimeout)

	// subscribe before probing so a load finishing during the settle is not
	// missed
	ch, cancel := m.provider.PageEvents(pg)
	defer cancel()

	if !sleepUntil(ctx, minTime(time.Now().Add(m.opts.InitialSettle), deadline)) {
		return
	}

	if m.provider.PageState(pg).Loading {
	wait:
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if ev.Kind == surface.EventLoadFinished || ev.Kind == surface.EventLoadFailed {
					break wait
				}
			case <-time.After(time.Until(deadline)):
				m.logger.Warn("page not idle before attach, proceeding", slog.String("pageId", pageID))
				break wait
			case <-ctx.Done():
				return
			}
		}
	}

	sleepUntil(ctx, minTime(time.Now().Add(m.opts.FinalSettle), deadline))
}

// fanout delivers one debugger event to every session on the binding, each
// framed for its own client. All sessions observe identical content in
// identical order.
func (m *Mux) fanout(b *binding, method string, params json.RawMessage) {
	payload, _ := json.Marshal(cdp.Event{Method: method, Params: params})

	m.mu.Lock()
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.deliver(payload)
	}
}

// teardownPage drops every session on the page and releases its binding.
func (m *Mux) teardownPage(pageID string) {
	m.mu.Lock()
	b, ok := m.bindings[pageID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.bindings, pageID)
	for sid := range b.sessions {
		delete(m.sessions, sid)
	}
	m.mu.Unlock()

	b.close()
	m.logger.Debug("page sessions torn down", slog.String("pageId", pageID))
}

func (b *binding) close() {
	if b.cancelEvents != nil {
		b.cancelEvents()
	}
	if b.dbg != nil {
		_ = b.dbg.Detach()
	}
}

// deliver frames one outbound message for this session's client. Wrapped
// sessions (browser endpoint) carry it inside Target.receivedMessageFromTarget;
// direct sessions (page endpoint) send it verbatim.
func (s *session) deliver(inner []byte) {
	if !s.wrapped {
		s.send(inner)
		return
	}
	s.send(cdp.MarshalEvent("Target.receivedMessageFromTarget", cdp.ReceivedMessageFromTargetParams{
		SessionID: s.id.String(),
		Message:   string(inner),
		TargetID:  s.id.PageID,
	}))
}

func sleepUntil(ctx context.Context, t time.Time) bool {
	d := time.Until(t)
	if d <= 0 {
		return true
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
