package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MAGI3/Magi/lib/cdp"
	"github.com/MAGI3/Magi/lib/sessionmux"
)

type connScope int

const (
	scopeBrowser connScope = iota
	scopePage
)

// writeQueueSize bounds the per-connection writer. A client that cannot keep
// up with its own event stream gets disconnected rather than stalling the
// broadcast path.
const writeQueueSize = 256

// clientConn is one accepted WebSocket connection. All outbound frames pass
// through a single writer goroutine, so each client observes a total order.
type clientConn struct {
	id     string
	g      *Gateway
	ws     *websocket.Conn
	logger *slog.Logger

	scope     connScope
	browserID string // browser scope
	pageID    string // page scope

	ctx    context.Context
	cancel context.CancelFunc

	writeCh   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	discover    bool
	auto        cdp.SetAutoAttachParams
	closeStatus websocket.StatusCode
	closeReason string
	// sessions this connection owns, by id. Framing lives in the
	// multiplexer's session; the gateway only needs membership.
	sessions map[sessionmux.SessionID]struct{}

	// page scope: frames read before the implicit session routes
	ready   bool
	pending [][]byte
	session sessionmux.SessionID
}

func newClientConn(ctx context.Context, g *Gateway, ws *websocket.Conn, scope connScope, scopeID string) *clientConn {
	cctx, cancel := context.WithCancel(ctx)
	c := &clientConn{
		id:       uuid.NewString(),
		g:        g,
		ws:       ws,
		scope:    scope,
		ctx:      cctx,
		cancel:   cancel,
		writeCh:  make(chan []byte, writeQueueSize),
		closed:   make(chan struct{}),
		sessions: make(map[sessionmux.SessionID]struct{}),
	}
	c.logger = g.logger.With(slog.String("connId", c.id))
	switch scope {
	case scopeBrowser:
		c.browserID = scopeID
	case scopePage:
		c.pageID = scopeID
	}
	return c
}

// run services the connection until the peer disconnects or the gateway
// closes it. It blocks; the caller is the HTTP handler goroutine.
func (c *clientConn) run() {
	c.g.addConn(c)
	go c.writeLoop()

	if c.scope == scopePage {
		go c.attachPageSession()
	}

	for {
		mt, data, err := c.ws.Read(c.ctx)
		if err != nil {
			break
		}
		if mt != websocket.MessageText {
			continue
		}
		if c.g.cfg.LogCDPMessages {
			traceCDP(c.logger, "->", data)
		}
		switch c.scope {
		case scopeBrowser:
			c.handleBrowserMessage(data)
		case scopePage:
			c.handlePageMessage(data)
		}
	}

	c.close(websocket.StatusNormalClosure, "")
}

// close tears the connection down exactly once: cancels I/O, detaches every
// owned session (releasing bindings they were the last user of), and removes
// the connection from the broadcast set.
func (c *clientConn) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close(status, reason)
		c.cancel()
		c.g.removeConn(c)
		c.g.mux.DetachConnection(c.id)
	})
}

// send enqueues one frame. It never blocks: a full queue means the client has
// stopped reading, and the connection is dropped instead.
func (c *clientConn) send(payload []byte) {
	select {
	case <-c.closed:
	case c.writeCh <- payload:
	default:
		c.logger.Warn("write queue overflow, dropping connection")
		go c.close(websocket.StatusPolicyViolation, "write queue overflow")
	}
}

// closeAfterFlush closes the connection once every frame enqueued before the
// call has been written. Lifecycle notifications that precede a close (the
// targetDestroyed cascade of a dying browser) must reach the client first.
func (c *clientConn) closeAfterFlush(status websocket.StatusCode, reason string) {
	c.mu.Lock()
	c.closeStatus, c.closeReason = status, reason
	c.mu.Unlock()
	select {
	case <-c.closed:
	case c.writeCh <- nil:
	default:
		go c.close(status, reason)
	}
}

func (c *clientConn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case payload := <-c.writeCh:
			if payload == nil {
				c.mu.Lock()
				status, reason := c.closeStatus, c.closeReason
				c.mu.Unlock()
				c.close(status, reason)
				return
			}
			if c.g.cfg.LogCDPMessages {
				traceCDP(c.logger, "<-", payload)
			}
			if err := c.ws.Write(c.ctx, websocket.MessageText, payload); err != nil {
				c.logger.Debug("write failed", slog.String("err", err.Error()))
				go c.close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}

func (c *clientConn) discoverEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discover
}

func (c *clientConn) setDiscover(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discover = on
}

func (c *clientConn) autoAttachState() cdp.SetAutoAttachParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auto
}

func (c *clientConn) setAutoAttach(p cdp.SetAutoAttachParams) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auto = p
}

func (c *clientConn) trackSession(sid sessionmux.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sid] = struct{}{}
}

func (c *clientConn) untrackSession(sid sessionmux.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sid)
}

func (c *clientConn) hasSessionOnPage(pageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sid := range c.sessions {
		if sid.PageID == pageID {
			return true
		}
	}
	return false
}

// dropSessionsOnPage forgets every owned session on the page and returns
// them, for detachedFromTarget emission.
func (c *clientConn) dropSessionsOnPage(pageID string) []sessionmux.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sessionmux.SessionID
	for sid := range c.sessions {
		if sid.PageID == pageID {
			out = append(out, sid)
			delete(c.sessions, sid)
		}
	}
	return out
}

// attachPageSession establishes the implicit session of a page-scope
// connection, then drains whatever the client sent while it was attaching.
func (c *clientConn) attachPageSession() {
	sid, err := c.g.mux.AttachClient(c.ctx, c.pageID, c.id, false, c.send)
	if err != nil {
		c.logger.Warn("page session attach failed", slog.String("pageId", c.pageID), slog.String("err", err.Error()))
		c.close(websocket.StatusInternalError, "debugger attach failed")
		return
	}

	c.mu.Lock()
	c.session = sid
	c.ready = true
	buffered := c.pending
	c.pending = nil
	c.sessions[sid] = struct{}{}
	c.mu.Unlock()

	for _, data := range buffered {
		c.routePageFrame(sid, data)
	}
}

// handlePageMessage buffers frames until the implicit session routes, then
// forwards in arrival order.
func (c *clientConn) handlePageMessage(data []byte) {
	c.mu.Lock()
	if !c.ready {
		c.pending = append(c.pending, data)
		c.mu.Unlock()
		return
	}
	sid := c.session
	c.mu.Unlock()

	c.routePageFrame(sid, data)
}

func (c *clientConn) routePageFrame(sid sessionmux.SessionID, data []byte) {
	if err := c.g.mux.RouteRequest(c.ctx, sid, data); err != nil {
		c.logger.Debug("page route failed", slog.String("err", err.Error()))
		c.close(websocket.StatusGoingAway, "session gone")
	}
}

// autoAttachPage attaches one page for an auto-attach connection and emits
// Target.attachedToTarget only once the session fully routes.
func (c *clientConn) autoAttachPage(pageID string, aa cdp.SetAutoAttachParams) {
	if c.hasSessionOnPage(pageID) {
		return
	}
	gate := newGatedSend(c)
	sid, err := c.g.mux.AttachClient(c.ctx, pageID, c.id, true, gate.send)
	if err != nil {
		c.logger.Warn("auto-attach failed", slog.String("pageId", pageID), slog.String("err", err.Error()))
		return
	}
	c.trackSession(sid)

	rec, ok := c.g.store.GetPage(pageID)
	if !ok {
		return
	}
	c.send(cdp.MarshalEvent("Target.attachedToTarget", cdp.AttachedToTargetParams{
		SessionID:          sid.String(),
		TargetInfo:         c.g.pageTargetInfo(rec),
		WaitingForDebugger: aa.WaitForDebuggerOnStart,
	}))
	gate.release()
}

// gatedSend holds a session's outbound traffic until the gateway has written
// the frames that must precede it (the attach response and the
// attachedToTarget event).
type gatedSend struct {
	c *clientConn

	mu   sync.Mutex
	held bool
	buf  [][]byte
}

func newGatedSend(c *clientConn) *gatedSend {
	return &gatedSend{c: c, held: true}
}

func (gs *gatedSend) send(payload []byte) {
	gs.mu.Lock()
	if gs.held {
		gs.buf = append(gs.buf, payload)
		gs.mu.Unlock()
		return
	}
	gs.mu.Unlock()
	gs.c.send(payload)
}

func (gs *gatedSend) release() {
	gs.mu.Lock()
	buf := gs.buf
	gs.buf = nil
	gs.held = false
	gs.mu.Unlock()
	for _, payload := range buf {
		gs.c.send(payload)
	}
}
