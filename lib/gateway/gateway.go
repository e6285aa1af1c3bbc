// Package gateway speaks Chrome's debugging HTTP/WebSocket contract to
// external automation clients and maps it onto the fleet store, the surface
// supervisor, and the session multiplexer. It is the single place where
// Target.targetCreated and Target.targetDestroyed are emitted: lifecycle
// events flow supervisor -> bus -> the broadcast bridge here, never out of
// command handlers.
package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/MAGI3/Magi/lib/cdp"
	"github.com/MAGI3/Magi/lib/events"
	"github.com/MAGI3/Magi/lib/fleet"
	"github.com/MAGI3/Magi/lib/sessionmux"
	"github.com/MAGI3/Magi/lib/supervisor"
)

const (
	browserVersion  = "Magi/1.0.0 Chrome/128.0.0.0"
	protocolVersion = "1.3"
	v8Version       = "12.8.21"
	webkitVersion   = "537.36 (@8e305a3e6b3b0da5f8d9b08cfdf49d1c1a0fa6f5)"
)

// Config tunes gateway behavior.
type Config struct {
	// UserAgent is reported by /json/version when a browser has no override.
	UserAgent string
	// EnableTestEndpoints serves POST /test/browser/create and
	// DELETE /test/browser/{id}. Must stay off in production builds.
	EnableTestEndpoints bool
	// LogCDPMessages traces every frame in both directions.
	LogCDPMessages bool
}

// Gateway is the CDP transport front-end.
type Gateway struct {
	store  *fleet.Store
	sup    *supervisor.Supervisor
	mux    *sessionmux.Mux
	logger *slog.Logger
	cfg    Config

	mu    sync.Mutex
	conns map[string]*clientConn

	unsubscribe func()
}

func New(store *fleet.Store, sup *supervisor.Supervisor, mux *sessionmux.Mux, bus *events.Bus, logger *slog.Logger, cfg Config) *Gateway {
	g := &Gateway{
		store:  store,
		sup:    sup,
		mux:    mux,
		logger: logger,
		cfg:    cfg,
		conns:  make(map[string]*clientConn),
	}
	g.unsubscribe = bus.Subscribe(g.onEvent)
	return g
}

// Shutdown stops broadcasting and closes every live connection.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.unsubscribe()

	g.mu.Lock()
	conns := make([]*clientConn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}
	return nil
}

func (g *Gateway) addConn(c *clientConn) {
	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()
}

func (g *Gateway) removeConn(c *clientConn) {
	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()
}

func (g *Gateway) connSnapshot() []*clientConn {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*clientConn, 0, len(g.conns))
	for _, c := range g.conns {
		out = append(out, c)
	}
	return out
}

// browserAttached reports whether any browser-scope client is connected to
// the browser.
func (g *Gateway) browserAttached(browserID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.conns {
		if c.scope == scopeBrowser && c.browserID == browserID {
			return true
		}
	}
	return false
}

// onEvent is the broadcast bridge of §fleet lifecycle onto Target.* events.
// It runs on the publisher's goroutine and must not block: everything here
// either enqueues to a connection writer or spawns.
func (g *Gateway) onEvent(ev events.Event) {
	switch e := ev.(type) {
	case events.PageCreated:
		info := g.pageTargetInfo(e.Page)
		for _, c := range g.connSnapshot() {
			if c.scope != scopeBrowser || c.browserID != e.Page.BrowserID {
				continue
			}
			if c.discoverEnabled() {
				c.send(cdp.MarshalEvent("Target.targetCreated", cdp.TargetCreatedParams{TargetInfo: info}))
			}
			if aa := c.autoAttachState(); aa.AutoAttach {
				// the session must fully route before attachedToTarget goes
				// out; attach off the bus goroutine
				go c.autoAttachPage(e.Page.ID, aa)
			}
		}

	case events.PageDestroyed:
		for _, c := range g.connSnapshot() {
			switch {
			case c.scope == scopeBrowser && c.browserID == e.BrowserID:
				for _, sid := range c.dropSessionsOnPage(e.PageID) {
					c.send(cdp.MarshalEvent("Target.detachedFromTarget", cdp.DetachedFromTargetParams{
						SessionID: sid.String(),
						TargetID:  e.PageID,
					}))
				}
				if c.discoverEnabled() {
					c.send(cdp.MarshalEvent("Target.targetDestroyed", cdp.TargetDestroyedParams{TargetID: e.PageID}))
				}
			case c.scope == scopePage && c.pageID == e.PageID:
				c.closeAfterFlush(websocket.StatusGoingAway, "target destroyed")
			}
		}

	case events.BrowserDestroyed:
		for _, c := range g.connSnapshot() {
			if c.scope == scopeBrowser && c.browserID == e.BrowserID {
				c.closeAfterFlush(websocket.StatusGoingAway, "browser destroyed")
			}
		}
	}
}

// pageTargetInfo builds the Target.TargetInfo for one page record. Attached
// reflects real debugger attachment, not tab focus.
func (g *Gateway) pageTargetInfo(rec fleet.PageRecord) cdp.TargetInfo {
	return cdp.TargetInfo{
		TargetID:         rec.ID,
		Type:             "page",
		Title:            pageTitle(rec),
		URL:              rec.URL,
		Attached:         g.mux.Attached(rec.ID),
		BrowserContextID: rec.BrowserID,
	}
}

func (g *Gateway) browserTargetInfo(rec fleet.BrowserRecord) cdp.TargetInfo {
	return cdp.TargetInfo{
		TargetID: rec.ID,
		Type:     "browser",
		Title:    rec.Name,
		Attached: g.browserAttached(rec.ID),
	}
}

func pageTitle(rec fleet.PageRecord) string {
	if rec.Title != "" {
		return rec.Title
	}
	return rec.URL
}

func (g *Gateway) userAgentFor(rec fleet.BrowserRecord) string {
	if rec.UserAgent != "" {
		return rec.UserAgent
	}
	return g.cfg.UserAgent
}
