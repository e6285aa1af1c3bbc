package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/MAGI3/Magi/lib/cdp"
	"github.com/MAGI3/Magi/lib/fleet"
	"github.com/MAGI3/Magi/lib/logger"
	"github.com/MAGI3/Magi/lib/supervisor"
)

// Routes mounts the discovery and WebSocket endpoints. Upgrade requests for
// any path outside this set fall through to the router's 404 and never
// upgrade.
func (g *Gateway) Routes(r chi.Router) {
	r.Get("/json/version", g.handleVersion)
	r.Get("/json", g.handleList)
	r.Get("/json/list", g.handleList)
	r.Get("/json/protocol", g.handleProtocol)

	// legacy target-control endpoints; Chrome serves these on both verbs
	r.Get("/json/new", g.handleNew)
	r.Put("/json/new", g.handleNew)
	r.Get("/json/activate/{pageID}", g.handleActivate)
	r.Get("/json/close/{pageID}", g.handleClose)

	r.Get("/devtools/browser", g.handleBrowserSocket)
	r.Get("/devtools/browser/{browserID}", g.handleBrowserSocket)
	r.Get("/devtools/browser/{browserID}/json/version", g.handleVersion)
	r.Get("/devtools/browser/{browserID}/json/list", g.handleList)
	r.Get("/devtools/page/{pageID}", g.handlePageSocket)

	if g.cfg.EnableTestEndpoints {
		r.Post("/test/browser/create", g.handleTestCreateBrowser)
		r.Delete("/test/browser/{browserID}", g.handleTestDeleteBrowser)
	}
}

func (g *Gateway) handleVersion(w http.ResponseWriter, r *http.Request) {
	browserID := chi.URLParam(r, "browserID")
	if browserID == "" {
		browserID, _ = g.store.FirstBrowserID()
	}

	// with no live browser the URL falls back to the first-browser alias,
	// which routes as soon as one exists
	wsPath := "/devtools/browser"
	ua := g.cfg.UserAgent
	if rec, ok := g.store.GetBrowser(browserID); ok {
		wsPath = "/devtools/browser/" + rec.ID
		ua = g.userAgentFor(rec)
	}

	writeJSON(w, cdp.VersionPayload{
		Browser:              browserVersion,
		ProtocolVersion:      protocolVersion,
		UserAgent:            ua,
		V8Version:            v8Version,
		WebKitVersion:        webkitVersion,
		WebSocketDebuggerURL: "ws://" + r.Host + wsPath,
	})
}

func (g *Gateway) handleList(w http.ResponseWriter, r *http.Request) {
	onlyBrowser := chi.URLParam(r, "browserID")
	snap := g.store.Snapshot()

	entries := []cdp.ListEntry{}
	for _, b := range snap.Browsers {
		if onlyBrowser != "" && b.ID != onlyBrowser {
			continue
		}
		entries = append(entries, cdp.ListEntry{
			ID:                   b.ID,
			Type:                 "browser",
			Title:                b.Name,
			Attached:             g.browserAttached(b.ID),
			WebSocketDebuggerURL: "ws://" + r.Host + "/devtools/browser/" + b.ID,
		})
		pages := lo.Map(b.Pages, func(pid string, _ int) fleet.PageRecord { return snap.Pages[pid] })
		for _, p := range pages {
			entries = append(entries, cdp.ListEntry{
				ID:       p.ID,
				Type:     "page",
				Title:    pageTitle(p),
				URL:      p.URL,
				Attached: g.mux.Attached(p.ID),
				WebSocketDebuggerURL: "ws://" + r.Host + "/devtools/page/" + p.ID,
				FaviconURL:           p.Favicon,
			})
		}
	}
	writeJSON(w, entries)
}

func (g *Gateway) handleNew(w http.ResponseWriter, r *http.Request) {
	browserID, ok := g.store.FirstBrowserID()
	if !ok {
		http.Error(w, "no browser available", http.StatusServiceUnavailable)
		return
	}
	url := r.URL.Query().Get("url")
	rec, err := g.sup.CreatePage(r.Context(), supervisor.CreatePageOptions{
		BrowserID: browserID,
		URL:       url,
		Activate:  true,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, cdp.ListEntry{
		ID:                   rec.ID,
		Type:                 "page",
		Title:                pageTitle(rec),
		URL:                  rec.URL,
		Attached:             false,
		WebSocketDebuggerURL: "ws://" + r.Host + "/devtools/page/" + rec.ID,
	})
}

func (g *Gateway) handleActivate(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "pageID")
	rec, ok := g.store.GetPage(pageID)
	if !ok {
		http.Error(w, "No such target id: "+pageID, http.StatusNotFound)
		return
	}
	if err := g.sup.SelectPage(r.Context(), rec.BrowserID, rec.ID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte("Target activated"))
}

func (g *Gateway) handleClose(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "pageID")
	rec, ok := g.store.GetPage(pageID)
	if !ok {
		http.Error(w, "No such target id: "+pageID, http.StatusNotFound)
		return
	}
	if err := g.sup.ClosePage(r.Context(), rec.BrowserID, rec.ID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte("Target is closing"))
}

type testCreateBrowserRequest struct {
	Name      string `json:"name"`
	UserAgent string `json:"userAgent"`
}

type testCreateBrowserResponse struct {
	BrowserID            string   `json:"browserId"`
	PageIDs              []string `json:"pageIds"`
	WebSocketDebuggerURL string   `json:"webSocketDebuggerUrl"`
	PageWSEndpointPrefix string   `json:"pageWSEndpointPrefix"`
}

func (g *Gateway) handleTestCreateBrowser(w http.ResponseWriter, r *http.Request) {
	var req testCreateBrowserRequest
	if r.Body != nil {
		// an empty body creates a default browser
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	rec, err := g.sup.CreateBrowser(r.Context(), supervisor.CreateBrowserOptions{
		Name:      req.Name,
		UserAgent: req.UserAgent,
	})
	if err != nil {
		logger.FromContext(r.Context()).Error("test browser create failed", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, testCreateBrowserResponse{
		BrowserID:            rec.ID,
		PageIDs:              rec.Pages,
		WebSocketDebuggerURL: "ws://" + r.Host + "/devtools/browser/" + rec.ID,
		PageWSEndpointPrefix: "ws://" + r.Host + "/devtools/page/",
	})
}

func (g *Gateway) handleTestDeleteBrowser(w http.ResponseWriter, r *http.Request) {
	browserID := chi.URLParam(r, "browserID")
	if err := g.sup.DestroyBrowser(r.Context(), browserID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleBrowserSocket(w http.ResponseWriter, r *http.Request) {
	browserID := chi.URLParam(r, "browserID")
	if browserID == "" {
		// tools that discover via /json/version land here
		var ok bool
		browserID, ok = g.store.FirstBrowserID()
		if !ok {
			http.Error(w, "no browser available", http.StatusServiceUnavailable)
			return
		}
	}
	if _, ok := g.store.GetBrowser(browserID); !ok {
		http.Error(w, "no such browser: "+browserID, http.StatusNotFound)
		return
	}
	g.acceptSocket(w, r, scopeBrowser, browserID)
}

func (g *Gateway) handlePageSocket(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "pageID")
	if _, ok := g.store.GetPage(pageID); !ok {
		http.Error(w, "no such page: "+pageID, http.StatusNotFound)
		return
	}
	g.acceptSocket(w, r, scopePage, pageID)
}

func (g *Gateway) acceptSocket(w http.ResponseWriter, r *http.Request, scope connScope, scopeID string) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("err", err.Error()))
		return
	}
	// effectively no cap on frame size from automation clients
	ws.SetReadLimit(100 * 1024 * 1024)

	c := newClientConn(r.Context(), g, ws, scope, scopeID)
	c.logger.Debug("connection accepted",
		slog.Int("scope", int(scope)), slog.String("scopeId", scopeID))
	c.run()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
