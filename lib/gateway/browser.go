package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/samber/lo"

	"github.com/MAGI3/Magi/lib/cdp"
	"github.com/MAGI3/Magi/lib/sessionmux"
	"github.com/MAGI3/Magi/lib/supervisor"
)

// browserVersionResult is the Browser.getVersion response body.
type browserVersionResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	Product         string `json:"product"`
	Revision        string `json:"revision"`
	UserAgent       string `json:"userAgent"`
	JSVersion       string `json:"jsVersion"`
}

// handleBrowserMessage interprets one frame of the Target.*/Browser.*
// sub-language a browser-scope client speaks. Unparseable frames are logged
// and skipped; unknown methods without a sessionId get -32601.
func (c *clientConn) handleBrowserMessage(data []byte) {
	var env cdp.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("unparseable frame", slog.String("err", err.Error()))
		return
	}

	switch env.Method {
	case "Browser.getVersion":
		rec, _ := c.g.store.GetBrowser(c.browserID)
		c.respond(env.ID, browserVersionResult{
			ProtocolVersion: protocolVersion,
			Product:         browserVersion,
			Revision:        webkitVersion,
			UserAgent:       c.g.userAgentFor(rec),
			JSVersion:       v8Version,
		})

	case "Browser.setDownloadBehavior":
		// no download steering yet; acknowledge so clients proceed
		c.respond(env.ID, nil)

	case "Target.getBrowserContexts":
		c.respond(env.ID, map[string]any{"browserContextIds": []string{}})

	case "Target.createBrowserContext":
		// default-context model: the browser itself is the only context
		c.respond(env.ID, map[string]any{"browserContextId": c.browserID})

	case "Target.disposeBrowserContext":
		c.respond(env.ID, nil)

	case "Target.setDiscoverTargets":
		var p cdp.SetDiscoverTargetsParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			c.respondError(env.ID, cdp.CodeInvalidParams, "invalid params")
			return
		}
		c.setDiscover(p.Discover)
		c.respond(env.ID, nil)
		if p.Discover {
			c.replayTargets()
		}

	case "Target.createTarget":
		var p cdp.CreateTargetParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			c.respondError(env.ID, cdp.CodeInvalidParams, "invalid params")
			return
		}
		rec, err := c.g.sup.CreatePage(c.ctx, supervisor.CreatePageOptions{
			BrowserID: c.browserID,
			URL:       p.URL,
			Activate:  true,
		})
		if err != nil {
			c.respondError(env.ID, cdp.CodeServerError, err.Error())
			return
		}
		// no targetCreated here: the lifecycle event from the supervisor,
		// bridged in gateway.onEvent, is the sole source
		c.respond(env.ID, map[string]any{"targetId": rec.ID})

	case "Target.closeTarget":
		var p cdp.CloseTargetParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			c.respondError(env.ID, cdp.CodeInvalidParams, "invalid params")
			return
		}
		rec, ok := c.g.store.GetPage(p.TargetID)
		if !ok || rec.BrowserID != c.browserID {
			c.respondError(env.ID, cdp.CodeServerError, "Target not found: "+p.TargetID)
			return
		}
		if err := c.g.sup.ClosePage(c.ctx, rec.BrowserID, rec.ID); err != nil {
			c.respondError(env.ID, cdp.CodeServerError, err.Error())
			return
		}
		c.respond(env.ID, map[string]any{"success": true})

	case "Target.activateTarget":
		var p cdp.ActivateTargetParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			c.respondError(env.ID, cdp.CodeInvalidParams, "invalid params")
			return
		}
		rec, ok := c.g.store.GetPage(p.TargetID)
		if !ok || rec.BrowserID != c.browserID {
			c.respondError(env.ID, cdp.CodeServerError, "Target not found: "+p.TargetID)
			return
		}
		if err := c.g.sup.SelectPage(c.ctx, rec.BrowserID, rec.ID); err != nil {
			c.respondError(env.ID, cdp.CodeServerError, err.Error())
			return
		}
		c.respond(env.ID, nil)

	case "Target.getTargets":
		brec, ok := c.g.store.GetBrowser(c.browserID)
		if !ok {
			c.respondError(env.ID, cdp.CodeServerError, "Target not found: "+c.browserID)
			return
		}
		infos := lo.FilterMap(brec.Pages, func(pid string, _ int) (cdp.TargetInfo, bool) {
			rec, ok := c.g.store.GetPage(pid)
			if !ok {
				return cdp.TargetInfo{}, false
			}
			return c.g.pageTargetInfo(rec), true
		})
		c.respond(env.ID, map[string]any{"targetInfos": infos})

	case "Target.getTargetInfo":
		var p cdp.GetTargetInfoParams
		if len(env.Params) > 0 {
			if err := json.Unmarshal(env.Params, &p); err != nil {
				c.respondError(env.ID, cdp.CodeInvalidParams, "invalid params")
				return
			}
		}
		if p.TargetID == "" || p.TargetID == c.browserID {
			brec, ok := c.g.store.GetBrowser(c.browserID)
			if !ok {
				c.respondError(env.ID, cdp.CodeServerError, "Target not found: "+c.browserID)
				return
			}
			c.respond(env.ID, map[string]any{"targetInfo": c.g.browserTargetInfo(brec)})
			return
		}
		rec, ok := c.g.store.GetPage(p.TargetID)
		if !ok {
			c.respondError(env.ID, cdp.CodeServerError, "Target not found: "+p.TargetID)
			return
		}
		c.respond(env.ID, map[string]any{"targetInfo": c.g.pageTargetInfo(rec)})

	case "Target.attachToTarget":
		var p cdp.AttachToTargetParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			c.respondError(env.ID, cdp.CodeInvalidParams, "invalid params")
			return
		}
		c.attachToTarget(env.ID, p)

	case "Target.detachFromTarget":
		var p cdp.DetachFromTargetParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			c.respondError(env.ID, cdp.CodeInvalidParams, "invalid params")
			return
		}
		sid, err := sessionmux.ParseSessionID(p.SessionID)
		if err != nil {
			c.respondError(env.ID, cdp.CodeInvalidParams, err.Error())
			return
		}
		if err := c.g.mux.DetachSession(sid); err != nil {
			c.respondError(env.ID, cdp.CodeServerError, err.Error())
			return
		}
		c.untrackSession(sid)
		c.respond(env.ID, nil)
		if c.discoverEnabled() {
			c.send(cdp.MarshalEvent("Target.detachedFromTarget", cdp.DetachedFromTargetParams{
				SessionID: sid.String(),
				TargetID:  sid.PageID,
			}))
		}

	case "Target.sendMessageToTarget":
		var p cdp.SendMessageToTargetParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			c.respondError(env.ID, cdp.CodeInvalidParams, "invalid params")
			return
		}
		// route before the ack so a dead session surfaces as an error on the
		// outer id instead of leaving the client waiting forever
		if err := c.routeSessionFrame(p.SessionID, []byte(p.Message)); err != nil {
			c.respondError(env.ID, cdp.CodeServerError, "Session not found: "+p.SessionID)
			return
		}
		c.respond(env.ID, nil)

	case "Target.setAutoAttach":
		var p cdp.SetAutoAttachParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			c.respondError(env.ID, cdp.CodeInvalidParams, "invalid params")
			return
		}
		wasOn := c.autoAttachState().AutoAttach
		c.setAutoAttach(p)
		if p.AutoAttach && !wasOn {
			if brec, ok := c.g.store.GetBrowser(c.browserID); ok {
				for _, pid := range brec.Pages {
					c.autoAttachPage(pid, p)
				}
			}
		}
		c.respond(env.ID, nil)

	default:
		// flattened page-level command: top-level sessionId routes to the
		// session regardless of method
		if env.SessionID != "" {
			if err := c.routeSessionFrame(env.SessionID, data); err != nil {
				c.respondError(env.ID, cdp.CodeServerError, "Session not found: "+env.SessionID)
			}
			return
		}
		c.respondError(env.ID, cdp.CodeMethodNotFound, fmt.Sprintf("'%s' wasn't found", env.Method))
	}
}

// attachToTarget creates a session and guarantees the wire order: the
// {sessionId} response, then Target.attachedToTarget, then anything the
// session itself produces. Sessions on a browser connection always carry
// their traffic wrapped in Target.receivedMessageFromTarget; flatten only
// changes how the client is expected to address the session inbound.
func (c *clientConn) attachToTarget(id json.Number, p cdp.AttachToTargetParams) {
	rec, ok := c.g.store.GetPage(p.TargetID)
	if !ok || rec.BrowserID != c.browserID {
		c.respondError(id, cdp.CodeServerError, "Target not found: "+p.TargetID)
		return
	}

	gate := newGatedSend(c)
	sid, err := c.g.mux.AttachClient(c.ctx, p.TargetID, c.id, true, gate.send)
	if err != nil {
		// attach failed: error response only, no attachedToTarget
		c.respondError(id, cdp.CodeServerError, err.Error())
		return
	}
	c.trackSession(sid)

	c.respond(id, map[string]any{"sessionId": sid.String()})
	c.send(cdp.MarshalEvent("Target.attachedToTarget", cdp.AttachedToTargetParams{
		SessionID:          sid.String(),
		TargetInfo:         c.g.pageTargetInfo(rec),
		WaitingForDebugger: false,
	}))
	gate.release()
}

// replayTargets emits targetCreated for every existing page in the browser,
// in list order.
func (c *clientConn) replayTargets() {
	brec, ok := c.g.store.GetBrowser(c.browserID)
	if !ok {
		return
	}
	for _, pid := range brec.Pages {
		if rec, ok := c.g.store.GetPage(pid); ok {
			c.send(cdp.MarshalEvent("Target.targetCreated", cdp.TargetCreatedParams{TargetInfo: c.g.pageTargetInfo(rec)}))
		}
	}
}

// routeSessionFrame forwards one raw frame to the session named by its wire
// id. Both inbound shapes (sendMessageToTarget wrapper and bare top-level
// sessionId) funnel through here, so their side effects are identical. The
// callers turn a failure into an error response; dropping the frame would
// leave the client blocked on a reply that never comes.
func (c *clientConn) routeSessionFrame(sessionID string, frame []byte) error {
	sid, err := sessionmux.ParseSessionID(sessionID)
	if err != nil {
		c.logger.Warn("frame for malformed session id", slog.String("sessionId", sessionID))
		return err
	}
	if err := c.g.mux.RouteRequest(c.ctx, sid, frame); err != nil {
		c.logger.Debug("session route failed",
			slog.String("sessionId", sessionID), slog.String("err", err.Error()))
		return err
	}
	return nil
}

func (c *clientConn) respond(id json.Number, result any) {
	c.send(cdp.MarshalResponse(id, result))
}

func (c *clientConn) respondError(id json.Number, code int, message string) {
	c.send(cdp.MarshalError(id, code, message))
}
