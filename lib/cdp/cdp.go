// Package cdp defines the JSON shapes the gateway exchanges with Chrome
// DevTools Protocol clients: the request/response/event envelopes, the error
// codes the protocol reserves, and the Target domain payloads.
package cdp

import "encoding/json"

// JSON-RPC style error codes used by Chrome's DevTools endpoints.
const (
	CodeServerError    = -32000
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
)

// Envelope is the superset shape of any inbound CDP frame. A request carries
// ID+Method; a Target.sendMessageToTarget wrapper carries a nested message in
// Params; flattened page commands carry SessionID alongside ID and Method.
// ID is a json.Number so any JSON number a client sends, fractional included,
// survives the round trip untouched.
type Envelope struct {
	ID        json.Number     `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Response is an outbound reply to a single request. ID is always serialized,
// because clients correlate strictly by it; an unset Number encodes as 0.
type Response struct {
	ID        json.Number     `json:"id"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

// Event is an outbound notification with no ID.
type Event struct {
	Method    string `json:"method"`
	Params    any    `json:"params"`
	SessionID string `json:"sessionId,omitempty"`
}

// Error is the CDP error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// MarshalResponse builds the wire bytes for a successful reply. A nil result
// serializes as an empty object, which is what Chrome sends for acks.
func MarshalResponse(id json.Number, result any) []byte {
	raw := emptyObject
	if result != nil {
		raw, _ = json.Marshal(result)
	}
	b, _ := json.Marshal(Response{ID: id, Result: raw})
	return b
}

// MarshalError builds the wire bytes for an error reply.
func MarshalError(id json.Number, code int, message string) []byte {
	b, _ := json.Marshal(Response{ID: id, Error: &Error{Code: code, Message: message}})
	return b
}

// MarshalEvent builds the wire bytes for an event notification.
func MarshalEvent(method string, params any) []byte {
	b, _ := json.Marshal(Event{Method: method, Params: params})
	return b
}

var emptyObject = json.RawMessage(`{}`)

// TargetInfo mirrors Chrome's Target.TargetInfo.
type TargetInfo struct {
	TargetID         string `json:"targetId"`
	Type             string `json:"type"`
	Title            string `json:"title"`
	URL              string `json:"url"`
	Attached         bool   `json:"attached"`
	BrowserContextID string `json:"browserContextId,omitempty"`
}

// Target domain command parameters.
type (
	SetDiscoverTargetsParams struct {
		Discover bool `json:"discover"`
	}

	CreateTargetParams struct {
		URL              string `json:"url"`
		BrowserContextID string `json:"browserContextId,omitempty"`
	}

	CloseTargetParams struct {
		TargetID string `json:"targetId"`
	}

	ActivateTargetParams struct {
		TargetID string `json:"targetId"`
	}

	AttachToTargetParams struct {
		TargetID string `json:"targetId"`
		Flatten  bool   `json:"flatten,omitempty"`
	}

	DetachFromTargetParams struct {
		SessionID string `json:"sessionId"`
	}

	SendMessageToTargetParams struct {
		SessionID string `json:"sessionId"`
		Message   string `json:"message"`
	}

	SetAutoAttachParams struct {
		AutoAttach             bool `json:"autoAttach"`
		WaitForDebuggerOnStart bool `json:"waitForDebuggerOnStart"`
		Flatten                bool `json:"flatten,omitempty"`
	}

	GetTargetInfoParams struct {
		TargetID string `json:"targetId,omitempty"`
	}
)

// Target domain event parameters.
type (
	TargetCreatedParams struct {
		TargetInfo TargetInfo `json:"targetInfo"`
	}

	TargetDestroyedParams struct {
		TargetID string `json:"targetId"`
	}

	AttachedToTargetParams struct {
		SessionID          string     `json:"sessionId"`
		TargetInfo         TargetInfo `json:"targetInfo"`
		WaitingForDebugger bool       `json:"waitingForDebugger"`
	}

	DetachedFromTargetParams struct {
		SessionID string `json:"sessionId"`
		TargetID  string `json:"targetId,omitempty"`
	}

	ReceivedMessageFromTargetParams struct {
		SessionID string `json:"sessionId"`
		Message   string `json:"message"`
		TargetID  string `json:"targetId,omitempty"`
	}
)

// VersionPayload is the /json/version block. Field names match Chrome's
// non-standard capitalization exactly.
type VersionPayload struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	V8Version            string `json:"V8-Version"`
	WebKitVersion        string `json:"WebKit-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// ListEntry is one element of the /json/list payload.
type ListEntry struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url,omitempty"`
	Attached             bool   `json:"attached"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	FaviconURL           string `json:"faviconUrl,omitempty"`
}
