package gateway

import (
	"encoding/json"
	"log/slog"
)

// traceCDP logs one frame with its direction. Only the routing-relevant
// fields are pulled out; payloads can be huge, so the body itself is reported
// by length only.
func traceCDP(logger *slog.Logger, direction string, frame []byte) {
	var fields struct {
		ID        json.Number `json:"id"`
		Method    string      `json:"method"`
		SessionID string      `json:"sessionId"`
	}
	_ = json.Unmarshal(frame, &fields)

	attrs := []any{slog.String("dir", direction)}
	if fields.SessionID != "" {
		attrs = append(attrs, slog.String("sessionId", fields.SessionID))
	}
	if fields.ID != "" {
		attrs = append(attrs, slog.String("id", fields.ID.String()))
	}
	if fields.Method != "" {
		attrs = append(attrs, slog.String("method", fields.Method))
	}
	attrs = append(attrs, slog.Int("raw_length", len(frame)))

	logger.Info("cdp", attrs...)
}
