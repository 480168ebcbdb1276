// Package audit writes the security and data-repair trail as JSON lines.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"catequiz.org/internal/auth"
	"catequiz.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id if one was attached.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with the request id and the caller's session.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if sess, ok := auth.SessionFromContext(ctx); ok {
		entry["user_id"] = sess.UserID
		entry["parish_id"] = sess.ParishID
		entry["role"] = string(sess.Role)
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		if err, isErr := v.(error); isErr && err != nil {
			v = err.Error()
		}
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// Record is LogEvent for callers that cannot act on a logging failure.
func Record(ctx context.Context, event string, fields map[string]any) {
	if err := LogEvent(ctx, event, fields); err != nil {
		obs.Log("error", "audit log failed", map[string]any{"event": event, "error": err})
	}
}
