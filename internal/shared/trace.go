package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type sessionIDKey struct{}
type itemIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

func NewTraceID() string {
	return uuid.NewString()
}

// WithSessionID attaches the session row id being processed.
func WithSessionID(ctx context.Context, sessionID int64) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID returns the session row id, or 0 if absent.
func SessionID(ctx context.Context) int64 {
	if v, ok := ctx.Value(sessionIDKey{}).(int64); ok {
		return v
	}
	return 0
}

// WithItemID attaches the queue item id being processed.
func WithItemID(ctx context.Context, itemID int64) context.Context {
	return context.WithValue(ctx, itemIDKey{}, itemID)
}

// ItemID returns the queue item id, or 0 if absent.
func ItemID(ctx context.Context) int64 {
	if v, ok := ctx.Value(itemIDKey{}).(int64); ok {
		return v
	}
	return 0
}
