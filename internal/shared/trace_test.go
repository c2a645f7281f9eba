package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	id := NewTraceID()
	if got := TraceID(WithTraceID(ctx, id)); got != id {
		t.Fatalf("expected %q, got %q", id, got)
	}
	if NewTraceID() == id {
		t.Fatalf("trace ids should be unique")
	}
}

func TestSessionAndItemID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if SessionID(ctx) != 0 || ItemID(ctx) != 0 {
		t.Fatalf("expected zero defaults")
	}
	ctx = WithItemID(WithSessionID(ctx, 7), 42)
	if got := SessionID(ctx); got != 7 {
		t.Fatalf("session id = %d", got)
	}
	if got := ItemID(ctx); got != 42 {
		t.Fatalf("item id = %d", got)
	}
}
