package types

import (
	"context"
	"testing"
)

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	if _, ok := TraceID(ctx); ok {
		t.Fatalf("expected no trace id on empty context")
	}

	ctx = WithTraceID(ctx, "t1")
	if got, ok := TraceID(ctx); !ok || got != "t1" {
		t.Fatalf("TraceID mismatch: %v %v", got, ok)
	}

	ctx = WithRequestID(ctx, "req-1")
	if got, ok := RequestID(ctx); !ok || got != "req-1" {
		t.Fatalf("RequestID mismatch: %v %v", got, ok)
	}

	ctx = WithClientKey(ctx, "ip:127.0.0.1")
	if got, ok := ClientKey(ctx); !ok || got != "ip:127.0.0.1" {
		t.Fatalf("ClientKey mismatch: %v %v", got, ok)
	}

	if got := OriginFrom(ctx); got != OriginCLI {
		t.Fatalf("expected default origin cli, got %s", got)
	}
	ctx = WithOrigin(ctx, OriginDuplex)
	if got := OriginFrom(ctx); got != OriginDuplex {
		t.Fatalf("Origin mismatch: %s", got)
	}
}

func TestContextHelpers_EmptyValues(t *testing.T) {
	t.Parallel()

	ctx := WithRequestID(context.Background(), "")
	if _, ok := RequestID(ctx); ok {
		t.Fatalf("expected empty request id to be reported as absent")
	}
}
