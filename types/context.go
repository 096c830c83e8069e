package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyTraceID   contextKey = "trace_id"
	keyRequestID contextKey = "request_id"
	keyClientKey contextKey = "client_key"
	keyOrigin    contextKey = "origin"
)

// Origin identifies the transport a command arrived on.
type Origin string

const (
	OriginHTTP   Origin = "http"
	OriginDuplex Origin = "duplex"
	OriginCLI    Origin = "cli"
)

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}

// WithRequestID adds the HTTP request ID to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, keyRequestID, requestID)
}

// RequestID extracts the HTTP request ID from context.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRequestID).(string)
	return v, ok && v != ""
}

// WithClientKey adds the rate-limit client key to context.
func WithClientKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, keyClientKey, key)
}

// ClientKey extracts the rate-limit client key from context.
func ClientKey(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyClientKey).(string)
	return v, ok && v != ""
}

// WithOrigin adds the command origin to context.
func WithOrigin(ctx context.Context, origin Origin) context.Context {
	return context.WithValue(ctx, keyOrigin, origin)
}

// OriginFrom extracts the command origin from context. Defaults to OriginCLI.
func OriginFrom(ctx context.Context) Origin {
	if v, ok := ctx.Value(keyOrigin).(Origin); ok && v != "" {
		return v
	}
	return OriginCLI
}
