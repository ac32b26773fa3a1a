package common

import (
	"context"
)

// Context keys for storing values in context
type contextKey string

const (
	ContextKeyRequestID contextKey = "request_id"
	ContextKeySampleID  contextKey = "sample_id"
)

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// RequestIDFromContext extracts the request ID from context
func RequestIDFromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return requestID
	}
	return ""
}

// WithSampleID tags the context with the sample being processed.
func WithSampleID(ctx context.Context, sampleID string) context.Context {
	return context.WithValue(ctx, ContextKeySampleID, sampleID)
}

// SampleIDFromContext extracts the sample ID from context
func SampleIDFromContext(ctx context.Context) string {
	if sampleID, ok := ctx.Value(ContextKeySampleID).(string); ok {
		return sampleID
	}
	return ""
}

// LogAttrs returns the request and sample ids carried by ctx as slog
// key/value pairs, omitting unset ones.
func LogAttrs(ctx context.Context) []any {
	var attrs []any
	if id := RequestIDFromContext(ctx); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	if id := SampleIDFromContext(ctx); id != "" {
		attrs = append(attrs, "sample_id", id)
	}
	return attrs
}
