package observability

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	correlationIDCtxKey contextKey = "correlation_id"
	requestIDCtxKey     contextKey = "request_id"
	jobIDCtxKey         contextKey = "job_id"
)

// Attribute keys used in logs.
const (
	CorrelationIDKey = "correlation_id"
	RequestIDKey     = "request_id"
	JobIDKey         = "job_id"
)

// WithCorrelationID adds a correlation ID to the context.
// If id is empty, a new UUID is generated.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.New().String()
	}
	return context.WithValue(ctx, correlationIDCtxKey, id)
}

// CorrelationIDFromContext extracts the correlation ID from context.
func CorrelationIDFromContext(ctx context.Context) string {
	return stringValue(ctx, correlationIDCtxKey)
}

// WithRequestID adds a request ID to the context.
// If id is empty, a new UUID is generated.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.New().String()
	}
	return context.WithValue(ctx, requestIDCtxKey, id)
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDCtxKey)
}

// WithJobID tags the context with the queue job being processed.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDCtxKey, id)
}

// JobIDFromContext extracts the job ID from context.
func JobIDFromContext(ctx context.Context) string {
	return stringValue(ctx, jobIDCtxKey)
}

// NewRequestContext creates a context with a new request ID and the given
// correlation ID, generating one when empty.
func NewRequestContext(ctx context.Context, correlationID string) context.Context {
	return WithCorrelationID(WithRequestID(ctx, ""), correlationID)
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
