package trace

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

const headerName = "X-Trace-ID"

// NewID returns a fresh trace id.
func NewID() string {
	return uuid.NewString()
}

// FromContext returns the trace id carried by ctx, or "".
func FromContext(ctx context.Context) string {
	if traceID, ok := ctx.Value(ctxKey{}).(string); ok {
		return traceID
	}
	return ""
}

// WithContext attaches traceID to ctx. An empty id leaves ctx untouched.
func WithContext(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, traceID)
}

// Ensure returns ctx with a trace id, generating one when absent.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := NewID()
	return WithContext(ctx, id), id
}

// HeaderName is the HTTP header used to propagate trace ids.
func HeaderName() string {
	return headerName
}
