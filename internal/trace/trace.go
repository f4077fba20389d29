// Package trace carries a per-request correlation identifier through
// contexts. The id is forwarded to every collaborator call and log entry; it
// has no authorization meaning.
package trace

import (
	"context"

	"github.com/google/uuid"
)

type contextKey struct{}

// Header is the HTTP header used to forward the trace id.
const Header = "X-Trace-Id"

// New returns a fresh trace id.
func New() string {
	return uuid.NewString()
}

// WithID returns a context carrying the given trace id. An empty id gets a
// fresh one.
func WithID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = New()
	}
	return context.WithValue(ctx, contextKey{}, id)
}

// ID extracts the trace id from the context, or "" when absent.
func ID(ctx context.Context) string {
	if v, ok := ctx.Value(contextKey{}).(string); ok {
		return v
	}
	return ""
}

// Ensure returns the context's trace id, minting and attaching one if needed.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := New()
	return WithID(ctx, id), id
}
