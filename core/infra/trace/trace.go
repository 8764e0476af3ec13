// Package trace carries a correlation id through a call tree via context.Context.
//
// A trace is started at the root of a request or job execution. Everything
// below it, including goroutines that inherit the context, sees the same id,
// so log lines correlate without threading the id through call signatures.
package trace

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Context is the immutable trace scope attached to a call tree.
type Context struct {
	ID        string
	StartedAt time.Time
}

type ctxKey struct{}

// NewID returns a fresh trace id.
func NewID() string {
	return uuid.NewString()
}

// With returns ctx scoped to a trace. When existingID is non-empty it is
// adopted, which is how an id crosses a process or job boundary. Otherwise a
// scope already present on ctx is inherited, and only then is a new id minted.
func With(ctx context.Context, existingID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	existingID = strings.TrimSpace(existingID)
	if existingID == "" {
		if _, ok := FromContext(ctx); ok {
			return ctx
		}
		existingID = NewID()
	} else if tc, ok := FromContext(ctx); ok && tc.ID == existingID {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, Context{ID: existingID, StartedAt: time.Now().UTC()})
}

// Run invokes fn inside a trace scope (see With).
func Run(ctx context.Context, existingID string, fn func(ctx context.Context) error) error {
	return fn(With(ctx, existingID))
}

// FromContext returns the trace scope carried by ctx.
func FromContext(ctx context.Context) (Context, bool) {
	if ctx == nil {
		return Context{}, false
	}
	tc, ok := ctx.Value(ctxKey{}).(Context)
	return tc, ok && tc.ID != ""
}

// ID returns the trace id carried by ctx, or "" outside any scope.
func ID(ctx context.Context) string {
	tc, _ := FromContext(ctx)
	return tc.ID
}
