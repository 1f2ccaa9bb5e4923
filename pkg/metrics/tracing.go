package metrics

import "context"

type suppressKey struct{}

// WithoutTracing marks ctx so the observability boundary skips recording
// spans and latency samples for work done under it. Background cache
// refreshes run with this flag set.
func WithoutTracing(ctx context.Context) context.Context {
	return context.WithValue(ctx, suppressKey{}, true)
}

// TracingEnabled reports whether work under ctx should be recorded.
func TracingEnabled(ctx context.Context) bool {
	suppressed, _ := ctx.Value(suppressKey{}).(bool)
	return !suppressed
}
