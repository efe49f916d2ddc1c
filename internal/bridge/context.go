package bridge

import "context"

type contextKey struct{}

// WithBridge returns a copy of ctx carrying b. Guest imports resolve the
// calling run's bridge from the context passed to the guest call.
func WithBridge(ctx context.Context, b *Bridge) context.Context {
	return context.WithValue(ctx, contextKey{}, b)
}

// FromContext returns the bridge carried by ctx.
func FromContext(ctx context.Context) (*Bridge, bool) {
	b, ok := ctx.Value(contextKey{}).(*Bridge)
	return b, ok && b != nil
}
