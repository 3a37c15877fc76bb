package log

import "context"

type ctxKey struct{}

// WithContext stores l in the context for downstream FromContext calls.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the context's Logger. Callers never get nil: when no
// logger was stored (or the stored value is unusable) a Nop logger comes back.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok && l != nil {
		return l
	}
	return Nop()
}
