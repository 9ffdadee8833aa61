package middleware

import "context"

type contextKey string

const ctxActor contextKey = "actor"

// ActorFromContext returns the authenticated operator label, or "" when the
// request did not pass AdminToken.
func ActorFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxActor).(string); ok {
		return v
	}
	return ""
}

// WithActor injects the operator label used for audit facts.
func WithActor(ctx context.Context, actor string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxActor, actor)
}
