package auth

import (
	"context"
)

// Context keys for authentication data
type contextKey string

const (
	// ContextKeyActor is the context key for the authenticated operator
	ContextKeyActor contextKey = "actor"
)

// WithActor adds the operator identity to the context
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ContextKeyActor, actor)
}

// ActorFromContext retrieves the operator identity from the context
func ActorFromContext(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(ContextKeyActor).(string)
	return actor, ok && actor != ""
}
