package httpapi

import (
	"context"
)

type authContextKey string

const actorKey authContextKey = "actor"

const (
	actorAnonymous = "anonymous"
	actorToken     = "api-token"
)

func withActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

func actorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey).(string); ok {
		return v
	}
	return actorAnonymous
}
