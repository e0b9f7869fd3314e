package api

import (
	"context"

	"github.com/org/agentwall/internal/auth"
)

type contextKey string

const (
	ctxKeyPrincipal contextKey = "principal"
	ctxKeyRequestID contextKey = "request_id"
)

func withPrincipal(ctx context.Context, p *auth.Principal) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal, p)
}

func principalFromCtx(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(ctxKeyPrincipal).(*auth.Principal)
	return p
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

func requestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// actorFromCtx names the caller in audit events.
func actorFromCtx(ctx context.Context) string {
	if p := principalFromCtx(ctx); p != nil {
		return p.Name
	}
	return "anonymous"
}
