package api

import (
	"context"

	"github.com/org/sealaudit/internal/auth"
)

type contextKey string

const (
	ctxKeySession   contextKey = "session"
	ctxKeyRequestID contextKey = "request_id"
	ctxKeyPrincipal contextKey = "principal"
)

func withSession(ctx context.Context, k *auth.SessionKey) context.Context {
	return context.WithValue(ctx, ctxKeySession, k)
}

func sessionFromCtx(ctx context.Context) *auth.SessionKey {
	k, _ := ctx.Value(ctxKeySession).(*auth.SessionKey)
	return k
}

// callerFromCtx is the wallet address behind the request's session key.
func callerFromCtx(ctx context.Context) string {
	if k := sessionFromCtx(ctx); k != nil {
		return k.Requester()
	}
	return ""
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

func requestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// principalHolder lets the request log see the caller that an inner
// middleware authenticated.
type principalHolder struct {
	addr string
}

func withPrincipalHolder(ctx context.Context, h *principalHolder) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal, h)
}

func principalHolderFromCtx(ctx context.Context) *principalHolder {
	h, _ := ctx.Value(ctxKeyPrincipal).(*principalHolder)
	return h
}
