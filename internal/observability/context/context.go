// Package context carries request-scoped identifiers used by logging and tracing.
package context

import (
	"context"
	"strings"
)

type requestIDKey struct{}
type creatorIDKey struct{}
type actorKey struct{}

type actor struct {
	typ string
	id  string
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, strings.TrimSpace(requestID))
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

// WithCreatorID stores the tenant (creator) the request acts on.
func WithCreatorID(ctx context.Context, creatorID string) context.Context {
	return context.WithValue(ctx, creatorIDKey{}, strings.TrimSpace(creatorID))
}

func CreatorIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(creatorIDKey{}).(string)
	return v
}

func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor{typ: strings.TrimSpace(actorType), id: strings.TrimSpace(actorID)})
}

func ActorFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	v, ok := ctx.Value(actorKey{}).(actor)
	if !ok {
		return "", ""
	}
	return v.typ, v.id
}
