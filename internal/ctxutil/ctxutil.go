// Package ctxutil provides shared context key accessors.
//
// Both server (HTTP auth middleware) and mcp (tool handlers) read the
// authenticated owner from the request context. They import ctxutil
// instead of each other.
package ctxutil

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/kotae/internal/auth"
)

type contextKey string

const (
	keyClaims    contextKey = "claims"
	keyOwnerID   contextKey = "owner_id"
	keyRequestID contextKey = "request_id"
)

// WithClaims returns a new context carrying the given claims and their owner.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, keyClaims, claims)
	return WithOwner(ctx, claims.OwnerID)
}

// WithOwner returns a new context carrying owner.
func WithOwner(ctx context.Context, owner uuid.UUID) context.Context {
	return context.WithValue(ctx, keyOwnerID, owner)
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// OwnerIDFromContext extracts the owner id from the context, or uuid.Nil.
func OwnerIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(keyOwnerID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// WithRequestID returns a new context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request id from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
