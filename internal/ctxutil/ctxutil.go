// Package ctxutil provides shared context key accessors.
//
// server's auth middleware stores JWT claims in the request context through
// this package, so code further down the request path can read them without
// importing server.
package ctxutil

import (
	"context"

	"github.com/orbitfleet/orchestra/internal/auth"
)

type contextKey string

const keyClaims contextKey = "claims"

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}
