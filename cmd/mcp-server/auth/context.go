package auth

import (
	"context"

	"github.com/elastic/semantic-code-search-mcp-server/internal/oauth"
)

type claimsContextKey struct{}

// WithClaims returns a context carrying verified token claims.
func WithClaims(ctx context.Context, claims oauth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext returns the verified claims published by the bearer
// middleware, if any.
func ClaimsFromContext(ctx context.Context) (oauth.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(oauth.Claims)
	return claims, ok
}
