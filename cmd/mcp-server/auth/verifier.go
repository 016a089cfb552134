// Package auth verifies bearer tokens minted by the authorization server and
// guards the protected MCP endpoint.
package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/elastic/semantic-code-search-mcp-server/internal/oauth"
)

// ErrMissingClaims reports a structurally valid token whose identity no
// longer satisfies the server's required claims.
var ErrMissingClaims = errors.New("token is missing required claims")

// Verifier validates RS256 access tokens against the server's own issuer,
// audience, and required-claims policy.
type Verifier struct {
	publicKey      *rsa.PublicKey
	requiredClaims []string
	parser         *jwt.Parser
}

// NewVerifier builds a verifier bound to the given signing key and policy.
func NewVerifier(cfg oauth.Config, keys *oauth.KeyManager) *Verifier {
	return &Verifier{
		publicKey:      keys.PublicKey(),
		requiredClaims: cfg.RequiredClaims,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify checks the token's signature, issuer, audience, and expiry, then
// re-checks the required claims. Returns the token's claims on success.
func (v *Verifier) Verify(raw string) (oauth.Claims, error) {
	var claims jwt.MapClaims
	if _, err := v.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return v.publicKey, nil
	}); err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	out := oauth.Claims(claims)
	if missing := out.Missing(v.requiredClaims); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrMissingClaims, missing)
	}
	return out, nil
}
