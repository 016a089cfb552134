package oauth

import (
	"net/http"
	"time"

	"github.com/elastic/semantic-code-search-mcp-server/cmd/mcp-server/auth"
)

// HandleDebug echoes the verified claims of the presented bearer token.
// Registered only when the debug endpoint is enabled; sits behind the bearer
// middleware so it exposes nothing a caller did not already hold.
func (s *Server) HandleDebug(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeTokenError(w, http.StatusUnauthorized, "invalid_token", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject":    claims.Subject(),
		"email":      claims.Email(),
		"scope":      claims.Scope(),
		"issuer":     claims.Issuer(),
		"client_id":  claims["client_id"],
		"audience":   claims["aud"],
		"expires":    claims["exp"],
		"expires_in": expiresIn(claims["exp"], s.now()),
	})
}

// expiresIn converts the exp claim to a remaining-seconds countdown. JSON
// decoding yields float64; freshly minted claims carry int64.
func expiresIn(exp any, now time.Time) int64 {
	var at int64
	switch v := exp.(type) {
	case float64:
		at = int64(v)
	case int64:
		at = v
	default:
		return 0
	}
	remaining := at - now.Unix()
	if remaining < 0 {
		return 0
	}
	return remaining
}
