package oauth

import (
	"encoding/base64"
	"math/big"
	"net/http"
)

// WellKnownCORS allows cross-origin reads of the public discovery documents.
// Browser-based MCP clients fetch these before they have any credentials; the
// documents are public by definition, so a wildcard origin is safe here and
// only here.
func WellKnownCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, MCP-Protocol-Version")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HandleAuthorizationServerMetadata serves the RFC 8414 document.
func (s *Server) HandleAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                s.cfg.Issuer,
		"authorization_endpoint":                s.cfg.Issuer + "/oauth/authorize",
		"token_endpoint":                        s.cfg.Issuer + "/oauth/token",
		"registration_endpoint":                 s.cfg.Issuer + "/oauth/register",
		"jwks_uri":                              s.cfg.Issuer + "/.well-known/jwks.json",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"token_endpoint_auth_methods_supported": []string{"none"},
		"code_challenge_methods_supported":      []string{"S256"},
		"scopes_supported":                      s.cfg.ScopesSupported,
	})
}

// HandleProtectedResourceMetadata serves the RFC 9728 document for the MCP
// endpoint.
func (s *Server) HandleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"resource":                 s.cfg.Audience,
		"authorization_servers":    []string{s.cfg.Issuer},
		"scopes_supported":         s.cfg.ScopesSupported,
		"bearer_methods_supported": []string{"header"},
	})
}

// HandleJWKS publishes the access-token verification key.
func (s *Server) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	pub := s.keys.PublicKey()
	writeJSON(w, http.StatusOK, map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"use": "sig",
			"alg": "RS256",
			"kid": s.keys.KID(),
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}
