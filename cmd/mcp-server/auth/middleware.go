package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Middleware authenticates requests to the protected endpoint. Failures
// carry an RFC 6750 WWW-Authenticate challenge pointing unauthenticated
// clients at the protected-resource metadata so they can discover the
// authorization server.
type Middleware struct {
	verifier *Verifier
	realm    string
	metadata string
	log      *zap.Logger
}

// NewMiddleware builds the bearer middleware. issuer is the server's own
// public URL; the challenge advertises its protected-resource document.
func NewMiddleware(verifier *Verifier, issuer string, log *zap.Logger) *Middleware {
	return &Middleware{
		verifier: verifier,
		realm:    issuer,
		metadata: issuer + "/.well-known/oauth-protected-resource",
		log:      log,
	}
}

// Handler wraps next with bearer-token authentication. Verified claims are
// published on the request context for downstream handlers.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			m.challenge(w, http.StatusUnauthorized, "", "")
			return
		}

		claims, err := m.verifier.Verify(raw)
		if err != nil {
			if errors.Is(err, ErrMissingClaims) {
				m.log.Warn("token rejected: identity no longer authorized", zap.Error(err))
				m.challenge(w, http.StatusForbidden, "insufficient_scope", "identity does not satisfy required claims")
				return
			}
			m.log.Debug("token rejected", zap.Error(err))
			m.challenge(w, http.StatusUnauthorized, "invalid_token", "token is expired or invalid")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// challenge writes a WWW-Authenticate header and a minimal JSON body. The
// description stays generic: challenges must not leak why verification
// failed in detail.
func (m *Middleware) challenge(w http.ResponseWriter, status int, errCode, description string) {
	parts := []string{fmt.Sprintf("Bearer realm=%q", m.realm)}
	if errCode != "" {
		parts = append(parts, fmt.Sprintf("error=%q", errCode))
	}
	if description != "" {
		parts = append(parts, fmt.Sprintf("error_description=%q", description))
	}
	parts = append(parts, fmt.Sprintf("resource_metadata=%q", m.metadata))

	w.Header().Set("WWW-Authenticate", strings.Join(parts, ", "))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if errCode == "" {
		errCode = "unauthorized"
	}
	fmt.Fprintf(w, `{"error":%q}`, errCode)
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
