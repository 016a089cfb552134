package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/elastic/semantic-code-search-mcp-server/internal/oauth"
)

const testIssuer = "https://auth.example.com"

func testConfig() oauth.Config {
	return oauth.Config{
		Issuer:         testIssuer,
		Audience:       testIssuer + "/mcp",
		RequiredClaims: []string{"sub"},
	}
}

func newTestMiddleware(t *testing.T, cfg oauth.Config) (*Middleware, *oauth.KeyManager) {
	t.Helper()
	keys, err := oauth.GenerateKeyManager()
	require.NoError(t, err)
	return NewMiddleware(NewVerifier(cfg, keys), cfg.Issuer, zap.NewNop()), keys
}

func mintToken(t *testing.T, keys *oauth.KeyManager, mutate func(jwt.MapClaims)) string {
	t.Helper()
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   testIssuer,
		"aud":   testIssuer + "/mcp",
		"sub":   "user-1",
		"email": "user@example.com",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	if mutate != nil {
		mutate(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = keys.KID()
	signed, err := token.SignedString(keys.PrivateKey())
	require.NoError(t, err)
	return signed
}

func protectedProbe(t *testing.T) (http.Handler, *oauth.Claims) {
	t.Helper()
	var seen oauth.Claims
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		require.True(t, ok)
		seen = claims
		w.WriteHeader(http.StatusOK)
	}), &seen
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	mw, keys := newTestMiddleware(t, testConfig())
	next, seen := protectedProbe(t)

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, keys, nil))
	rec := httptest.NewRecorder()
	mw.Handler(next).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", (*seen).Subject())
	assert.Equal(t, "user@example.com", (*seen).Email())
}

func TestMiddlewareChallengesMissingToken(t *testing.T) {
	mw, _ := newTestMiddleware(t, testConfig())
	next, _ := protectedProbe(t)

	rec := httptest.NewRecorder()
	mw.Handler(next).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	challenge := rec.Header().Get("WWW-Authenticate")
	assert.Contains(t, challenge, `Bearer realm="`+testIssuer+`"`)
	assert.Contains(t, challenge, testIssuer+"/.well-known/oauth-protected-resource")
}

func TestMiddlewareRejectsInvalidTokens(t *testing.T) {
	cfg := testConfig()
	mw, keys := newTestMiddleware(t, cfg)
	next, _ := protectedProbe(t)

	otherKeys, err := oauth.GenerateKeyManager()
	require.NoError(t, err)

	for _, tc := range []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-jwt"},
		{"expired", mintToken(t, keys, func(c jwt.MapClaims) {
			c["exp"] = time.Now().Add(-time.Hour).Unix()
		})},
		{"wrong issuer", mintToken(t, keys, func(c jwt.MapClaims) {
			c["iss"] = "https://other.example.com"
		})},
		{"wrong audience", mintToken(t, keys, func(c jwt.MapClaims) {
			c["aud"] = "https://other.example.com/api"
		})},
		{"wrong key", mintToken(t, otherKeys, nil)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
			req.Header.Set("Authorization", "Bearer "+tc.token)
			rec := httptest.NewRecorder()
			mw.Handler(next).ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
		})
	}
}

func TestMiddlewareForbidsMissingRequiredClaims(t *testing.T) {
	cfg := testConfig()
	cfg.RequiredClaims = []string{"sub", "email"}
	mw, keys := newTestMiddleware(t, cfg)
	next, _ := protectedProbe(t)

	token := mintToken(t, keys, func(c jwt.MapClaims) {
		delete(c, "email")
	})

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	mw.Handler(next).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="insufficient_scope"`)
}
