package upstream

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIdP is a minimal OIDC provider: discovery, JWKS, token, and user-info
// endpoints backed by a throwaway RSA key.
type fakeIdP struct {
	srv   *httptest.Server
	key   *rsa.PrivateKey
	nonce string
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	idp := &fakeIdP{key: key}
	mux := http.NewServeMux()
	idp.srv = httptest.NewServer(mux)
	t.Cleanup(idp.srv.Close)

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 idp.srv.URL,
			"authorization_endpoint": idp.srv.URL + "/authorize",
			"token_endpoint":         idp.srv.URL + "/token",
			"jwks_uri":               idp.srv.URL + "/keys",
			"userinfo_endpoint":      idp.srv.URL + "/userinfo",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		pub := &key.PublicKey
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]any{{
				"kty": "RSA",
				"use": "sig",
				"alg": "RS256",
				"kid": "test-key",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			}},
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostFormValue("grant_type"))
		assert.NotEmpty(t, r.PostFormValue("code_verifier"))

		now := time.Now()
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
			"iss":   idp.srv.URL,
			"aud":   "upstream-client",
			"sub":   "user-1",
			"email": "user@example.com",
			"iat":   now.Unix(),
			"exp":   now.Add(time.Hour).Unix(),
			"nonce": idp.nonce,
		})
		token.Header["kid"] = "test-key"
		signed, err := token.SignedString(key)
		require.NoError(t, err)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "upstream-access",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "upstream-refresh",
			"id_token":      signed,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sub":  "user-1",
			"name": "User One",
		})
	})

	return idp
}

func newTestProvider(t *testing.T, idp *fakeIdP) *Provider {
	t.Helper()
	provider, err := New(Config{
		Issuer:       idp.srv.URL,
		ClientID:     "upstream-client",
		ClientSecret: "upstream-secret",
		RedirectURL:  "https://auth.example.com/oauth/callback",
		Scopes:       []string{"profile", "email"},
	})
	require.NoError(t, err)
	return provider
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{ClientID: "x", RedirectURL: "y"}.Validate())
	assert.Error(t, Config{Issuer: "x", RedirectURL: "y"}.Validate())
	assert.Error(t, Config{Issuer: "x", ClientID: "y"}.Validate())
	assert.NoError(t, Config{Issuer: "x", ClientID: "y", RedirectURL: "z"}.Validate())
}

func TestAuthCodeURL(t *testing.T) {
	idp := newFakeIdP(t)
	provider := newTestProvider(t, idp)

	raw, err := provider.AuthCodeURL(context.Background(), "signed-state", "the-verifier", "the-nonce")
	require.NoError(t, err)

	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	q := parsed.Query()

	assert.Equal(t, "/authorize", parsed.Path)
	assert.Equal(t, "signed-state", q.Get("state"))
	assert.Equal(t, "the-nonce", q.Get("nonce"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Contains(t, q.Get("scope"), "openid")
}

func TestExchange(t *testing.T) {
	idp := newFakeIdP(t)
	idp.nonce = "the-nonce"
	provider := newTestProvider(t, idp)

	identity, err := provider.Exchange(context.Background(), "the-code", "the-verifier", "the-nonce")
	require.NoError(t, err)

	assert.Equal(t, "user-1", identity.Claims.Subject())
	assert.Equal(t, "user@example.com", identity.Claims.Email())
	assert.Equal(t, "User One", identity.Claims["name"]) // merged from user-info
	assert.Equal(t, "upstream-refresh", identity.RefreshToken)
}

func TestExchangeRejectsNonceMismatch(t *testing.T) {
	idp := newFakeIdP(t)
	idp.nonce = "stale-nonce"
	provider := newTestProvider(t, idp)

	_, err := provider.Exchange(context.Background(), "the-code", "the-verifier", "the-nonce")
	assert.ErrorIs(t, err, ErrNonceMismatch)
}
