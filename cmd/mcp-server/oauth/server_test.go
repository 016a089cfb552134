package oauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/elastic/semantic-code-search-mcp-server/internal/audit"
	core "github.com/elastic/semantic-code-search-mcp-server/internal/oauth"
	"github.com/elastic/semantic-code-search-mcp-server/internal/upstream"
)

const (
	testIssuer      = "https://auth.example.com"
	testRedirectURI = "https://client.example.com/callback"
)

func testConfig() core.Config {
	return core.Config{
		Issuer:                testIssuer,
		Audience:              testIssuer + "/mcp",
		ServerSecret:          []byte("test-server-secret"),
		CookieSecret:          []byte("test-cookie-secret"),
		RequiredClaims:        []string{"sub"},
		ScopesSupported:       []string{"search:read"},
		CustomRedirectSchemes: []string{"vscode"},
		AccessTokenTTL:        time.Hour,
		RefreshTokenTTL:       30 * 24 * time.Hour,
		AuthCodeTTL:           5 * time.Minute,
		LoginTxTTL:            10 * time.Minute,
		SessionTTL:            30 * 24 * time.Hour,
		ConsentTTL:            90 * 24 * time.Hour,
		RotationLockTTL:       10 * time.Second,
	}
}

// newTestServer wires a Server against the in-memory store and a provider
// pointing at upstreamIssuer (discovery is lazy, so tests that never reach
// the provider can pass any URL).
func newTestServer(t *testing.T, cfg core.Config, upstreamIssuer string) (*Server, *core.MemoryStore, *core.KeyManager) {
	t.Helper()
	keys, err := core.GenerateKeyManager()
	require.NoError(t, err)

	store := core.NewMemoryStore()
	provider, err := upstream.New(upstream.Config{
		Issuer:       upstreamIssuer,
		ClientID:     "upstream-client",
		ClientSecret: "upstream-secret",
		RedirectURL:  testIssuer + "/oauth/callback",
	})
	require.NoError(t, err)

	srv, err := NewServer(cfg, keys, store, provider, audit.Nop(), zap.NewNop())
	require.NoError(t, err)
	return srv, store, keys
}

func registerTestClient(t *testing.T, store core.Store) *core.Client {
	t.Helper()
	client := &core.Client{
		ClientID:                "client_test",
		ClientName:              "Test Client",
		RedirectURIs:            []string{testRedirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		CreatedAt:               time.Now(),
	}
	require.NoError(t, store.CreateClient(context.Background(), client))
	return client
}

func pkcePair(t *testing.T) (verifier, challenge string) {
	t.Helper()
	buf := make([]byte, 32)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	verifier = base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:])
}

func authorizeURL(challenge, state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", "client_test")
	q.Set("redirect_uri", testRedirectURI)
	q.Set("scope", "search:read")
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	return "/oauth/authorize?" + q.Encode()
}

// fakeIdP is a minimal upstream OIDC provider for driving the callback path.
type fakeIdP struct {
	srv   *httptest.Server
	key   *rsa.PrivateKey
	nonce string
	sub   string
	email string
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	idp := &fakeIdP{key: key, sub: "user-1", email: "user@example.com"}
	mux := http.NewServeMux()
	idp.srv = httptest.NewServer(mux)
	t.Cleanup(idp.srv.Close)

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 idp.srv.URL,
			"authorization_endpoint": idp.srv.URL + "/authorize",
			"token_endpoint":         idp.srv.URL + "/token",
			"jwks_uri":               idp.srv.URL + "/keys",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		pub := &key.PublicKey
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]any{{
				"kty": "RSA", "use": "sig", "alg": "RS256", "kid": "idp-key",
				"n": base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e": base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			}},
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		claims := jwt.MapClaims{
			"iss":   idp.srv.URL,
			"aud":   "upstream-client",
			"sub":   idp.sub,
			"iat":   now.Unix(),
			"exp":   now.Add(time.Hour).Unix(),
			"nonce": idp.nonce,
		}
		if idp.email != "" {
			claims["email"] = idp.email
		}
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		token.Header["kid"] = "idp-key"
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
	return idp
}

var consentStateRe = regexp.MustCompile(`name="consent_state" value="([^"]+)"`)

// driveBrowserFlow runs authorize -> upstream callback -> consent and returns
// the authorization code plus the cookies accumulated along the way.
func driveBrowserFlow(t *testing.T, srv *Server, idp *fakeIdP, challenge, state string) (code string, cookies []*http.Cookie) {
	t.Helper()

	// Authorize with no session: expect a redirect to the provider.
	req := httptest.NewRequest(http.MethodGet, authorizeURL(challenge, state), nil)
	rec := httptest.NewRecorder()
	srv.HandleAuthorize(rec, req)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	upstreamURL, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/authorize", upstreamURL.Path)
	loginState := upstreamURL.Query().Get("state")
	require.NotEmpty(t, loginState)
	idp.nonce = upstreamURL.Query().Get("nonce")
	require.NotEmpty(t, idp.nonce)

	// Provider sends the browser back to the callback.
	req = httptest.NewRequest(http.MethodGet, "/oauth/callback?state="+url.QueryEscape(loginState)+"&code=upstream-code", nil)
	rec = httptest.NewRecorder()
	srv.HandleCallback(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cookies = rec.Result().Cookies()
	require.NotEmpty(t, cookies)

	// The consent page carries the signed resumption blob.
	match := consentStateRe.FindStringSubmatch(rec.Body.String())
	require.Len(t, match, 2)

	form := url.Values{}
	form.Set("consent_state", match[1])
	form.Set("decision", "approve")
	req = httptest.NewRequest(http.MethodPost, "/oauth/consent", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec = httptest.NewRecorder()
	srv.HandleConsent(rec, req)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	cookies = append(cookies, rec.Result().Cookies()...)

	redirect, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Contains(t, redirect.String(), testRedirectURI)
	assert.Equal(t, state, redirect.Query().Get("state"))
	code = redirect.Query().Get("code")
	require.NotEmpty(t, code)
	return code, cookies
}

func TestAuthorizationFlowEndToEnd(t *testing.T) {
	idp := newFakeIdP(t)
	cfg := testConfig()
	srv, store, _ := newTestServer(t, cfg, idp.srv.URL)
	registerTestClient(t, store)

	verifier, challenge := pkcePair(t)
	code, cookies := driveBrowserFlow(t, srv, idp, challenge, "client-state")

	// The code is bound to the challenge and single-use.
	record, err := store.ConsumeAuthorizationCode(context.Background(),
		core.HashToken(cfg.ServerSecret, code))
	require.NoError(t, err)
	assert.Equal(t, "client_test", record.ClientID)
	assert.Equal(t, challenge, record.CodeChallenge)
	assert.Equal(t, "user-1", record.UserClaims.Subject())
	assert.True(t, core.VerifyPKCES256(verifier, record.CodeChallenge))

	// A second authorize with the session and consent cookies skips both
	// the upstream login and the consent page.
	_, challenge2 := pkcePair(t)
	req := httptest.NewRequest(http.MethodGet, authorizeURL(challenge2, "state-2"), nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	srv.HandleAuthorize(rec, req)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	redirect, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Contains(t, redirect.String(), testRedirectURI)
	assert.NotEmpty(t, redirect.Query().Get("code"))
}

func TestAuthorizeRejectsUnknownClient(t *testing.T) {
	srv, _, _ := newTestServer(t, testConfig(), "https://idp.invalid")

	req := httptest.NewRequest(http.MethodGet, authorizeURL("challenge", "s"), nil)
	rec := httptest.NewRecorder()
	srv.HandleAuthorize(rec, req)

	// No redirect: the redirect URI is untrusted without a registration.
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
}

func TestAuthorizeRejectsUnregisteredRedirect(t *testing.T) {
	srv, store, _ := newTestServer(t, testConfig(), "https://idp.invalid")
	registerTestClient(t, store)

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", "client_test")
	q.Set("redirect_uri", "https://evil.example.com/cb")
	q.Set("code_challenge", "challenge")
	q.Set("code_challenge_method", "S256")

	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	srv.HandleAuthorize(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
}

func TestAuthorizeRequiresS256(t *testing.T) {
	idp := newFakeIdP(t)
	srv, store, _ := newTestServer(t, testConfig(), idp.srv.URL)
	registerTestClient(t, store)

	authorize := func(t *testing.T, method string) *httptest.ResponseRecorder {
		t.Helper()
		q := url.Values{}
		q.Set("response_type", "code")
		q.Set("client_id", "client_test")
		q.Set("redirect_uri", testRedirectURI)
		q.Set("state", "s")
		q.Set("code_challenge", "challenge")
		if method != "" {
			q.Set("code_challenge_method", method)
		}
		req := httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+q.Encode(), nil)
		rec := httptest.NewRecorder()
		srv.HandleAuthorize(rec, req)
		return rec
	}

	t.Run("plain method", func(t *testing.T) {
		rec := authorize(t, "plain")
		require.Equal(t, http.StatusFound, rec.Code)
		redirect, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, "invalid_request", redirect.Query().Get("error"))
		assert.Equal(t, "s", redirect.Query().Get("state"))
	})

	// An absent method means S256; the request proceeds upstream.
	t.Run("missing method defaults to S256", func(t *testing.T) {
		rec := authorize(t, "")
		require.Equal(t, http.StatusFound, rec.Code)
		redirect, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)
		assert.Empty(t, redirect.Query().Get("error"))
		assert.Contains(t, redirect.String(), idp.srv.URL)
	})
}

func TestCallbackRejectsReplay(t *testing.T) {
	idp := newFakeIdP(t)
	srv, store, _ := newTestServer(t, testConfig(), idp.srv.URL)
	registerTestClient(t, store)

	_, challenge := pkcePair(t)
	req := httptest.NewRequest(http.MethodGet, authorizeURL(challenge, "s"), nil)
	rec := httptest.NewRecorder()
	srv.HandleAuthorize(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)

	upstreamURL, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	loginState := upstreamURL.Query().Get("state")
	idp.nonce = upstreamURL.Query().Get("nonce")

	callback := "/oauth/callback?state=" + url.QueryEscape(loginState) + "&code=upstream-code"
	rec = httptest.NewRecorder()
	srv.HandleCallback(rec, httptest.NewRequest(http.MethodGet, callback, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// The transaction is consumed: a replayed callback fails.
	rec = httptest.NewRecorder()
	srv.HandleCallback(rec, httptest.NewRequest(http.MethodGet, callback, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackRejectsMissingRequiredClaims(t *testing.T) {
	idp := newFakeIdP(t)
	idp.email = ""
	cfg := testConfig()
	cfg.RequiredClaims = []string{"sub", "email"}
	srv, store, _ := newTestServer(t, cfg, idp.srv.URL)
	registerTestClient(t, store)

	_, challenge := pkcePair(t)
	req := httptest.NewRequest(http.MethodGet, authorizeURL(challenge, "s"), nil)
	rec := httptest.NewRecorder()
	srv.HandleAuthorize(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)

	upstreamURL, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	idp.nonce = upstreamURL.Query().Get("nonce")

	rec = httptest.NewRecorder()
	srv.HandleCallback(rec, httptest.NewRequest(http.MethodGet,
		"/oauth/callback?state="+url.QueryEscape(upstreamURL.Query().Get("state"))+"&code=upstream-code", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCallbackRejectsForgedState(t *testing.T) {
	srv, _, _ := newTestServer(t, testConfig(), "https://idp.invalid")

	rec := httptest.NewRecorder()
	srv.HandleCallback(rec, httptest.NewRequest(http.MethodGet, "/oauth/callback?state=forged&code=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConsentDenyRedirectsAccessDenied(t *testing.T) {
	idp := newFakeIdP(t)
	srv, store, _ := newTestServer(t, testConfig(), idp.srv.URL)
	registerTestClient(t, store)

	_, challenge := pkcePair(t)
	req := httptest.NewRequest(http.MethodGet, authorizeURL(challenge, "deny-state"), nil)
	rec := httptest.NewRecorder()
	srv.HandleAuthorize(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)

	upstreamURL, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	idp.nonce = upstreamURL.Query().Get("nonce")

	rec = httptest.NewRecorder()
	srv.HandleCallback(rec, httptest.NewRequest(http.MethodGet,
		"/oauth/callback?state="+url.QueryEscape(upstreamURL.Query().Get("state"))+"&code=upstream-code", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()

	match := consentStateRe.FindStringSubmatch(rec.Body.String())
	require.Len(t, match, 2)

	form := url.Values{}
	form.Set("consent_state", match[1])
	form.Set("decision", "deny")
	req = httptest.NewRequest(http.MethodPost, "/oauth/consent", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec = httptest.NewRecorder()
	srv.HandleConsent(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)

	redirect, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "access_denied", redirect.Query().Get("error"))
	assert.Equal(t, "deny-state", redirect.Query().Get("state"))
}
