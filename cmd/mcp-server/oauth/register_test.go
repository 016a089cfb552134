package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postRegister(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.HandleRegister(rec, req)
	return rec
}

func TestRegisterPublicClient(t *testing.T) {
	srv, store, _ := newTestServer(t, testConfig(), "https://idp.invalid")

	rec := postRegister(t, srv, `{
		"client_name": "My Editor",
		"redirect_uris": ["https://editor.example.com/callback", "http://localhost:33418/callback", "vscode://auth/callback"]
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp registrationResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, strings.HasPrefix(resp.ClientID, "client_"))
	assert.NotZero(t, resp.ClientIDIssuedAt)
	assert.Equal(t, "My Editor", resp.ClientName)
	assert.Equal(t, "none", resp.TokenEndpointAuthMethod)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, resp.GrantTypes)
	assert.Equal(t, []string{"code"}, resp.ResponseTypes)

	stored, err := store.GetClient(context.Background(), resp.ClientID)
	require.NoError(t, err)
	assert.Len(t, stored.RedirectURIs, 3)
}

func TestRegisterRejectsBadRedirects(t *testing.T) {
	srv, _, _ := newTestServer(t, testConfig(), "https://idp.invalid")

	for _, tc := range []struct {
		name string
		body string
	}{
		{"no redirect uris", `{"client_name": "x"}`},
		{"ftp scheme", `{"redirect_uris": ["ftp://example.com/cb"]}`},
		{"plain http non-loopback", `{"redirect_uris": ["http://example.com/cb"]}`},
		{"unregistered custom scheme", `{"redirect_uris": ["myapp://cb"]}`},
		{"relative uri", `{"redirect_uris": ["/callback"]}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := postRegister(t, srv, tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var oerr oauthError
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&oerr))
			assert.Equal(t, "invalid_redirect_uri", oerr.Error)
		})
	}
}

func TestRegisterAcceptsLoopbackVariants(t *testing.T) {
	srv, _, _ := newTestServer(t, testConfig(), "https://idp.invalid")

	rec := postRegister(t, srv, `{"redirect_uris": ["http://127.0.0.1:8123/cb", "http://[::1]:8123/cb"]}`)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestRegisterRejectsConfidentialClientMetadata(t *testing.T) {
	srv, _, _ := newTestServer(t, testConfig(), "https://idp.invalid")

	for _, tc := range []struct {
		name string
		body string
	}{
		{"secret auth", `{"redirect_uris": ["https://a.example.com/cb"], "token_endpoint_auth_method": "client_secret_basic"}`},
		{"implicit grant", `{"redirect_uris": ["https://a.example.com/cb"], "grant_types": ["implicit"]}`},
		{"token response", `{"redirect_uris": ["https://a.example.com/cb"], "response_types": ["token"]}`},
		{"not json", `redirect_uris=x`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := postRegister(t, srv, tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var oerr oauthError
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&oerr))
			assert.Equal(t, "invalid_client_metadata", oerr.Error)
		})
	}
}
