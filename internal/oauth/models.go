package oauth

import "time"

// Client is a dynamically registered OAuth client. Records are created once
// by the registration endpoint, are immutable afterwards, and never expire.
type Client struct {
	ClientID                string    `json:"client_id"`
	ClientName              string    `json:"client_name,omitempty"`
	ClientURI               string    `json:"client_uri,omitempty"`
	RedirectURIs            []string  `json:"redirect_uris"`
	GrantTypes              []string  `json:"grant_types"`
	ResponseTypes           []string  `json:"response_types"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	Scope                   string    `json:"scope,omitempty"`
	CreatedAt               time.Time `json:"created_at"`
}

// RedirectURIAllowed reports whether uri exactly matches a registered
// redirect URI. No wildcard or prefix matching.
func (c *Client) RedirectURIAllowed(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// AuthorizationCode is a single-use code record, stored under an HMAC hash of
// the code so the store never holds the redeemable value.
type AuthorizationCode struct {
	CodeHash            string    `json:"code_hash"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	Scope               string    `json:"scope,omitempty"`
	Resource            string    `json:"resource,omitempty"`
	UserClaims          Claims    `json:"user_claims"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// Expired reports whether the code is past its validity window.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// RefreshToken is a rotation-chained refresh token record, keyed by an HMAC
// hash of the token value. At any instant exactly one valid record exists per
// logical chain: each redemption persists a successor and deletes this record.
type RefreshToken struct {
	TokenHash  string    `json:"token_hash"`
	ClientID   string    `json:"client_id"`
	Scope      string    `json:"scope,omitempty"`
	Resource   string    `json:"resource,omitempty"`
	UserClaims Claims    `json:"user_claims"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the refresh token is past its validity window.
func (t *RefreshToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Session is a browser login session established after a successful upstream
// login. The browser cookie carries only the (signed) session ID; claims stay
// server-side. UpstreamRefreshToken is AEAD-encrypted before storage.
type Session struct {
	SessionID            string    `json:"session_id"`
	UserClaims           Claims    `json:"user_claims"`
	UpstreamRefreshToken string    `json:"upstream_refresh_token,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	ExpiresAt            time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its validity window.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// LoginTransaction tracks one round trip to the upstream identity provider:
// the PKCE verifier and nonce we sent, consumed exactly once on callback.
type LoginTransaction struct {
	TxID         string    `json:"tx_id"`
	PKCEVerifier string    `json:"pkce_verifier"`
	Nonce        string    `json:"nonce"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the transaction is past its validity window.
func (t *LoginTransaction) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
