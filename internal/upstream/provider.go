// Package upstream drives the delegated login against the upstream identity
// provider: endpoint discovery, the authorization-code-grant exchange, and
// user-info retrieval. The provider is consumed only through its standard
// discovery and code-grant contract.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/elastic/semantic-code-search-mcp-server/internal/oauth"
)

// DefaultTimeout bounds every network call to the identity provider so a
// slow upstream cannot pin request-handling capacity.
const DefaultTimeout = 15 * time.Second

// ErrNonceMismatch is returned when the ID token's nonce does not match the
// one recorded in the login transaction.
var ErrNonceMismatch = errors.New("id token nonce mismatch")

// Config identifies the upstream provider and our registration with it.
type Config struct {
	// Issuer is the provider's issuer URL; endpoints are discovered from
	// {Issuer}/.well-known/openid-configuration.
	Issuer string

	// ClientID and ClientSecret are this server's credentials at the provider.
	ClientID     string
	ClientSecret string

	// RedirectURL is this server's /oauth/callback URL.
	RedirectURL string

	// Scopes requested from the provider. "openid" is always included.
	Scopes []string

	// Timeout bounds discovery, exchange and user-info calls.
	Timeout time.Duration
}

// Validate checks the required fields.
func (c Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("upstream issuer is required")
	}
	if c.ClientID == "" {
		return errors.New("upstream client id is required")
	}
	if c.RedirectURL == "" {
		return errors.New("upstream redirect url is required")
	}
	return nil
}

// Identity is the outcome of a completed upstream login: the merged claim
// set (ID token authoritative, user-info supplementary) and the provider's
// refresh token if one was granted.
type Identity struct {
	Claims       oauth.Claims
	RefreshToken string
}

// Provider performs discovery once per issuer and caches the result; the
// cached configuration is immutable after the fetch and safe for concurrent
// reads. A duplicate concurrent fetch is wasted work, not a correctness bug.
type Provider struct {
	cfg        Config
	httpClient *http.Client

	mu   sync.Mutex
	disc *discovery
}

type discovery struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	oauth    oauth2.Config
}

// New creates a Provider. Discovery is deferred to first use.
func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Provider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Issuer returns the configured issuer URL.
func (p *Provider) Issuer() string { return p.cfg.Issuer }

func (p *Provider) discover(ctx context.Context) (*discovery, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disc != nil {
		return p.disc, nil
	}

	ctx = oidc.ClientContext(ctx, p.httpClient)
	provider, err := oidc.NewProvider(ctx, p.cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discovering upstream provider: %w", err)
	}

	scopes := p.cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	} else if !contains(scopes, oidc.ScopeOpenID) {
		scopes = append([]string{oidc.ScopeOpenID}, scopes...)
	}

	endpoint := provider.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	p.disc = &discovery{
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: p.cfg.ClientID}),
		oauth: oauth2.Config{
			ClientID:     p.cfg.ClientID,
			ClientSecret: p.cfg.ClientSecret,
			RedirectURL:  p.cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
	}
	return p.disc, nil
}

// AuthCodeURL builds the provider authorization-request URL carrying our
// state blob, the S256 challenge for verifier, and the nonce.
func (p *Provider) AuthCodeURL(ctx context.Context, state, verifier, nonce string) (string, error) {
	disc, err := p.discover(ctx)
	if err != nil {
		return "", err
	}
	return disc.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("nonce", nonce),
	), nil
}

// Exchange redeems an upstream authorization code using the transaction's
// verifier, validates the ID token (including the nonce), and merges in
// user-info claims. ID-token claims win on conflict.
func (p *Provider) Exchange(ctx context.Context, code, verifier, nonce string) (*Identity, error) {
	disc, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	token, err := disc.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchanging upstream code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.New("upstream token response missing id_token")
	}
	idToken, err := disc.verifier.Verify(oidc.ClientContext(ctx, p.httpClient), rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verifying id token: %w", err)
	}
	if nonce != "" && idToken.Nonce != nonce {
		return nil, ErrNonceMismatch
	}

	var claims oauth.Claims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decoding id token claims: %w", err)
	}

	// User-info is best effort: some providers don't expose the endpoint,
	// and the ID token already carries the authoritative identity.
	if userInfo, uiErr := disc.provider.UserInfo(oidc.ClientContext(ctx, p.httpClient), oauth2.StaticTokenSource(token)); uiErr == nil {
		var extra oauth.Claims
		if err := userInfo.Claims(&extra); err == nil {
			claims = claims.Merge(extra)
		}
	}

	return &Identity{
		Claims:       claims,
		RefreshToken: token.RefreshToken,
	}, nil
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
