package oauth

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds the authorization-server settings.
type Config struct {
	// Issuer is the server's own public URL, without trailing slash.
	Issuer string

	// Audience is the default audience minted into access tokens when the
	// client does not pass a resource indicator.
	Audience string

	// ServerSecret keys refresh/code hashing and the at-rest sealer.
	ServerSecret []byte

	// CookieSecret signs state blobs and browser cookies.
	CookieSecret []byte

	// RequiredClaims must be present in the upstream identity before any
	// session, code, or token is issued, and again at verification time.
	RequiredClaims []string

	// ScopesSupported is advertised in the discovery documents.
	ScopesSupported []string

	// CustomRedirectSchemes are non-HTTP callback schemes accepted at
	// registration, for native and desktop tool clients.
	CustomRedirectSchemes []string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration
	LoginTxTTL      time.Duration
	SessionTTL      time.Duration
	ConsentTTL      time.Duration
	RotationLockTTL time.Duration

	// DebugEndpoint enables the bearer-protected /oauth/debug endpoint.
	DebugEndpoint bool
}

// LoadConfigFromEnv reads the OAuth server configuration from environment
// variables. OAUTH_ISSUER, OAUTH_SERVER_SECRET and OAUTH_COOKIE_SECRET are
// required; everything else has defaults.
func LoadConfigFromEnv() (Config, error) {
	issuer := strings.TrimRight(strings.TrimSpace(os.Getenv("OAUTH_ISSUER")), "/")
	if issuer == "" {
		return Config{}, fmt.Errorf("OAUTH_ISSUER is required")
	}

	serverSecret := os.Getenv("OAUTH_SERVER_SECRET")
	if serverSecret == "" {
		return Config{}, fmt.Errorf("OAUTH_SERVER_SECRET is required")
	}
	cookieSecret := os.Getenv("OAUTH_COOKIE_SECRET")
	if cookieSecret == "" {
		return Config{}, fmt.Errorf("OAUTH_COOKIE_SECRET is required")
	}

	audience := strings.TrimSpace(os.Getenv("OAUTH_AUDIENCE"))
	if audience == "" {
		audience = issuer + "/mcp"
	}

	return Config{
		Issuer:                issuer,
		Audience:              audience,
		ServerSecret:          []byte(serverSecret),
		CookieSecret:          []byte(cookieSecret),
		RequiredClaims:        splitEnvList("OAUTH_REQUIRED_CLAIMS", []string{"sub"}),
		ScopesSupported:       splitEnvList("OAUTH_SCOPES_SUPPORTED", []string{"search:read"}),
		CustomRedirectSchemes: splitEnvList("OAUTH_CUSTOM_REDIRECT_SCHEMES", []string{"vscode", "cursor"}),
		AccessTokenTTL:        parseDurationEnv("OAUTH_ACCESS_TOKEN_TTL", time.Hour),
		RefreshTokenTTL:       parseDurationEnv("OAUTH_REFRESH_TOKEN_TTL", 30*24*time.Hour),
		AuthCodeTTL:           parseDurationEnv("OAUTH_AUTH_CODE_TTL", 5*time.Minute),
		LoginTxTTL:            parseDurationEnv("OAUTH_LOGIN_TX_TTL", 10*time.Minute),
		SessionTTL:            parseDurationEnv("OAUTH_SESSION_TTL", 30*24*time.Hour),
		ConsentTTL:            parseDurationEnv("OAUTH_CONSENT_TTL", 90*24*time.Hour),
		RotationLockTTL:       parseDurationEnv("OAUTH_ROTATION_LOCK_TTL", 10*time.Second),
		DebugEndpoint:         strings.EqualFold(os.Getenv("OAUTH_DEBUG_ENDPOINT"), "true"),
	}, nil
}

func splitEnvList(key string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	if len(values) == 0 {
		return fallback
	}
	return values
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if dur, err := time.ParseDuration(val); err == nil {
			return dur
		}
	}
	return fallback
}
