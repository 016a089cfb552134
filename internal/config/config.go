// Package config bootstraps the process environment (optional config file,
// .env files, AWS Secrets Manager) and exposes the top-level application
// settings. OAuth-protocol settings live in internal/oauth.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/elastic/semantic-code-search-mcp-server/internal/search"
	"github.com/elastic/semantic-code-search-mcp-server/internal/upstream"
)

// Storage backend selectors.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// App is the top-level application configuration.
type App struct {
	// Addr is the listen address.
	Addr string

	// StorageBackend selects the Store implementation: memory or redis.
	StorageBackend string

	// RedisURL is the shared-store connection string when StorageBackend
	// is redis.
	RedisURL string

	// Upstream identifies the delegated identity provider.
	Upstream upstream.Config

	// Search locates the backing code-search cluster.
	Search search.Config

	// AuditAMQPURL enables the AMQP audit publisher when set.
	AuditAMQPURL string

	// AuditQueue is the queue audit events are published to.
	AuditQueue string

	// Development switches logging to the human-readable encoder.
	Development bool
}

// fileConfig mirrors the optional YAML config file. File values seed the
// environment; explicit environment variables always win.
type fileConfig struct {
	Env map[string]string `yaml:"env"`
}

// SeedFromFile loads the YAML file at path (or MCP_CONFIG_FILE when path is
// empty) and sets each key into the environment unless already set.
func SeedFromFile(path string) error {
	if path == "" {
		path = os.Getenv("MCP_CONFIG_FILE")
	}
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	for key, value := range fc.Env {
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return err
			}
		}
	}
	return nil
}

// Load reads the application configuration from the environment.
func Load() (App, error) {
	app := App{
		Addr:           envOr("SERVER_ADDR", ":8080"),
		StorageBackend: strings.ToLower(envOr("OAUTH_STORAGE", StorageMemory)),
		RedisURL:       os.Getenv("REDIS_URL"),
		AuditAMQPURL:   os.Getenv("AUDIT_AMQP_URL"),
		AuditQueue:     envOr("AUDIT_QUEUE", "oauth-audit-events"),
		Development:    strings.EqualFold(os.Getenv("DEV_MODE"), "true"),
	}

	switch app.StorageBackend {
	case StorageMemory:
	case StorageRedis:
		if app.RedisURL == "" {
			return App{}, fmt.Errorf("REDIS_URL is required when OAUTH_STORAGE=redis")
		}
	default:
		return App{}, fmt.Errorf("unknown OAUTH_STORAGE %q (memory or redis)", app.StorageBackend)
	}

	issuer := strings.TrimRight(strings.TrimSpace(os.Getenv("OAUTH_ISSUER")), "/")
	app.Upstream = upstream.Config{
		Issuer:       strings.TrimSpace(os.Getenv("UPSTREAM_ISSUER")),
		ClientID:     os.Getenv("UPSTREAM_CLIENT_ID"),
		ClientSecret: os.Getenv("UPSTREAM_CLIENT_SECRET"),
		RedirectURL:  issuer + "/oauth/callback",
		Scopes:       splitList(os.Getenv("UPSTREAM_SCOPES")),
		Timeout:      durationOr("UPSTREAM_TIMEOUT", upstream.DefaultTimeout),
	}

	app.Search = search.Config{
		BaseURL: os.Getenv("SEARCH_URL"),
		Index:   envOr("SEARCH_INDEX", "code-search"),
		APIKey:  os.Getenv("SEARCH_API_KEY"),
		Timeout: durationOr("SEARCH_TIMEOUT", 30*time.Second),
	}

	return app, nil
}

func envOr(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if dur, err := time.ParseDuration(val); err == nil {
			return dur
		}
	}
	return fallback
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values
}
