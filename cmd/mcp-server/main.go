// Command mcp-server runs the OAuth-protected code-search MCP server: an
// authorization server that delegates login to an upstream identity provider
// and a streamable-HTTP MCP endpoint guarded by the tokens it mints.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/elastic/semantic-code-search-mcp-server/cmd/mcp-server/auth"
	"github.com/elastic/semantic-code-search-mcp-server/cmd/mcp-server/handlers"
	oauthserver "github.com/elastic/semantic-code-search-mcp-server/cmd/mcp-server/oauth"
	"github.com/elastic/semantic-code-search-mcp-server/internal/audit"
	"github.com/elastic/semantic-code-search-mcp-server/internal/config"
	"github.com/elastic/semantic-code-search-mcp-server/internal/oauth"
	"github.com/elastic/semantic-code-search-mcp-server/internal/search"
	"github.com/elastic/semantic-code-search-mcp-server/internal/upstream"
)

const serverVersion = "1.0.0"

func main() {
	bootstrapLog, _ := zap.NewProduction()
	config.LoadEnv(bootstrapLog, ".env")
	if err := config.SeedFromFile(""); err != nil {
		bootstrapLog.Fatal("loading config file failed", zap.Error(err))
	}

	app, err := config.Load()
	if err != nil {
		bootstrapLog.Fatal("loading configuration failed", zap.Error(err))
	}

	log := newLogger(app.Development)
	defer func() { _ = log.Sync() }()

	oauthCfg, err := oauth.LoadConfigFromEnv()
	if err != nil {
		log.Fatal("loading oauth configuration failed", zap.Error(err))
	}

	keys, err := oauth.LoadKeyManagerFromEnv()
	if err != nil {
		if !app.Development {
			log.Fatal("loading signing key failed", zap.Error(err))
		}
		log.Warn("no signing key configured, generating an ephemeral key", zap.Error(err))
		if keys, err = oauth.GenerateKeyManager(); err != nil {
			log.Fatal("generating signing key failed", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, app)
	if err != nil {
		log.Fatal("initializing storage failed", zap.Error(err))
	}
	defer func() { _ = store.Close() }()
	log.Info("storage ready", zap.String("backend", app.StorageBackend))

	provider, err := upstream.New(app.Upstream)
	if err != nil {
		log.Fatal("configuring upstream provider failed", zap.Error(err))
	}

	auditor, closeAuditor := newAuditor(app, log)
	defer closeAuditor()

	searchClient, err := search.NewClient(app.Search)
	if err != nil {
		log.Fatal("configuring search client failed", zap.Error(err))
	}

	authServer, err := oauthserver.NewServer(oauthCfg, keys, store, provider, auditor, log)
	if err != nil {
		log.Fatal("initializing authorization server failed", zap.Error(err))
	}

	verifier := auth.NewVerifier(oauthCfg, keys)
	bearer := auth.NewMiddleware(verifier, oauthCfg.Issuer, log)

	mcpServer := server.NewMCPServer("semantic-code-search", serverVersion,
		server.WithToolCapabilities(false),
	)
	handlers.Register(mcpServer, searchClient, log)
	streamable := server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			// Tool handlers see the claims the bearer middleware verified.
			if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
				return auth.WithClaims(ctx, claims)
			}
			return ctx
		}),
	)

	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)

	router.Group(func(r chi.Router) {
		r.Use(oauthserver.WellKnownCORS)
		r.Get("/.well-known/oauth-authorization-server", authServer.HandleAuthorizationServerMetadata)
		r.Get("/.well-known/oauth-protected-resource", authServer.HandleProtectedResourceMetadata)
		r.Get("/.well-known/oauth-protected-resource/mcp", authServer.HandleProtectedResourceMetadata)
		r.Get("/.well-known/jwks.json", authServer.HandleJWKS)
	})

	router.Post("/oauth/register", authServer.HandleRegister)
	router.Get("/oauth/authorize", authServer.HandleAuthorize)
	router.Get("/oauth/callback", authServer.HandleCallback)
	router.Post("/oauth/consent", authServer.HandleConsent)
	router.Post("/oauth/token", authServer.HandleToken)
	if oauthCfg.DebugEndpoint {
		router.With(bearer.Handler).Get("/oauth/debug", authServer.HandleDebug)
	}

	router.Handle("/mcp", bearer.Handler(streamable))

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              app.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening",
			zap.String("addr", app.Addr),
			zap.String("issuer", oauthCfg.Issuer))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("graceful shutdown failed", zap.Error(err))
		}
	}
}

func newLogger(development bool) *zap.Logger {
	if development {
		log, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		return log
	}
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return log
}

func newStore(ctx context.Context, app config.App) (oauth.Store, error) {
	if app.StorageBackend == config.StorageRedis {
		return oauth.NewRedisStoreFromURL(ctx, app.RedisURL)
	}
	return oauth.NewMemoryStore(), nil
}

func newAuditor(app config.App, log *zap.Logger) (audit.Auditor, func()) {
	logAuditor := audit.NewLogAuditor(log)
	if app.AuditAMQPURL == "" {
		return logAuditor, func() {}
	}
	amqpAuditor, err := audit.NewAMQPAuditor(app.AuditAMQPURL, app.AuditQueue, log)
	if err != nil {
		log.Warn("audit broker unavailable, falling back to log-only auditing", zap.Error(err))
		return logAuditor, func() {}
	}
	return audit.Multi(logAuditor, amqpAuditor), func() { _ = amqpAuditor.Close() }
}
