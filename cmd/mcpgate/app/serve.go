// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/mcpgate/pkg/gateway/auth"
	"github.com/stacklok/mcpgate/pkg/gateway/backend"
	"github.com/stacklok/mcpgate/pkg/gateway/catalog"
	"github.com/stacklok/mcpgate/pkg/gateway/config"
	"github.com/stacklok/mcpgate/pkg/gateway/metrics"
	"github.com/stacklok/mcpgate/pkg/gateway/middleware"
	"github.com/stacklok/mcpgate/pkg/gateway/permissions"
	"github.com/stacklok/mcpgate/pkg/gateway/server"
	"github.com/stacklok/mcpgate/pkg/gateway/session"
	"github.com/stacklok/mcpgate/pkg/gateway/store/sqlite"
	"github.com/stacklok/mcpgate/pkg/gateway/tokens"
	"github.com/stacklok/mcpgate/pkg/logger"
	"github.com/stacklok/mcpgate/pkg/networking"
	"github.com/stacklok/mcpgate/pkg/versions"
)

const serviceName = "mcpgate"

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long: `Start the gateway. Clients connect over SSE at /sse and /messages or over
streamable HTTP at /mcp. The server shuts down gracefully on SIGINT or SIGTERM.`,
		RunE: runServe,
	}
	cmd.Flags().String("address", "", "Listen address, overrides server.address")
	if err := viper.BindPFlag("address", cmd.Flags().Lookup("address")); err != nil {
		logger.Errorf("Error binding address flag: %v", err)
	}
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	gw, err := newGateway(ctx, cfg)
	if err != nil {
		return err
	}
	defer gw.close()

	httpServer := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           gw.handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.Std(),
	}
	// Open SSE streams only end when their sessions are closed
	httpServer.RegisterOnShutdown(gw.sessions.Stop)

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Starting gateway at %s", cfg.Server.Address)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Infof("Shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// gateway is the wired set of components behind the HTTP handler.
type gateway struct {
	handler  http.Handler
	server   *server.Server
	sessions *session.Manager
	tokens   *tokens.Manager
	metrics  *metrics.Metrics

	closers []func() error
}

// close stops background work and releases resources in reverse order of
// acquisition.
func (g *gateway) close() {
	g.sessions.Stop()
	g.server.Wait()
	g.tokens.Wait()
	if err := g.metrics.Shutdown(context.Background()); err != nil {
		logger.Warnw("failed to shut down metrics", "error", err)
	}
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i](); err != nil {
			logger.Warnw("failed to release resource", "error", err)
		}
	}
}

// newGateway opens the store and wires every component from cfg.
func newGateway(ctx context.Context, cfg *config.Config) (_ *gateway, retErr error) {
	gw := &gateway{}
	defer func() {
		if retErr != nil {
			for i := len(gw.closers) - 1; i >= 0; i-- {
				_ = gw.closers[i]()
			}
		}
	}()
	version := versions.GetVersionInfo().Version

	store, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}
	gw.closers = append(gw.closers, store.Close)

	if cfg.Metrics.Enabled {
		gw.metrics, err = metrics.New(metrics.Config{
			ServiceName:           serviceName,
			ServiceVersion:        version,
			IncludeRuntimeMetrics: true,
		})
		if err != nil {
			return nil, err
		}
	}

	gw.tokens, err = newTokenManager(ctx, cfg.Tokens, store, gw)
	if err != nil {
		return nil, err
	}

	apiKeys := auth.NewAPIKeyValidator(store, auth.APIKeyValidatorConfig{
		CacheTTL:  cfg.Auth.CacheTTL.Std(),
		CacheSize: cfg.Auth.CacheSize,
	})
	resolverOpts := []auth.ResolverOption{auth.WithAPIKeyPrefix(cfg.Auth.APIKeyPrefix)}
	if cfg.Auth.JWT != nil {
		verifier, err := newJWTVerifier(ctx, cfg.Auth.JWT, store)
		if err != nil {
			return nil, err
		}
		resolverOpts = append(resolverOpts, auth.WithJWTVerifier(verifier))
	}
	resolver := auth.NewResolver(apiKeys, resolverOpts...)

	perms, err := permissions.NewResolver(store, permissions.Config{
		CacheSize:     cfg.Permissions.CacheSize,
		CacheTTL:      cfg.Permissions.CacheTTL.Std(),
		MaxGroupDepth: cfg.Permissions.MaxGroupDepth,
		Policies:      cfg.Permissions.Policies,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create permission resolver: %w", err)
	}

	index, err := catalog.NewFTSIndex()
	if err != nil {
		return nil, err
	}
	gw.closers = append(gw.closers, index.Close)

	dispatcher := backend.NewClient(backend.Config{
		Timeout:          cfg.Backend.Timeout.Std(),
		MaxAttempts:      cfg.Backend.MaxAttempts,
		RetryBackoff:     cfg.Backend.RetryBackoff.Std(),
		MaxResponseBytes: cfg.Backend.MaxResponseBytes,
		ClientName:       serviceName,
		ClientVersion:    version,
	})
	tools := catalog.New(store, dispatcher, catalog.Config{
		Mode:              cfg.Catalog.Mode,
		CacheTTL:          cfg.Catalog.CacheTTL.Std(),
		CacheEntries:      cfg.Catalog.CacheEntries,
		CacheBytes:        cfg.Catalog.CacheBytes,
		SearchLimit:       cfg.Catalog.SearchLimit,
		ValidateArguments: cfg.Catalog.ValidateArguments,
	},
		catalog.WithSearchIndex(index),
		catalog.WithTokenSource(gw.tokens),
		catalog.WithToolAuthorizer(server.ToolAuthorizer(perms)),
	)

	processor, err := newResultProcessor(cfg.Middleware)
	if err != nil {
		return nil, err
	}

	gw.sessions = session.NewManager(session.Config{
		KeepaliveInterval: cfg.Sessions.KeepaliveInterval.Std(),
		Timeout:           cfg.Sessions.Timeout.Std(),
		MaxErrors:         cfg.Sessions.MaxErrors,
		MaxSessions:       cfg.Sessions.MaxSessions,
		BufferSize:        cfg.Sessions.BufferSize,
		OnClose: func(info session.Info, reason string) {
			gw.server.SessionClosed(info, reason)
		},
	})

	gw.server, err = server.New(server.Config{
		SessionHeader: cfg.Server.SessionHeader,
		APIKeyHeader:  cfg.Auth.APIKeyHeader,
		RateLimit:     cfg.Server.RateLimit,
		RateBurst:     cfg.Server.RateBurst,
		MetricsPath:   cfg.Metrics.Path,
		ServerName:    serviceName,
		ServerVersion: version,
	}, server.Deps{
		Sessions:   gw.sessions,
		Auth:       resolver,
		Authorizer: perms,
		Catalog:    tools,
		Resources:  store,
		Processor:  processor,
		Metrics:    gw.metrics,
		Ready:      store.Ping,
	})
	if err != nil {
		return nil, err
	}

	if err := errors.Join(
		gw.metrics.ObserveSessions(gw.sessions.Count),
		gw.metrics.ObserveCache("api_keys", apiKeys.Stats),
		gw.metrics.ObserveCache("permissions", perms.Stats),
		gw.metrics.ObserveCache("catalog", tools.Stats),
	); err != nil {
		return nil, fmt.Errorf("failed to register metrics callbacks: %w", err)
	}

	gw.sessions.Start()
	gw.handler = gw.server.Handler()
	return gw, nil
}

func newTokenManager(ctx context.Context, cfg config.TokenConfig, store tokens.Store, gw *gateway) (*tokens.Manager, error) {
	var cipher tokens.Cipher
	if cfg.EncryptionKey != "" {
		jwe, err := tokens.NewJWECipher(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
		cipher = jwe
	} else {
		logger.Warnw("tokens.encryptionKey is not set, backend tokens are stored unencrypted")
	}

	var cache tokens.Cache
	if cfg.Redis != nil {
		redisCache, err := tokens.NewRedisCache(ctx, tokens.RedisConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		gw.closers = append(gw.closers, redisCache.Close)
		cache = redisCache
	} else {
		cache = tokens.NewMemoryCache(time.Now)
	}

	// Token endpoints of internal identity providers are reachable on private addresses
	client, err := networking.NewHTTPClientBuilder().WithPrivateIPs(true).Build()
	if err != nil {
		return nil, err
	}

	return tokens.NewManager(store, cache, cipher, tokens.NewOAuth2Refresher(client), tokens.ManagerConfig{
		RefreshMargin:    cfg.RefreshMargin.Std(),
		CacheTTL:         cfg.CacheTTL.Std(),
		LockTTL:          cfg.LockTTL.Std(),
		AuthorizationURL: cfg.AuthorizationURL,
		OnRefresh: func(ctx context.Context, err error) {
			outcome := metrics.OutcomeSuccess
			if err != nil {
				outcome = metrics.OutcomeError
			}
			gw.metrics.RecordTokenRefresh(ctx, outcome)
		},
	}), nil
}

func newJWTVerifier(ctx context.Context, cfg *config.JWTConfig, users auth.UserDirectory) (*auth.JWTVerifier, error) {
	client, err := networking.NewHTTPClientBuilder().WithPrivateIPs(cfg.AllowPrivateIP).Build()
	if err != nil {
		return nil, err
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL, err = auth.DiscoverJWKSURL(oidc.ClientContext(ctx, client), cfg.Issuer)
		if err != nil {
			return nil, err
		}
		logger.Infof("Discovered JWKS endpoint %s", jwksURL)
	}
	keys, err := auth.NewJWKSProvider(ctx, jwksURL, client)
	if err != nil {
		return nil, err
	}

	return auth.NewJWTVerifier(keys, users, auth.JWTVerifierConfig{
		Issuer:            cfg.Issuer,
		PlatformIssuer:    cfg.PlatformIssuer,
		Audience:          cfg.Audience,
		OrganizationClaim: cfg.OrganizationClaim,
		EmailClaim:        cfg.EmailClaim,
		ClockSkew:         cfg.ClockSkew.Std(),
	}), nil
}

func newResultProcessor(cfg config.MiddlewareConfig) (middleware.ResultProcessor, error) {
	var processors []middleware.ResultProcessor
	if cfg.PII != nil {
		client, err := networking.NewHTTPClientBuilder().
			WithPrivateIPs(true).
			WithTimeout(cfg.PII.Timeout.Std()).
			Build()
		if err != nil {
			return nil, err
		}
		processors = append(processors,
			middleware.NewPIIRedactor(middleware.NewHTTPClassifier(cfg.PII.URL, client), cfg.PII.FailOpen))
	}
	format, err := middleware.NewFormatConverter(cfg.Format)
	if err != nil {
		return nil, err
	}
	processors = append(processors, format)
	return middleware.Chain(processors...), nil
}

// applySeed writes a seed document to the store at path.
func applySeed(ctx context.Context, path string, r io.Reader) error {
	seed, err := sqlite.LoadSeed(r)
	if err != nil {
		return err
	}
	store, err := sqlite.Open(ctx, path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.ApplySeed(ctx, seed); err != nil {
		return fmt.Errorf("failed to apply seed: %w", err)
	}
	logger.Infof("Applied seed with %d organizations to %s", len(seed.Organizations), path)
	return nil
}
