// Copyright 2026 The OpenAuth Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The issuer daemon. Configuration comes from the environment only; see
// internal/config for the variables and their defaults.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/meywd/openauth-sub002/internal/audit"
	"github.com/meywd/openauth-sub002/internal/client"
	"github.com/meywd/openauth-sub002/internal/config"
	"github.com/meywd/openauth-sub002/internal/crypto"
	"github.com/meywd/openauth-sub002/internal/identity"
	"github.com/meywd/openauth-sub002/internal/oauth2"
	"github.com/meywd/openauth-sub002/internal/observability/logger"
	"github.com/meywd/openauth-sub002/internal/observability/metrics"
	"github.com/meywd/openauth-sub002/internal/observability/tracing"
	"github.com/meywd/openauth-sub002/internal/oidc"
	"github.com/meywd/openauth-sub002/internal/provider"
	"github.com/meywd/openauth-sub002/internal/rbac"
	"github.com/meywd/openauth-sub002/internal/resilience"
	"github.com/meywd/openauth-sub002/internal/session"
	"github.com/meywd/openauth-sub002/internal/storage"
	"github.com/meywd/openauth-sub002/internal/store/postgres"
	"github.com/meywd/openauth-sub002/internal/tenant"
	transportHTTP "github.com/meywd/openauth-sub002/internal/transport/http"
)

// clientSyncInterval is how often a region drains replication messages
// published elsewhere.
const clientSyncInterval = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})
	slog.Info("starting openauth issuer",
		logger.String("issuer", cfg.Server.PublicURL),
		logger.Region(cfg.Replication.Region))

	if cfg.Sentry.DSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Sentry.DSN,
			Environment:      cfg.Sentry.Environment,
			TracesSampleRate: cfg.Sentry.TracesSampleRate,
		})
		if err != nil {
			slog.Error("failed to initialize sentry", logger.Error(err))
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.TracingEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SamplingRate:   1.0,
	})
	if err != nil {
		slog.Error("failed to initialize tracer", logger.Error(err))
		os.Exit(1)
	}
	defer tracer.Shutdown(context.Background())

	meter := metrics.New(metrics.Config{
		Enabled: cfg.Observability.MetricsEnabled,
	}, cfg.Observability.ServiceName)

	// Key-value storage: codes, tokens, sessions, tenants, providers,
	// signing keys, audit streams.
	var store storage.Adapter
	switch cfg.Storage.Driver {
	case "redis":
		store, err = storage.NewRedis(ctx, storage.RedisConfig{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
		if err != nil {
			slog.Error("failed to connect to redis", logger.Error(err))
			os.Exit(1)
		}
	default:
		store = storage.NewMemory()
	}
	defer store.Close()
	slog.Info("storage ready", logger.String("driver", cfg.Storage.Driver))

	// Key material. Config has already validated both hex strings.
	encryptionKey, _ := hex.DecodeString(cfg.Security.EncryptionKey)
	cookieSecret, _ := hex.DecodeString(cfg.Session.CookieSecret)

	aead, err := crypto.NewAEAD(encryptionKey)
	if err != nil {
		slog.Error("failed to initialize encryption", logger.Error(err))
		os.Exit(1)
	}
	keyring, err := oidc.NewKeyring(ctx, store, aead, cfg.Security.SigningAlg)
	if err != nil {
		slog.Error("failed to initialize signing keys", logger.Error(err))
		os.Exit(1)
	}

	// Relational storage: clients, users, identities, roles, permissions.
	db, err := postgres.New(ctx, postgres.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		slog.Error("failed to connect to database", logger.Error(err))
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to database")

	clientRepo := postgres.NewClientRepository(db)
	userRepo := postgres.NewUserRepository(db)
	rbacRepo := postgres.NewRBACRepository(db)

	auditLogger := audit.NewSlogLogger()

	tenants := tenant.NewService(store)
	resolver := tenant.NewResolver(tenants, store, cfg.Server.BaseDomain)

	sessions := session.NewService(store, session.Config{
		Lifetime:      cfg.Session.Lifetime,
		SlidingWindow: cfg.Session.SlidingWindow,
		MaxAccounts:   cfg.Session.MaxAccounts,
	})
	codec, err := session.NewCookieCodec(session.CookieConfig{
		Name:     cfg.Session.CookieName,
		Domain:   cfg.Session.CookieDomain,
		Secret:   cookieSecret,
		MaxAge:   cfg.Session.Lifetime,
		Secure:   cfg.Session.CookieSecure,
		SameSite: parseSameSite(cfg.Session.CookieSameSite),
	})
	if err != nil {
		slog.Error("failed to initialize session cookies", logger.Error(err))
		os.Exit(1)
	}

	users := identity.NewService(userRepo, sessions, auditLogger)
	rbacSvc := rbac.NewService(rbacRepo, auditLogger, cfg.RBAC.CacheTTL,
		rbac.WithTokenPermissionCap(cfg.RBAC.MaxPermissionsInToken))

	clientOpts := []client.Option{client.WithSecretGrace(cfg.Security.ClientSecretGrace)}
	if cfg.Replication.Enabled {
		clientOpts = append(clientOpts,
			client.WithPublisher(client.NewQueuePublisher(store), cfg.Replication.Region))
	}
	clients := client.NewService(clientRepo,
		resilience.NewBreaker("client-registry", resilience.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			MinimumRequests:  cfg.Breaker.MinimumRequests,
			WindowSize:       cfg.Breaker.WindowSize,
			Cooldown:         cfg.Breaker.Cooldown,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
		}),
		resilience.RetryConfig{
			MaxAttempts:  cfg.ClientRetry.MaxAttempts,
			InitialDelay: cfg.ClientRetry.InitialDelay,
			MaxDelay:     cfg.ClientRetry.MaxDelay,
			Multiplier:   cfg.ClientRetry.Multiplier,
		},
		clientOpts...)
	if cfg.Replication.Enabled {
		go client.NewApplier(clientRepo, store).Run(ctx, clientSyncInterval)
	}

	registry := provider.NewRegistry(ctx, store, aead,
		identity.ProviderAccounts{Users: users},
		provider.LogSender{},
		func(ctx context.Context, tenantID string) (provider.Settings, error) {
			tn, err := tenants.Get(ctx, tenantID)
			if err != nil {
				return provider.Settings{}, err
			}
			return provider.Settings{
				AllowPublicRegistration:  tn.Settings.AllowPublicRegistration,
				RequireEmailVerification: tn.Settings.RequireEmailVerification,
			}, nil
		},
		provider.Config{
			Region:       cfg.Replication.Region,
			Domain:       cfg.Server.BaseDomain,
			CacheTTL:     cfg.ProviderCache.TTL,
			CacheMaxSize: cfg.ProviderCache.MaxSize,
		})

	audits := audit.NewStore(store, cfg.Replication.Region)
	recorder := audit.NewRecorder(audits, meter)
	var auditQuerier transportHTTP.AuditQuerier = audits
	if len(cfg.Replication.AuditRegions) > 0 {
		stores := map[string]*audit.Store{cfg.Replication.Region: audits}
		for _, region := range cfg.Replication.AuditRegions {
			if _, ok := stores[region]; !ok {
				stores[region] = audit.NewStore(store, region)
			}
		}
		auditQuerier = audit.NewMultiRegion(stores)
	}

	engine := oauth2.NewService(store, keyring, clients, rbacSvc, sessions, recorder, oauth2.Config{
		Issuer:          cfg.Server.PublicURL,
		AccessTokenTTL:  cfg.Security.AccessTokenTTL,
		RefreshTokenTTL: cfg.Security.RefreshTokenTTL,
		AuthCodeTTL:     cfg.Security.AuthCodeTTL,
		Introspection:   cfg.Features.Introspection,
		Revocation:      cfg.Features.Revocation,
	})

	bootstrapper := identity.NewBootstrapper(tenants, rbacSvc, users, registry, auditLogger,
		identity.BootstrapOptions{
			DefaultTenant:    cfg.Bootstrap.DefaultTenant,
			DefaultProviders: cfg.Bootstrap.DefaultProviders,
		})
	if err := bootstrapper.Run(ctx); err != nil {
		slog.Error("bootstrap failed", logger.Error(err))
		os.Exit(1)
	}

	bearer, err := transportHTTP.NewBearer(ctx, transportHTTP.BearerConfig{
		Issuer:  cfg.Server.PublicURL,
		Keyfunc: keyring.Keyfunc,
	})
	if err != nil {
		slog.Error("failed to initialize token verification", logger.Error(err))
		os.Exit(1)
	}

	var limiter *transportHTTP.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = transportHTTP.NewRateLimiter(nil, cfg.RateLimit.Requests, cfg.RateLimit.Window)
	}

	handler := transportHTTP.NewHandler(transportHTTP.Deps{
		Tenants:   tenants,
		Resolver:  resolver,
		Clients:   clients,
		Providers: registry,
		Users:     users,
		Sessions:  sessions,
		RBAC:      rbacSvc,
		Engine:    engine,
		Keyring:   keyring,
		Cookies:   codec,
		Audit:     auditQuerier,
		Bearer:    bearer,
		Limiter:   limiter,
	}, transportHTTP.Config{
		Issuer:          cfg.Server.PublicURL,
		Introspection:   cfg.Features.Introspection,
		Revocation:      cfg.Features.Revocation,
		AccountTTL:      cfg.Security.RefreshTokenTTL,
		RequestTimeout:  cfg.Server.RequestTimeout,
		LoginRateLimit:  cfg.RateLimit.LoginRequests,
		LoginRateWindow: cfg.RateLimit.LoginWindow,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      transportHTTP.NewRouter(handler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		slog.Error("server error", logger.Error(err))
		os.Exit(1)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", logger.Error(err))
	}
	slog.Info("server stopped")
}

func parseSameSite(mode string) http.SameSite {
	switch mode {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
