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

// Package http exposes the issuer over HTTP: the OAuth2/OIDC protocol
// surface, the browser session endpoints, the local login flows, and the
// admin API, wrapped in the tenant, session, auth, rate-limit and
// observability middleware.
package http

import (
	"context"
	"net/http"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/meywd/openauth-sub002/internal/audit"
	"github.com/meywd/openauth-sub002/internal/client"
	"github.com/meywd/openauth-sub002/internal/identity"
	"github.com/meywd/openauth-sub002/internal/oauth2"
	"github.com/meywd/openauth-sub002/internal/oidc"
	"github.com/meywd/openauth-sub002/internal/provider"
	"github.com/meywd/openauth-sub002/internal/rbac"
	"github.com/meywd/openauth-sub002/internal/session"
	"github.com/meywd/openauth-sub002/internal/tenant"
)

// AuditQuerier reads back recorded audit events. Both the region-local
// store and the multi-region fan-out satisfy it.
type AuditQuerier interface {
	Query(ctx context.Context, tenantID string, f audit.Filter) ([]*audit.Event, error)
	FamilyHistory(ctx context.Context, tenantID, familyID string) ([]*audit.Event, error)
}

// Config tunes the HTTP layer
type Config struct {
	// Issuer is the public base URL tokens are minted under
	Issuer string
	// Introspection and Revocation gate their endpoints
	Introspection bool
	Revocation    bool
	// AccountTTL bounds account sessions created at login, normally the
	// refresh token lifetime
	AccountTTL time.Duration
	// RequestTimeout is the default per-request deadline
	RequestTimeout time.Duration
	// LoginRateLimit tightens the credential endpoints on top of the
	// global allowance; zero leaves them at the default
	LoginRateLimit  int
	LoginRateWindow time.Duration
}

// Deps are the services the handlers delegate to
type Deps struct {
	Tenants   *tenant.Service
	Resolver  *tenant.Resolver
	Clients   *client.Service
	Providers *provider.Registry
	Users     *identity.Service
	Sessions  *session.Service
	RBAC      *rbac.Service
	Engine    *oauth2.Service
	Keyring   *oidc.Keyring
	Cookies   *session.CookieCodec
	Audit     AuditQuerier
	Bearer    *Bearer
	Limiter   *RateLimiter
}

// Handler carries the wired services for the route handlers
type Handler struct {
	deps Deps
	cfg  Config
}

// NewHandler validates the wiring and builds the handler set
func NewHandler(deps Deps, cfg Config) *Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.AccountTTL <= 0 {
		cfg.AccountTTL = 30 * 24 * time.Hour
	}
	return &Handler{deps: deps, cfg: cfg}
}

// NewRouter assembles the full route tree
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})

	r.Use(middleware.RequestID)
	r.Use(sentryHandler.Handle)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "http.server",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}))
	})
	r.Use(Logging)
	r.Use(Recovery)
	r.Use(middleware.Timeout(h.cfg.RequestTimeout))
	if h.deps.Limiter != nil {
		r.Use(h.deps.Limiter.Middleware)
	}

	// Instance-wide metadata sits outside the tenant gate
	r.Get("/health", h.Health)
	r.Get("/.well-known/openid-configuration", h.Discovery)
	r.Get("/.well-known/oauth-authorization-server", h.Discovery)
	r.Get("/.well-known/jwks.json", h.JWKS)

	// Credential endpoints carry a tighter window on top of the global one
	loginLimit := func(next http.Handler) http.Handler { return next }
	if h.deps.Limiter != nil && h.cfg.LoginRateLimit > 0 {
		loginLimit = h.deps.Limiter.Limit("login", h.cfg.LoginRateLimit, h.cfg.LoginRateWindow)
	}

	r.Group(func(r chi.Router) {
		r.Use(ResolveTenant(h.deps.Resolver))
		r.Use(SessionCookie(h.deps.Cookies, h.deps.Sessions))

		// Protocol surface
		r.Get("/authorize", h.Authorize)
		r.With(loginLimit).Post("/token", h.Token)
		r.Post("/token/introspect", h.Introspect)
		r.Post("/token/revoke", h.Revoke)
		r.Get("/userinfo", h.Userinfo)
		r.Get("/callback/{provider}", h.Callback)

		// Local provider login flows
		r.Get("/{provider}/authorize", h.LoginPage)
		r.With(loginLimit).Post("/{provider}/login", h.Login)
		r.With(loginLimit).Post("/{provider}/register", h.Register)

		// Browser session management
		r.Route("/session", func(r chi.Router) {
			r.Get("/accounts", h.ListSessionAccounts)
			r.Post("/switch", h.SwitchSessionAccount)
			r.Delete("/accounts/{userID}", h.RemoveSessionAccount)
			r.Delete("/all", h.ClearSession)
			r.Get("/check", h.CheckSession)
			r.Options("/check", h.CheckSession)
		})

		// RBAC runtime checks, any valid bearer token
		r.Route("/rbac", func(r chi.Router) {
			r.Use(h.deps.Bearer.Middleware)
			r.Use(RequireTenantMatch)
			r.Post("/check", h.RBACCheck)
			r.Post("/check/batch", h.RBACBatchCheck)
			r.Get("/permissions", h.RBACClientPermissions)
			r.Get("/roles", h.RBACCallerRoles)
		})

		// Admin surface: machine tokens with admin scopes only
		r.Group(func(r chi.Router) {
			r.Use(requireM2M(h.deps.Bearer))
			r.Use(RequireTenantMatch)

			r.Route("/api/tenants", func(r chi.Router) {
				r.With(RequireScope("admin:read")).Get("/", h.ListTenants)
				r.With(RequireScope("admin:read")).Get("/{id}", h.GetTenant)
				r.With(RequireScope("admin:write")).Post("/", h.CreateTenant)
				r.With(RequireScope("admin:write")).Put("/{id}", h.UpdateTenant)
				r.With(RequireScope("admin:write")).Put("/{id}/branding", h.UpdateTenantBranding)
				r.With(RequireScope("admin:write")).Put("/{id}/settings", h.UpdateTenantSettings)
				r.With(RequireScope("admin:write")).Delete("/{id}", h.DeleteTenant)
			})

			r.Route("/api/clients", func(r chi.Router) {
				r.With(RequireScope("admin:read")).Get("/", h.ListClients)
				r.With(RequireScope("admin:read")).Get("/{id}", h.GetClient)
				r.With(RequireScope("admin:write")).Post("/", h.CreateClient)
				r.With(RequireScope("admin:write")).Put("/{id}", h.UpdateClient)
				r.With(RequireScope("admin:write")).Delete("/{id}", h.DeleteClient)
				r.With(RequireScope("admin:write")).Post("/{id}/rotate", h.RotateClientSecret)
			})

			r.Route("/api/providers", func(r chi.Router) {
				r.With(RequireScope("admin:read")).Post("/types", h.ProviderTypes)
				r.With(RequireScope("admin:read")).Get("/", h.ListProviders)
				r.With(RequireScope("admin:read")).Get("/{name}", h.GetProviderConfig)
				r.With(RequireScope("admin:write")).Post("/", h.CreateProvider)
				r.With(RequireScope("admin:write")).Put("/{name}", h.UpdateProvider)
				r.With(RequireScope("admin:write")).Delete("/{name}", h.DeleteProvider)
			})

			r.Route("/api/users", func(r chi.Router) {
				r.With(RequireScope("admin:read")).Get("/", h.ListUsers)
				r.With(RequireScope("admin:read")).Get("/{id}", h.GetUser)
				r.With(RequireScope("admin:read")).Get("/{id}/identities", h.ListUserIdentities)
				r.With(RequireScope("admin:write")).Post("/", h.CreateUser)
				r.With(RequireScope("admin:write")).Put("/{id}", h.UpdateUser)
				r.With(RequireScope("admin:write")).Delete("/{id}", h.DeleteUser)
				r.With(RequireScope("admin:write")).Post("/{id}/suspend", h.SuspendUser)
				r.With(RequireScope("admin:write")).Post("/{id}/unsuspend", h.UnsuspendUser)
				r.With(RequireScope("admin:write")).Put("/{id}/password-reset", h.SetPasswordReset)
				r.With(RequireScope("admin:write")).Post("/{id}/identities", h.LinkUserIdentity)
				r.With(RequireScope("admin:write")).Delete("/{id}/identities/{provider}/{providerUserID}", h.UnlinkUserIdentity)
			})

			r.Route("/api/rbac", func(r chi.Router) {
				r.With(RequireScope("admin:read")).Get("/roles", h.AdminListRoles)
				r.With(RequireScope("admin:read")).Get("/roles/{id}", h.AdminGetRole)
				r.With(RequireScope("admin:read")).Get("/roles/{id}/permissions", h.AdminListRolePermissions)
				r.With(RequireScope("admin:read")).Get("/permissions", h.AdminListPermissions)
				r.With(RequireScope("admin:read")).Get("/users/{id}/roles", h.AdminListUserRoles)
				r.With(RequireScope("admin:write")).Post("/roles", h.AdminCreateRole)
				r.With(RequireScope("admin:write")).Put("/roles/{id}", h.AdminUpdateRole)
				r.With(RequireScope("admin:write")).Delete("/roles/{id}", h.AdminDeleteRole)
				r.With(RequireScope("admin:write")).Post("/roles/{id}/permissions", h.AdminGrantPermission)
				r.With(RequireScope("admin:write")).Delete("/roles/{id}/permissions/{permissionID}", h.AdminRevokePermission)
				r.With(RequireScope("admin:write")).Post("/permissions", h.AdminCreatePermission)
				r.With(RequireScope("admin:write")).Delete("/permissions/{id}", h.AdminDeletePermission)
				r.With(RequireScope("admin:write")).Post("/users/{id}/roles", h.AdminAssignRole)
				r.With(RequireScope("admin:write")).Delete("/users/{id}/roles/{roleID}", h.AdminRevokeRole)
			})

			r.Route("/api/audit", func(r chi.Router) {
				r.With(RequireScope("admin:read")).Get("/events", h.QueryAuditEvents)
				r.With(RequireScope("admin:read")).Get("/tokens/{familyID}/history", h.AuditFamilyHistory)
			})

			r.Route("/admin/sessions", func(r chi.Router) {
				r.With(RequireScope("admin:write")).Post("/revoke-user", h.AdminRevokeUserSessions)
				r.With(RequireScope("admin:write")).Post("/revoke", h.AdminRevokeSession)
			})
		})
	})

	return r
}

// requireM2M is the admin variant of the bearer middleware: same key
// source, user tokens rejected.
func requireM2M(b *Bearer) func(http.Handler) http.Handler {
	admin := *b
	admin.cfg.RequireM2M = true
	return admin.Middleware
}
