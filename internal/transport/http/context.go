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

package http

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/meywd/openauth-sub002/internal/oauth2"
	"github.com/meywd/openauth-sub002/internal/session"
	"github.com/meywd/openauth-sub002/internal/storage"
	"github.com/meywd/openauth-sub002/internal/tenant"
)

type contextKey string

const (
	tenantKey  contextKey = "tenant"
	sessionKey contextKey = "session"
	authKey    contextKey = "auth"
)

// tenantContext is what the tenant resolution middleware resolved: the
// tenant record plus a storage handle already scoped to it.
type tenantContext struct {
	tenant *tenant.Tenant
	store  storage.Adapter
}

func withTenant(ctx context.Context, t *tenant.Tenant, store storage.Adapter) context.Context {
	return context.WithValue(ctx, tenantKey, &tenantContext{tenant: t, store: store})
}

// TenantFromContext returns the resolved tenant, or nil outside the tenant
// resolution middleware.
func TenantFromContext(ctx context.Context) *tenant.Tenant {
	if tc, ok := ctx.Value(tenantKey).(*tenantContext); ok {
		return tc.tenant
	}
	return nil
}

// tenantStoreFromContext returns the tenant-scoped storage handle
func tenantStoreFromContext(ctx context.Context) storage.Adapter {
	if tc, ok := ctx.Value(tenantKey).(*tenantContext); ok {
		return tc.store
	}
	return nil
}

func withSession(ctx context.Context, sess *session.BrowserSession) context.Context {
	return context.WithValue(ctx, sessionKey, sess)
}

// SessionFromContext returns the browser session carried by the request
// cookie, or nil when the request has no live session.
func SessionFromContext(ctx context.Context) *session.BrowserSession {
	sess, _ := ctx.Value(sessionKey).(*session.BrowserSession)
	return sess
}

// AuthInfo is the verified bearer token attached to the request context
type AuthInfo struct {
	Claims   *oauth2.TokenClaims
	TenantID string
	ClientID string
	Subject  string
	Mode     string
	Scopes   []string
}

// HasScope reports whether the token carries the scope
func (a *AuthInfo) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func withAuth(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authKey, info)
}

// AuthFromContext returns the verified bearer token, or nil outside
// bearer-protected routes.
func AuthFromContext(ctx context.Context) *AuthInfo {
	info, _ := ctx.Value(authKey).(*AuthInfo)
	return info
}

// requestIP extracts the originating client address, preferring proxy
// headers over the socket peer.
func requestIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
