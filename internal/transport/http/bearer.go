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
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/meywd/openauth-sub002/internal/oauth2"
	"github.com/meywd/openauth-sub002/internal/oidc"
)

const defaultJWKSRefresh = 15 * time.Minute

// BearerConfig selects the verification key source and the claim checks.
// Exactly one of Keyfunc, PublicKey, JWKSURL or JWKS must be set.
type BearerConfig struct {
	// Issuer is required in the token's iss claim when set
	Issuer string
	// Audience is required in the token's aud claim when set
	Audience string
	// RequireM2M rejects user tokens
	RequireM2M bool

	// Keyfunc verifies against the local keyring
	Keyfunc jwt.Keyfunc
	// PublicKey verifies every token against one injected key
	PublicKey crypto.PublicKey
	// JWKSURL fetches the key set remotely, cached with background refresh
	JWKSURL string
	// JWKS is an inline key set document
	JWKS json.RawMessage
	// RefreshInterval bounds how often the remote key set is re-fetched
	RefreshInterval time.Duration
}

// Bearer authenticates requests from an Authorization bearer token
type Bearer struct {
	cfg    BearerConfig
	inline jwk.Set
	cache  *jwk.Cache
}

// NewBearer builds the middleware. ctx bounds the background JWKS refresh
// goroutine when a JWKSURL is configured.
func NewBearer(ctx context.Context, cfg BearerConfig) (*Bearer, error) {
	b := &Bearer{cfg: cfg}
	switch {
	case cfg.Keyfunc != nil:
	case cfg.PublicKey != nil:
	case cfg.JWKSURL != "":
		interval := cfg.RefreshInterval
		if interval <= 0 {
			interval = defaultJWKSRefresh
		}
		b.cache = jwk.NewCache(ctx)
		if err := b.cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(interval)); err != nil {
			return nil, fmt.Errorf("register jwks url: %w", err)
		}
	case len(cfg.JWKS) > 0:
		set, err := jwk.Parse(cfg.JWKS)
		if err != nil {
			return nil, fmt.Errorf("parse inline jwks: %w", err)
		}
		b.inline = set
	default:
		return nil, errors.New("bearer auth needs a key source")
	}
	return b, nil
}

func (b *Bearer) keyfunc(ctx context.Context) jwt.Keyfunc {
	if b.cfg.Keyfunc != nil {
		return b.cfg.Keyfunc
	}
	if b.cfg.PublicKey != nil {
		return func(*jwt.Token) (any, error) { return b.cfg.PublicKey, nil }
	}
	return func(token *jwt.Token) (any, error) {
		set := b.inline
		if b.cache != nil {
			var err error
			set, err = b.cache.Get(ctx, b.cfg.JWKSURL)
			if err != nil {
				return nil, fmt.Errorf("fetch jwks: %w", err)
			}
		}
		kid, _ := token.Header["kid"].(string)
		key, ok := set.LookupKeyID(kid)
		if !ok {
			if kid != "" || set.Len() != 1 {
				return nil, fmt.Errorf("no key for kid %q", kid)
			}
			key, _ = set.Key(0)
		}
		var raw any
		if err := key.Raw(&raw); err != nil {
			return nil, fmt.Errorf("materialize key %q: %w", kid, err)
		}
		return raw, nil
	}
}

// Verify checks the raw token and returns the authenticated principal
func (b *Bearer) Verify(ctx context.Context, raw string) (*AuthInfo, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{oidc.AlgRS256, oidc.AlgES256}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if b.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(b.cfg.Issuer))
	}
	if b.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(b.cfg.Audience))
	}

	parsed, err := jwt.Parse(raw, b.keyfunc(ctx), opts...)
	if err != nil {
		return nil, err
	}
	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("unexpected claims shape")
	}
	claims, err := oauth2.DecodeClaims(mapClaims)
	if err != nil {
		return nil, err
	}

	tenantID := claims.TenantID
	if tenantID == "" {
		tenantID = "default"
	}
	return &AuthInfo{
		Claims:   claims,
		TenantID: tenantID,
		ClientID: claims.ClientID,
		Subject:  claims.Subject,
		Mode:     claims.Mode,
		Scopes:   oauth2.ParseScopes(claims.Scope),
	}, nil
}

// Middleware rejects requests without a valid bearer token
func (b *Bearer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			respondError(w, http.StatusUnauthorized, "missing_token", "authorization header with a bearer token is required")
			return
		}
		info, err := b.Verify(r.Context(), raw)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid_token", "token verification failed")
			return
		}
		if b.cfg.RequireM2M && info.Mode != "m2m" {
			respondError(w, http.StatusForbidden, "insufficient_scope", "client credentials token required")
			return
		}
		next.ServeHTTP(w, r.WithContext(withAuth(r.Context(), info)))
	})
}

// bearerToken extracts the token from the Authorization header, scheme
// matched case-insensitively.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		token := strings.TrimSpace(h[7:])
		return token, token != ""
	}
	return "", false
}

// RequireScope passes only tokens carrying every listed scope
func RequireScope(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := AuthFromContext(r.Context())
			if info == nil {
				respondError(w, http.StatusUnauthorized, "missing_token", "authentication required")
				return
			}
			for _, s := range scopes {
				if !info.HasScope(s) {
					respondError(w, http.StatusForbidden, "insufficient_scope", fmt.Sprintf("scope %q is required", s))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAnyScope passes tokens carrying at least one listed scope
func RequireAnyScope(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := AuthFromContext(r.Context())
			if info == nil {
				respondError(w, http.StatusUnauthorized, "missing_token", "authentication required")
				return
			}
			for _, s := range scopes {
				if info.HasScope(s) {
					next.ServeHTTP(w, r)
					return
				}
			}
			respondError(w, http.StatusForbidden, "insufficient_scope",
				fmt.Sprintf("one of scopes %q is required", strings.Join(scopes, " ")))
		})
	}
}

// RequireTenantMatch rejects tokens minted for a different tenant than the
// one the request resolved to.
func RequireTenantMatch(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := AuthFromContext(r.Context())
		t := TenantFromContext(r.Context())
		if info == nil || t == nil {
			respondError(w, http.StatusUnauthorized, "missing_token", "authentication required")
			return
		}
		if info.TenantID != t.ID {
			respondError(w, http.StatusForbidden, "forbidden", "token was issued for a different tenant")
			return
		}
		next.ServeHTTP(w, r)
	})
}
