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

// Package oauth2 implements the authorization and token engine: the
// authorization code flow with PKCE, refresh token rotation with family
// revocation on reuse, the client credentials grant, and the verification,
// introspection, revocation, and userinfo operations built on top.
package oauth2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meywd/openauth-sub002/internal/audit"
	"github.com/meywd/openauth-sub002/internal/client"
	"github.com/meywd/openauth-sub002/internal/id"
	"github.com/meywd/openauth-sub002/internal/observability/logger"
	"github.com/meywd/openauth-sub002/internal/oidc"
	"github.com/meywd/openauth-sub002/internal/rbac"
	"github.com/meywd/openauth-sub002/internal/resilience"
	"github.com/meywd/openauth-sub002/internal/storage"
)

// Pending authorization requests outlive neither the login journey nor the
// code they produce.
const authRequestTTL = 10 * time.Minute

// Clients is the slice of the client registry the engine needs
type Clients interface {
	Get(ctx context.Context, tenantID, clientID string) (*client.Client, error)
	VerifyCredentials(ctx context.Context, clientID, secret string) (*client.Client, error)
}

// Enricher adds role and permission claims to user tokens
type Enricher interface {
	EnrichToken(ctx context.Context, tenantID, userID, clientID string) (*rbac.TokenEnrichment, error)
}

// Sessions keeps browser sessions aligned with refresh token rotation
type Sessions interface {
	ReplaceRefreshToken(ctx context.Context, tenantID, userID, oldToken, newToken string) error
}

// Auditor records token lifecycle events
type Auditor interface {
	Record(ctx context.Context, ev *audit.Event)
}

// Config carries the engine's issuance parameters
type Config struct {
	Issuer          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration
	Introspection   bool
	Revocation      bool
}

// Service drives the authorization and token endpoints. Storage access goes
// through per-tenant scoped views of the shared adapter.
type Service struct {
	store    storage.Adapter
	keyring  *oidc.Keyring
	clients  Clients
	enricher Enricher
	sessions Sessions
	auditor  Auditor
	cfg      Config
	now      func() time.Time
}

// NewService creates the engine. enricher, sessions, and auditor may be nil;
// the corresponding steps are then skipped.
func NewService(store storage.Adapter, keyring *oidc.Keyring, clients Clients, enricher Enricher, sessions Sessions, auditor Auditor, cfg Config) *Service {
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = time.Hour
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if cfg.AuthCodeTTL <= 0 {
		cfg.AuthCodeTTL = 10 * time.Minute
	}
	return &Service{
		store:    store,
		keyring:  keyring,
		clients:  clients,
		enricher: enricher,
		sessions: sessions,
		auditor:  auditor,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (s *Service) tenantStore(tenantID string) storage.Adapter {
	return storage.ForTenant(s.store, tenantID)
}

// infra maps infrastructure failures to protocol errors. Breaker rejections
// are expected under load and come back as temporarily_unavailable; anything
// else is logged and reported as server_error.
func (s *Service) infra(ctx context.Context, op string, err error) *Error {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return NewError(ErrTemporarilyUnavailable, "service temporarily unavailable")
	}
	slog.ErrorContext(ctx, "oauth2 operation failed",
		logger.Operation(op), logger.Error(err))
	return NewError(ErrServerError, "internal error")
}

func (s *Service) audit(ctx context.Context, ev *audit.Event) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(ctx, ev)
}

// AuthorizeParams is everything the authorization endpoint accepts
type AuthorizeParams struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	Prompt              string
	MaxAge              *time.Duration
	LoginHint           string
	AccountHint         string
	Provider            string
	CodeChallenge       string
	CodeChallengeMethod string
}

// BeginAuthorize validates an authorization request and parks it while the
// resource owner authenticates. Errors raised before the redirect URI has
// been verified must be shown to the user, never redirected; errors after
// that point carry the request state for the callback.
func (s *Service) BeginAuthorize(ctx context.Context, tenantID string, p AuthorizeParams) (*AuthRequest, error) {
	c, err := s.clients.Get(ctx, tenantID, p.ClientID)
	if err != nil {
		if errors.Is(err, client.ErrClientNotFound) {
			return nil, NewError(ErrInvalidRequest, "unknown client_id")
		}
		return nil, s.infra(ctx, "load client", err)
	}
	if !c.Enabled {
		return nil, NewError(ErrInvalidRequest, "client is disabled")
	}
	if p.RedirectURI == "" || !matchRedirectURI(c.RedirectURIs, p.RedirectURI) {
		return nil, NewError(ErrInvalidRequest, "invalid redirect_uri")
	}

	// The redirect URI is trusted from here on
	if p.ResponseType != "code" {
		return nil, NewError(ErrUnsupportedGrantType, "response_type must be 'code'").WithState(p.State)
	}
	if !c.HasGrantType(client.GrantAuthorizationCode) {
		return nil, NewError(ErrUnauthorizedClient, "client may not use the authorization_code grant").WithState(p.State)
	}
	scopes := ParseScopes(p.Scope)
	for _, scope := range scopes {
		if !c.AllowsScope(scope) {
			return nil, NewError(ErrInvalidScope, fmt.Sprintf("scope %q is not allowed for this client", scope)).WithState(p.State)
		}
	}
	switch p.CodeChallengeMethod {
	case "", "plain", "S256":
	default:
		return nil, NewError(ErrInvalidRequest, "transform algorithm not supported").WithState(p.State)
	}
	if p.CodeChallenge == "" && p.CodeChallengeMethod != "" {
		return nil, NewError(ErrInvalidRequest, "code_challenge_method without code_challenge").WithState(p.State)
	}
	if c.Public && p.CodeChallenge == "" {
		return nil, NewError(ErrInvalidRequest, "public clients must send a PKCE code_challenge").WithState(p.State)
	}

	req := &AuthRequest{
		ID:                  id.NewUUIDv7(),
		ClientID:            c.ID,
		RedirectURI:         p.RedirectURI,
		Scopes:              scopes,
		State:               p.State,
		Nonce:               p.Nonce,
		Prompt:              p.Prompt,
		MaxAge:              p.MaxAge,
		LoginHint:           p.LoginHint,
		AccountHint:         p.AccountHint,
		Provider:            p.Provider,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: p.CodeChallengeMethod,
		CreatedAt:           s.now().UTC(),
	}
	if err := storage.SetJSON(ctx, s.tenantStore(tenantID), keyAuthRequest(req.ID), req, authRequestTTL); err != nil {
		return nil, s.infra(ctx, "persist authorization request", err)
	}
	return req, nil
}

// GetRequest loads a pending authorization request without consuming it
func (s *Service) GetRequest(ctx context.Context, tenantID, requestID string) (*AuthRequest, error) {
	req, err := storage.GetJSON[AuthRequest](ctx, s.tenantStore(tenantID), keyAuthRequest(requestID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

// CompleteAuthorize consumes the pending request and issues a single-use
// authorization code bound to the authenticated subject. Returns the
// redirect URL the user agent should be sent to.
func (s *Service) CompleteAuthorize(ctx context.Context, tenantID, requestID string, subject Subject) (string, error) {
	store := s.tenantStore(tenantID)
	req, err := storage.GetDelJSON[AuthRequest](ctx, store, keyAuthRequest(requestID))
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrRequestNotFound
	}
	if err != nil {
		return "", s.infra(ctx, "consume authorization request", err)
	}

	now := s.now().UTC()
	code := id.NewToken()
	record := authCode{
		TenantID:            tenantID,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Subject:             subject,
		Scopes:              req.Scopes,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ExpiresAt:           now.Add(s.cfg.AuthCodeTTL),
		CreatedAt:           now,
	}
	if err := storage.SetJSON(ctx, store, keyCode(code), record, s.cfg.AuthCodeTTL); err != nil {
		return "", s.infra(ctx, "persist authorization code", err)
	}

	return appendQuery(req.RedirectURI, map[string][]string{
		"code":  {code},
		"state": {req.State},
	}), nil
}

// DenyAuthorize consumes the pending request and returns the redirect URL
// carrying the protocol error, for declined logins and upstream failures
func (s *Service) DenyAuthorize(ctx context.Context, tenantID, requestID string, cause *Error) (string, error) {
	req, err := storage.GetDelJSON[AuthRequest](ctx, s.tenantStore(tenantID), keyAuthRequest(requestID))
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrRequestNotFound
	}
	if err != nil {
		return "", s.infra(ctx, "consume authorization request", err)
	}

	return appendQuery(req.RedirectURI, map[string][]string{
		"error":             {cause.Code},
		"error_description": {cause.Description},
		"state":             {req.State},
	}), nil
}

// Exchange drives the token endpoint across all supported grants
func (s *Service) Exchange(ctx context.Context, tenantID string, req TokenRequest) (*TokenResponse, error) {
	switch req.GrantType {
	case client.GrantAuthorizationCode:
		return s.exchangeCode(ctx, tenantID, req)
	case client.GrantRefreshToken:
		return s.refreshGrant(ctx, tenantID, req)
	case client.GrantClientCredentials:
		return s.clientCredentials(ctx, tenantID, req)
	default:
		return nil, NewError(ErrUnsupportedGrantType, fmt.Sprintf("grant_type %q is not supported", req.GrantType))
	}
}

// authenticateClient resolves the caller. Confidential clients must present
// a matching secret; public clients carry none and prove possession with
// PKCE at code redemption instead.
func (s *Service) authenticateClient(ctx context.Context, tenantID string, req TokenRequest) (*client.Client, error) {
	if req.ClientID == "" {
		return nil, NewError(ErrInvalidClient, "missing client_id")
	}

	if req.ClientSecret == "" {
		c, err := s.clients.Get(ctx, tenantID, req.ClientID)
		if err != nil {
			if errors.Is(err, client.ErrClientNotFound) {
				return nil, NewError(ErrInvalidClient, "invalid client credentials")
			}
			return nil, s.infra(ctx, "load client", err)
		}
		if !c.Enabled {
			return nil, NewError(ErrInvalidClient, "client is disabled")
		}
		if !c.Public {
			return nil, NewError(ErrInvalidClient, "client authentication required")
		}
		return c, nil
	}

	c, err := s.clients.VerifyCredentials(ctx, req.ClientID, req.ClientSecret)
	switch {
	case errors.Is(err, client.ErrInvalidCredentials):
		return nil, NewError(ErrInvalidClient, "invalid client credentials")
	case errors.Is(err, client.ErrClientDisabled):
		return nil, NewError(ErrInvalidClient, "client is disabled")
	case err != nil:
		return nil, s.infra(ctx, "verify client credentials", err)
	}
	if c.TenantID != tenantID {
		// A valid credential from another tenant is still a stranger here
		return nil, NewError(ErrInvalidClient, "invalid client credentials")
	}
	return c, nil
}

func (s *Service) exchangeCode(ctx context.Context, tenantID string, req TokenRequest) (*TokenResponse, error) {
	c, err := s.authenticateClient(ctx, tenantID, req)
	if err != nil {
		return nil, err
	}
	if req.Code == "" {
		return nil, NewError(ErrInvalidRequest, "missing code")
	}

	// GetDel makes redemption single-use: a second exchange of the same
	// code finds nothing, regardless of how the first one ended.
	record, err := storage.GetDelJSON[authCode](ctx, s.tenantStore(tenantID), keyCode(req.Code))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, NewError(ErrInvalidGrant, "authorization code not found")
	}
	if err != nil {
		return nil, s.infra(ctx, "consume authorization code", err)
	}

	if s.now().UTC().After(record.ExpiresAt) {
		return nil, NewError(ErrInvalidGrant, "authorization code expired")
	}
	if record.ClientID != c.ID {
		return nil, NewError(ErrInvalidGrant, "client_id mismatch")
	}
	if record.RedirectURI != req.RedirectURI {
		return nil, NewError(ErrInvalidGrant, "redirect_uri mismatch")
	}
	if record.CodeChallenge != "" {
		if req.CodeVerifier == "" {
			return nil, NewError(ErrInvalidGrant, "missing code_verifier")
		}
		if !validatePKCE(record.CodeChallenge, record.CodeChallengeMethod, req.CodeVerifier) {
			return nil, NewError(ErrInvalidGrant, "invalid code_verifier")
		}
	} else if c.Public {
		return nil, NewError(ErrInvalidGrant, "public clients must complete PKCE")
	}

	resp, err := s.issueUserTokens(ctx, tenantID, c, record.Subject, record.Scopes, record.Nonce, nil)
	if err != nil {
		return nil, err
	}
	if s.sessions != nil && resp.RefreshToken != "" {
		// The account session created at login has no refresh token yet;
		// the first issuance claims that empty slot.
		if err := s.sessions.ReplaceRefreshToken(ctx, tenantID, record.Subject.ID(), "", resp.RefreshToken); err != nil {
			slog.DebugContext(ctx, "no account session awaited the initial refresh token", logger.Error(err))
		}
	}
	return resp, nil
}

func (s *Service) refreshGrant(ctx context.Context, tenantID string, req TokenRequest) (*TokenResponse, error) {
	c, err := s.authenticateClient(ctx, tenantID, req)
	if err != nil {
		return nil, err
	}
	if req.RefreshToken == "" {
		return nil, NewError(ErrInvalidRequest, "missing refresh_token")
	}

	store := s.tenantStore(tenantID)
	ptr, err := storage.GetJSON[refreshPointer](ctx, store, keyRefreshIndex(req.RefreshToken))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, NewError(ErrInvalidGrant, "refresh token not found")
	}
	if err != nil {
		return nil, s.infra(ctx, "load refresh token index", err)
	}

	rt, err := storage.GetJSON[RefreshToken](ctx, store, keyRefresh(ptr.SubjectID, req.RefreshToken))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, NewError(ErrInvalidGrant, "refresh token not found")
	}
	if err != nil {
		return nil, s.infra(ctx, "load refresh token", err)
	}
	if rt.ClientID != c.ID {
		return nil, NewError(ErrInvalidGrant, "client_id mismatch")
	}
	now := s.now().UTC()
	if now.After(rt.ExpiresAt) {
		return nil, NewError(ErrInvalidGrant, "refresh token expired")
	}

	// The active marker is the arbiter: exactly one concurrent request can
	// take it. A token whose marker is gone has been rotated already, and
	// presenting it again means the old value leaked to a second party.
	if _, err := store.GetDel(ctx, keyRefreshActive(rt.ID)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, s.handleReuse(ctx, tenantID, rt)
		}
		return nil, s.infra(ctx, "consume refresh token", err)
	}

	consumed := *rt
	consumed.ConsumedAt = &now
	if err := storage.SetJSON(ctx, store, keyRefresh(ptr.SubjectID, rt.ID), consumed, rt.ExpiresAt.Sub(now)); err != nil {
		return nil, s.infra(ctx, "mark refresh token consumed", err)
	}

	resp, err := s.issueUserTokens(ctx, tenantID, c, rt.Subject, rt.Scopes, "", rt)
	if err != nil {
		return nil, err
	}

	if s.sessions != nil && resp.RefreshToken != "" {
		if err := s.sessions.ReplaceRefreshToken(ctx, tenantID, ptr.SubjectID, rt.ID, resp.RefreshToken); err != nil {
			// The grant may not be session-backed at all
			slog.DebugContext(ctx, "no account session carried the rotated refresh token",
				logger.TenantID(tenantID), logger.Error(err))
		}
	}
	return resp, nil
}

// handleReuse revokes the whole rotation family after a consumed token was
// presented again, then reports invalid_grant to the caller
func (s *Service) handleReuse(ctx context.Context, tenantID string, rt *RefreshToken) error {
	revoked, err := s.revokeFamily(ctx, tenantID, rt.FamilyID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to revoke token family after reuse",
			logger.FamilyID(rt.FamilyID), logger.Error(err))
	}

	s.audit(ctx, &audit.Event{
		TokenID:   rt.ID,
		FamilyID:  rt.FamilyID,
		Subject:   rt.Subject.ID(),
		EventType: audit.EventReused,
		ClientID:  rt.ClientID,
		TenantID:  tenantID,
		Metadata:  map[string]any{"tokens_revoked": revoked},
	})
	slog.WarnContext(ctx, "refresh token reuse detected, family revoked",
		logger.TokenID(rt.ID), logger.FamilyID(rt.FamilyID), logger.Count(revoked))

	return NewError(ErrInvalidGrant, "refresh token reuse detected")
}

// revokeFamily tears down every live token in a rotation family and emits a
// revoked audit event per token. Returns how many were still live.
func (s *Service) revokeFamily(ctx context.Context, tenantID, familyID string) (int, error) {
	store := s.tenantStore(tenantID)

	type member struct {
		tokenID string
		ptr     refreshPointer
	}
	var members []member
	err := store.Scan(ctx, storage.Key{"refresh_family", familyID}, func(key storage.Key, value []byte) error {
		var ptr refreshPointer
		if err := storage.Unmarshal(value, &ptr); err != nil {
			return err
		}
		members = append(members, member{tokenID: key[len(key)-1], ptr: ptr})
		return nil
	})
	if err != nil {
		return 0, err
	}

	revoked := 0
	now := s.now().UTC()
	for _, m := range members {
		if _, err := store.GetDel(ctx, keyRefreshActive(m.tokenID)); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue // already consumed or revoked
			}
			return revoked, err
		}
		revoked++

		rt, err := storage.GetJSON[RefreshToken](ctx, store, keyRefresh(m.ptr.SubjectID, m.tokenID))
		if err != nil {
			continue
		}
		rt.ConsumedAt = &now
		if err := storage.SetJSON(ctx, store, keyRefresh(m.ptr.SubjectID, m.tokenID), rt, rt.ExpiresAt.Sub(now)); err != nil {
			return revoked, err
		}
		s.audit(ctx, &audit.Event{
			TokenID:   m.tokenID,
			FamilyID:  familyID,
			Subject:   m.ptr.SubjectID,
			EventType: audit.EventRevoked,
			ClientID:  rt.ClientID,
			TenantID:  tenantID,
		})
	}
	return revoked, nil
}

// RevokeSubjectTokens tears down every refresh token a subject holds,
// across all families. Used when an account is suspended or deleted.
func (s *Service) RevokeSubjectTokens(ctx context.Context, tenantID, subjectID string) (int, error) {
	store := s.tenantStore(tenantID)

	var tokens []*RefreshToken
	err := store.Scan(ctx, storage.Key{"refresh", subjectID}, func(key storage.Key, value []byte) error {
		var rt RefreshToken
		if err := storage.Unmarshal(value, &rt); err != nil {
			return err
		}
		tokens = append(tokens, &rt)
		return nil
	})
	if err != nil {
		return 0, err
	}

	revoked := 0
	now := s.now().UTC()
	for _, rt := range tokens {
		if _, err := store.GetDel(ctx, keyRefreshActive(rt.ID)); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return revoked, err
		}
		revoked++

		rt.ConsumedAt = &now
		if err := storage.SetJSON(ctx, store, keyRefresh(subjectID, rt.ID), rt, rt.ExpiresAt.Sub(now)); err != nil {
			return revoked, err
		}
		s.audit(ctx, &audit.Event{
			TokenID:   rt.ID,
			FamilyID:  rt.FamilyID,
			Subject:   subjectID,
			EventType: audit.EventRevoked,
			ClientID:  rt.ClientID,
			TenantID:  tenantID,
		})
	}
	return revoked, nil
}

// issueUserTokens mints the access token (with RBAC enrichment), an optional
// rotated refresh token, and an optional ID token for a user-mode grant.
// previous is the consumed token on the refresh path and nil on the code path.
func (s *Service) issueUserTokens(ctx context.Context, tenantID string, c *client.Client, subj Subject, scopes []string, nonce string, previous *RefreshToken) (*TokenResponse, error) {
	now := s.now().UTC()
	jti := id.NewUUIDv7()

	claims := jwt.MapClaims{
		"iss":        s.cfg.Issuer,
		"sub":        subj.ID(),
		"aud":        c.ID,
		"iat":        now.Unix(),
		"exp":        now.Add(s.cfg.AccessTokenTTL).Unix(),
		"jti":        jti,
		"type":       subj.Type,
		"properties": subj.Properties,
		"mode":       "user",
		"tenant_id":  tenantID,
		"client_id":  c.ID,
		"scope":      JoinScopes(scopes),
	}

	if s.enricher != nil {
		enrichment, err := s.enricher.EnrichToken(ctx, tenantID, subj.ID(), c.ID)
		if err != nil {
			// Authorization data is additive; a degraded RBAC layer must
			// not block sign-in
			slog.WarnContext(ctx, "token enrichment failed, issuing without role claims",
				logger.TenantID(tenantID), logger.ClientID(c.ID), logger.Error(err))
		} else {
			claims["roles"] = enrichment.Roles
			claims["permissions"] = enrichment.Permissions
		}
	}

	accessToken, err := s.keyring.Sign(claims)
	if err != nil {
		return nil, s.infra(ctx, "sign access token", err)
	}

	resp := &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "bearer",
		ExpiresIn:   int(s.cfg.AccessTokenTTL.Seconds()),
		Scope:       JoinScopes(scopes),
	}

	var refresh *RefreshToken
	if c.HasGrantType(client.GrantRefreshToken) {
		refresh = &RefreshToken{
			ID:        id.NewToken(),
			FamilyID:  id.NewUUIDv7(),
			TenantID:  tenantID,
			ClientID:  c.ID,
			Subject:   subj,
			Scopes:    scopes,
			CreatedAt: now,
			ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
		}
		if previous != nil {
			refresh.FamilyID = previous.FamilyID
			refresh.PreviousID = previous.ID
		}
		if err := s.storeRefresh(ctx, tenantID, refresh); err != nil {
			return nil, s.infra(ctx, "persist refresh token", err)
		}
		resp.RefreshToken = refresh.ID
	}

	if containsScope(scopes, ScopeOpenID) {
		idToken, err := s.keyring.IssueIDToken(oidc.IDTokenParams{
			Issuer:      s.cfg.Issuer,
			Subject:     subj.ID(),
			ClientID:    c.ID,
			Nonce:       nonce,
			AccessToken: accessToken,
		})
		if err != nil {
			slog.WarnContext(ctx, "id token issuance failed",
				logger.ClientID(c.ID), logger.Error(err))
		} else {
			resp.IDToken = idToken
		}
	}

	ev := &audit.Event{
		Subject:   subj.ID(),
		EventType: audit.EventGenerated,
		ClientID:  c.ID,
		TenantID:  tenantID,
		Metadata:  map[string]any{"access_jti": jti, "scope": JoinScopes(scopes)},
	}
	if refresh != nil {
		ev.TokenID = refresh.ID
		ev.FamilyID = refresh.FamilyID
	} else {
		ev.TokenID = jti
	}
	if previous != nil {
		ev.EventType = audit.EventRefreshed
		ev.Metadata["previous_id"] = previous.ID
	}
	s.audit(ctx, ev)

	return resp, nil
}

func (s *Service) storeRefresh(ctx context.Context, tenantID string, rt *RefreshToken) error {
	store := s.tenantStore(tenantID)
	ttl := rt.ExpiresAt.Sub(s.now().UTC())
	subjectID := rt.Subject.ID()

	if err := storage.SetJSON(ctx, store, keyRefresh(subjectID, rt.ID), rt, ttl); err != nil {
		return err
	}
	ptr := refreshPointer{SubjectID: subjectID, FamilyID: rt.FamilyID}
	if err := storage.SetJSON(ctx, store, keyRefreshIndex(rt.ID), ptr, ttl); err != nil {
		return err
	}
	if err := storage.SetJSON(ctx, store, keyRefreshFamily(rt.FamilyID, rt.ID), ptr, ttl); err != nil {
		return err
	}
	return store.Set(ctx, keyRefreshActive(rt.ID), []byte("1"), ttl)
}

func (s *Service) clientCredentials(ctx context.Context, tenantID string, req TokenRequest) (*TokenResponse, error) {
	if req.ClientSecret == "" {
		return nil, NewError(ErrInvalidClient, "client authentication required")
	}
	c, err := s.authenticateClient(ctx, tenantID, req)
	if err != nil {
		return nil, err
	}
	if !c.HasGrantType(client.GrantClientCredentials) {
		return nil, NewError(ErrUnauthorizedClient, "client may not use the client_credentials grant")
	}

	grant := ValidateScopes(req.Scope, c.Scopes)
	if !grant.Valid {
		return nil, NewError(ErrInvalidScope, "scopes not allowed: "+JoinScopes(grant.Denied))
	}

	now := s.now().UTC()
	jti := id.NewUUIDv7()
	claims := jwt.MapClaims{
		"iss":        s.cfg.Issuer,
		"sub":        c.ID,
		"aud":        c.ID,
		"iat":        now.Unix(),
		"exp":        now.Add(s.cfg.AccessTokenTTL).Unix(),
		"jti":        jti,
		"type":       SubjectClient,
		"properties": map[string]any{"id": c.ID},
		"mode":       "m2m",
		"tenant_id":  tenantID,
		"client_id":  c.ID,
		"scope":      JoinScopes(grant.Granted),
	}
	accessToken, err := s.keyring.Sign(claims)
	if err != nil {
		return nil, s.infra(ctx, "sign access token", err)
	}

	s.audit(ctx, &audit.Event{
		TokenID:   jti,
		Subject:   c.ID,
		EventType: audit.EventGenerated,
		ClientID:  c.ID,
		TenantID:  tenantID,
		Metadata:  map[string]any{"mode": "m2m", "scope": JoinScopes(grant.Granted)},
	})

	return &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "bearer",
		ExpiresIn:   int(s.cfg.AccessTokenTTL.Seconds()),
		Scope:       JoinScopes(grant.Granted),
	}, nil
}

// VerifyAccessToken checks signature, issuer, and expiry, and returns the
// decoded claims
func (s *Service) VerifyAccessToken(ctx context.Context, raw string) (*TokenClaims, error) {
	parsed, err := jwt.Parse(raw, s.keyring.Keyfunc,
		jwt.WithValidMethods([]string{oidc.AlgRS256, oidc.AlgES256}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil, NewError(ErrInvalidGrant, "invalid access token")
	}
	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, NewError(ErrInvalidGrant, "invalid access token")
	}

	claims, err := DecodeClaims(mapClaims)
	if err != nil {
		return nil, s.infra(ctx, "decode token claims", err)
	}
	return claims, nil
}

// Introspect reports token metadata per RFC 7662. Unknown, revoked,
// expired, and foreign-tenant tokens all come back inactive rather than as
// errors; only infrastructure failures are surfaced.
func (s *Service) Introspect(ctx context.Context, tenantID, token string) (*Introspection, error) {
	if !s.cfg.Introspection {
		return nil, ErrFeatureDisabled
	}
	if token == "" {
		return &Introspection{Active: false}, nil
	}

	if claims, err := s.VerifyAccessToken(ctx, token); err == nil {
		if claims.TenantID != tenantID {
			return &Introspection{Active: false}, nil
		}
		return &Introspection{
			Active:    true,
			Scope:     claims.Scope,
			ClientID:  claims.ClientID,
			TokenType: "bearer",
			Sub:       claims.Subject,
			Exp:       claims.ExpiresAt,
			Iat:       claims.IssuedAt,
			Iss:       claims.Issuer,
			Jti:       claims.JTI,
			TenantID:  claims.TenantID,
		}, nil
	}

	// Not a live JWT; try the refresh token namespace
	store := s.tenantStore(tenantID)
	ptr, err := storage.GetJSON[refreshPointer](ctx, store, keyRefreshIndex(token))
	if errors.Is(err, storage.ErrNotFound) {
		return &Introspection{Active: false}, nil
	}
	if err != nil {
		return nil, s.infra(ctx, "introspect refresh token", err)
	}
	if _, err := store.Get(ctx, keyRefreshActive(token)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &Introspection{Active: false}, nil
		}
		return nil, s.infra(ctx, "introspect refresh token", err)
	}
	rt, err := storage.GetJSON[RefreshToken](ctx, store, keyRefresh(ptr.SubjectID, token))
	if errors.Is(err, storage.ErrNotFound) {
		return &Introspection{Active: false}, nil
	}
	if err != nil {
		return nil, s.infra(ctx, "introspect refresh token", err)
	}

	return &Introspection{
		Active:    true,
		Scope:     JoinScopes(rt.Scopes),
		ClientID:  rt.ClientID,
		TokenType: "refresh_token",
		Sub:       rt.Subject.ID(),
		Exp:       rt.ExpiresAt.Unix(),
		Iat:       rt.CreatedAt.Unix(),
		Iss:       s.cfg.Issuer,
		Jti:       rt.ID,
		TenantID:  rt.TenantID,
	}, nil
}

// Revoke invalidates a refresh token and its entire family (RFC 7009).
// Unknown tokens succeed silently; access tokens are self-contained JWTs
// and simply age out, which RFC 7009 permits.
func (s *Service) Revoke(ctx context.Context, tenantID, token string) error {
	if !s.cfg.Revocation {
		return ErrFeatureDisabled
	}
	return s.RevokeRefreshToken(ctx, tenantID, token)
}

// RevokeRefreshToken tears down the family behind a refresh token. Unlike
// Revoke it ignores the RFC 7009 feature gate; logout and admin session
// teardown call it directly.
func (s *Service) RevokeRefreshToken(ctx context.Context, tenantID, token string) error {
	if token == "" {
		return nil
	}

	ptr, err := storage.GetJSON[refreshPointer](ctx, s.tenantStore(tenantID), keyRefreshIndex(token))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return s.infra(ctx, "revoke token", err)
	}
	if _, err := s.revokeFamily(ctx, tenantID, ptr.FamilyID); err != nil {
		return s.infra(ctx, "revoke token family", err)
	}
	return nil
}

// Userinfo returns the subject claims behind a verified access token
func (s *Service) Userinfo(ctx context.Context, tenantID, raw string) (map[string]any, error) {
	claims, err := s.VerifyAccessToken(ctx, raw)
	if err != nil {
		return nil, err
	}
	if claims.TenantID != tenantID {
		return nil, NewError(ErrInvalidGrant, "invalid access token")
	}

	info := map[string]any{"sub": claims.Subject}
	for name, value := range claims.Properties {
		if name == "sub" {
			continue
		}
		info[name] = value
	}
	return info, nil
}
