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

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/meywd/openauth-sub002/internal/id"
	"github.com/meywd/openauth-sub002/internal/storage"
)

// stateTTL bounds how long an outstanding redirect to an upstream provider
// stays redeemable.
const stateTTL = 10 * time.Minute

// Flow runs one provider's authentication. Upstream flows redirect the
// browser out and back; local flows redirect to a hosted page and expose
// their own credential methods instead of Callback.
type Flow interface {
	// Authorize returns the URL the browser is sent to. For upstream
	// providers this is the authorization endpoint with state (and PKCE)
	// attached; for local providers it is the hosted form.
	Authorize(ctx context.Context, tenantID string, in AuthorizeInput) (string, error)

	// Callback consumes the provider redirect and resolves the subject.
	Callback(ctx context.Context, tenantID string, in CallbackInput) (*CallbackResult, error)
}

// AuthorizeInput carries the pending authorization request into the flow.
type AuthorizeInput struct {
	// RequestID identifies the pending authorization request; it rides
	// inside the state record and comes back out of Callback.
	RequestID   string
	CallbackURL string
	LoginHint   string
	// Scopes overrides the provider's configured scopes when non-empty.
	Scopes []string
}

// CallbackInput is the upstream redirect, already parsed out of the query.
type CallbackInput struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string
	CallbackURL      string
}

// CallbackResult is a resolved login.
type CallbackResult struct {
	RequestID string
	Identity  *Identity
}

// UpstreamError reports an error the upstream provider sent to the callback.
// It keeps the request id so the handler can still fail the right pending
// authorization request.
type UpstreamError struct {
	RequestID   string
	Code        string
	Description string
}

func (e *UpstreamError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("upstream error %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("upstream error %s", e.Code)
}

func (e *UpstreamError) Unwrap() error { return ErrUpstreamDenied }

// stateRecord is the per-redirect state stored under ["oauth_state", state].
// Consumed exactly once via GetDel.
type stateRecord struct {
	RequestID string    `json:"request_id"`
	Provider  string    `json:"provider"`
	Verifier  string    `json:"verifier,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func stateKey(state string) storage.Key { return storage.Key{"oauth_state", state} }

// newFlow dispatches on the catalog entry.
func (r *Registry) newFlow(inst *Instance) (Flow, error) {
	switch inst.Type.Type {
	case TypePassword:
		return &PasswordFlow{registry: r, inst: inst}, nil
	case TypeCode:
		return &CodeFlow{registry: r, inst: inst}, nil
	default:
		if inst.Endpoints.Authorization == "" || inst.Endpoints.Token == "" {
			return nil, fmt.Errorf("%w: %s resolves to empty endpoints", ErrInvalidProvider, inst.Record.Name)
		}
		return &OAuthFlow{registry: r, inst: inst}, nil
	}
}

// OAuthFlow is the redirect flow shared by the social, oidc, and
// custom_oauth2 types.
type OAuthFlow struct {
	registry *Registry
	inst     *Instance
}

func (f *OAuthFlow) config(callbackURL string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     f.inst.Record.ClientID,
		ClientSecret: f.inst.ClientSecret,
		RedirectURL:  callbackURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  f.inst.Endpoints.Authorization,
			TokenURL: f.inst.Endpoints.Token,
		},
	}
}

func (f *OAuthFlow) usePKCE() bool {
	return f.inst.Type.PKCERequired || f.inst.Record.Config["pkce"] == "true"
}

// Authorize stores the state record and builds the upstream redirect.
func (f *OAuthFlow) Authorize(ctx context.Context, tenantID string, in AuthorizeInput) (string, error) {
	scopes := in.Scopes
	if len(scopes) == 0 {
		scopes = f.inst.Scopes()
	}
	state := id.NewToken()
	rec := stateRecord{
		RequestID: in.RequestID,
		Provider:  f.inst.Record.Name,
		CreatedAt: f.registry.now(),
	}
	var opts []oauth2.AuthCodeOption
	if f.usePKCE() {
		rec.Verifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(rec.Verifier))
	}
	if in.LoginHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", in.LoginHint))
	}
	store := storage.ForTenant(f.registry.store, tenantID)
	if err := storage.SetJSON(ctx, store, stateKey(state), rec, stateTTL); err != nil {
		return "", err
	}
	return f.config(in.CallbackURL, scopes).AuthCodeURL(state, opts...), nil
}

// Callback redeems the state, exchanges the code, and resolves the identity
// from the id_token or the userinfo endpoint.
func (f *OAuthFlow) Callback(ctx context.Context, tenantID string, in CallbackInput) (*CallbackResult, error) {
	if in.State == "" {
		return nil, ErrStateMismatch
	}
	store := storage.ForTenant(f.registry.store, tenantID)
	rec, err := storage.GetDelJSON[stateRecord](ctx, store, stateKey(in.State))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrStateMismatch
		}
		return nil, err
	}
	if rec.Provider != f.inst.Record.Name {
		return nil, ErrStateMismatch
	}
	if in.Error != "" {
		return nil, &UpstreamError{RequestID: rec.RequestID, Code: in.Error, Description: in.ErrorDescription}
	}
	if in.Code == "" {
		return nil, &UpstreamError{RequestID: rec.RequestID, Code: "invalid_request", Description: "missing code"}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.registry.client)
	var exchangeOpts []oauth2.AuthCodeOption
	if rec.Verifier != "" {
		exchangeOpts = append(exchangeOpts, oauth2.VerifierOption(rec.Verifier))
	}
	tok, err := f.config(in.CallbackURL, nil).Exchange(ctx, in.Code, exchangeOpts...)
	if err != nil {
		return nil, fmt.Errorf("exchange code with %s: %w", f.inst.Record.Name, err)
	}

	var claims map[string]any
	if f.inst.Type.Type == TypeOIDC || f.inst.Endpoints.Userinfo == "" {
		raw, _ := tok.Extra("id_token").(string)
		if raw == "" {
			return nil, fmt.Errorf("provider %s returned no id_token", f.inst.Record.Name)
		}
		claims, err = f.verifyIDToken(ctx, raw)
	} else {
		claims, err = f.fetchUserinfo(ctx, tok.AccessToken)
	}
	if err != nil {
		return nil, err
	}
	ident, err := identityFromClaims(claims)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", f.inst.Record.Name, err)
	}
	return &CallbackResult{RequestID: rec.RequestID, Identity: ident}, nil
}

// verifyIDToken checks the signature against the provider JWKS and the
// audience against our client id before trusting any claim.
func (f *OAuthFlow) verifyIDToken(ctx context.Context, raw string) (map[string]any, error) {
	jwksURL := f.inst.Endpoints.JWKS
	if jwksURL == "" {
		return nil, fmt.Errorf("provider %s has no jwks endpoint to verify id_token against", f.inst.Record.Name)
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		jwt.WithAudience(f.inst.Record.ClientID),
		jwt.WithExpirationRequired(),
	}
	if iss := f.inst.Record.Config["issuer"]; iss != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(iss))
	}
	claims := jwt.MapClaims{}
	_, err := jwt.NewParser(parserOpts...).ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("id_token has no kid header")
		}
		set, err := f.registry.keySet(ctx, jwksURL)
		if err != nil {
			return nil, err
		}
		key, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("kid %s not found in %s", kid, jwksURL)
		}
		var pub any
		if err := key.Raw(&pub); err != nil {
			return nil, fmt.Errorf("extract public key: %w", err)
		}
		return pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("verify id_token from %s: %w", f.inst.Record.Name, err)
	}
	return map[string]any(claims), nil
}

func (f *OAuthFlow) fetchUserinfo(ctx context.Context, accessToken string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.inst.Endpoints.Userinfo, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	resp, err := f.registry.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch userinfo from %s: %w", f.inst.Record.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo from %s returned %d", f.inst.Record.Name, resp.StatusCode)
	}
	var claims map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, fmt.Errorf("decode userinfo from %s: %w", f.inst.Record.Name, err)
	}
	return claims, nil
}

// identityFromClaims maps upstream claims onto an Identity. The subject is
// whichever of sub, id, user_id is present; GitHub-style numeric ids are
// rendered in decimal.
func identityFromClaims(claims map[string]any) (*Identity, error) {
	sub := firstClaimString(claims, "sub", "id", "user_id")
	if sub == "" {
		return nil, fmt.Errorf("no subject claim in upstream response")
	}
	ident := &Identity{
		ProviderUserID: sub,
		Email:          firstClaimString(claims, "email"),
		Name:           firstClaimString(claims, "name", "login", "preferred_username"),
		Properties:     claims,
	}
	switch v := claims["email_verified"].(type) {
	case bool:
		ident.EmailVerified = v
	case string:
		ident.EmailVerified = v == "true"
	}
	return ident, nil
}

func firstClaimString(claims map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := claims[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case json.Number:
			return v.String()
		}
	}
	return ""
}
