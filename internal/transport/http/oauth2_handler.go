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
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meywd/openauth-sub002/internal/oauth2"
	"github.com/meywd/openauth-sub002/internal/oidc"
	"github.com/meywd/openauth-sub002/internal/provider"
	"github.com/meywd/openauth-sub002/internal/session"
	"github.com/meywd/openauth-sub002/internal/tenant"
)

// Health reports process liveness
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Discovery serves the issuer metadata document for both well-known paths
func (h *Handler) Discovery(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, oidc.NewDiscovery(oidc.DiscoveryParams{
		Issuer:        h.cfg.Issuer,
		Algorithms:    []string{h.deps.Keyring.Algorithm()},
		Introspection: h.cfg.Introspection,
		Revocation:    h.cfg.Revocation,
	}))
}

// JWKS serves the verification key set
func (h *Handler) JWKS(w http.ResponseWriter, r *http.Request) {
	blob, err := h.deps.Keyring.JWKS()
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}

// Authorize starts the authorization code flow: validate and park the
// request, then let the session's prompt decision choose between silent
// issuance, the account picker, and a provider login.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t := TenantFromContext(ctx)
	q := r.URL.Query()

	params := oauth2.AuthorizeParams{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		Prompt:              q.Get("prompt"),
		LoginHint:           q.Get("login_hint"),
		AccountHint:         q.Get("account_hint"),
		Provider:            q.Get("provider"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}
	if v := q.Get("max_age"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			respondOAuthError(w, r, oauth2.NewError(oauth2.ErrInvalidRequest, "max_age must be a non-negative integer"))
			return
		}
		maxAge := time.Duration(secs) * time.Second
		params.MaxAge = &maxAge
	}

	req, err := h.deps.Engine.BeginAuthorize(ctx, t.ID, params)
	if err != nil {
		h.authorizeError(w, r, params.RedirectURI, err)
		return
	}

	var sid string
	if sess := SessionFromContext(ctx); sess != nil {
		sid = sess.ID
	}
	dec, err := h.deps.Sessions.EvaluatePrompt(ctx, t.ID, sid, session.PromptInput{
		Prompt:      req.Prompt,
		MaxAge:      req.MaxAge,
		LoginHint:   req.LoginHint,
		AccountHint: req.AccountHint,
	})
	if err != nil {
		h.denyAuthorize(w, r, t, req.ID, oauth2.NewError(oauth2.ErrServerError, "session evaluation failed"))
		return
	}

	switch dec.Action {
	case session.ActionProceed:
		redirect, err := h.deps.Engine.CompleteAuthorize(ctx, t.ID, req.ID, oauth2.Subject{
			Type:       dec.Account.SubjectType,
			Properties: dec.Account.SubjectProperties,
		})
		if err != nil {
			respondOAuthError(w, r, err)
			return
		}
		http.Redirect(w, r, redirect, http.StatusFound)

	case session.ActionLoginRequired:
		h.denyAuthorize(w, r, t, req.ID, oauth2.NewError(oauth2.ErrLoginRequired, "no usable session, interaction required"))

	case session.ActionSelectAccount:
		respondJSON(w, http.StatusOK, map[string]any{
			"request_id": req.ID,
			"action":     "select_account",
			"accounts":   accountViews(dec.Accounts),
		})

	default:
		h.startProviderLogin(w, r, t, req)
	}
}

// startProviderLogin hands the parked request to the chosen provider, or
// serves the provider list when the request named none.
func (h *Handler) startProviderLogin(w http.ResponseWriter, r *http.Request, t *tenant.Tenant, req *oauth2.AuthRequest) {
	ctx := r.Context()

	if req.Provider == "" {
		enabled, err := h.deps.Providers.GetProviders(ctx, t.ID)
		if err != nil {
			h.denyAuthorize(w, r, t, req.ID, oauth2.NewError(oauth2.ErrServerError, "provider lookup failed"))
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"request_id": req.ID,
			"action":     "login",
			"providers":  providerViews(enabled),
			"branding":   t.Branding,
		})
		return
	}

	inst, err := h.deps.Providers.GetProvider(ctx, t.ID, req.Provider)
	if err != nil {
		if errors.Is(err, provider.ErrProviderNotFound) {
			h.denyAuthorize(w, r, t, req.ID, oauth2.NewError(oauth2.ErrInvalidRequest, "unknown provider"))
			return
		}
		h.denyAuthorize(w, r, t, req.ID, oauth2.NewError(oauth2.ErrServerError, "provider lookup failed"))
		return
	}

	target, err := inst.Flow.Authorize(ctx, t.ID, provider.AuthorizeInput{
		RequestID:   req.ID,
		CallbackURL: h.callbackURL(req.Provider),
		LoginHint:   req.LoginHint,
	})
	if err != nil {
		h.denyAuthorize(w, r, t, req.ID, oauth2.NewError(oauth2.ErrServerError, "provider flow failed"))
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// authorizeError delivers a BeginAuthorize failure: redirected to the
// client once the redirect URI was verified, rendered directly before that.
func (h *Handler) authorizeError(w http.ResponseWriter, r *http.Request, redirectURI string, err error) {
	var oe *oauth2.Error
	if errors.As(err, &oe) && oe.Redirectable() {
		http.Redirect(w, r, oauth2.ErrorRedirect(redirectURI, oe), http.StatusFound)
		return
	}
	respondOAuthError(w, r, err)
}

// denyAuthorize consumes the parked request and sends the error to the
// verified redirect URI.
func (h *Handler) denyAuthorize(w http.ResponseWriter, r *http.Request, t *tenant.Tenant, requestID string, cause *oauth2.Error) {
	redirect, err := h.deps.Engine.DenyAuthorize(r.Context(), t.ID, requestID, cause)
	if err != nil {
		respondOAuthError(w, r, err)
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

// Callback finishes an upstream provider flow and returns to the client
// with an authorization code.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t := TenantFromContext(ctx)
	name := chi.URLParam(r, "provider")

	inst, err := h.deps.Providers.GetProvider(ctx, t.ID, name)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	q := r.URL.Query()
	res, err := inst.Flow.Callback(ctx, t.ID, provider.CallbackInput{
		State:            q.Get("state"),
		Code:             q.Get("code"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
		CallbackURL:      h.callbackURL(name),
	})
	if err != nil {
		var ue *provider.UpstreamError
		if errors.As(err, &ue) && ue.RequestID != "" {
			cause := oauth2.NewError(ue.Code, ue.Description)
			if cause.Code == "" {
				cause.Code = "access_denied"
			}
			h.denyAuthorize(w, r, t, ue.RequestID, cause)
			return
		}
		respondDomainError(w, r, err)
		return
	}

	h.finishLogin(w, r, t, res.RequestID, name, res.Identity)
}

// Token exchanges a grant for tokens
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	if err := r.ParseForm(); err != nil {
		respondOAuthError(w, r, oauth2.NewError(oauth2.ErrInvalidRequest, "malformed form body"))
		return
	}

	req := oauth2.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Scope:        r.PostForm.Get("scope"),
	}
	// Confidential clients may send credentials as HTTP Basic instead
	if req.ClientID == "" {
		if id, secret, ok := r.BasicAuth(); ok {
			req.ClientID, req.ClientSecret = id, secret
		}
	}

	resp, err := h.deps.Engine.Exchange(r.Context(), t.ID, req)
	if err != nil {
		respondOAuthError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	respondJSON(w, http.StatusOK, resp)
}

// Introspect reports token metadata (RFC 7662)
func (h *Handler) Introspect(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	if err := r.ParseForm(); err != nil {
		respondOAuthError(w, r, oauth2.NewError(oauth2.ErrInvalidRequest, "malformed form body"))
		return
	}

	res, err := h.deps.Engine.Introspect(r.Context(), t.ID, r.PostForm.Get("token"))
	if errors.Is(err, oauth2.ErrFeatureDisabled) {
		respondError(w, http.StatusNotImplemented, "not_implemented", "introspection is disabled")
		return
	}
	if err != nil {
		respondOAuthError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Revoke invalidates a refresh token family (RFC 7009). Unknown tokens
// still return 200.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	if err := r.ParseForm(); err != nil {
		respondOAuthError(w, r, oauth2.NewError(oauth2.ErrInvalidRequest, "malformed form body"))
		return
	}

	err := h.deps.Engine.Revoke(r.Context(), t.ID, r.PostForm.Get("token"))
	if errors.Is(err, oauth2.ErrFeatureDisabled) {
		respondError(w, http.StatusNotImplemented, "not_implemented", "revocation is disabled")
		return
	}
	if err != nil {
		respondOAuthError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{})
}

// Userinfo returns the subject claims for a valid access token
func (h *Handler) Userinfo(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	raw, ok := bearerToken(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer realm="userinfo"`)
		respondError(w, http.StatusUnauthorized, "missing_token", "bearer token required")
		return
	}

	claims, err := h.deps.Engine.Userinfo(r.Context(), t.ID, raw)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		respondError(w, http.StatusUnauthorized, "invalid_token", "token verification failed")
		return
	}
	respondJSON(w, http.StatusOK, claims)
}

func (h *Handler) callbackURL(providerName string) string {
	return h.cfg.Issuer + "/callback/" + providerName
}

// accountView is the safe subset of an account session shown to pickers
type accountView struct {
	UserID          string    `json:"user_id"`
	Email           string    `json:"email,omitempty"`
	Active          bool      `json:"active"`
	AuthenticatedAt time.Time `json:"authenticated_at"`
}

func accountViews(accounts []*session.AccountSession) []accountView {
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, accountView{
			UserID:          a.UserID,
			Email:           a.Email(),
			Active:          a.IsActive,
			AuthenticatedAt: a.AuthenticatedAt,
		})
	}
	return views
}

// providerView is the login page entry for an enabled provider
type providerView struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	DisplayName string `json:"display_name"`
}

func providerViews(records []*provider.Record) []providerView {
	views := make([]providerView, 0, len(records))
	for _, rec := range records {
		views = append(views, providerView{Name: rec.Name, Type: rec.Type, DisplayName: rec.DisplayName})
	}
	return views
}
