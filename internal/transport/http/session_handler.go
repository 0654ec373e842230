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
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/meywd/openauth-sub002/internal/observability/logger"
	"github.com/meywd/openauth-sub002/internal/session"
)

// ListSessionAccounts returns every account held by the caller's browser
// session, active flag included, ordered most recent first.
func (h *Handler) ListSessionAccounts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t := TenantFromContext(ctx)
	sess := SessionFromContext(ctx)
	if sess == nil {
		respondError(w, http.StatusUnauthorized, "session_not_found", "no browser session")
		return
	}
	accounts, err := h.deps.Sessions.ListAccounts(ctx, t.ID, sess.ID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"accounts":   accountViews(accounts),
	})
}

// SwitchSessionAccount makes another account in the browser session the
// active one.
func (h *Handler) SwitchSessionAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t := TenantFromContext(ctx)
	sess := SessionFromContext(ctx)
	if sess == nil {
		respondError(w, http.StatusUnauthorized, "session_not_found", "no browser session")
		return
	}

	var body struct {
		UserID string `json:"user_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondBadJSON(w, err)
		return
	}
	if body.UserID == "" {
		respondError(w, http.StatusBadRequest, "invalid_input", "user_id is required")
		return
	}

	acct, err := h.deps.Sessions.SwitchActive(ctx, t.ID, sess.ID, body.UserID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, accountView{
		UserID:          acct.UserID,
		Email:           acct.Email(),
		Active:          acct.IsActive,
		AuthenticatedAt: acct.AuthenticatedAt,
	})
}

// RemoveSessionAccount signs one account out of the browser session and
// revokes the refresh token family bound to it.
func (h *Handler) RemoveSessionAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t := TenantFromContext(ctx)
	sess := SessionFromContext(ctx)
	if sess == nil {
		respondError(w, http.StatusUnauthorized, "session_not_found", "no browser session")
		return
	}

	userID := chi.URLParam(r, "userID")
	acct, err := h.deps.Sessions.RemoveAccount(ctx, t.ID, sess.ID, userID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	h.revokeAccountTokens(r, t.ID, acct)
	respondJSON(w, http.StatusOK, map[string]any{"removed": userID})
}

// ClearSession signs every account out and destroys the browser session.
func (h *Handler) ClearSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t := TenantFromContext(ctx)
	sess := SessionFromContext(ctx)
	if sess == nil {
		respondError(w, http.StatusUnauthorized, "session_not_found", "no browser session")
		return
	}

	accounts, err := h.deps.Sessions.RemoveAllAccounts(ctx, t.ID, sess.ID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	for _, acct := range accounts {
		h.revokeAccountTokens(r, t.ID, acct)
	}
	if err := h.deps.Sessions.Revoke(ctx, t.ID, sess.ID); err != nil {
		respondDomainError(w, r, err)
		return
	}
	http.SetCookie(w, h.deps.Cookies.ClearCookie())
	respondJSON(w, http.StatusOK, map[string]any{"removed": len(accounts)})
}

// CheckSession is the CORS-enabled silent probe single-page apps poll to
// learn whether the browser still holds a usable session.
func (h *Handler) CheckSession(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Max-Age", "600")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ctx := r.Context()
	t := TenantFromContext(ctx)
	sess := SessionFromContext(ctx)
	if sess == nil {
		respondJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	acct, err := h.deps.Sessions.ActiveAccount(ctx, t.ID, sess.ID)
	if err != nil || acct == nil {
		respondJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user_id":       acct.UserID,
		"email":         acct.Email(),
	})
}

// AdminRevokeUserSessions deletes every account session a user holds in
// the tenant and revokes all their refresh tokens.
func (h *Handler) AdminRevokeUserSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t := TenantFromContext(ctx)

	var body struct {
		UserID string `json:"user_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondBadJSON(w, err)
		return
	}
	if body.UserID == "" {
		respondError(w, http.StatusBadRequest, "invalid_input", "user_id is required")
		return
	}

	sessions, err := h.deps.Sessions.RevokeUserSessions(ctx, t.ID, body.UserID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	tokens, err := h.deps.Engine.RevokeSubjectTokens(ctx, t.ID, body.UserID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"revoked_sessions": sessions,
		"revoked_tokens":   tokens,
	})
}

// AdminRevokeSession destroys a specific browser session by id.
func (h *Handler) AdminRevokeSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t := TenantFromContext(ctx)

	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondBadJSON(w, err)
		return
	}
	if body.SessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_input", "session_id is required")
		return
	}

	accounts, err := h.deps.Sessions.RemoveAllAccounts(ctx, t.ID, body.SessionID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	for _, acct := range accounts {
		h.revokeAccountTokens(r, t.ID, acct)
	}
	if err := h.deps.Sessions.Revoke(ctx, t.ID, body.SessionID); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"revoked": true, "accounts": len(accounts)})
}

// revokeAccountTokens best-effort revokes the refresh family bound to a
// removed account session. Logout must not fail because revocation did.
func (h *Handler) revokeAccountTokens(r *http.Request, tenantID string, acct *session.AccountSession) {
	if acct == nil || acct.RefreshToken == "" {
		return
	}
	if err := h.deps.Engine.RevokeRefreshToken(r.Context(), tenantID, acct.RefreshToken); err != nil {
		slog.WarnContext(r.Context(), "failed to revoke tokens for removed account",
			logger.UserID(acct.UserID), logger.Error(err))
	}
}
