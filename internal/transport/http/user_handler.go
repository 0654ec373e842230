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
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/meywd/openauth-sub002/internal/identity"
)

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	q := r.URL.Query()
	users, err := h.deps.Users.List(r.Context(), t.ID, identity.ListOptions{
		Status: q.Get("status"),
		Offset: queryInt(q.Get("offset"), 0),
		Limit:  queryInt(q.Get("limit"), 50),
	})
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	user, err := h.deps.Users.Get(r.Context(), t.ID, chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())

	var body struct {
		Email    string          `json:"email"`
		Name     string          `json:"name"`
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondBadJSON(w, err)
		return
	}

	user, err := h.deps.Users.Create(r.Context(), t.ID, identity.CreateInput{
		Email:    body.Email,
		Name:     body.Name,
		Metadata: body.Metadata,
	})
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, user)
}

func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())

	var body struct {
		Email    *string         `json:"email"`
		Name     *string         `json:"name"`
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondBadJSON(w, err)
		return
	}

	user, err := h.deps.Users.Update(r.Context(), t.ID, chi.URLParam(r, "id"), identity.UpdateInput{
		Email:    body.Email,
		Name:     body.Name,
		Metadata: body.Metadata,
	})
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

// DeleteUser soft-deletes the user and tears down their sessions and
// refresh tokens.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	userID := chi.URLParam(r, "id")
	revoked, err := h.deps.Users.Delete(r.Context(), t.ID, userID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	if _, err := h.deps.Engine.RevokeSubjectTokens(r.Context(), t.ID, userID); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": true, "revoked_sessions": revoked})
}

// SuspendUser blocks the account and reports how many sessions it killed.
func (h *Handler) SuspendUser(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	userID := chi.URLParam(r, "id")
	revoked, err := h.deps.Users.Suspend(r.Context(), t.ID, userID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	if _, err := h.deps.Engine.RevokeSubjectTokens(r.Context(), t.ID, userID); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": identity.StatusSuspended, "revoked_sessions": revoked})
}

func (h *Handler) UnsuspendUser(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	if err := h.deps.Users.Unsuspend(r.Context(), t.ID, chi.URLParam(r, "id")); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": identity.StatusActive})
}

// SetPasswordReset toggles the forced password reset flag.
func (h *Handler) SetPasswordReset(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())

	var body struct {
		Required bool `json:"required"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondBadJSON(w, err)
		return
	}

	user, err := h.deps.Users.SetPasswordResetRequired(r.Context(), t.ID, chi.URLParam(r, "id"), body.Required)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

func (h *Handler) ListUserIdentities(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	identities, err := h.deps.Users.ListIdentities(r.Context(), t.ID, chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"identities": identities, "count": len(identities)})
}

// LinkUserIdentity attaches an external provider identity to the user.
func (h *Handler) LinkUserIdentity(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())

	var body struct {
		Provider       string          `json:"provider"`
		ProviderUserID string          `json:"provider_user_id"`
		Email          string          `json:"email"`
		Data           json.RawMessage `json:"data"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondBadJSON(w, err)
		return
	}

	ident, err := h.deps.Users.LinkIdentity(r.Context(), t.ID, chi.URLParam(r, "id"), identity.ProviderProfile{
		Provider:       body.Provider,
		ProviderUserID: body.ProviderUserID,
		Email:          body.Email,
		Data:           body.Data,
	})
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, ident)
}

func (h *Handler) UnlinkUserIdentity(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	err := h.deps.Users.UnlinkIdentity(r.Context(), t.ID,
		chi.URLParam(r, "id"), chi.URLParam(r, "provider"), chi.URLParam(r, "providerUserID"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"unlinked": true})
}
