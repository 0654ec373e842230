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
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// RBACCheck answers a single permission question. Resource servers pass
// the user under test; user tokens default to their own subject.
func (h *Handler) RBACCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t := TenantFromContext(ctx)
	auth := AuthFromContext(ctx)

	var body struct {
		UserID     string `json:"user_id"`
		ClientID   string `json:"client_id"`
		Permission string `json:"permission"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondBadJSON(w, err)
		return
	}
	userID, clientID := h.rbacTarget(auth, body.UserID, body.ClientID)
	if userID == "" || body.Permission == "" {
		respondError(w, http.StatusBadRequest, "invalid_input", "user_id and permission are required")
		return
	}

	allowed, err := h.deps.RBAC.Check(ctx, t.ID, userID, clientID, body.Permission)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"allowed":    allowed,
		"user_id":    userID,
		"permission": body.Permission,
	})
}

// RBACBatchCheck answers many permission questions in one round trip.
func (h *Handler) RBACBatchCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t := TenantFromContext(ctx)
	auth := AuthFromContext(ctx)

	var body struct {
		UserID      string   `json:"user_id"`
		ClientID    string   `json:"client_id"`
		Permissions []string `json:"permissions"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondBadJSON(w, err)
		return
	}
	userID, clientID := h.rbacTarget(auth, body.UserID, body.ClientID)
	if userID == "" || len(body.Permissions) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_input", "user_id and permissions are required")
		return
	}

	results, err := h.deps.RBAC.BatchCheck(ctx, t.ID, userID, clientID, body.Permissions)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "results": results})
}

// RBACClientPermissions lists the permissions the calling client has
// registered.
func (h *Handler) RBACClientPermissions(w http.ResponseWriter, r *http.Request) {
	auth := AuthFromContext(r.Context())
	clientID := auth.ClientID
	if q := r.URL.Query().Get("client_id"); q != "" {
		clientID = q
	}
	perms, err := h.deps.RBAC.ListPermissions(r.Context(), clientID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"permissions": perms, "count": len(perms)})
}

// RBACCallerRoles lists the roles of the token subject, or of an explicit
// user when a machine client asks.
func (h *Handler) RBACCallerRoles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t := TenantFromContext(ctx)
	auth := AuthFromContext(ctx)

	userID, _ := h.rbacTarget(auth, r.URL.Query().Get("user_id"), "")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_input", "user_id is required")
		return
	}
	roles, err := h.deps.RBAC.ListUserRoles(ctx, t.ID, userID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "roles": roles})
}

// rbacTarget resolves whose permissions a check concerns. User tokens are
// pinned to their own subject; machine tokens must name the user.
func (h *Handler) rbacTarget(auth *AuthInfo, userID, clientID string) (string, string) {
	if auth == nil {
		return userID, clientID
	}
	if auth.Mode != "m2m" {
		userID = auth.Subject
	}
	if clientID == "" {
		clientID = auth.ClientID
	}
	return userID, clientID
}

func (h *Handler) AdminListRoles(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	roles, err := h.deps.RBAC.ListRoles(r.Context(), t.ID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"roles": roles, "count": len(roles)})
}

func (h *Handler) AdminGetRole(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	role, err := h.deps.RBAC.GetRole(r.Context(), t.ID, chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, role)
}

func (h *Handler) AdminCreateRole(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())

	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondBadJSON(w, err)
		return
	}
	role, err := h.deps.RBAC.CreateRole(r.Context(), t.ID, body.Name, body.Description)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, role)
}

func (h *Handler) AdminUpdateRole(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())

	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondBadJSON(w, err)
		return
	}
	role, err := h.deps.RBAC.UpdateRole(r.Context(), t.ID, chi.URLParam(r, "id"), body.Name, body.Description)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, role)
}

func (h *Handler) AdminDeleteRole(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	if err := h.deps.RBAC.DeleteRole(r.Context(), t.ID, chi.URLParam(r, "id")); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (h *Handler) AdminListRolePermissions(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	perms, err := h.deps.RBAC.ListRolePermissions(r.Context(), t.ID, chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"permissions": perms, "count": len(perms)})
}

// AdminGrantPermission attaches a registered permission to a role.
func (h *Handler) AdminGrantPermission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t := TenantFromContext(ctx)
	auth := AuthFromContext(ctx)

	var body struct {
		PermissionID string `json:"permission_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondBadJSON(w, err)
		return
	}
	if body.PermissionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_input", "permission_id is required")
		return
	}
	err := h.deps.RBAC.GrantPermission(ctx, t.ID, chi.URLParam(r, "id"), body.PermissionID, actorID(auth))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]bool{"granted": true})
}

func (h *Handler) AdminRevokePermission(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	err := h.deps.RBAC.RevokePermission(r.Context(), t.ID, chi.URLParam(r, "id"), chi.URLParam(r, "permissionID"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

func (h *Handler) AdminListPermissions(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		respondError(w, http.StatusBadRequest, "invalid_input", "client_id is required")
		return
	}
	perms, err := h.deps.RBAC.ListPermissions(r.Context(), clientID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"permissions": perms, "count": len(perms)})
}

func (h *Handler) AdminCreatePermission(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientID    string `json:"client_id"`
		Resource    string `json:"resource"`
		Action      string `json:"action"`
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondBadJSON(w, err)
		return
	}
	perm, err := h.deps.RBAC.CreatePermission(r.Context(), body.ClientID, body.Resource, body.Action, body.Description)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, perm)
}

func (h *Handler) AdminDeletePermission(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.RBAC.DeletePermission(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// AdminAssignRole gives a user a role, optionally until an expiry.
func (h *Handler) AdminAssignRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t := TenantFromContext(ctx)
	auth := AuthFromContext(ctx)

	var body struct {
		RoleID    string     `json:"role_id"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondBadJSON(w, err)
		return
	}
	if body.RoleID == "" {
		respondError(w, http.StatusBadRequest, "invalid_input", "role_id is required")
		return
	}
	assignment, err := h.deps.RBAC.AssignRole(ctx, t.ID, chi.URLParam(r, "id"), body.RoleID, actorID(auth), body.ExpiresAt)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, assignment)
}

func (h *Handler) AdminRevokeRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t := TenantFromContext(ctx)
	auth := AuthFromContext(ctx)

	err := h.deps.RBAC.RevokeRole(ctx, t.ID, chi.URLParam(r, "id"), chi.URLParam(r, "roleID"), actorID(auth))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

// AdminListUserRoles lists the roles assigned to one user.
func (h *Handler) AdminListUserRoles(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	roles, err := h.deps.RBAC.ListUserRoles(r.Context(), t.ID, chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"roles": roles, "count": len(roles)})
}

// actorID names the admin principal for audit attribution.
func actorID(auth *AuthInfo) string {
	if auth == nil {
		return ""
	}
	if auth.Subject != "" {
		return auth.Subject
	}
	return auth.ClientID
}
