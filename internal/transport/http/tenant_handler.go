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
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/meywd/openauth-sub002/internal/tenant"
)

// ListTenants returns tenants filtered by status with offset/limit paging.
func (h *Handler) ListTenants(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := tenant.ListOptions{
		Status: q.Get("status"),
		Offset: queryInt(q.Get("offset"), 0),
		Limit:  queryInt(q.Get("limit"), 50),
	}
	tenants, err := h.deps.Tenants.List(r.Context(), opts)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tenants": tenants, "count": len(tenants)})
}

func (h *Handler) GetTenant(w http.ResponseWriter, r *http.Request) {
	t, err := h.deps.Tenants.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (h *Handler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID       string           `json:"id"`
		Name     string           `json:"name"`
		Domain   string           `json:"domain"`
		Status   string           `json:"status"`
		Branding *tenant.Branding `json:"branding"`
		Settings *tenant.Settings `json:"settings"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondBadJSON(w, err)
		return
	}

	t, err := h.deps.Tenants.Create(r.Context(), tenant.CreateParams{
		ID:       body.ID,
		Name:     body.Name,
		Domain:   body.Domain,
		Status:   body.Status,
		Branding: body.Branding,
		Settings: body.Settings,
	})
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, t)
}

func (h *Handler) UpdateTenant(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     *string          `json:"name"`
		Domain   *string          `json:"domain"`
		Status   *string          `json:"status"`
		Branding *tenant.Branding `json:"branding"`
		Settings *tenant.Settings `json:"settings"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondBadJSON(w, err)
		return
	}

	t, err := h.deps.Tenants.Update(r.Context(), chi.URLParam(r, "id"), tenant.Update{
		Name:     body.Name,
		Domain:   body.Domain,
		Status:   body.Status,
		Branding: body.Branding,
		Settings: body.Settings,
	})
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// UpdateTenantBranding replaces the tenant's branding document wholesale.
func (h *Handler) UpdateTenantBranding(w http.ResponseWriter, r *http.Request) {
	var branding tenant.Branding
	if err := decodeJSON(r, &branding); err != nil {
		respondBadJSON(w, err)
		return
	}
	t, err := h.deps.Tenants.Update(r.Context(), chi.URLParam(r, "id"), tenant.Update{Branding: &branding})
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// UpdateTenantSettings replaces the tenant's policy settings wholesale.
func (h *Handler) UpdateTenantSettings(w http.ResponseWriter, r *http.Request) {
	var settings tenant.Settings
	if err := decodeJSON(r, &settings); err != nil {
		respondBadJSON(w, err)
		return
	}
	t, err := h.deps.Tenants.Update(r.Context(), chi.URLParam(r, "id"), tenant.Update{Settings: &settings})
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// DeleteTenant soft-deletes: status flips to deleted, data is retained.
func (h *Handler) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Tenants.SoftDelete(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": tenant.StatusDeleted})
}

// queryInt parses a pagination parameter, falling back on garbage.
func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
