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

	"github.com/meywd/openauth-sub002/internal/provider"
)

// providerAdminView is the admin response shape for a provider record. The
// stored ciphertext never leaves the server; clientSecretMasked shows the
// last four characters only.
type providerAdminView struct {
	Name               string            `json:"name"`
	Type               string            `json:"type"`
	DisplayName        string            `json:"display_name,omitempty"`
	ClientID           string            `json:"client_id,omitempty"`
	ClientSecretMasked string            `json:"clientSecretMasked,omitempty"`
	Scopes             []string          `json:"scopes,omitempty"`
	Config             map[string]string `json:"config,omitempty"`
	Enabled            bool              `json:"enabled"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

func providerAdmin(rec *provider.Record) providerAdminView {
	return providerAdminView{
		Name:               rec.Name,
		Type:               rec.Type,
		DisplayName:        rec.DisplayName,
		ClientID:           rec.ClientID,
		ClientSecretMasked: rec.SecretMasked,
		Scopes:             rec.Scopes,
		Config:             rec.Config,
		Enabled:            rec.Enabled,
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
	}
}

// ProviderTypes returns the catalog of provider types this deployment can
// instantiate, with their default endpoints and scopes.
func (h *Handler) ProviderTypes(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"types": provider.Types()})
}

func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	records, err := h.deps.Providers.List(r.Context(), t.ID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	views := make([]providerAdminView, 0, len(records))
	for _, rec := range records {
		views = append(views, providerAdmin(rec))
	}
	respondJSON(w, http.StatusOK, map[string]any{"providers": views, "count": len(views)})
}

func (h *Handler) GetProviderConfig(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	rec, err := h.deps.Providers.Get(r.Context(), t.ID, chi.URLParam(r, "name"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, providerAdmin(rec))
}

type providerUpsertBody struct {
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	DisplayName  string            `json:"display_name"`
	ClientID     string            `json:"client_id"`
	ClientSecret string            `json:"client_secret"`
	Scopes       []string          `json:"scopes"`
	Config       map[string]string `json:"config"`
	Enabled      *bool             `json:"enabled"`
}

func (b providerUpsertBody) input() provider.UpsertInput {
	return provider.UpsertInput{
		Name:         b.Name,
		Type:         b.Type,
		DisplayName:  b.DisplayName,
		ClientID:     b.ClientID,
		ClientSecret: b.ClientSecret,
		Scopes:       b.Scopes,
		Config:       b.Config,
		Enabled:      b.Enabled,
	}
}

func (h *Handler) CreateProvider(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())

	var body providerUpsertBody
	if err := decodeJSON(r, &body); err != nil {
		respondBadJSON(w, err)
		return
	}
	rec, err := h.deps.Providers.Create(r.Context(), t.ID, body.input())
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, providerAdmin(rec))
}

func (h *Handler) UpdateProvider(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())

	var body providerUpsertBody
	if err := decodeJSON(r, &body); err != nil {
		respondBadJSON(w, err)
		return
	}
	rec, err := h.deps.Providers.Update(r.Context(), t.ID, chi.URLParam(r, "name"), body.input())
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, providerAdmin(rec))
}

func (h *Handler) DeleteProvider(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	if err := h.deps.Providers.Delete(r.Context(), t.ID, chi.URLParam(r, "name")); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
