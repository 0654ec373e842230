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

	"github.com/meywd/openauth-sub002/internal/client"
)

func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	clients, err := h.deps.Clients.List(r.Context(), t.ID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"clients": clients, "count": len(clients)})
}

func (h *Handler) GetClient(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	c, err := h.deps.Clients.Get(r.Context(), t.ID, chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// CreateClient registers a client. The plaintext secret appears in this
// response and nowhere else; only its hash survives.
func (h *Handler) CreateClient(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())

	var body struct {
		Name         string          `json:"name"`
		GrantTypes   []string        `json:"grant_types"`
		Scopes       []string        `json:"scopes"`
		RedirectURIs []string        `json:"redirect_uris"`
		Metadata     json.RawMessage `json:"metadata"`
		Public       bool            `json:"public"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondBadJSON(w, err)
		return
	}

	c, secret, err := h.deps.Clients.Create(r.Context(), client.CreateParams{
		TenantID:     t.ID,
		Name:         body.Name,
		GrantTypes:   body.GrantTypes,
		Scopes:       body.Scopes,
		RedirectURIs: body.RedirectURIs,
		Metadata:     body.Metadata,
		Public:       body.Public,
	})
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	resp := map[string]any{"client": c}
	if secret != "" {
		resp["secret"] = secret
	}
	respondJSON(w, http.StatusCreated, resp)
}

func (h *Handler) UpdateClient(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())

	var body struct {
		Name         *string          `json:"name"`
		GrantTypes   *[]string        `json:"grant_types"`
		Scopes       *[]string        `json:"scopes"`
		RedirectURIs *[]string        `json:"redirect_uris"`
		Metadata     *json.RawMessage `json:"metadata"`
		Enabled      *bool            `json:"enabled"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondBadJSON(w, err)
		return
	}

	c, err := h.deps.Clients.Update(r.Context(), t.ID, chi.URLParam(r, "id"), client.Update{
		Name:         body.Name,
		GrantTypes:   body.GrantTypes,
		Scopes:       body.Scopes,
		RedirectURIs: body.RedirectURIs,
		Metadata:     body.Metadata,
		Enabled:      body.Enabled,
	})
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (h *Handler) DeleteClient(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	if err := h.deps.Clients.Delete(r.Context(), t.ID, chi.URLParam(r, "id")); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// RotateClientSecret mints a replacement secret. The old one keeps working
// through the grace window so deployed clients can roll over.
func (h *Handler) RotateClientSecret(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	c, secret, err := h.deps.Clients.RotateSecret(r.Context(), t.ID, chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"client": c, "secret": secret})
}
