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

	"github.com/meywd/openauth-sub002/internal/audit"
)

// QueryAuditEvents searches the token audit trail, newest first.
func (h *Handler) QueryAuditEvents(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	q := r.URL.Query()

	filter := audit.Filter{
		TokenID:   q.Get("token_id"),
		FamilyID:  q.Get("family_id"),
		Subject:   q.Get("subject"),
		EventType: q.Get("event_type"),
		ClientID:  q.Get("client_id"),
		Offset:    queryInt(q.Get("offset"), 0),
		Limit:     queryInt(q.Get("limit"), 100),
	}
	var bad []string
	filter.From, bad = queryTime(q.Get("from"), bad, "from")
	filter.To, bad = queryTime(q.Get("to"), bad, "to")
	if len(bad) > 0 {
		respondJSON(w, http.StatusBadRequest, errorResponse{
			Error:       "invalid_input",
			Description: "timestamps must be RFC 3339",
			Details:     bad,
		})
		return
	}

	events, err := h.deps.Audit.Query(r.Context(), t.ID, filter)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// AuditFamilyHistory returns the lifecycle of one refresh token family,
// oldest first, for tracing reuse incidents.
func (h *Handler) AuditFamilyHistory(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	events, err := h.deps.Audit.FamilyHistory(r.Context(), t.ID, chi.URLParam(r, "familyID"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func queryTime(raw string, bad []string, field string) (time.Time, []string) {
	if raw == "" {
		return time.Time{}, bad
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, append(bad, field)
	}
	return ts, bad
}
