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
	"errors"
	"log/slog"
	"net/http"

	"github.com/meywd/openauth-sub002/internal/client"
	"github.com/meywd/openauth-sub002/internal/identity"
	"github.com/meywd/openauth-sub002/internal/oauth2"
	"github.com/meywd/openauth-sub002/internal/observability/logger"
	"github.com/meywd/openauth-sub002/internal/provider"
	"github.com/meywd/openauth-sub002/internal/rbac"
	"github.com/meywd/openauth-sub002/internal/resilience"
	"github.com/meywd/openauth-sub002/internal/session"
	"github.com/meywd/openauth-sub002/internal/storage"
	"github.com/meywd/openauth-sub002/internal/tenant"
)

// errorResponse is the admin API error body
type errorResponse struct {
	Error       string   `json:"error"`
	Description string   `json:"error_description,omitempty"`
	Details     []string `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode response", logger.Error(err))
		}
	}
}

func respondError(w http.ResponseWriter, status int, code, description string) {
	respondJSON(w, status, errorResponse{Error: code, Description: description})
}

// respondOAuthError renders a protocol error as JSON with the RFC 6749
// status. Anything that is not an *oauth2.Error is an internal failure.
func respondOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var oe *oauth2.Error
	if errors.As(err, &oe) {
		respondJSON(w, oe.StatusCode(), oe)
		return
	}
	slog.ErrorContext(r.Context(), "unexpected error on oauth endpoint", logger.Error(err))
	respondJSON(w, http.StatusInternalServerError, &oauth2.Error{
		Code: oauth2.ErrServerError, Description: "internal error",
	})
}

// wireError is a resolved (status, code) pair for a domain error
type wireError struct {
	status int
	code   string
}

var domainErrors = []struct {
	err  error
	wire wireError
}{
	{tenant.ErrTenantNotFound, wireError{http.StatusNotFound, "tenant_not_found"}},
	{tenant.ErrTenantSuspended, wireError{http.StatusForbidden, "tenant_suspended"}},
	{tenant.ErrTenantDeleted, wireError{http.StatusNotFound, "tenant_deleted"}},
	{tenant.ErrTenantExists, wireError{http.StatusConflict, "conflict"}},
	{tenant.ErrDomainTaken, wireError{http.StatusConflict, "conflict"}},
	{tenant.ErrInvalidTransition, wireError{http.StatusBadRequest, "invalid_input"}},

	{client.ErrClientNotFound, wireError{http.StatusNotFound, "client_not_found"}},
	{client.ErrNameConflict, wireError{http.StatusConflict, "client_name_conflict"}},
	{client.ErrClientExists, wireError{http.StatusConflict, "conflict"}},
	{client.ErrClientDisabled, wireError{http.StatusForbidden, "forbidden"}},
	{client.ErrClientPublic, wireError{http.StatusBadRequest, "invalid_request"}},
	{client.ErrInvalidGrantType, wireError{http.StatusBadRequest, "invalid_grant_type"}},
	{client.ErrInvalidScopeFormat, wireError{http.StatusBadRequest, "invalid_scope_format"}},
	{client.ErrInvalidRedirectURI, wireError{http.StatusBadRequest, "invalid_redirect_uri"}},
	{client.ErrInvalidInput, wireError{http.StatusBadRequest, "invalid_input"}},

	{session.ErrSessionNotFound, wireError{http.StatusUnauthorized, "session_not_found"}},
	{session.ErrSessionExpired, wireError{http.StatusUnauthorized, "session_expired"}},
	{session.ErrInvalidCookie, wireError{http.StatusUnauthorized, "session_not_found"}},
	{session.ErrAccountNotFound, wireError{http.StatusNotFound, "not_found"}},
	{session.ErrMaxAccountsExceeded, wireError{http.StatusBadRequest, "max_accounts_exceeded"}},
	{session.ErrVersionConflict, wireError{http.StatusConflict, "version_conflict"}},

	{identity.ErrUserNotFound, wireError{http.StatusNotFound, "not_found"}},
	{identity.ErrUserDeleted, wireError{http.StatusNotFound, "not_found"}},
	{identity.ErrUserSuspended, wireError{http.StatusForbidden, "forbidden"}},
	{identity.ErrEmailTaken, wireError{http.StatusConflict, "conflict"}},
	{identity.ErrIdentityNotFound, wireError{http.StatusNotFound, "not_found"}},
	{identity.ErrIdentityExists, wireError{http.StatusConflict, "conflict"}},
	{identity.ErrInvalidEmail, wireError{http.StatusBadRequest, "invalid_input"}},
	{identity.ErrWeakPassword, wireError{http.StatusBadRequest, "invalid_input"}},
	{identity.ErrInvalidCredentials, wireError{http.StatusUnauthorized, "unauthorized"}},
	{identity.ErrPasswordResetRequired, wireError{http.StatusForbidden, "forbidden"}},

	{rbac.ErrRoleNotFound, wireError{http.StatusNotFound, "role_not_found"}},
	{rbac.ErrRoleAlreadyExists, wireError{http.StatusConflict, "conflict"}},
	{rbac.ErrSystemRoleImmutable, wireError{http.StatusForbidden, "cannot_delete_system_role"}},
	{rbac.ErrPermissionNotFound, wireError{http.StatusNotFound, "permission_not_found"}},
	{rbac.ErrPermissionExists, wireError{http.StatusConflict, "conflict"}},
	{rbac.ErrGrantNotFound, wireError{http.StatusNotFound, "not_found"}},
	{rbac.ErrGrantAlreadyExists, wireError{http.StatusConflict, "conflict"}},
	{rbac.ErrAssignmentNotFound, wireError{http.StatusNotFound, "not_found"}},
	{rbac.ErrAssignmentExists, wireError{http.StatusConflict, "role_already_assigned"}},
	{rbac.ErrTooManyPermissions, wireError{http.StatusBadRequest, "invalid_request"}},

	{provider.ErrProviderNotFound, wireError{http.StatusNotFound, "provider_not_found"}},
	{provider.ErrProviderExists, wireError{http.StatusConflict, "provider_exists"}},
	{provider.ErrStateMismatch, wireError{http.StatusBadRequest, "invalid_input"}},
	{provider.ErrRegistrationDisabled, wireError{http.StatusForbidden, "forbidden"}},
	{provider.ErrCodeMismatch, wireError{http.StatusBadRequest, "invalid_input"}},
	{provider.ErrInvalidEmail, wireError{http.StatusBadRequest, "invalid_input"}},
	{provider.ErrWeakPassword, wireError{http.StatusBadRequest, "invalid_input"}},

	{oauth2.ErrRequestNotFound, wireError{http.StatusBadRequest, "invalid_request"}},

	{storage.ErrNotFound, wireError{http.StatusNotFound, "not_found"}},
}

// respondDomainError maps a service error to its wire code. Unrecognized
// errors are logged and surface as a bare internal_error.
func respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "backing store is unavailable, try again shortly")
		return
	}
	for _, m := range domainErrors {
		if errors.Is(err, m.err) {
			respondError(w, m.wire.status, m.wire.code, err.Error())
			return
		}
	}
	var oe *oauth2.Error
	if errors.As(err, &oe) {
		respondJSON(w, oe.StatusCode(), oe)
		return
	}
	slog.ErrorContext(r.Context(), "unhandled error", logger.Error(err), logger.Path(r.URL.Path))
	respondError(w, http.StatusInternalServerError, "internal_error", "")
}

// decodeJSON reads a JSON request body into dst, capped at 1 MiB
func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(dst)
}

func respondBadJSON(w http.ResponseWriter, err error) {
	respondError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON: "+err.Error())
}
