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

package oauth2

import (
	"fmt"
	"net/http"
)

// Error represents a protocol-level OAuth2 error (RFC 6749)
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
	State       string `json:"state,omitempty"`

	// redirectable is set once the redirect_uri has been verified, meaning
	// the error may be delivered to the client as callback parameters
	// instead of a direct response.
	redirectable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("oauth2 error: %s (%s)", e.Code, e.Description)
}

// OAuth2 standard error codes, plus login_required from OIDC Core for
// prompt=none requests without a usable session
const (
	ErrInvalidRequest         = "invalid_request"
	ErrInvalidClient          = "invalid_client"
	ErrInvalidGrant           = "invalid_grant"
	ErrUnauthorizedClient     = "unauthorized_client"
	ErrUnsupportedGrantType   = "unsupported_grant_type"
	ErrInvalidScope           = "invalid_scope"
	ErrServerError            = "server_error"
	ErrTemporarilyUnavailable = "temporarily_unavailable"
	ErrLoginRequired          = "login_required"
	ErrNotImplemented         = "not_implemented"
)

// NewError creates a new protocol error
func NewError(code, description string) *Error {
	return &Error{
		Code:        code,
		Description: description,
	}
}

// WithState attaches the request's state parameter to the error. State is
// only echoed after redirect_uri verification, so calling this also marks
// the error as safe to deliver by redirect.
func (e *Error) WithState(state string) *Error {
	e.State = state
	e.redirectable = true
	return e
}

// Redirectable reports whether the error may be sent to the client's
// redirect_uri. Errors raised before the redirect_uri was verified must be
// rendered directly instead (RFC 6749 section 4.1.2.1).
func (e *Error) Redirectable() bool {
	return e.redirectable
}

// ErrorRedirect builds the callback URL that delivers e to a verified
// redirect_uri as error, error_description and state parameters.
func ErrorRedirect(redirectURI string, e *Error) string {
	return appendQuery(redirectURI, map[string][]string{
		"error":             {e.Code},
		"error_description": {e.Description},
		"state":             {e.State},
	})
}

// StatusCode maps the error code to its HTTP status
func (e *Error) StatusCode() int {
	switch e.Code {
	case ErrInvalidClient:
		return http.StatusUnauthorized
	case ErrServerError:
		return http.StatusInternalServerError
	case ErrTemporarilyUnavailable:
		return http.StatusServiceUnavailable
	case ErrNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusBadRequest
	}
}
