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

// Package session implements the multi-account browser session engine. An
// encrypted cookie names a browser session; the browser session holds up to a
// configured number of account sessions with exactly one active at a time;
// OIDC prompt, max_age and hint semantics decide whether an authorization
// request can ride an existing login or must go back through a provider.
package session

import (
	"errors"
	"time"
)

// Domain errors. Transport maps these to the stable wire codes
// session_not_found, session_expired, account_not_found,
// max_accounts_exceeded, version_conflict and invalid_cookie.
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionExpired      = errors.New("session expired")
	ErrAccountNotFound     = errors.New("account not found")
	ErrMaxAccountsExceeded = errors.New("max accounts exceeded")
	ErrVersionConflict     = errors.New("version conflict")
	ErrInvalidCookie       = errors.New("invalid session cookie")
)

// BrowserSession is the cookie-bound container for account sessions. Version
// increases on every mutation; the cookie carries the version it was minted
// against, and middleware re-issues the cookie whenever storage has moved
// ahead. Expiry slides: ExpiresAt is recomputed from LastActivity on every
// write.
type BrowserSession struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Version      int64     `json:"version"`
	ActiveUserID string    `json:"active_user_id,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	IPAddress    string    `json:"ip_address,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the session's sliding lifetime has run out.
func (s *BrowserSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// AccountSession is one authenticated user inside a browser session.
// (browser_session_id, user_id) is unique; at most one account per browser
// session is active.
type AccountSession struct {
	ID                string         `json:"id"`
	BrowserSessionID  string         `json:"browser_session_id"`
	UserID            string         `json:"user_id"`
	IsActive          bool           `json:"is_active"`
	SubjectType       string         `json:"subject_type"`
	SubjectProperties map[string]any `json:"subject_properties,omitempty"`
	RefreshToken      string         `json:"refresh_token,omitempty"`
	ClientID          string         `json:"client_id,omitempty"`
	AuthenticatedAt   time.Time      `json:"authenticated_at"`
	ExpiresAt         time.Time      `json:"expires_at"`
}

// Expired reports whether the account session's own TTL has run out.
func (a *AccountSession) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// Email returns the subject's email claim when the provider supplied one.
// login_hint matching runs against this value.
func (a *AccountSession) Email() string {
	if a.SubjectProperties == nil {
		return ""
	}
	if v, ok := a.SubjectProperties["email"].(string); ok {
		return v
	}
	return ""
}
