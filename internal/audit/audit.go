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

// Package audit records two kinds of trails: durable token-usage events in
// the key-value store, queryable per tenant and across regions, and
// operational auth events that go straight to structured logs.
package audit

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Token lifecycle event types
const (
	EventGenerated = "generated"
	EventRefreshed = "refreshed"
	EventRevoked   = "revoked"
	EventReused    = "reused"
)

// Event is a durable token-usage record. FamilyID groups the rotation chain
// of a refresh token so the whole family history can be read in order.
// Region is set on query results, not on stored events.
type Event struct {
	TokenID   string         `json:"token_id"`
	FamilyID  string         `json:"family_id,omitempty"`
	Subject   string         `json:"subject"`
	EventType string         `json:"event_type"`
	ClientID  string         `json:"client_id,omitempty"`
	TenantID  string         `json:"tenant_id"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Region    string         `json:"_region,omitempty"`
}

// Filter selects events on query. Zero fields match everything. Offset and
// Limit page through the newest-first result.
type Filter struct {
	TokenID   string
	FamilyID  string
	Subject   string
	EventType string
	ClientID  string
	From      time.Time
	To        time.Time
	Offset    int
	Limit     int
}

func (f Filter) matches(ev *Event) bool {
	if f.TokenID != "" && ev.TokenID != f.TokenID {
		return false
	}
	if f.FamilyID != "" && ev.FamilyID != f.FamilyID {
		return false
	}
	if f.Subject != "" && ev.Subject != f.Subject {
		return false
	}
	if f.EventType != "" && ev.EventType != f.EventType {
		return false
	}
	if f.ClientID != "" && ev.ClientID != f.ClientID {
		return false
	}
	if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ev.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Auth event types for the operational log trail
const (
	TypeLoginSuccess    = "login_success"
	TypeLoginFailed     = "login_failed"
	TypeLogout          = "logout"
	TypeUserCreated     = "user_created"
	TypeUserSuspended   = "user_suspended"
	TypeUserActivated   = "user_activated"
	TypeUserDeleted     = "user_deleted"
	TypePasswordChanged = "password_changed"
	TypeClientCreated   = "client_created"
	TypeSecretRotated   = "secret_rotated"
	TypeRoleAssigned    = "role_assigned"
	TypeRoleRevoked     = "role_revoked"
	TypeBootstrapped    = "bootstrap_completed"
)

// ActorBootstrap marks actions performed by first-run seeding rather than a
// signed-in principal.
const ActorBootstrap = "system:bootstrap"

// AuthEvent is an operational auditable action. Unlike token Events these
// are not stored; they are emitted to the structured log.
type AuthEvent struct {
	Type      string
	TenantID  string
	ActorID   string
	Resource  string
	Metadata  map[string]any
	Timestamp time.Time
	IPAddress string
	UserAgent string
}

// Logger defines the interface for operational audit logging
type Logger interface {
	Log(ctx context.Context, event AuthEvent)
}

// SlogLogger implements Logger using slog
type SlogLogger struct{}

// NewSlogLogger creates a new audit logger
func NewSlogLogger() *SlogLogger {
	return &SlogLogger{}
}

// Log records an audit event
func (l *SlogLogger) Log(ctx context.Context, event AuthEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	attrs := []any{
		slog.String("audit_type", event.Type),
		slog.String("tenant_id", event.TenantID),
		slog.String("actor_id", event.ActorID),
		slog.String("resource", event.Resource),
		slog.Time("timestamp", event.Timestamp),
	}

	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", event.UserAgent))
	}

	if len(event.Metadata) > 0 {
		group := []any{}
		for k, v := range event.Metadata {
			if isSecret(k) {
				v = "[REDACTED]"
			}
			group = append(group, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("metadata", group...))
	}

	slog.InfoContext(ctx, "AUDIT_EVENT", append(attrs, slog.String("component", "audit"))...)
}

// isSecret checks if a key likely carries a secret. Matching is by keyword
// substring so composites like password_hash and api_key are caught.
func isSecret(key string) bool {
	lower := strings.ToLower(key)
	keywords := []string{"password", "secret", "token", "key", "hash", "credential", "authorization"}
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
