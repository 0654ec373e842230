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

// Package provider implements the dynamic provider registry: per-tenant
// login-provider records with AEAD-encrypted secrets, a type catalog with
// endpoint templates, a TTL+LRU materialization cache, and the login flows
// themselves (upstream OAuth2/OIDC plus the local password and one-time-code
// flows).
package provider

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"time"

	"github.com/meywd/openauth-sub002/internal/observability/logger"
)

// Domain errors. Transport maps these to provider_not_found, provider_exists
// and invalid_input.
var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrProviderExists   = errors.New("provider already exists")
	ErrInvalidProvider  = errors.New("invalid provider configuration")

	// ErrStateMismatch covers missing, expired, and replayed OAuth state.
	ErrStateMismatch = errors.New("oauth state mismatch")
	// ErrUpstreamDenied is returned when the upstream provider reported an
	// error instead of an authorization code.
	ErrUpstreamDenied = errors.New("upstream provider denied the request")

	// Local-flow errors.
	ErrCodeMismatch         = errors.New("verification code mismatch")
	ErrTooManyAttempts      = errors.New("too many verification attempts")
	ErrRegistrationDisabled = errors.New("public registration is disabled")
	ErrInvalidEmail         = errors.New("invalid email address")
	ErrWeakPassword         = errors.New("password does not meet requirements")
)

var nameRe = regexp.MustCompile(`^[a-z0-9]{1,64}$`)

// Record is a stored provider configuration. The client secret is encrypted
// at rest (ciphertext + IV per the AEAD contract) and only decrypted when the
// provider is materialized into an Instance.
type Record struct {
	TenantID         string            `json:"tenant_id"`
	Name             string            `json:"name"`
	Type             string            `json:"type"`
	DisplayName      string            `json:"display_name,omitempty"`
	ClientID         string            `json:"client_id,omitempty"`
	SecretCiphertext string            `json:"secret_ciphertext,omitempty"`
	SecretIV         string            `json:"secret_iv,omitempty"`
	SecretMasked     string            `json:"secret_masked,omitempty"`
	Scopes           []string          `json:"scopes,omitempty"`
	Config           map[string]string `json:"config,omitempty"`
	Enabled          bool              `json:"enabled"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Identity is what a completed login flow knows about the subject. Properties
// carries the raw upstream claims and flows into token properties untouched.
type Identity struct {
	ProviderUserID string
	Email          string
	EmailVerified  bool
	Name           string
	Properties     map[string]any
}

// Accounts is the slice of the identity layer the local flows need. Password
// hashes cross this boundary already PBKDF2-hashed; the flows never hand
// plaintext onward.
type Accounts interface {
	// RegisterPassword creates a user with a password identity.
	RegisterPassword(ctx context.Context, tenantID, email, passwordHash string) (*Identity, error)
	// VerifyPassword authenticates an existing password identity.
	VerifyPassword(ctx context.Context, tenantID, email, password string) (*Identity, error)
	// UpsertEmail finds a user by email for code login, creating one when
	// allowCreate is set. With allowCreate false a missing user is an error.
	UpsertEmail(ctx context.Context, tenantID, email string, allowCreate bool) (*Identity, error)
}

// Sender delivers verification codes out of band.
type Sender interface {
	SendCode(ctx context.Context, tenantID, email, code string) error
}

// LogSender is the default Sender: it logs the code at debug level, which is
// enough for development and tests.
type LogSender struct{}

// SendCode implements Sender.
func (LogSender) SendCode(ctx context.Context, tenantID, email, code string) error {
	slog.DebugContext(ctx, "verification code issued",
		logger.TenantID(tenantID),
		slog.String("email", email),
		slog.String("code", code),
	)
	return nil
}

func validName(name string) bool { return nameRe.MatchString(name) }
