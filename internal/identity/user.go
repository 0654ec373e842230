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

package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/mail"
	"strings"
	"time"
)

// Domain errors
var (
	ErrUserNotFound          = errors.New("user not found")
	ErrEmailTaken            = errors.New("email already registered in tenant")
	ErrIdentityNotFound      = errors.New("linked identity not found")
	ErrIdentityExists        = errors.New("identity already linked in tenant")
	ErrInvalidEmail          = errors.New("invalid email address")
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrWeakPassword          = errors.New("password does not meet security requirements")
	ErrUserSuspended         = errors.New("user is suspended")
	ErrUserDeleted           = errors.New("user is deleted")
	ErrPasswordResetRequired = errors.New("password reset required before login")
)

// User lifecycle states
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusDeleted   = "deleted"
)

// User is an end-user account within a tenant. Email is stored lowercase and
// is unique per tenant. A deleted user keeps its row so audit references stay
// resolvable, but every read path treats it as gone.
type User struct {
	ID                    string          `json:"id"`
	TenantID              string          `json:"tenant_id"`
	Email                 string          `json:"email"`
	Name                  string          `json:"name,omitempty"`
	Metadata              json.RawMessage `json:"metadata,omitempty"`
	Status                string          `json:"status"`
	PasswordResetRequired bool            `json:"password_reset_required"`
	LastLoginAt           *time.Time      `json:"last_login_at,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// Active reports whether the user may authenticate.
func (u *User) Active() bool {
	return u.Status == StatusActive
}

// UserIdentity links a user to an upstream provider account. The pair
// (provider, provider_user_id) is unique per tenant.
type UserIdentity struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	TenantID       string          `json:"tenant_id"`
	Provider       string          `json:"provider"`
	ProviderUserID string          `json:"provider_user_id"`
	ProviderData   json.RawMessage `json:"provider_data,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Credentials holds the password hash for local password authentication.
type Credentials struct {
	UserID       string    `json:"user_id"`
	PasswordHash string    `json:"-"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NormalizeEmail lowercases and trims an email address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail checks the address syntactically.
func ValidateEmail(email string) error {
	if _, err := mail.ParseAddress(email); err != nil {
		return ErrInvalidEmail
	}
	return nil
}

// ValidatePassword enforces the minimum password length.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return ErrWeakPassword
	}
	return nil
}

// ListOptions filters and paginates user listings.
type ListOptions struct {
	Status string
	Offset int
	Limit  int
}

// Repository defines the interface for user persistence. Reads exclude
// users with status deleted.
type Repository interface {
	// Create creates a new user.
	Create(ctx context.Context, user *User) error

	// GetByID retrieves a user by ID within a tenant.
	GetByID(ctx context.Context, tenantID, id string) (*User, error)

	// GetByEmail retrieves a user by normalized email within a tenant.
	GetByEmail(ctx context.Context, tenantID, email string) (*User, error)

	// Update updates user fields.
	Update(ctx context.Context, user *User) error

	// SetLastLogin records a successful authentication.
	SetLastLogin(ctx context.Context, tenantID, id string, at time.Time) error

	// List retrieves users in a tenant.
	List(ctx context.Context, tenantID string, opts ListOptions) ([]*User, error)

	// SetCredentials inserts or replaces the password hash for a user.
	SetCredentials(ctx context.Context, creds *Credentials) error

	// GetCredentials retrieves the password hash for a user.
	GetCredentials(ctx context.Context, userID string) (*Credentials, error)

	// LinkIdentity attaches a provider identity to a user.
	LinkIdentity(ctx context.Context, ident *UserIdentity) error

	// GetIdentity resolves a provider identity within a tenant.
	GetIdentity(ctx context.Context, tenantID, provider, providerUserID string) (*UserIdentity, error)

	// UpdateIdentity refreshes the stored provider data.
	UpdateIdentity(ctx context.Context, ident *UserIdentity) error

	// UnlinkIdentity removes a provider identity.
	UnlinkIdentity(ctx context.Context, tenantID, provider, providerUserID string) error

	// ListIdentities retrieves all identities linked to a user.
	ListIdentities(ctx context.Context, userID string) ([]*UserIdentity, error)
}
