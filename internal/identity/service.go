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
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/meywd/openauth-sub002/internal/audit"
	"github.com/meywd/openauth-sub002/internal/crypto"
	"github.com/meywd/openauth-sub002/internal/id"
)

// Sessions is the slice of the session engine user lifecycle needs: pulling
// every browser session of a user when the account is suspended or deleted.
type Sessions interface {
	RevokeUserSessions(ctx context.Context, tenantID, userID string) (int, error)
}

// ProviderProfile carries the claims a completed upstream login resolved.
type ProviderProfile struct {
	Provider       string
	ProviderUserID string
	Email          string
	EmailVerified  bool
	Name           string
	Data           json.RawMessage
}

// Service implements user and linked-identity lifecycle on top of the
// relational repository.
type Service struct {
	repo        Repository
	sessions    Sessions
	auditLogger audit.Logger

	now func() time.Time
}

// NewService creates the identity service.
func NewService(repo Repository, sessions Sessions, auditLogger audit.Logger) *Service {
	if auditLogger == nil {
		auditLogger = audit.NewSlogLogger()
	}
	return &Service{
		repo:        repo,
		sessions:    sessions,
		auditLogger: auditLogger,
		now:         time.Now,
	}
}

// CreateInput carries the admin-facing fields for user creation.
type CreateInput struct {
	Email    string
	Name     string
	Metadata json.RawMessage
}

// Create registers a user in a tenant.
func (s *Service) Create(ctx context.Context, tenantID string, in CreateInput) (*User, error) {
	email := NormalizeEmail(in.Email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	user := &User{
		ID:        id.NewUUIDv7(),
		TenantID:  tenantID,
		Email:     email,
		Name:      in.Name,
		Metadata:  in.Metadata,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return nil, err
	}
	s.auditLogger.Log(ctx, audit.AuthEvent{
		Type:     audit.TypeUserCreated,
		TenantID: tenantID,
		ActorID:  user.ID,
		Resource: "user/" + user.ID,
		Metadata: map[string]any{"method": "admin"},
	})
	return user, nil
}

// Get retrieves a user by id.
func (s *Service) Get(ctx context.Context, tenantID, userID string) (*User, error) {
	return s.repo.GetByID(ctx, tenantID, userID)
}

// GetByEmail retrieves a user by email.
func (s *Service) GetByEmail(ctx context.Context, tenantID, email string) (*User, error) {
	return s.repo.GetByEmail(ctx, tenantID, NormalizeEmail(email))
}

// List retrieves users in a tenant.
func (s *Service) List(ctx context.Context, tenantID string, opts ListOptions) ([]*User, error) {
	return s.repo.List(ctx, tenantID, opts)
}

// UpdateInput updates user fields. Nil pointers leave the field unchanged;
// a non-nil Metadata replaces the stored document.
type UpdateInput struct {
	Email    *string
	Name     *string
	Metadata json.RawMessage
}

// Update applies a partial update to a user.
func (s *Service) Update(ctx context.Context, tenantID, userID string, in UpdateInput) (*User, error) {
	user, err := s.repo.GetByID(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if in.Email != nil {
		email := NormalizeEmail(*in.Email)
		if err := ValidateEmail(email); err != nil {
			return nil, err
		}
		user.Email = email
	}
	if in.Name != nil {
		user.Name = *in.Name
	}
	if in.Metadata != nil {
		user.Metadata = in.Metadata
	}
	user.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Suspend blocks a user from authenticating and revokes every browser
// session they hold. Returns the number of sessions revoked.
func (s *Service) Suspend(ctx context.Context, tenantID, userID string) (int, error) {
	user, err := s.repo.GetByID(ctx, tenantID, userID)
	if err != nil {
		return 0, err
	}
	user.Status = StatusSuspended
	user.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, user); err != nil {
		return 0, err
	}
	revoked, err := s.sessions.RevokeUserSessions(ctx, tenantID, userID)
	if err != nil {
		return 0, fmt.Errorf("user suspended but session revocation failed: %w", err)
	}
	s.auditLogger.Log(ctx, audit.AuthEvent{
		Type:     audit.TypeUserSuspended,
		TenantID: tenantID,
		ActorID:  userID,
		Resource: "user/" + userID,
		Metadata: map[string]any{"revoked_sessions": revoked},
	})
	return revoked, nil
}

// Unsuspend restores a suspended user to active.
func (s *Service) Unsuspend(ctx context.Context, tenantID, userID string) error {
	user, err := s.repo.GetByID(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	if user.Status == StatusActive {
		return nil
	}
	user.Status = StatusActive
	user.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, user); err != nil {
		return err
	}
	s.auditLogger.Log(ctx, audit.AuthEvent{
		Type:     audit.TypeUserActivated,
		TenantID: tenantID,
		ActorID:  userID,
		Resource: "user/" + userID,
	})
	return nil
}

// Delete soft-deletes a user and revokes every session they hold. The row
// is kept so audit references stay resolvable, but all reads exclude it.
func (s *Service) Delete(ctx context.Context, tenantID, userID string) (int, error) {
	user, err := s.repo.GetByID(ctx, tenantID, userID)
	if err != nil {
		return 0, err
	}
	user.Status = StatusDeleted
	user.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, user); err != nil {
		return 0, err
	}
	revoked, err := s.sessions.RevokeUserSessions(ctx, tenantID, userID)
	if err != nil {
		return 0, fmt.Errorf("user deleted but session revocation failed: %w", err)
	}
	s.auditLogger.Log(ctx, audit.AuthEvent{
		Type:     audit.TypeUserDeleted,
		TenantID: tenantID,
		ActorID:  userID,
		Resource: "user/" + userID,
		Metadata: map[string]any{"revoked_sessions": revoked},
	})
	return revoked, nil
}

// SetPasswordResetRequired toggles the forced-reset flag. While set, password
// logins fail with ErrPasswordResetRequired until the user changes their
// password.
func (s *Service) SetPasswordResetRequired(ctx context.Context, tenantID, userID string, required bool) (*User, error) {
	user, err := s.repo.GetByID(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if user.PasswordResetRequired == required {
		return user, nil
	}
	user.PasswordResetRequired = required
	user.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// RegisterPassword creates a user from the hosted password flow. The hash
// was produced before the email challenge was stored, so the plaintext never
// reaches this layer.
func (s *Service) RegisterPassword(ctx context.Context, tenantID, email, passwordHash string) (*User, error) {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	user := &User{
		ID:          id.NewUUIDv7(),
		TenantID:    tenantID,
		Email:       email,
		Status:      StatusActive,
		LastLoginAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return nil, err
	}
	if err := s.repo.SetCredentials(ctx, &Credentials{UserID: user.ID, PasswordHash: passwordHash}); err != nil {
		return nil, err
	}
	s.auditLogger.Log(ctx, audit.AuthEvent{
		Type:     audit.TypeUserCreated,
		TenantID: tenantID,
		ActorID:  user.ID,
		Resource: "user/" + user.ID,
		Metadata: map[string]any{"method": "password"},
	})
	return user, nil
}

// VerifyPassword authenticates a password login.
func (s *Service) VerifyPassword(ctx context.Context, tenantID, email, password string) (*User, error) {
	email = NormalizeEmail(email)
	user, err := s.repo.GetByEmail(ctx, tenantID, email)
	if err != nil {
		s.logLoginFailure(ctx, tenantID, "", "user_not_found")
		return nil, ErrInvalidCredentials
	}
	if user.Status == StatusSuspended {
		s.logLoginFailure(ctx, tenantID, user.ID, "suspended")
		return nil, ErrUserSuspended
	}
	creds, err := s.repo.GetCredentials(ctx, user.ID)
	if err != nil {
		s.logLoginFailure(ctx, tenantID, user.ID, "no_password")
		return nil, ErrInvalidCredentials
	}
	ok, err := crypto.VerifySecret(password, creds.PasswordHash)
	if err != nil || !ok {
		s.logLoginFailure(ctx, tenantID, user.ID, "invalid_password")
		return nil, ErrInvalidCredentials
	}
	if user.PasswordResetRequired {
		s.logLoginFailure(ctx, tenantID, user.ID, "password_reset_required")
		return nil, ErrPasswordResetRequired
	}
	return s.recordLogin(ctx, user, "password")
}

// ChangePassword replaces the password after verifying the current one, and
// clears the forced-reset flag.
func (s *Service) ChangePassword(ctx context.Context, tenantID, userID, oldPassword, newPassword string) error {
	user, err := s.repo.GetByID(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	creds, err := s.repo.GetCredentials(ctx, user.ID)
	if err != nil {
		return ErrInvalidCredentials
	}
	ok, err := crypto.VerifySecret(oldPassword, creds.PasswordHash)
	if err != nil || !ok {
		return ErrInvalidCredentials
	}
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	hash, err := crypto.HashSecret(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.repo.SetCredentials(ctx, &Credentials{UserID: user.ID, PasswordHash: hash}); err != nil {
		return err
	}
	if user.PasswordResetRequired {
		user.PasswordResetRequired = false
		user.UpdatedAt = s.now().UTC()
		if err := s.repo.Update(ctx, user); err != nil {
			return err
		}
	}
	s.auditLogger.Log(ctx, audit.AuthEvent{
		Type:     audit.TypePasswordChanged,
		TenantID: tenantID,
		ActorID:  userID,
		Resource: "user/" + userID,
	})
	return nil
}

// SetPassword replaces the password without checking the old one. Admin
// path; pair with SetPasswordResetRequired to hand out temporary passwords.
func (s *Service) SetPassword(ctx context.Context, tenantID, userID, password string) error {
	user, err := s.repo.GetByID(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	if err := ValidatePassword(password); err != nil {
		return err
	}
	hash, err := crypto.HashSecret(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.repo.SetCredentials(ctx, &Credentials{UserID: user.ID, PasswordHash: hash}); err != nil {
		return err
	}
	s.auditLogger.Log(ctx, audit.AuthEvent{
		Type:     audit.TypePasswordChanged,
		TenantID: tenantID,
		ActorID:  userID,
		Resource: "user/" + userID,
		Metadata: map[string]any{"method": "admin"},
	})
	return nil
}

// UpsertByEmail resolves the user behind a completed email-code login,
// creating one when allowCreate is set.
func (s *Service) UpsertByEmail(ctx context.Context, tenantID, email string, allowCreate bool) (*User, error) {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	user, err := s.repo.GetByEmail(ctx, tenantID, email)
	switch {
	case err == nil:
		if user.Status == StatusSuspended {
			s.logLoginFailure(ctx, tenantID, user.ID, "suspended")
			return nil, ErrUserSuspended
		}
		return s.recordLogin(ctx, user, "code")
	case !errors.Is(err, ErrUserNotFound):
		return nil, err
	}
	if !allowCreate {
		return nil, ErrUserNotFound
	}
	now := s.now().UTC()
	user = &User{
		ID:          id.NewUUIDv7(),
		TenantID:    tenantID,
		Email:       email,
		Status:      StatusActive,
		LastLoginAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return nil, err
	}
	s.auditLogger.Log(ctx, audit.AuthEvent{
		Type:     audit.TypeUserCreated,
		TenantID: tenantID,
		ActorID:  user.ID,
		Resource: "user/" + user.ID,
		Metadata: map[string]any{"method": "code"},
	})
	return user, nil
}

// UpsertFromProvider resolves the local user behind a completed upstream
// login: by linked identity first, then by email, else by creating the user
// and linking in one go.
func (s *Service) UpsertFromProvider(ctx context.Context, tenantID string, p ProviderProfile) (*User, error) {
	if p.Provider == "" || p.ProviderUserID == "" {
		return nil, fmt.Errorf("%w: provider and provider_user_id are required", ErrIdentityNotFound)
	}

	ident, err := s.repo.GetIdentity(ctx, tenantID, p.Provider, p.ProviderUserID)
	switch {
	case err == nil:
		user, err := s.repo.GetByID(ctx, tenantID, ident.UserID)
		if err != nil {
			return nil, err
		}
		if user.Status == StatusSuspended {
			s.logLoginFailure(ctx, tenantID, user.ID, "suspended")
			return nil, ErrUserSuspended
		}
		if len(p.Data) > 0 {
			ident.ProviderData = p.Data
			ident.UpdatedAt = s.now().UTC()
			if err := s.repo.UpdateIdentity(ctx, ident); err != nil {
				return nil, err
			}
		}
		return s.recordLogin(ctx, user, p.Provider)
	case !errors.Is(err, ErrIdentityNotFound):
		return nil, err
	}

	if email := NormalizeEmail(p.Email); email != "" {
		user, err := s.repo.GetByEmail(ctx, tenantID, email)
		switch {
		case err == nil:
			if user.Status == StatusSuspended {
				s.logLoginFailure(ctx, tenantID, user.ID, "suspended")
				return nil, ErrUserSuspended
			}
			if _, err := s.LinkIdentity(ctx, tenantID, user.ID, p); err != nil {
				return nil, err
			}
			return s.recordLogin(ctx, user, p.Provider)
		case !errors.Is(err, ErrUserNotFound):
			return nil, err
		}
	}

	email := NormalizeEmail(p.Email)
	if email == "" {
		email = placeholderEmail(p.Provider, p.ProviderUserID)
	}
	now := s.now().UTC()
	user := &User{
		ID:          id.NewUUIDv7(),
		TenantID:    tenantID,
		Email:       email,
		Name:        p.Name,
		Status:      StatusActive,
		LastLoginAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return nil, err
	}
	if _, err := s.LinkIdentity(ctx, tenantID, user.ID, p); err != nil {
		return nil, err
	}
	s.auditLogger.Log(ctx, audit.AuthEvent{
		Type:     audit.TypeUserCreated,
		TenantID: tenantID,
		ActorID:  user.ID,
		Resource: "user/" + user.ID,
		Metadata: map[string]any{"method": p.Provider},
	})
	return user, nil
}

// LinkIdentity attaches a provider identity to an existing user.
func (s *Service) LinkIdentity(ctx context.Context, tenantID, userID string, p ProviderProfile) (*UserIdentity, error) {
	if _, err := s.repo.GetByID(ctx, tenantID, userID); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	ident := &UserIdentity{
		ID:             id.NewUUIDv7(),
		UserID:         userID,
		TenantID:       tenantID,
		Provider:       p.Provider,
		ProviderUserID: p.ProviderUserID,
		ProviderData:   p.Data,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.LinkIdentity(ctx, ident); err != nil {
		return nil, err
	}
	return ident, nil
}

// UnlinkIdentity removes a provider identity from a user. The identity must
// belong to the given user.
func (s *Service) UnlinkIdentity(ctx context.Context, tenantID, userID, provider, providerUserID string) error {
	ident, err := s.repo.GetIdentity(ctx, tenantID, provider, providerUserID)
	if err != nil {
		return err
	}
	if ident.UserID != userID {
		return ErrIdentityNotFound
	}
	return s.repo.UnlinkIdentity(ctx, tenantID, provider, providerUserID)
}

// ListIdentities retrieves the provider identities linked to a user.
func (s *Service) ListIdentities(ctx context.Context, tenantID, userID string) ([]*UserIdentity, error) {
	if _, err := s.repo.GetByID(ctx, tenantID, userID); err != nil {
		return nil, err
	}
	return s.repo.ListIdentities(ctx, userID)
}

func (s *Service) recordLogin(ctx context.Context, user *User, method string) (*User, error) {
	now := s.now().UTC()
	if err := s.repo.SetLastLogin(ctx, user.TenantID, user.ID, now); err != nil {
		return nil, err
	}
	user.LastLoginAt = &now
	s.auditLogger.Log(ctx, audit.AuthEvent{
		Type:     audit.TypeLoginSuccess,
		TenantID: user.TenantID,
		ActorID:  user.ID,
		Resource: "login",
		Metadata: map[string]any{"method": method},
	})
	return user, nil
}

func (s *Service) logLoginFailure(ctx context.Context, tenantID, actorID, reason string) {
	s.auditLogger.Log(ctx, audit.AuthEvent{
		Type:     audit.TypeLoginFailed,
		TenantID: tenantID,
		ActorID:  actorID,
		Resource: "login",
		Metadata: map[string]any{"reason": reason},
	})
}

// placeholderEmail synthesizes a stable, never-routable address for provider
// accounts that expose no email. Keeps the per-tenant email uniqueness
// constraint satisfied without inventing collisions.
func placeholderEmail(provider, providerUserID string) string {
	sum := sha256.Sum256([]byte(provider + ":" + providerUserID))
	return fmt.Sprintf("%s-%x@users.noreply.invalid", provider, sum[:6])
}
