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
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/meywd/openauth-sub002/internal/audit"
	"github.com/meywd/openauth-sub002/internal/provider"
	"github.com/meywd/openauth-sub002/internal/rbac"
	"github.com/meywd/openauth-sub002/internal/tenant"
)

// Environment variables consumed by first-run seeding.
const (
	EnvBootstrapAdminEmail    = "BOOTSTRAP_ADMIN_EMAIL"
	EnvBootstrapAdminPassword = "BOOTSTRAP_ADMIN_PASSWORD"
)

// BootstrapOptions selects which first-run seeds to apply.
type BootstrapOptions struct {
	DefaultTenant    bool
	DefaultProviders bool
}

// Bootstrapper seeds first-run state: the default tenant with its system
// roles, the local login providers, and optionally an initial tenant owner
// taken from the environment.
type Bootstrapper struct {
	tenants     *tenant.Service
	roles       *rbac.Service
	users       *Service
	providers   *provider.Registry
	auditLogger audit.Logger
	opts        BootstrapOptions
}

// NewBootstrapper wires the bootstrap sequence.
func NewBootstrapper(
	tenants *tenant.Service,
	roles *rbac.Service,
	users *Service,
	providers *provider.Registry,
	auditLogger audit.Logger,
	opts BootstrapOptions,
) *Bootstrapper {
	if auditLogger == nil {
		auditLogger = audit.NewSlogLogger()
	}
	return &Bootstrapper{
		tenants:     tenants,
		roles:       roles,
		users:       users,
		providers:   providers,
		auditLogger: auditLogger,
		opts:        opts,
	}
}

// Run executes the bootstrap sequence. Every step is idempotent, so the
// server runs it unconditionally at startup.
func (b *Bootstrapper) Run(ctx context.Context) error {
	if b.opts.DefaultTenant {
		if err := b.ensureDefaultTenant(ctx); err != nil {
			return err
		}
		if _, err := b.roles.EnsureSystemRoles(ctx, tenant.DefaultTenantID); err != nil {
			return fmt.Errorf("failed to seed system roles: %w", err)
		}
	}
	if b.opts.DefaultProviders {
		if err := b.ensureLocalProviders(ctx); err != nil {
			return err
		}
	}
	return b.ensureAdmin(ctx)
}

func (b *Bootstrapper) ensureDefaultTenant(ctx context.Context) error {
	// The default tenant is the development onramp, so the local signup
	// flow works out of the box. Operators lock it down per tenant.
	settings := tenant.DefaultSettings()
	settings.AllowPublicRegistration = true
	_, err := b.tenants.Create(ctx, tenant.CreateParams{
		ID:       tenant.DefaultTenantID,
		Name:     "Default",
		Settings: &settings,
	})
	if err != nil && !errors.Is(err, tenant.ErrTenantExists) {
		return fmt.Errorf("failed to create default tenant: %w", err)
	}
	return nil
}

func (b *Bootstrapper) ensureLocalProviders(ctx context.Context) error {
	for _, typ := range []string{provider.TypePassword, provider.TypeCode} {
		_, err := b.providers.Create(ctx, tenant.DefaultTenantID, provider.UpsertInput{
			Name: typ,
			Type: typ,
		})
		if err != nil && !errors.Is(err, provider.ErrProviderExists) {
			return fmt.Errorf("failed to seed %s provider: %w", typ, err)
		}
	}
	return nil
}

// ensureAdmin creates the initial tenant owner named by the environment. A
// second run finds the assignment in place and does nothing.
func (b *Bootstrapper) ensureAdmin(ctx context.Context) error {
	email := os.Getenv(EnvBootstrapAdminEmail)
	if email == "" {
		return nil
	}
	tenantID := tenant.DefaultTenantID

	owner, err := b.roles.GetRoleByName(ctx, tenantID, rbac.RoleTenantOwner)
	if err != nil {
		return fmt.Errorf("bootstrap admin requires seeded system roles: %w", err)
	}

	user, err := b.users.GetByEmail(ctx, tenantID, email)
	switch {
	case errors.Is(err, ErrUserNotFound):
		password := os.Getenv(EnvBootstrapAdminPassword)
		if err := ValidatePassword(password); err != nil {
			return fmt.Errorf("%s must hold a usable password when %s is set: %w",
				EnvBootstrapAdminPassword, EnvBootstrapAdminEmail, err)
		}
		user, err = b.users.Create(ctx, tenantID, CreateInput{Email: email})
		if err != nil {
			return fmt.Errorf("failed to create bootstrap admin: %w", err)
		}
		if err := b.users.SetPassword(ctx, tenantID, user.ID, password); err != nil {
			return fmt.Errorf("failed to set bootstrap admin password: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to look up bootstrap admin: %w", err)
	}

	if _, err := b.roles.AssignRole(ctx, tenantID, user.ID, owner.ID, audit.ActorBootstrap, nil); err != nil {
		if errors.Is(err, rbac.ErrAssignmentExists) {
			return nil
		}
		return fmt.Errorf("failed to grant tenant owner during bootstrap: %w", err)
	}

	b.auditLogger.Log(ctx, audit.AuthEvent{
		Type:     audit.TypeBootstrapped,
		TenantID: tenantID,
		ActorID:  user.ID,
		Resource: "user/" + user.ID,
		Metadata: map[string]any{"email": email, "role_id": owner.ID},
	})
	slog.InfoContext(ctx, "bootstrapped initial tenant owner",
		slog.String("email", email),
		slog.String("user_id", user.ID),
	)
	return nil
}
