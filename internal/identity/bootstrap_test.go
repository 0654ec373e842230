package identity

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meywd/openauth-sub002/internal/crypto"
	"github.com/meywd/openauth-sub002/internal/provider"
	"github.com/meywd/openauth-sub002/internal/rbac"
	"github.com/meywd/openauth-sub002/internal/storage"
	"github.com/meywd/openauth-sub002/internal/tenant"
)

// bootstrapRoleRepo fakes the slice of rbac.Repository the bootstrap path
// touches. Anything else panics through the embedded nil interface.
type bootstrapRoleRepo struct {
	rbac.Repository
	roles       map[string]*rbac.Role
	assignments map[string]*rbac.UserRole
}

func newBootstrapRoleRepo() *bootstrapRoleRepo {
	return &bootstrapRoleRepo{
		roles:       map[string]*rbac.Role{},
		assignments: map[string]*rbac.UserRole{},
	}
}

func (r *bootstrapRoleRepo) CreateRole(_ context.Context, role *rbac.Role) error {
	for _, existing := range r.roles {
		if existing.TenantID == role.TenantID && existing.Name == role.Name {
			return rbac.ErrRoleAlreadyExists
		}
	}
	cp := *role
	r.roles[role.ID] = &cp
	return nil
}

func (r *bootstrapRoleRepo) GetRole(_ context.Context, tenantID, roleID string) (*rbac.Role, error) {
	role, ok := r.roles[roleID]
	if !ok || role.TenantID != tenantID {
		return nil, rbac.ErrRoleNotFound
	}
	cp := *role
	return &cp, nil
}

func (r *bootstrapRoleRepo) GetRoleByName(_ context.Context, tenantID, name string) (*rbac.Role, error) {
	for _, role := range r.roles {
		if role.TenantID == tenantID && role.Name == name {
			cp := *role
			return &cp, nil
		}
	}
	return nil, rbac.ErrRoleNotFound
}

func (r *bootstrapRoleRepo) AssignRole(_ context.Context, a *rbac.UserRole) error {
	key := a.UserID + "/" + a.RoleID
	if _, ok := r.assignments[key]; ok {
		return rbac.ErrAssignmentExists
	}
	cp := *a
	r.assignments[key] = &cp
	return nil
}

// TestPurpose: Validates first-run seeding of tenant, roles, providers, and the initial owner.
// Scope: Unit Test
// Expected: One run seeds everything; a second run changes nothing; a weak bootstrap password aborts.
// Test Case ID: IDN-07
func TestIdentity_Bootstrap(t *testing.T) {
	t.Setenv(EnvBootstrapAdminEmail, "root@example.com")
	t.Setenv(EnvBootstrapAdminPassword, "BootstrapPass1")

	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	aead, err := crypto.NewAEAD(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tenants := tenant.NewService(store)
	roleRepo := newBootstrapRoleRepo()
	roles := rbac.NewService(roleRepo, nil, 0)
	users := NewService(newFakeUserRepo(), &fakeSessions{}, nil)
	providers := provider.NewRegistry(ctx, store, aead, nil, nil, nil, provider.Config{})

	boot := NewBootstrapper(tenants, roles, users, providers, nil, BootstrapOptions{
		DefaultTenant:    true,
		DefaultProviders: true,
	})
	require.NoError(t, boot.Run(ctx))

	tn, err := tenants.Get(ctx, tenant.DefaultTenantID)
	require.NoError(t, err)
	assert.Equal(t, "Default", tn.Name)
	assert.True(t, tn.Settings.AllowPublicRegistration, "signup open on the dev tenant")

	owner, err := roles.GetRoleByName(ctx, tenant.DefaultTenantID, rbac.RoleTenantOwner)
	require.NoError(t, err)
	assert.True(t, owner.IsSystemRole)
	for _, name := range rbac.SystemRoles() {
		_, err := roles.GetRoleByName(ctx, tenant.DefaultTenantID, name)
		assert.NoError(t, err, name)
	}

	recs, err := providers.List(ctx, tenant.DefaultTenantID)
	require.NoError(t, err)
	require.Len(t, recs, 2, "password and code providers seeded")

	admin, err := users.VerifyPassword(ctx, tenant.DefaultTenantID, "root@example.com", "BootstrapPass1")
	require.NoError(t, err)
	_, assigned := roleRepo.assignments[admin.ID+"/"+owner.ID]
	assert.True(t, assigned, "owner role assigned to the bootstrap admin")

	t.Run("second run is a no-op", func(t *testing.T) {
		require.NoError(t, boot.Run(ctx))
		recs, err := providers.List(ctx, tenant.DefaultTenantID)
		require.NoError(t, err)
		assert.Len(t, recs, 2)
		assert.Len(t, roleRepo.assignments, 1)
	})

	t.Run("weak bootstrap password aborts", func(t *testing.T) {
		t.Setenv(EnvBootstrapAdminEmail, "other@example.com")
		t.Setenv(EnvBootstrapAdminPassword, "short")
		assert.ErrorIs(t, boot.Run(ctx), ErrWeakPassword)
	})
}
