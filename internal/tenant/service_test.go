package tenant

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meywd/openauth-sub002/internal/storage"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	return NewService(store)
}

// TestPurpose: Validates tenant creation, slug validation, duplicate rejection, and retrieval by id.
// Scope: Unit Test
// Expected: Valid slugs create active tenants with default settings; malformed ids and duplicates are rejected.
// Test Case ID: TEN-01
func TestTenant_CreateAndGet(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, CreateParams{ID: "acme", Name: "Acme Corp"})
	require.NoError(t, err)
	assert.Equal(t, "acme", created.ID)
	assert.Equal(t, StatusActive, created.Status)
	assert.Equal(t, DefaultSettings(), created.Settings)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := svc.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, created.Name, got.Name)

	t.Run("duplicate id rejected", func(t *testing.T) {
		_, err := svc.Create(ctx, CreateParams{ID: "acme", Name: "Other"})
		assert.ErrorIs(t, err, ErrTenantExists)
	})

	t.Run("invalid slugs rejected", func(t *testing.T) {
		long := strings.Repeat("x", 64)
		for _, id := range []string{"", "A", "UPPER", "-leading", "trailing-", "has space", "ab.cd", long} {
			_, err := svc.Create(ctx, CreateParams{ID: id, Name: "Valid Name"})
			assert.Error(t, err, "id %q", id)
		}
	})

	t.Run("short slugs accepted", func(t *testing.T) {
		for _, id := range []string{"a", "a1", "x-y"} {
			_, err := svc.Create(ctx, CreateParams{ID: id, Name: "Valid Name"})
			assert.NoError(t, err, "id %q", id)
		}
	})

	t.Run("name length enforced", func(t *testing.T) {
		_, err := svc.Create(ctx, CreateParams{ID: "shortname", Name: "ab"})
		assert.Error(t, err)
	})

	t.Run("missing tenant", func(t *testing.T) {
		_, err := svc.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrTenantNotFound)
	})
}

// TestPurpose: Validates custom domain claims, lookup by domain, uniqueness across tenants, and release on domain change.
// Scope: Unit Test
// Expected: A domain maps to exactly one tenant; moving or clearing the domain releases the old mapping.
// Test Case ID: TEN-02
func TestTenant_CustomDomains(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateParams{ID: "acme", Name: "Acme Corp", Domain: "Login.Acme.COM"})
	require.NoError(t, err)

	got, err := svc.GetByDomain(ctx, "login.acme.com")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.ID)

	_, err = svc.Create(ctx, CreateParams{ID: "rival", Name: "Rival Inc", Domain: "login.acme.com"})
	assert.ErrorIs(t, err, ErrDomainTaken)

	newDomain := "id.acme.com"
	_, err = svc.Update(ctx, "acme", Update{Domain: &newDomain})
	require.NoError(t, err)

	_, err = svc.GetByDomain(ctx, "login.acme.com")
	assert.ErrorIs(t, err, ErrTenantNotFound)

	got, err = svc.GetByDomain(ctx, "id.acme.com")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.ID)
}

// TestPurpose: Validates the tenant status transition gate across every pair of statuses.
// Scope: Unit Test
// Expected: pending->active, active<->suspended, and any->deleted succeed; all other transitions fail.
// Test Case ID: TEN-03
func TestTenant_StatusTransitions(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		from, to string
		ok       bool
	}{
		{StatusPending, StatusActive, true},
		{StatusPending, StatusSuspended, false},
		{StatusActive, StatusSuspended, true},
		{StatusSuspended, StatusActive, true},
		{StatusActive, StatusPending, false},
		{StatusSuspended, StatusPending, false},
	}

	for i, tc := range cases {
		id := "tenant-" + string(rune('a'+i))
		if tc.from == StatusSuspended {
			// Suspended cannot be set at creation, go through active
			_, err := svc.Create(ctx, CreateParams{ID: id, Name: "Transition Test", Status: StatusActive})
			require.NoError(t, err)
			to := StatusSuspended
			_, err = svc.Update(ctx, id, Update{Status: &to})
			require.NoError(t, err)
		} else {
			_, err := svc.Create(ctx, CreateParams{ID: id, Name: "Transition Test", Status: tc.from})
			require.NoError(t, err)
		}

		to := tc.to
		_, err := svc.Update(ctx, id, Update{Status: &to})
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", tc.from, tc.to)
		}
	}

	t.Run("delete allowed from any status via SoftDelete", func(t *testing.T) {
		for _, from := range []string{StatusPending, StatusActive} {
			id := "del-" + from
			_, err := svc.Create(ctx, CreateParams{ID: id, Name: "Delete Test", Status: from})
			require.NoError(t, err)
			assert.NoError(t, svc.SoftDelete(ctx, id))
		}
	})

	t.Run("update cannot set deleted directly", func(t *testing.T) {
		_, err := svc.Create(ctx, CreateParams{ID: "directdel", Name: "Direct Delete"})
		require.NoError(t, err)
		deleted := StatusDeleted
		_, err = svc.Update(ctx, "directdel", Update{Status: &deleted})
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("deleted is terminal", func(t *testing.T) {
		_, err := svc.Create(ctx, CreateParams{ID: "gone", Name: "Gone Tenant"})
		require.NoError(t, err)
		require.NoError(t, svc.SoftDelete(ctx, "gone"))

		active := StatusActive
		_, err = svc.Update(ctx, "gone", Update{Status: &active})
		assert.ErrorIs(t, err, ErrTenantDeleted)
	})
}

// TestPurpose: Validates soft delete semantics: the record survives with a deleted_at marker, its domain is released, and the id cannot be reused.
// Scope: Unit Test
// Expected: Deleted tenants keep their record, disappear from default listings, and block re-creation under the same id.
// Test Case ID: TEN-04
func TestTenant_SoftDelete(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateParams{ID: "acme", Name: "Acme Corp", Domain: "acme.example.com"})
	require.NoError(t, err)

	require.NoError(t, svc.SoftDelete(ctx, "acme"))

	got, err := svc.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, got.Status)
	require.NotNil(t, got.DeletedAt)
	assert.Empty(t, got.Domain)

	_, err = svc.GetByDomain(ctx, "acme.example.com")
	assert.ErrorIs(t, err, ErrTenantNotFound)

	_, err = svc.Create(ctx, CreateParams{ID: "acme", Name: "Acme Again"})
	assert.ErrorIs(t, err, ErrTenantExists)

	// Idempotent
	assert.NoError(t, svc.SoftDelete(ctx, "acme"))

	t.Run("default tenant cannot be deleted", func(t *testing.T) {
		_, err := svc.Create(ctx, CreateParams{ID: DefaultTenantID, Name: "Default Tenant"})
		require.NoError(t, err)
		assert.ErrorIs(t, svc.SoftDelete(ctx, DefaultTenantID), ErrInvalidTransition)
	})
}

// TestPurpose: Validates listing with status filters, id ordering, and offset/limit pagination.
// Scope: Unit Test
// Expected: Results are sorted by id; deleted tenants appear only under the explicit deleted filter.
// Test Case ID: TEN-05
func TestTenant_List(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, id := range []string{"carol", "alice", "bob", "dave"} {
		_, err := svc.Create(ctx, CreateParams{ID: id, Name: "Tenant " + id})
		require.NoError(t, err)
	}
	suspended := StatusSuspended
	_, err := svc.Update(ctx, "bob", Update{Status: &suspended})
	require.NoError(t, err)
	require.NoError(t, svc.SoftDelete(ctx, "dave"))

	all, err := svc.List(ctx, ListOptions{})
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, tn := range all {
		ids = append(ids, tn.ID)
	}
	assert.Equal(t, []string{"alice", "bob", "carol"}, ids)

	active, err := svc.List(ctx, ListOptions{Status: StatusActive})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	deleted, err := svc.List(ctx, ListOptions{Status: StatusDeleted})
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, "dave", deleted[0].ID)

	page, err := svc.List(ctx, ListOptions{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "bob", page[0].ID)

	empty, err := svc.List(ctx, ListOptions{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

// TestPurpose: Validates branding fallback order and that updating the default tenant invalidates the one-hour branding cache.
// Scope: Unit Test
// Expected: Explicit branding wins, then cached default-tenant branding, then the built-in theme; updates to the default tenant are visible immediately.
// Test Case ID: TEN-06
func TestTenant_BrandingResolution(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateParams{ID: "plain", Name: "Plain Tenant"})
	require.NoError(t, err)
	plain, err := svc.Get(ctx, "plain")
	require.NoError(t, err)

	// No default tenant yet: built-in theme
	b := svc.ResolveBranding(ctx, plain)
	assert.Equal(t, BuiltinTheme(), b.Theme)

	// Default tenant branding takes over once present, after cache invalidation
	defBranding := &Branding{Theme: Theme{Primary: "#123456"}}
	_, err = svc.Create(ctx, CreateParams{ID: DefaultTenantID, Name: "Default Tenant", Branding: defBranding})
	require.NoError(t, err)

	b = svc.ResolveBranding(ctx, plain)
	assert.Equal(t, "#123456", b.Theme.Primary)

	// Explicit branding wins over everything
	own := &Branding{Theme: Theme{Primary: "#abcdef"}}
	withOwn, err := svc.Update(ctx, "plain", Update{Branding: own})
	require.NoError(t, err)
	b = svc.ResolveBranding(ctx, withOwn)
	assert.Equal(t, "#abcdef", b.Theme.Primary)

	// Updating the default tenant invalidates the cached copy
	updated := &Branding{Theme: Theme{Primary: "#654321"}}
	_, err = svc.Update(ctx, DefaultTenantID, Update{Branding: updated})
	require.NoError(t, err)
	b = svc.ResolveBranding(ctx, plain)
	assert.Equal(t, "#654321", b.Theme.Primary)
}

func TestTenant_UpdateTouchesTimestamp(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, CreateParams{ID: "acme", Name: "Acme Corp"})
	require.NoError(t, err)

	svc.now = func() time.Time { return created.CreatedAt.Add(time.Minute) }
	name := "Acme Corporation"
	updated, err := svc.Update(ctx, "acme", Update{Name: &name})
	require.NoError(t, err)
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
}
