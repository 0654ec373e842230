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

package tenant

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meywd/openauth-sub002/internal/storage"
)

func newTestResolver(t *testing.T) (*Resolver, *Service) {
	t.Helper()
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	svc := NewService(store)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateParams{ID: DefaultTenantID, Name: "Default Tenant"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateParams{ID: "acme", Name: "Acme Corp", Domain: "login.acme.com"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateParams{ID: "globex", Name: "Globex Inc"})
	require.NoError(t, err)

	return NewResolver(svc, store, "auth.example.com"), svc
}

// TestPurpose: Validates all six tenant resolution sources in priority order.
// Scope: Unit Test
// Expected: Custom domain beats subdomain beats path prefix beats header beats query; unmatched requests land on the default tenant.
// Test Case ID: RSV-01
func TestResolver_SourceOrder(t *testing.T) {
	rs, _ := newTestResolver(t)
	ctx := context.Background()

	t.Run("custom domain", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://login.acme.com/authorize", nil)
		got, err := rs.Lookup(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, "acme", got.ID)
	})

	t.Run("custom domain ignores port", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://login.acme.com:8443/authorize", nil)
		got, err := rs.Lookup(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, "acme", got.ID)
	})

	t.Run("subdomain of base domain", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://globex.auth.example.com/authorize", nil)
		got, err := rs.Lookup(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, "globex", got.ID)
	})

	t.Run("custom domain wins over header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://login.acme.com/x", nil)
		r.Header.Set("X-Tenant-ID", "globex")
		got, err := rs.Lookup(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, "acme", got.ID)
	})

	t.Run("path prefix", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://localhost:9876/tenants/globex/authorize", nil)
		got, err := rs.Lookup(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, "globex", got.ID)
	})

	t.Run("path prefix wins over query", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://localhost/tenants/acme/authorize?tenant=globex", nil)
		got, err := rs.Lookup(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, "acme", got.ID)
	})

	t.Run("header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://localhost/authorize", nil)
		r.Header.Set("X-Tenant-ID", "globex")
		got, err := rs.Lookup(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, "globex", got.ID)
	})

	t.Run("query parameter", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://localhost/authorize?tenant=acme", nil)
		got, err := rs.Lookup(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, "acme", got.ID)
	})

	t.Run("default fallback", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://localhost:9876/authorize", nil)
		got, err := rs.Lookup(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, DefaultTenantID, got.ID)
	})
}

// TestPurpose: Validates that explicitly named tenants commit the resolution while the ambient Host lookup falls through on a miss.
// Scope: Unit Test
// Expected: Unknown subdomains, path slugs, headers, and query values fail with tenant_not_found instead of falling back to default.
// Test Case ID: RSV-02
func TestResolver_ExplicitMissCommits(t *testing.T) {
	rs, _ := newTestResolver(t)
	ctx := context.Background()

	for name, url := range map[string]string{
		"unknown subdomain": "http://ghost.auth.example.com/authorize",
		"unknown path slug": "http://localhost/tenants/ghost/authorize",
		"unknown query":     "http://localhost/authorize?tenant=ghost",
	} {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest("GET", url, nil)
			_, err := rs.Lookup(ctx, r)
			assert.ErrorIs(t, err, ErrTenantNotFound)
		})
	}

	t.Run("unknown header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://localhost/authorize", nil)
		r.Header.Set("X-Tenant-ID", "ghost")
		_, err := rs.Lookup(ctx, r)
		assert.ErrorIs(t, err, ErrTenantNotFound)
	})

	t.Run("unregistered host falls through to default", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://some.other.host/authorize", nil)
		got, err := rs.Lookup(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, DefaultTenantID, got.ID)
	})
}

// TestPurpose: Validates the status gate applied by Resolve and bypassed by Lookup.
// Scope: Unit Test
// Security: Suspended and deleted tenants must not serve protocol traffic.
// Expected: Resolve fails with the status-specific error; Lookup still returns the record for informational use.
// Test Case ID: RSV-03
func TestResolver_StatusGate(t *testing.T) {
	rs, svc := newTestResolver(t)
	ctx := context.Background()

	suspended := StatusSuspended
	_, err := svc.Update(ctx, "acme", Update{Status: &suspended})
	require.NoError(t, err)
	require.NoError(t, svc.SoftDelete(ctx, "globex"))
	_, err = svc.Create(ctx, CreateParams{ID: "waiting", Name: "Waiting Tenant", Status: StatusPending})
	require.NoError(t, err)

	t.Run("suspended", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://localhost/authorize?tenant=acme", nil)
		_, _, err := rs.Resolve(ctx, r)
		assert.ErrorIs(t, err, ErrTenantSuspended)

		got, err := rs.Lookup(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, "acme", got.ID)
	})

	t.Run("deleted", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://localhost/authorize?tenant=globex", nil)
		_, _, err := rs.Resolve(ctx, r)
		assert.ErrorIs(t, err, ErrTenantDeleted)
	})

	t.Run("pending reads as not found", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://localhost/authorize?tenant=waiting", nil)
		_, _, err := rs.Resolve(ctx, r)
		assert.ErrorIs(t, err, ErrTenantNotFound)
	})
}

// TestPurpose: Validates that Resolve hands back a storage handle confined to the resolved tenant.
// Scope: Unit Test
// Security: Cross-tenant reads through a resolved handle must be impossible.
// Test Case ID: RSV-04
func TestResolver_ScopedHandle(t *testing.T) {
	rs, _ := newTestResolver(t)
	ctx := context.Background()

	r := httptest.NewRequest("GET", "http://localhost/authorize?tenant=acme", nil)
	_, acmeStore, err := rs.Resolve(ctx, r)
	require.NoError(t, err)

	r = httptest.NewRequest("GET", "http://localhost/authorize?tenant=globex", nil)
	_, globexStore, err := rs.Resolve(ctx, r)
	require.NoError(t, err)

	require.NoError(t, acmeStore.Set(ctx, storage.Key{"secret"}, []byte("acme-only"), 0))
	_, err = globexStore.Get(ctx, storage.Key{"secret"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
