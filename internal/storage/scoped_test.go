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

package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPurpose: Validates that two tenant-scoped views of one adapter can never read, mutate, or list each other's entries.
// Scope: Unit Test
// Security: Tenant isolation rests on key prefixing; a scope escape would be a cross-tenant data leak.
// Expected: Identical keys under different tenants address different entries; scans stay inside the scope; a hostile tenant id cannot collide with another scope.
// Test Case ID: STO-08
func TestStorage_Scoped_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	base := NewMemory()
	t.Cleanup(func() { _ = base.Close() })

	tenantA := ForTenant(base, "tenant-a")
	tenantB := ForTenant(base, "tenant-b")

	// 1. Same key, different tenants, different values.
	key := Key{"session", "s1"}
	require.NoError(t, tenantA.Set(ctx, key, []byte("A"), 0))
	require.NoError(t, tenantB.Set(ctx, key, []byte("B"), 0))

	gotA, err := tenantA.Get(ctx, key)
	require.NoError(t, err)
	gotB, err := tenantB.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("A"), gotA)
	assert.Equal(t, []byte("B"), gotB)

	// 2. Deleting in one tenant leaves the other intact.
	require.NoError(t, tenantA.Remove(ctx, key))
	_, err = tenantA.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = tenantB.Get(ctx, key)
	assert.NoError(t, err)

	// 3. Scans never cross scopes.
	require.NoError(t, tenantA.Set(ctx, Key{"session", "s2"}, []byte("A2"), 0))
	var keysB []string
	require.NoError(t, tenantB.Scan(ctx, Key{"session"}, func(k Key, _ []byte) error {
		keysB = append(keysB, k.Encode())
		return nil
	}))
	assert.Equal(t, []string{"session:s1"}, keysB)

	// 4. A tenant id crafted to collide with another scope's encoding
	// still addresses its own namespace.
	hostile := ForTenant(base, "tenant-a:session")
	require.NoError(t, hostile.Set(ctx, Key{"s2"}, []byte("evil"), 0))
	gotA2, err := tenantA.Get(ctx, Key{"session", "s2"})
	require.NoError(t, err)
	assert.Equal(t, []byte("A2"), gotA2)
}

// TestPurpose: Validates scoped views strip the prefix on scan results and compose when nested.
// Scope: Unit Test
// Expected: Callbacks see tenant-relative keys; WithPrefix over a scoped view flattens.
// Test Case ID: STO-09
func TestStorage_Scoped_PrefixHandling(t *testing.T) {
	ctx := context.Background()
	base := NewMemory()
	t.Cleanup(func() { _ = base.Close() })

	scoped := ForTenant(base, "acme")
	nested := WithPrefix(scoped, Key{"refresh"})

	require.NoError(t, nested.Set(ctx, Key{"sub1", "tok1"}, []byte("v"), 0))

	// The base adapter sees the fully-qualified key.
	raw, err := base.Get(ctx, Key{"t", "acme", "refresh", "sub1", "tok1"})
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), raw)

	// The nested view sees relative keys.
	var keys []string
	require.NoError(t, nested.Scan(ctx, Key{}, func(k Key, _ []byte) error {
		keys = append(keys, k.Encode())
		return nil
	}))
	assert.Equal(t, []string{"sub1:tok1"}, keys)

	// Close on a scoped view must not close the shared base.
	require.NoError(t, nested.Close())
	_, err = base.Get(ctx, Key{"t", "acme", "refresh", "sub1", "tok1"})
	assert.NoError(t, err)
}
