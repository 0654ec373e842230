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
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r := NewRedisFromClient(client)
	t.Cleanup(func() { _ = r.Close() })
	return r, mr
}

// TestPurpose: Validates the Redis adapter against the full contract suite using miniredis.
// Scope: Unit Test
// Expected: All contract behaviors hold, including GETDEL semantics.
// Test Case ID: STO-05
func TestStorage_Redis_Contract(t *testing.T) {
	r, _ := newTestRedis(t)
	runAdapterSuite(t, r)
}

// TestPurpose: Validates TTL handling in the Redis adapter using miniredis clock control.
// Scope: Unit Test
// Expected: Entries expire after their TTL; zero TTL entries persist.
// Test Case ID: STO-06
func TestStorage_Redis_TTL(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)

	require.NoError(t, r.Set(ctx, Key{"ttl", "short"}, []byte("gone"), time.Minute))
	require.NoError(t, r.Set(ctx, Key{"ttl", "forever"}, []byte("kept"), 0))

	_, err := r.Get(ctx, Key{"ttl", "short"})
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = r.Get(ctx, Key{"ttl", "short"})
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := r.Get(ctx, Key{"ttl", "forever"})
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), got)
}

// TestPurpose: Validates glob metacharacters in key segments do not break or widen Redis scans.
// Scope: Unit Test
// Security: A key containing "*" must not become a wildcard that exposes other entries.
// Expected: Scans with hostile prefixes return exactly the matching entries.
// Test Case ID: STO-07
func TestStorage_Redis_ScanGlobEscaping(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)

	require.NoError(t, r.Set(ctx, Key{"glob", "user*", "a"}, []byte("1"), 0))
	require.NoError(t, r.Set(ctx, Key{"glob", "userx", "b"}, []byte("2"), 0))
	require.NoError(t, r.Set(ctx, Key{"glob", "user?", "c"}, []byte("3"), 0))

	seen := map[string]bool{}
	require.NoError(t, r.Scan(ctx, Key{"glob", "user*"}, func(k Key, _ []byte) error {
		seen[k.Encode()] = true
		return nil
	}))
	assert.Len(t, seen, 1)
	assert.True(t, seen["glob:user*:a"])
}
