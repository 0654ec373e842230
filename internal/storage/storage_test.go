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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runAdapterSuite exercises the Adapter contract shared by every backend.
func runAdapterSuite(t *testing.T, a Adapter) {
	t.Helper()
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		_, err := a.Get(ctx, Key{"suite", "missing"})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("SetGetRemove", func(t *testing.T) {
		key := Key{"suite", "basic"}
		require.NoError(t, a.Set(ctx, key, []byte("value"), 0))
		got, err := a.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("value"), got)

		require.NoError(t, a.Remove(ctx, key))
		_, err = a.Get(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)

		// Remove is idempotent.
		assert.NoError(t, a.Remove(ctx, key))
	})

	t.Run("Overwrite", func(t *testing.T) {
		key := Key{"suite", "overwrite"}
		require.NoError(t, a.Set(ctx, key, []byte("one"), 0))
		require.NoError(t, a.Set(ctx, key, []byte("two"), 0))
		got, err := a.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("two"), got)
	})

	t.Run("GetDelSingleUse", func(t *testing.T) {
		key := Key{"suite", "once"}
		require.NoError(t, a.Set(ctx, key, []byte("code"), 0))

		got, err := a.GetDel(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("code"), got)

		_, err = a.GetDel(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = a.Get(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("GetDelConcurrent", func(t *testing.T) {
		key := Key{"suite", "race"}
		require.NoError(t, a.Set(ctx, key, []byte("winner-takes-all"), 0))

		const workers = 16
		var wins sync.Map
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				if _, err := a.GetDel(ctx, key); err == nil {
					wins.Store(n, true)
				}
			}(i)
		}
		wg.Wait()

		count := 0
		wins.Range(func(_, _ any) bool { count++; return true })
		assert.Equal(t, 1, count, "exactly one caller may observe a single-use value")
	})

	t.Run("ScanPrefix", func(t *testing.T) {
		require.NoError(t, a.Set(ctx, Key{"suite", "scan", "a"}, []byte("1"), 0))
		require.NoError(t, a.Set(ctx, Key{"suite", "scan", "b"}, []byte("2"), 0))
		require.NoError(t, a.Set(ctx, Key{"suite", "scan", "b", "nested"}, []byte("3"), 0))
		require.NoError(t, a.Set(ctx, Key{"suite", "scanner", "c"}, []byte("x"), 0))

		seen := map[string]string{}
		err := a.Scan(ctx, Key{"suite", "scan"}, func(k Key, v []byte) error {
			seen[k.Encode()] = string(v)
			return nil
		})
		require.NoError(t, err)
		assert.Len(t, seen, 3, "textual sibling prefix must not leak into scan")
		assert.Equal(t, "1", seen["suite:scan:a"])
		assert.Equal(t, "2", seen["suite:scan:b"])
		assert.Equal(t, "3", seen["suite:scan:b:nested"])
	})

	t.Run("ScanEarlyStop", func(t *testing.T) {
		require.NoError(t, a.Set(ctx, Key{"suite", "stop", "a"}, []byte("1"), 0))
		require.NoError(t, a.Set(ctx, Key{"suite", "stop", "b"}, []byte("2"), 0))

		calls := 0
		err := a.Scan(ctx, Key{"suite", "stop"}, func(Key, []byte) error {
			calls++
			return ErrStopScan
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("SeparatorInSegment", func(t *testing.T) {
		key := Key{"suite", "odd:segment", "with%escape"}
		require.NoError(t, a.Set(ctx, key, []byte("v"), 0))
		got, err := a.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), got)

		found := false
		err = a.Scan(ctx, Key{"suite", "odd:segment"}, func(k Key, _ []byte) error {
			if assert.Equal(t, key, k) {
				found = true
			}
			return nil
		})
		require.NoError(t, err)
		assert.True(t, found)
	})
}

// TestPurpose: Validates the in-memory adapter against the full contract suite.
// Scope: Unit Test
// Expected: All contract behaviors hold, including GetDel atomicity.
// Test Case ID: STO-01
func TestStorage_Memory_Contract(t *testing.T) {
	m := NewMemory(WithJanitorInterval(10 * time.Millisecond))
	t.Cleanup(func() { _ = m.Close() })
	runAdapterSuite(t, m)
}

// TestPurpose: Validates TTL expiry in the in-memory adapter, both lazily on access and via the janitor sweep.
// Scope: Unit Test
// Expected: Expired entries are invisible to Get/GetDel/Scan and are swept from the map.
// Test Case ID: STO-02
func TestStorage_Memory_TTL(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(WithJanitorInterval(5 * time.Millisecond))
	t.Cleanup(func() { _ = m.Close() })

	require.NoError(t, m.Set(ctx, Key{"ttl", "short"}, []byte("gone"), 10*time.Millisecond))
	require.NoError(t, m.Set(ctx, Key{"ttl", "long"}, []byte("kept"), time.Hour))
	require.NoError(t, m.Set(ctx, Key{"ttl", "forever"}, []byte("kept"), 0))

	got, err := m.Get(ctx, Key{"ttl", "short"})
	require.NoError(t, err)
	assert.Equal(t, []byte("gone"), got)

	time.Sleep(25 * time.Millisecond)

	_, err = m.Get(ctx, Key{"ttl", "short"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get(ctx, Key{"ttl", "long"})
	assert.NoError(t, err)
	_, err = m.Get(ctx, Key{"ttl", "forever"})
	assert.NoError(t, err)

	seen := 0
	require.NoError(t, m.Scan(ctx, Key{"ttl"}, func(Key, []byte) error {
		seen++
		return nil
	}))
	assert.Equal(t, 2, seen)

	// Janitor has had several intervals to run; the expired entry should be
	// physically gone, not just masked.
	assert.Equal(t, 2, m.Len())
}

// TestPurpose: Validates key encoding round-trips segments containing the separator and escape characters.
// Scope: Unit Test
// Expected: DecodeKey(Encode(k)) == k for hostile segments; prefix matching operates on segments, not text.
// Test Case ID: STO-03
func TestStorage_KeyEncoding(t *testing.T) {
	cases := []Key{
		{"a"},
		{"a", "b", "c"},
		{"with:colon", "with%percent"},
		{"%3A", "%25", "::"},
		{"", "empty", ""},
	}
	for _, k := range cases {
		assert.Equal(t, k, DecodeKey(k.Encode()), "round trip %v", k)
	}

	assert.True(t, Key{"a", "b", "c"}.HasPrefix(Key{"a", "b"}))
	assert.True(t, Key{"a", "b"}.HasPrefix(Key{"a", "b"}))
	assert.False(t, Key{"a", "bc"}.HasPrefix(Key{"a", "b"}))
	assert.False(t, Key{"a"}.HasPrefix(Key{"a", "b"}))
}

// TestPurpose: Validates JSON helpers round-trip typed values through an adapter.
// Scope: Unit Test
// Expected: SetJSON/GetJSON/GetDelJSON preserve struct contents.
// Test Case ID: STO-04
func TestStorage_JSONHelpers(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	t.Cleanup(func() { _ = m.Close() })

	type record struct {
		Name  string   `json:"name"`
		Count int      `json:"count"`
		Tags  []string `json:"tags"`
	}
	in := record{Name: "acme", Count: 3, Tags: []string{"a", "b"}}
	require.NoError(t, SetJSON(ctx, m, Key{"json", "r1"}, in, 0))

	out, err := GetJSON[record](ctx, m, Key{"json", "r1"})
	require.NoError(t, err)
	assert.Equal(t, in, *out)

	out, err = GetDelJSON[record](ctx, m, Key{"json", "r1"})
	require.NoError(t, err)
	assert.Equal(t, in, *out)

	_, err = GetJSON[record](ctx, m, Key{"json", "r1"})
	assert.ErrorIs(t, err, ErrNotFound)
}
