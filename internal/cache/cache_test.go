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

package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestPurpose: Validates TTL expiry with a controlled clock.
// Scope: Unit Test
// Expected: Entries are visible before the TTL and gone after it; Set resets the TTL.
// Test Case ID: CAC-01
func TestCache_TTLExpiry(t *testing.T) {
	c := New[string](time.Minute, 0)
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }

	c.Set("k", "v")
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	now = now.Add(59 * time.Second)
	_, ok = c.Get("k")
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)

	// Re-setting restores the entry with a fresh TTL.
	c.Set("k", "v2")
	now = now.Add(30 * time.Second)
	v, ok = c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v2", v)
}

// TestPurpose: Validates LRU eviction order when the cache exceeds its size bound.
// Scope: Unit Test
// Expected: The least recently used entry is evicted first; Get refreshes recency.
// Test Case ID: CAC-02
func TestCache_LRUEviction(t *testing.T) {
	c := New[int](0, 3)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// Touch "a" so "b" becomes the LRU.
	_, ok := c.Get("a")
	assert.True(t, ok)

	c.Set("d", 4)
	assert.Equal(t, 3, c.Len())

	_, ok = c.Get("b")
	assert.False(t, ok, "LRU entry should have been evicted")
	for _, k := range []string{"a", "c", "d"} {
		_, ok := c.Get(k)
		assert.True(t, ok, "entry %s should survive", k)
	}
}

// TestPurpose: Validates prefix invalidation removes exactly the matching entries.
// Scope: Unit Test
// Expected: DeletePrefix("provider:acme:") removes that tenant's entries only and reports the count.
// Test Case ID: CAC-03
func TestCache_DeletePrefix(t *testing.T) {
	c := New[string](time.Minute, 0)
	c.Set("provider:acme:google", "1")
	c.Set("provider:acme:password", "2")
	c.Set("provider:other:google", "3")
	c.Set("rbac:u1:c1:acme", "4")

	removed := c.DeletePrefix("provider:acme:")
	assert.Equal(t, 2, removed)

	_, ok := c.Get("provider:acme:google")
	assert.False(t, ok)
	_, ok = c.Get("provider:other:google")
	assert.True(t, ok)
	_, ok = c.Get("rbac:u1:c1:acme")
	assert.True(t, ok)
}

// TestPurpose: Validates Delete, Purge, and concurrent access safety.
// Scope: Unit Test
// Expected: No races under parallel readers and writers; Purge empties the cache.
// Test Case ID: CAC-04
func TestCache_DeletePurgeConcurrent(t *testing.T) {
	c := New[int](time.Minute, 100)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			c.Set(fmt.Sprintf("k%d", i%50), i)
		}
	}()
	for i := 0; i < 500; i++ {
		c.Get(fmt.Sprintf("k%d", i%50))
		if i%100 == 0 {
			c.Delete(fmt.Sprintf("k%d", i%50))
		}
	}
	<-done

	c.Purge()
	assert.Equal(t, 0, c.Len())
	_, ok := c.Get("k1")
	assert.False(t, ok)
}
