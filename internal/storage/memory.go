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
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is the in-process Adapter used in development and tests. Expired
// entries are dropped lazily on access and swept by a janitor goroutine.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry

	janitorInterval time.Duration
	stopJanitor     chan struct{}
	janitorDone     chan struct{}
	closeOnce       sync.Once
}

// MemoryOption configures a Memory adapter.
type MemoryOption func(*Memory)

// WithJanitorInterval overrides how often the expiry sweep runs.
func WithJanitorInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.janitorInterval = d
		}
	}
}

// NewMemory builds a Memory adapter and starts its janitor.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries:         make(map[string]memoryEntry),
		janitorInterval: time.Minute,
		stopJanitor:     make(chan struct{}),
		janitorDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.janitor()
	return m
}

func (m *Memory) janitor() {
	defer close(m.janitorDone)
	ticker := time.NewTicker(m.janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopJanitor:
			return
		}
	}
}

func (m *Memory) sweep() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
		}
	}
}

func (m *Memory) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	e, ok := m.entries[key.Encode()]
	m.mu.RUnlock()
	if !ok || e.expired(time.Now()) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *Memory) Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := memoryEntry{value: make([]byte, len(value))}
	copy(e.value, value)
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key.Encode()] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) Remove(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.entries, key.Encode())
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetDel(ctx context.Context, key Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	encoded := key.Encode()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[encoded]
	if !ok || e.expired(time.Now()) {
		delete(m.entries, encoded)
		return nil, ErrNotFound
	}
	delete(m.entries, encoded)
	return e.value, nil
}

func (m *Memory) Scan(ctx context.Context, prefix Key, fn func(key Key, value []byte) error) error {
	// Snapshot matching entries under the read lock, then call fn outside
	// it so callbacks can write back through the adapter.
	now := time.Now()
	type pair struct {
		key   Key
		value []byte
	}
	var matched []pair
	m.mu.RLock()
	for encoded, e := range m.entries {
		if e.expired(now) {
			continue
		}
		k := DecodeKey(encoded)
		if !k.HasPrefix(prefix) {
			continue
		}
		v := make([]byte, len(e.value))
		copy(v, e.value)
		matched = append(matched, pair{key: k, value: v})
	}
	m.mu.RUnlock()

	// Deterministic order keeps tests stable; callers must not rely on it.
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].key.Encode() < matched[j].key.Encode()
	})

	for _, p := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(p.key, p.value); err != nil {
			if err == ErrStopScan {
				return nil
			}
			return err
		}
	}
	return nil
}

// Close stops the janitor. The adapter remains usable afterwards; expired
// entries are then only dropped lazily.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopJanitor)
		<-m.janitorDone
	})
	return nil
}

// Len reports the number of live entries. Test helper.
func (m *Memory) Len() int {
	now := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}
