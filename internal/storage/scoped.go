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
	"time"
)

// scoped prepends a fixed key prefix to every operation. Tenant isolation
// rests on every tenant-owned component going through a scoped view; only
// the tenant registry, signing keys, audit log, and replication queue touch
// the adapter directly.
type scoped struct {
	base   Adapter
	prefix Key
}

// WithPrefix returns a view of base under prefix.
func WithPrefix(base Adapter, prefix Key) Adapter {
	if len(prefix) == 0 {
		return base
	}
	// Flatten nested scoping so prefixes compose.
	if s, ok := base.(*scoped); ok {
		return &scoped{base: s.base, prefix: s.prefix.Append(prefix...)}
	}
	return &scoped{base: base, prefix: prefix}
}

// ForTenant returns the canonical tenant-scoped view: every key is stored
// under ["t", tenantID].
func ForTenant(base Adapter, tenantID string) Adapter {
	return WithPrefix(base, Key{"t", tenantID})
}

func (s *scoped) Get(ctx context.Context, key Key) ([]byte, error) {
	return s.base.Get(ctx, s.prefix.Append(key...))
}

func (s *scoped) Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	return s.base.Set(ctx, s.prefix.Append(key...), value, ttl)
}

func (s *scoped) Remove(ctx context.Context, key Key) error {
	return s.base.Remove(ctx, s.prefix.Append(key...))
}

func (s *scoped) GetDel(ctx context.Context, key Key) ([]byte, error) {
	return s.base.GetDel(ctx, s.prefix.Append(key...))
}

func (s *scoped) Scan(ctx context.Context, prefix Key, fn func(key Key, value []byte) error) error {
	return s.base.Scan(ctx, s.prefix.Append(prefix...), func(key Key, value []byte) error {
		return fn(key[len(s.prefix):], value)
	})
}

// Close is a no-op: the underlying adapter is shared across scopes.
func (s *scoped) Close() error { return nil }
