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

package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/meywd/openauth-sub002/internal/id"
	"github.com/meywd/openauth-sub002/internal/storage"
)

// Store persists events for one region as an append-only stream under
// ["audit", <region>, <sortable entry id>] inside each tenant's namespace.
// Entry ids start with zero-padded unix nanos so lexicographic key order is
// chronological order.
type Store struct {
	store  storage.Adapter
	region string
}

// NewStore creates a region-local audit store
func NewStore(store storage.Adapter, region string) *Store {
	return &Store{store: store, region: region}
}

// Region returns the region this store writes to
func (s *Store) Region() string {
	return s.region
}

// Append persists one event. The caller owns retry policy; the fire-and-
// forget behavior lives in Recorder, not here.
func (s *Store) Append(ctx context.Context, ev *Event) error {
	if ev.TenantID == "" {
		return fmt.Errorf("audit: event has no tenant")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	scoped := storage.ForTenant(s.store, ev.TenantID)
	key := storage.Key{"audit", s.region, entryID(ev.Timestamp)}
	return storage.SetJSON(ctx, scoped, key, ev, 0)
}

// Query retrieves matching events newest-first
func (s *Store) Query(ctx context.Context, tenantID string, f Filter) ([]*Event, error) {
	events, err := s.collect(ctx, tenantID, f)
	if err != nil {
		return nil, err
	}

	// collect returns oldest-first
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}

	return page(events, f.Offset, f.Limit), nil
}

// FamilyHistory retrieves the events of one refresh-token family in the
// order they happened.
func (s *Store) FamilyHistory(ctx context.Context, tenantID, familyID string) ([]*Event, error) {
	return s.collect(ctx, tenantID, Filter{FamilyID: familyID})
}

type keyedEvent struct {
	key string
	ev  *Event
}

// collect scans the region stream and returns matching events oldest-first.
// Scan order is adapter-specific, so ordering is restored from the entry ids.
func (s *Store) collect(ctx context.Context, tenantID string, f Filter) ([]*Event, error) {
	scoped := storage.ForTenant(s.store, tenantID)
	prefix := storage.Key{"audit", s.region}

	var entries []keyedEvent
	err := scoped.Scan(ctx, prefix, func(key storage.Key, value []byte) error {
		var ev Event
		if err := storage.Unmarshal(value, &ev); err != nil {
			slog.WarnContext(ctx, "skipping malformed audit event",
				slog.String("key", key.String()),
				slog.String("error", err.Error()))
			return nil
		}
		if !f.matches(&ev) {
			return nil
		}
		entries = append(entries, keyedEvent{key: key.String(), ev: &ev})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit: scan failed: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	events := make([]*Event, len(entries))
	for i, e := range entries {
		events[i] = e.ev
	}
	return events, nil
}

func page(events []*Event, offset, limit int) []*Event {
	if offset >= len(events) {
		return nil
	}
	events = events[offset:]
	if limit > 0 && limit < len(events) {
		events = events[:limit]
	}
	return events
}

// entryID builds a sortable stream position: zero-padded nanos plus a UUID
// so same-instant events never collide.
func entryID(ts time.Time) string {
	return fmt.Sprintf("%020d.%s", ts.UnixNano(), id.NewUUIDv7())
}
