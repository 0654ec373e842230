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
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// MultiRegion aggregates audit queries across region stores. Writes always
// go to the local region through Recorder; reads fan out so an operator sees
// the full picture even when token activity happened elsewhere.
type MultiRegion struct {
	stores map[string]*Store
}

// NewMultiRegion creates an aggregator over named region stores
func NewMultiRegion(stores map[string]*Store) *MultiRegion {
	return &MultiRegion{stores: stores}
}

// Regions lists the configured region names
func (m *MultiRegion) Regions() []string {
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Query fans out to every region in parallel and merges newest-first. Each
// event is tagged with the region it came from. A failing region is logged
// and skipped; the call errors only when no region answered.
func (m *MultiRegion) Query(ctx context.Context, tenantID string, f Filter) ([]*Event, error) {
	offset, limit := f.Offset, f.Limit
	f.Offset, f.Limit = 0, 0

	merged, err := m.gather(ctx, func(s *Store) ([]*Event, error) {
		return s.Query(ctx, tenantID, f)
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].Timestamp.Equal(merged[j].Timestamp) {
			return merged[i].Timestamp.After(merged[j].Timestamp)
		}
		return merged[i].Region < merged[j].Region
	})

	return page(merged, offset, limit), nil
}

// FamilyHistory merges one refresh-token family across regions in the order
// the events happened.
func (m *MultiRegion) FamilyHistory(ctx context.Context, tenantID, familyID string) ([]*Event, error) {
	merged, err := m.gather(ctx, func(s *Store) ([]*Event, error) {
		return s.FamilyHistory(ctx, tenantID, familyID)
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].Timestamp.Equal(merged[j].Timestamp) {
			return merged[i].Timestamp.Before(merged[j].Timestamp)
		}
		return merged[i].Region < merged[j].Region
	})

	return merged, nil
}

func (m *MultiRegion) gather(ctx context.Context, query func(*Store) ([]*Event, error)) ([]*Event, error) {
	if len(m.stores) == 0 {
		return nil, fmt.Errorf("audit: no regions configured")
	}

	var (
		mu       sync.Mutex
		merged   []*Event
		failures []error
	)

	var g errgroup.Group
	for name, store := range m.stores {
		name, store := name, store
		g.Go(func() error {
			events, err := query(store)
			if err != nil {
				slog.WarnContext(ctx, "audit region query failed",
					slog.String("region", name),
					slog.String("error", err.Error()))
				mu.Lock()
				failures = append(failures, fmt.Errorf("region %s: %w", name, err))
				mu.Unlock()
				return nil
			}
			for _, ev := range events {
				ev.Region = name
			}
			mu.Lock()
			merged = append(merged, events...)
			mu.Unlock()
			return nil
		})
	}
	// Goroutines report failures through the shared slice, never the group.
	_ = g.Wait()

	if len(failures) == len(m.stores) {
		return nil, errors.Join(failures...)
	}

	return merged, nil
}
