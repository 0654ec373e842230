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
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/meywd/openauth-sub002/internal/cache"
	"github.com/meywd/openauth-sub002/internal/storage"
)

var (
	ErrTenantNotFound    = errors.New("tenant not found")
	ErrTenantExists      = errors.New("tenant already exists")
	ErrTenantSuspended   = errors.New("tenant suspended")
	ErrTenantDeleted     = errors.New("tenant deleted")
	ErrDomainTaken       = errors.New("domain already in use")
	ErrInvalidTransition = errors.New("invalid status transition")
)

const brandingCacheTTL = time.Hour

func keyTenant(id string) storage.Key { return storage.Key{"tenant", id} }

func keyDomain(domain string) storage.Key { return storage.Key{"tenant_domain", domain} }

// Service provides tenant registry business logic over global KV storage
type Service struct {
	store    storage.Adapter
	branding *cache.Cache[Branding]
	now      func() time.Time
}

// NewService creates a new tenant service
func NewService(store storage.Adapter) *Service {
	return &Service{
		store:    store,
		branding: cache.New[Branding](brandingCacheTTL, 0),
		now:      time.Now,
	}
}

// CreateParams holds the fields accepted on tenant creation
type CreateParams struct {
	ID       string
	Name     string
	Domain   string
	Status   string
	Branding *Branding
	Settings *Settings
}

// Create registers a new tenant
func (s *Service) Create(ctx context.Context, p CreateParams) (*Tenant, error) {
	if err := ValidateID(p.ID); err != nil {
		return nil, err
	}
	if err := ValidateName(p.Name); err != nil {
		return nil, err
	}
	status := p.Status
	if status == "" {
		status = StatusActive
	}
	if status != StatusActive && status != StatusPending {
		return nil, fmt.Errorf("%w: new tenants must be active or pending", ErrInvalidTransition)
	}

	if _, err := s.Get(ctx, p.ID); err == nil {
		return nil, ErrTenantExists
	} else if !errors.Is(err, ErrTenantNotFound) {
		return nil, err
	}

	domain := normalizeDomain(p.Domain)
	if domain != "" {
		if err := s.claimDomain(ctx, domain, p.ID); err != nil {
			return nil, err
		}
	}

	settings := DefaultSettings()
	if p.Settings != nil {
		settings = *p.Settings
	}

	now := s.now().UTC()
	t := &Tenant{
		ID:        p.ID,
		Name:      strings.TrimSpace(p.Name),
		Domain:    domain,
		Status:    status,
		Branding:  p.Branding,
		Settings:  settings,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := storage.SetJSON(ctx, s.store, keyTenant(t.ID), t, 0); err != nil {
		return nil, fmt.Errorf("failed to store tenant: %w", err)
	}
	s.invalidateBranding(t.ID)
	return t, nil
}

// Get retrieves a tenant by id
func (s *Service) Get(ctx context.Context, id string) (*Tenant, error) {
	t, err := storage.GetJSON[Tenant](ctx, s.store, keyTenant(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetByDomain retrieves a tenant by its custom domain
func (s *Service) GetByDomain(ctx context.Context, domain string) (*Tenant, error) {
	domain = normalizeDomain(domain)
	id, err := storage.GetJSON[string](ctx, s.store, keyDomain(domain))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, *id)
}

// Update holds optional tenant mutations; nil fields are left unchanged
type Update struct {
	Name     *string
	Domain   *string
	Status   *string
	Branding *Branding
	Settings *Settings
}

// Update applies a partial update to a tenant
func (s *Service) Update(ctx context.Context, id string, upd Update) (*Tenant, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusDeleted {
		return nil, ErrTenantDeleted
	}

	if upd.Name != nil {
		if err := ValidateName(*upd.Name); err != nil {
			return nil, err
		}
		t.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.Status != nil && *upd.Status != t.Status {
		if *upd.Status == StatusDeleted {
			return nil, fmt.Errorf("%w: deletion goes through SoftDelete", ErrInvalidTransition)
		}
		if !canTransition(t.Status, *upd.Status) {
			return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, t.Status, *upd.Status)
		}
		t.Status = *upd.Status
	}
	if upd.Domain != nil {
		domain := normalizeDomain(*upd.Domain)
		if domain != t.Domain {
			if domain != "" {
				if err := s.claimDomain(ctx, domain, t.ID); err != nil {
					return nil, err
				}
			}
			if t.Domain != "" {
				if err := s.store.Remove(ctx, keyDomain(t.Domain)); err != nil {
					return nil, err
				}
			}
			t.Domain = domain
		}
	}
	if upd.Branding != nil {
		t.Branding = upd.Branding
	}
	if upd.Settings != nil {
		t.Settings = *upd.Settings
	}

	t.UpdatedAt = s.now().UTC()
	if err := storage.SetJSON(ctx, s.store, keyTenant(t.ID), t, 0); err != nil {
		return nil, fmt.Errorf("failed to store tenant: %w", err)
	}
	s.invalidateBranding(t.ID)
	return t, nil
}

// SoftDelete marks a tenant deleted and releases its custom domain. The
// record remains in storage so ids cannot be silently reused.
func (s *Service) SoftDelete(ctx context.Context, id string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == StatusDeleted {
		return nil
	}
	if id == DefaultTenantID {
		return fmt.Errorf("%w: default tenant cannot be deleted", ErrInvalidTransition)
	}

	now := s.now().UTC()
	t.Status = StatusDeleted
	t.DeletedAt = &now
	t.UpdatedAt = now
	if t.Domain != "" {
		if err := s.store.Remove(ctx, keyDomain(t.Domain)); err != nil {
			return err
		}
		t.Domain = ""
	}
	if err := storage.SetJSON(ctx, s.store, keyTenant(t.ID), t, 0); err != nil {
		return fmt.Errorf("failed to store tenant: %w", err)
	}
	s.invalidateBranding(id)
	return nil
}

// ListOptions filters and paginates tenant listings
type ListOptions struct {
	Status string
	Offset int
	Limit  int
}

// List returns tenants sorted by id. Without an explicit status filter,
// deleted tenants are excluded.
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*Tenant, error) {
	var all []*Tenant
	err := s.store.Scan(ctx, storage.Key{"tenant"}, func(key storage.Key, value []byte) error {
		var t Tenant
		if err := storage.Unmarshal(value, &t); err != nil {
			return err
		}
		if opts.Status != "" {
			if t.Status != opts.Status {
				return nil
			}
		} else if t.Status == StatusDeleted {
			return nil
		}
		all = append(all, &t)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	if opts.Offset >= len(all) {
		return []*Tenant{}, nil
	}
	all = all[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(all) {
		all = all[:opts.Limit]
	}
	return all, nil
}

// ResolveBranding returns the branding for a tenant, falling back to the
// default tenant's branding and finally the built-in theme.
func (s *Service) ResolveBranding(ctx context.Context, t *Tenant) Branding {
	if t != nil && t.Branding != nil {
		return *t.Branding
	}
	if b, ok := s.branding.Get(brandingCacheKey); ok {
		return b
	}
	b := Branding{Theme: BuiltinTheme()}
	if def, err := s.Get(ctx, DefaultTenantID); err == nil && def.Branding != nil {
		b = *def.Branding
	}
	s.branding.Set(brandingCacheKey, b)
	return b
}

const brandingCacheKey = "branding:default"

func (s *Service) invalidateBranding(id string) {
	if id == DefaultTenantID {
		s.branding.Delete(brandingCacheKey)
	}
}

func (s *Service) claimDomain(ctx context.Context, domain, tenantID string) error {
	existing, err := storage.GetJSON[string](ctx, s.store, keyDomain(domain))
	if err == nil {
		if *existing == tenantID {
			return nil
		}
		return ErrDomainTaken
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return storage.SetJSON(ctx, s.store, keyDomain(domain), tenantID, 0)
}

// canTransition gates live-status changes. Transitions into deleted are
// handled by SoftDelete, which accepts any current status.
func canTransition(from, to string) bool {
	switch from {
	case StatusPending:
		return to == StatusActive
	case StatusActive:
		return to == StatusSuspended
	case StatusSuspended:
		return to == StatusActive
	}
	return false
}

func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}
