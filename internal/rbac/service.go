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

package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/meywd/openauth-sub002/internal/audit"
	"github.com/meywd/openauth-sub002/internal/cache"
	"github.com/meywd/openauth-sub002/internal/id"
	"github.com/meywd/openauth-sub002/internal/observability/logger"
)

// DefaultCacheTTL bounds how stale a cached permission resolution may get.
const DefaultCacheTTL = 60 * time.Second

// Service answers permission checks and manages roles, permissions, grants,
// and assignments. Resolved permission lists are cached per
// (user, client, tenant) for DefaultCacheTTL; assignment mutations invalidate
// the affected user, role and permission mutations purge the cache outright.
type Service struct {
	repo         Repository
	cache        *cache.Cache[[]string]
	auditLogger  audit.Logger
	tokenPermCap int

	now func() time.Time
}

// Option tunes the service
type Option func(*Service)

// WithTokenPermissionCap overrides how many permissions EnrichToken puts
// into a token before truncating.
func WithTokenPermissionCap(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.tokenPermCap = n
		}
	}
}

// NewService wires the RBAC engine.
func NewService(repo Repository, auditLogger audit.Logger, cacheTTL time.Duration, opts ...Option) *Service {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	if auditLogger == nil {
		auditLogger = audit.NewSlogLogger()
	}
	s := &Service{
		repo:         repo,
		cache:        cache.New[[]string](cacheTTL, 0),
		auditLogger:  auditLogger,
		tokenPermCap: MaxPermissionsPerCheck,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func permCacheKey(tenantID, userID, clientID string) string {
	return "rbac:" + userID + ":" + clientID + ":" + tenantID
}

func (s *Service) invalidateUser(userID string) {
	s.cache.DeletePrefix("rbac:" + userID + ":")
}

// permissions resolves the distinct permission names a user holds for a
// client, serving repeats from the cache.
func (s *Service) permissions(ctx context.Context, tenantID, userID, clientID string) ([]string, error) {
	key := permCacheKey(tenantID, userID, clientID)
	if perms, ok := s.cache.Get(key); ok {
		return perms, nil
	}
	perms, err := s.repo.ListUserPermissions(ctx, tenantID, userID, clientID)
	if err != nil {
		return nil, err
	}
	sort.Strings(perms)
	s.cache.Set(key, perms)
	return perms, nil
}

// Check reports whether the user holds the permission for the client. Unknown
// users and clients simply hold nothing.
func (s *Service) Check(ctx context.Context, tenantID, userID, clientID, permission string) (bool, error) {
	perms, err := s.permissions(ctx, tenantID, userID, clientID)
	if err != nil {
		return false, err
	}
	return slices.Contains(perms, permission), nil
}

// BatchCheck answers many permissions in one resolution. The request size is
// capped at MaxPermissionsPerCheck.
func (s *Service) BatchCheck(ctx context.Context, tenantID, userID, clientID string, permissions []string) (map[string]bool, error) {
	if len(permissions) > MaxPermissionsPerCheck {
		return nil, fmt.Errorf("%w: %d requested, limit %d", ErrTooManyPermissions, len(permissions), MaxPermissionsPerCheck)
	}
	held, err := s.permissions(ctx, tenantID, userID, clientID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(permissions))
	for _, p := range permissions {
		out[p] = slices.Contains(held, p)
	}
	return out, nil
}

// TokenEnrichment is the role and permission claim material for a user token.
type TokenEnrichment struct {
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Truncated   bool     `json:"-"`
}

// EnrichToken resolves the roles and permissions claims for an issued user
// token. Permission lists beyond the token cap are truncated with a warning;
// resource servers needing the full set should call Check instead.
func (s *Service) EnrichToken(ctx context.Context, tenantID, userID, clientID string) (*TokenEnrichment, error) {
	roles, err := s.repo.ListUserRoles(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	sort.Strings(names)

	perms, err := s.permissions(ctx, tenantID, userID, clientID)
	if err != nil {
		return nil, err
	}
	enrichment := &TokenEnrichment{Roles: names, Permissions: perms}
	if len(perms) > s.tokenPermCap {
		enrichment.Permissions = perms[:s.tokenPermCap]
		enrichment.Truncated = true
		slog.WarnContext(ctx, "permission claim truncated",
			logger.TenantID(tenantID),
			logger.UserID(userID),
			logger.ClientID(clientID),
			slog.Int("held", len(perms)),
			slog.Int("limit", s.tokenPermCap),
		)
	}
	return enrichment, nil
}

// CreateRole creates a tenant role.
func (s *Service) CreateRole(ctx context.Context, tenantID, name, description string) (*Role, error) {
	if err := ValidateRoleName(name); err != nil {
		return nil, err
	}
	now := s.now()
	role := &Role{
		ID:          id.NewUUIDv7(),
		TenantID:    tenantID,
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateRole(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

// GetRole retrieves a role within a tenant.
func (s *Service) GetRole(ctx context.Context, tenantID, roleID string) (*Role, error) {
	return s.repo.GetRole(ctx, tenantID, roleID)
}

// GetRoleByName retrieves a role by name within a tenant.
func (s *Service) GetRoleByName(ctx context.Context, tenantID, name string) (*Role, error) {
	return s.repo.GetRoleByName(ctx, tenantID, name)
}

// ListRoles retrieves the roles of a tenant.
func (s *Service) ListRoles(ctx context.Context, tenantID string) ([]*Role, error) {
	return s.repo.ListRoles(ctx, tenantID)
}

// UpdateRole renames or re-describes a non-system role.
func (s *Service) UpdateRole(ctx context.Context, tenantID, roleID, name, description string) (*Role, error) {
	role, err := s.repo.GetRole(ctx, tenantID, roleID)
	if err != nil {
		return nil, err
	}
	if role.IsSystemRole {
		return nil, ErrSystemRoleImmutable
	}
	if name != "" {
		if err := ValidateRoleName(name); err != nil {
			return nil, err
		}
		role.Name = name
	}
	if description != "" {
		role.Description = description
	}
	role.UpdatedAt = s.now()
	if err := s.repo.UpdateRole(ctx, role); err != nil {
		return nil, err
	}
	s.cache.Purge()
	return role, nil
}

// DeleteRole removes a non-system role, cascading grants and assignments.
func (s *Service) DeleteRole(ctx context.Context, tenantID, roleID string) error {
	role, err := s.repo.GetRole(ctx, tenantID, roleID)
	if err != nil {
		return err
	}
	if role.IsSystemRole {
		return ErrSystemRoleImmutable
	}
	if err := s.repo.DeleteRole(ctx, tenantID, roleID); err != nil {
		return err
	}
	s.cache.Purge()
	return nil
}

// CreatePermission registers a client permission under its canonical
// "<resource>:<action>" name.
func (s *Service) CreatePermission(ctx context.Context, clientID, resource, action, description string) (*Permission, error) {
	perm := &Permission{
		ID:          id.NewUUIDv7(),
		ClientID:    clientID,
		Name:        PermissionName(resource, action),
		Resource:    resource,
		Action:      action,
		Description: description,
		CreatedAt:   s.now(),
	}
	if err := ValidatePermission(perm); err != nil {
		return nil, err
	}
	if err := s.repo.CreatePermission(ctx, perm); err != nil {
		return nil, err
	}
	return perm, nil
}

// GetPermission retrieves a permission by id.
func (s *Service) GetPermission(ctx context.Context, permissionID string) (*Permission, error) {
	return s.repo.GetPermission(ctx, permissionID)
}

// ListPermissions retrieves a client's registered permissions.
func (s *Service) ListPermissions(ctx context.Context, clientID string) ([]*Permission, error) {
	return s.repo.ListPermissions(ctx, clientID)
}

// DeletePermission removes a permission, cascading its grants.
func (s *Service) DeletePermission(ctx context.Context, permissionID string) error {
	if err := s.repo.DeletePermission(ctx, permissionID); err != nil {
		return err
	}
	s.cache.Purge()
	return nil
}

// GrantPermission attaches a permission to a role of the tenant.
func (s *Service) GrantPermission(ctx context.Context, tenantID, roleID, permissionID, grantedBy string) error {
	if _, err := s.repo.GetRole(ctx, tenantID, roleID); err != nil {
		return err
	}
	if _, err := s.repo.GetPermission(ctx, permissionID); err != nil {
		return err
	}
	grant := &RolePermission{
		RoleID:       roleID,
		PermissionID: permissionID,
		GrantedBy:    grantedBy,
		GrantedAt:    s.now(),
	}
	if err := s.repo.GrantPermission(ctx, grant); err != nil {
		return err
	}
	s.cache.Purge()
	return nil
}

// RevokePermission detaches a permission from a role of the tenant.
func (s *Service) RevokePermission(ctx context.Context, tenantID, roleID, permissionID string) error {
	if _, err := s.repo.GetRole(ctx, tenantID, roleID); err != nil {
		return err
	}
	if err := s.repo.RevokePermission(ctx, roleID, permissionID); err != nil {
		return err
	}
	s.cache.Purge()
	return nil
}

// ListRolePermissions retrieves the permissions attached to a tenant role.
func (s *Service) ListRolePermissions(ctx context.Context, tenantID, roleID string) ([]*Permission, error) {
	if _, err := s.repo.GetRole(ctx, tenantID, roleID); err != nil {
		return nil, err
	}
	return s.repo.ListRolePermissions(ctx, roleID)
}

// AssignRole assigns a tenant role to a user, optionally until expiresAt.
func (s *Service) AssignRole(ctx context.Context, tenantID, userID, roleID, assignedBy string, expiresAt *time.Time) (*UserRole, error) {
	role, err := s.repo.GetRole(ctx, tenantID, roleID)
	if err != nil {
		return nil, err
	}
	assignment := &UserRole{
		UserID:     userID,
		RoleID:     roleID,
		TenantID:   tenantID,
		AssignedBy: assignedBy,
		AssignedAt: s.now(),
		ExpiresAt:  expiresAt,
	}
	if err := s.repo.AssignRole(ctx, assignment); err != nil {
		return nil, err
	}
	s.invalidateUser(userID)
	s.auditLogger.Log(ctx, audit.AuthEvent{
		Type:     audit.TypeRoleAssigned,
		TenantID: tenantID,
		ActorID:  assignedBy,
		Resource: "user/" + userID,
		Metadata: map[string]any{"role_id": roleID, "role_name": role.Name},
	})
	return assignment, nil
}

// RevokeRole removes a role assignment from a user.
func (s *Service) RevokeRole(ctx context.Context, tenantID, userID, roleID, revokedBy string) error {
	role, err := s.repo.GetRole(ctx, tenantID, roleID)
	if err != nil {
		return err
	}
	if err := s.repo.RevokeRole(ctx, userID, roleID); err != nil {
		return err
	}
	s.invalidateUser(userID)
	s.auditLogger.Log(ctx, audit.AuthEvent{
		Type:     audit.TypeRoleRevoked,
		TenantID: tenantID,
		ActorID:  revokedBy,
		Resource: "user/" + userID,
		Metadata: map[string]any{"role_id": roleID, "role_name": role.Name},
	})
	return nil
}

// ListUserRoles retrieves the unexpired roles assigned to a user.
func (s *Service) ListUserRoles(ctx context.Context, tenantID, userID string) ([]*Role, error) {
	return s.repo.ListUserRoles(ctx, tenantID, userID)
}

// EnsureSystemRoles creates the tenant's system roles where missing and
// returns all three. Called when a tenant is provisioned.
func (s *Service) EnsureSystemRoles(ctx context.Context, tenantID string) ([]*Role, error) {
	out := make([]*Role, 0, len(SystemRoles()))
	for _, name := range SystemRoles() {
		role, err := s.repo.GetRoleByName(ctx, tenantID, name)
		if err == nil {
			out = append(out, role)
			continue
		}
		if !errors.Is(err, ErrRoleNotFound) {
			return nil, err
		}
		now := s.now()
		role = &Role{
			ID:           id.NewUUIDv7(),
			TenantID:     tenantID,
			Name:         name,
			Description:  SystemRoleDescription(name),
			IsSystemRole: true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.repo.CreateRole(ctx, role); err != nil {
			// Lost a provisioning race; the winner's row is equivalent.
			if errors.Is(err, ErrRoleAlreadyExists) {
				role, err = s.repo.GetRoleByName(ctx, tenantID, name)
				if err != nil {
					return nil, err
				}
			} else {
				return nil, err
			}
		}
		out = append(out, role)
	}
	return out, nil
}
