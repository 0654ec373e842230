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

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/meywd/openauth-sub002/internal/rbac"
)

// RBACRepository implements rbac.Repository
type RBACRepository struct {
	db *DB
}

// NewRBACRepository creates a new RBAC repository
func NewRBACRepository(db *DB) *RBACRepository {
	return &RBACRepository{db: db}
}

// CreateRole creates a role. Name is unique per tenant.
func (r *RBACRepository) CreateRole(ctx context.Context, role *rbac.Role) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO roles (id, tenant_id, name, description, is_system_role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		role.ID, role.TenantID, role.Name, role.Description, role.IsSystemRole,
		role.CreatedAt, role.UpdatedAt,
	)

	if err != nil {
		if uniqueViolation(err, "roles_tenant_id_name_key") {
			return rbac.ErrRoleAlreadyExists
		}
		return fmt.Errorf("failed to create role: %w", err)
	}

	return nil
}

// GetRole retrieves a role by ID within a tenant
func (r *RBACRepository) GetRole(ctx context.Context, tenantID, roleID string) (*rbac.Role, error) {
	row := r.db.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, description, is_system_role, created_at, updated_at
		FROM roles
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, roleID)
	return scanRole(row)
}

// GetRoleByName retrieves a role by name within a tenant
func (r *RBACRepository) GetRoleByName(ctx context.Context, tenantID, name string) (*rbac.Role, error) {
	row := r.db.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, description, is_system_role, created_at, updated_at
		FROM roles
		WHERE tenant_id = $1 AND name = $2
	`, tenantID, name)
	return scanRole(row)
}

// UpdateRole updates name and description of a non-system role. System roles
// are filtered out at the SQL level so a racing flag change cannot slip
// through.
func (r *RBACRepository) UpdateRole(ctx context.Context, role *rbac.Role) error {
	result, err := r.db.pool.Exec(ctx, `
		UPDATE roles SET name = $3, description = $4, updated_at = $5
		WHERE tenant_id = $1 AND id = $2 AND is_system_role = FALSE
	`,
		role.TenantID, role.ID, role.Name, role.Description, role.UpdatedAt,
	)

	if err != nil {
		if uniqueViolation(err, "roles_tenant_id_name_key") {
			return rbac.ErrRoleAlreadyExists
		}
		return fmt.Errorf("failed to update role: %w", err)
	}

	if result.RowsAffected() == 0 {
		return r.roleMissingOrSystem(ctx, role.TenantID, role.ID)
	}

	return nil
}

// DeleteRole removes a role. Grants and assignments cascade away in the
// schema.
func (r *RBACRepository) DeleteRole(ctx context.Context, tenantID, roleID string) error {
	result, err := r.db.pool.Exec(ctx, `
		DELETE FROM roles
		WHERE tenant_id = $1 AND id = $2 AND is_system_role = FALSE
	`, tenantID, roleID)

	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}

	if result.RowsAffected() == 0 {
		return r.roleMissingOrSystem(ctx, tenantID, roleID)
	}

	return nil
}

// roleMissingOrSystem resolves the zero-rows ambiguity of guarded role
// writes into the right domain error.
func (r *RBACRepository) roleMissingOrSystem(ctx context.Context, tenantID, roleID string) error {
	var isSystem bool
	err := r.db.pool.QueryRow(ctx,
		`SELECT is_system_role FROM roles WHERE tenant_id = $1 AND id = $2`,
		tenantID, roleID).Scan(&isSystem)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rbac.ErrRoleNotFound
		}
		return fmt.Errorf("failed to check role: %w", err)
	}
	if isSystem {
		return rbac.ErrSystemRoleImmutable
	}
	return rbac.ErrRoleNotFound
}

// ListRoles retrieves all roles in a tenant ordered by name
func (r *RBACRepository) ListRoles(ctx context.Context, tenantID string) ([]*rbac.Role, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, tenant_id, name, description, is_system_role, created_at, updated_at
		FROM roles
		WHERE tenant_id = $1
		ORDER BY name
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query roles: %w", err)
	}
	defer rows.Close()

	var roles []*rbac.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return roles, nil
}

// CreatePermission registers a permission. Name is unique per client.
func (r *RBACRepository) CreatePermission(ctx context.Context, perm *rbac.Permission) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO permissions (id, client_id, name, resource, action, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		perm.ID, perm.ClientID, perm.Name, perm.Resource, perm.Action,
		perm.Description, perm.CreatedAt,
	)

	if err != nil {
		if uniqueViolation(err, "permissions_client_id_name_key") {
			return rbac.ErrPermissionExists
		}
		return fmt.Errorf("failed to create permission: %w", err)
	}

	return nil
}

// GetPermission retrieves a permission by ID
func (r *RBACRepository) GetPermission(ctx context.Context, id string) (*rbac.Permission, error) {
	row := r.db.pool.QueryRow(ctx, `
		SELECT id, client_id, name, resource, action, description, created_at
		FROM permissions
		WHERE id = $1
	`, id)
	return scanPermission(row)
}

// DeletePermission removes a permission. Grants cascade away.
func (r *RBACRepository) DeletePermission(ctx context.Context, id string) error {
	result, err := r.db.pool.Exec(ctx, `DELETE FROM permissions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete permission: %w", err)
	}

	if result.RowsAffected() == 0 {
		return rbac.ErrPermissionNotFound
	}

	return nil
}

// ListPermissions retrieves all permissions registered by a client
func (r *RBACRepository) ListPermissions(ctx context.Context, clientID string) ([]*rbac.Permission, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, client_id, name, resource, action, description, created_at
		FROM permissions
		WHERE client_id = $1
		ORDER BY name
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query permissions: %w", err)
	}
	defer rows.Close()

	var perms []*rbac.Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return perms, nil
}

// GrantPermission attaches a permission to a role
func (r *RBACRepository) GrantPermission(ctx context.Context, grant *rbac.RolePermission) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO role_permissions (role_id, permission_id, granted_by, granted_at)
		VALUES ($1, $2, $3, $4)
	`, grant.RoleID, grant.PermissionID, grant.GrantedBy, grant.GrantedAt)

	if err != nil {
		if uniqueViolation(err, "role_permissions_pkey") {
			return rbac.ErrGrantAlreadyExists
		}
		return fmt.Errorf("failed to grant permission: %w", err)
	}

	return nil
}

// RevokePermission detaches a permission from a role
func (r *RBACRepository) RevokePermission(ctx context.Context, roleID, permissionID string) error {
	result, err := r.db.pool.Exec(ctx, `
		DELETE FROM role_permissions
		WHERE role_id = $1 AND permission_id = $2
	`, roleID, permissionID)

	if err != nil {
		return fmt.Errorf("failed to revoke permission: %w", err)
	}

	if result.RowsAffected() == 0 {
		return rbac.ErrGrantNotFound
	}

	return nil
}

// ListRolePermissions retrieves the permissions attached to a role
func (r *RBACRepository) ListRolePermissions(ctx context.Context, roleID string) ([]*rbac.Permission, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT p.id, p.client_id, p.name, p.resource, p.action, p.description, p.created_at
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = $1
		ORDER BY p.name
	`, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query role permissions: %w", err)
	}
	defer rows.Close()

	var perms []*rbac.Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return perms, nil
}

// AssignRole assigns a role to a user
func (r *RBACRepository) AssignRole(ctx context.Context, assignment *rbac.UserRole) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO user_roles (user_id, role_id, tenant_id, assigned_by, assigned_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		assignment.UserID, assignment.RoleID, assignment.TenantID,
		assignment.AssignedBy, assignment.AssignedAt, assignment.ExpiresAt,
	)

	if err != nil {
		if uniqueViolation(err, "user_roles_pkey") {
			return rbac.ErrAssignmentExists
		}
		return fmt.Errorf("failed to assign role: %w", err)
	}

	return nil
}

// RevokeRole removes a role assignment
func (r *RBACRepository) RevokeRole(ctx context.Context, userID, roleID string) error {
	result, err := r.db.pool.Exec(ctx, `
		DELETE FROM user_roles
		WHERE user_id = $1 AND role_id = $2
	`, userID, roleID)

	if err != nil {
		return fmt.Errorf("failed to revoke role: %w", err)
	}

	if result.RowsAffected() == 0 {
		return rbac.ErrAssignmentNotFound
	}

	return nil
}

// ListUserRoles retrieves the unexpired roles assigned to a user
func (r *RBACRepository) ListUserRoles(ctx context.Context, tenantID, userID string) ([]*rbac.Role, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT r.id, r.tenant_id, r.name, r.description, r.is_system_role, r.created_at, r.updated_at
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.tenant_id = $1 AND ur.user_id = $2
		  AND (ur.expires_at IS NULL OR ur.expires_at > NOW())
		ORDER BY r.name
	`, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user roles: %w", err)
	}
	defer rows.Close()

	var roles []*rbac.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return roles, nil
}

// ListUserAssignments retrieves the raw assignments for a user, including
// expired ones
func (r *RBACRepository) ListUserAssignments(ctx context.Context, tenantID, userID string) ([]*rbac.UserRole, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT user_id, role_id, tenant_id, assigned_by, assigned_at, expires_at
		FROM user_roles
		WHERE tenant_id = $1 AND user_id = $2
		ORDER BY assigned_at
	`, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments: %w", err)
	}
	defer rows.Close()

	var assignments []*rbac.UserRole
	for rows.Next() {
		var a rbac.UserRole
		var expiresAt sql.NullTime
		if err := rows.Scan(&a.UserID, &a.RoleID, &a.TenantID, &a.AssignedBy, &a.AssignedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		if expiresAt.Valid {
			a.ExpiresAt = &expiresAt.Time
		}
		assignments = append(assignments, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return assignments, nil
}

// ListUserPermissions retrieves the distinct permission names a user holds
// for a client through unexpired role assignments
func (r *RBACRepository) ListUserPermissions(ctx context.Context, tenantID, userID, clientID string) ([]string, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT DISTINCT p.name
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		JOIN user_roles ur ON ur.role_id = rp.role_id
		WHERE ur.tenant_id = $1 AND ur.user_id = $2 AND p.client_id = $3
		  AND (ur.expires_at IS NULL OR ur.expires_at > NOW())
		ORDER BY p.name
	`, tenantID, userID, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user permissions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan permission name: %w", err)
		}
		names = append(names, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return names, nil
}

func scanRole(row rowScanner) (*rbac.Role, error) {
	var role rbac.Role

	err := row.Scan(
		&role.ID, &role.TenantID, &role.Name, &role.Description, &role.IsSystemRole,
		&role.CreatedAt, &role.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, rbac.ErrRoleNotFound
		}
		return nil, fmt.Errorf("failed to scan role: %w", err)
	}

	return &role, nil
}

func scanPermission(row rowScanner) (*rbac.Permission, error) {
	var perm rbac.Permission

	err := row.Scan(
		&perm.ID, &perm.ClientID, &perm.Name, &perm.Resource, &perm.Action,
		&perm.Description, &perm.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, rbac.ErrPermissionNotFound
		}
		return nil, fmt.Errorf("failed to scan permission: %w", err)
	}

	return &perm, nil
}
