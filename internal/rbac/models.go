package rbac

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Domain errors
var (
	ErrRoleNotFound        = errors.New("role not found")
	ErrRoleAlreadyExists   = errors.New("role already exists")
	ErrSystemRoleImmutable = errors.New("system roles cannot be modified or deleted")
	ErrPermissionNotFound  = errors.New("permission not found")
	ErrPermissionExists    = errors.New("permission already exists")
	ErrGrantNotFound       = errors.New("permission grant not found")
	ErrGrantAlreadyExists  = errors.New("permission grant already exists")
	ErrAssignmentNotFound  = errors.New("role assignment not found")
	ErrAssignmentExists    = errors.New("role assignment already exists")
	ErrTooManyPermissions  = errors.New("too many permissions requested")
)

// Role is a named bundle of permissions scoped to a tenant. System roles are
// seeded at bootstrap and cannot be renamed or deleted.
type Role struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	IsSystemRole bool      `json:"is_system_role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Permission is a resource/action pair registered by an OAuth2 client.
// The name is the canonical "<resource>:<action>" form used in checks
// and token claims.
type Permission struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id"`
	Name        string    `json:"name"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RolePermission links a permission to a role.
type RolePermission struct {
	RoleID       string    `json:"role_id"`
	PermissionID string    `json:"permission_id"`
	GrantedBy    string    `json:"granted_by,omitempty"`
	GrantedAt    time.Time `json:"granted_at"`
}

// UserRole assigns a role to a user. An assignment with a past ExpiresAt is
// ignored by every read path but kept in storage until explicitly revoked.
type UserRole struct {
	UserID     string     `json:"user_id"`
	RoleID     string     `json:"role_id"`
	TenantID   string     `json:"tenant_id"`
	AssignedBy string     `json:"assigned_by,omitempty"`
	AssignedAt time.Time  `json:"assigned_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the assignment has lapsed at the given instant.
func (a *UserRole) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

var (
	roleNamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9_-]{0,62}[a-z0-9])?$`)
	permPartPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9_-]*[a-z0-9])?$`)
)

// ValidateRoleName checks the role name shape. Role names are lowercase
// identifiers so they can travel in token claims without escaping.
func ValidateRoleName(name string) error {
	if !roleNamePattern.MatchString(name) {
		return fmt.Errorf("role name %q must match %s", name, roleNamePattern.String())
	}
	return nil
}

// ValidatePermission checks resource and action and that the name is the
// canonical "<resource>:<action>" composition.
func ValidatePermission(p *Permission) error {
	if !permPartPattern.MatchString(p.Resource) {
		return fmt.Errorf("permission resource %q must match %s", p.Resource, permPartPattern.String())
	}
	if !permPartPattern.MatchString(p.Action) {
		return fmt.Errorf("permission action %q must match %s", p.Action, permPartPattern.String())
	}
	if want := PermissionName(p.Resource, p.Action); p.Name != want {
		return fmt.Errorf("permission name %q must be %q", p.Name, want)
	}
	return nil
}

// PermissionName composes the canonical permission name.
func PermissionName(resource, action string) string {
	return resource + ":" + action
}

// Repository defines persistence for roles, permissions, grants, and
// assignments. Reads that traverse user_roles must skip expired assignments.
type Repository interface {
	// CreateRole creates a role. Name is unique per tenant.
	CreateRole(ctx context.Context, role *Role) error

	// GetRole retrieves a role by ID within a tenant.
	GetRole(ctx context.Context, tenantID, roleID string) (*Role, error)

	// GetRoleByName retrieves a role by name within a tenant.
	GetRoleByName(ctx context.Context, tenantID, name string) (*Role, error)

	// UpdateRole updates name and description of a non-system role.
	UpdateRole(ctx context.Context, role *Role) error

	// DeleteRole removes a role and cascades its grants and assignments.
	DeleteRole(ctx context.Context, tenantID, roleID string) error

	// ListRoles retrieves all roles in a tenant.
	ListRoles(ctx context.Context, tenantID string) ([]*Role, error)

	// CreatePermission registers a permission. Name is unique per client.
	CreatePermission(ctx context.Context, perm *Permission) error

	// GetPermission retrieves a permission by ID.
	GetPermission(ctx context.Context, id string) (*Permission, error)

	// DeletePermission removes a permission and cascades its grants.
	DeletePermission(ctx context.Context, id string) error

	// ListPermissions retrieves all permissions registered by a client.
	ListPermissions(ctx context.Context, clientID string) ([]*Permission, error)

	// GrantPermission attaches a permission to a role.
	GrantPermission(ctx context.Context, grant *RolePermission) error

	// RevokePermission detaches a permission from a role.
	RevokePermission(ctx context.Context, roleID, permissionID string) error

	// ListRolePermissions retrieves the permissions attached to a role.
	ListRolePermissions(ctx context.Context, roleID string) ([]*Permission, error)

	// AssignRole assigns a role to a user.
	AssignRole(ctx context.Context, assignment *UserRole) error

	// RevokeRole removes a role assignment.
	RevokeRole(ctx context.Context, userID, roleID string) error

	// ListUserRoles retrieves the unexpired roles assigned to a user.
	ListUserRoles(ctx context.Context, tenantID, userID string) ([]*Role, error)

	// ListUserAssignments retrieves the raw assignments for a user,
	// including expired ones.
	ListUserAssignments(ctx context.Context, tenantID, userID string) ([]*UserRole, error)

	// ListUserPermissions retrieves the distinct permission names a user
	// holds for a client through unexpired role assignments.
	ListUserPermissions(ctx context.Context, tenantID, userID, clientID string) ([]string, error)
}
