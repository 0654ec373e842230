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

// System role names. Every tenant gets these three roles at bootstrap with
// is_system_role set, which blocks rename and delete.
const (
	// RoleTenantOwner has full tenant control.
	RoleTenantOwner = "tenant_owner"

	// RoleTenantAdmin administers users and clients within a tenant.
	RoleTenantAdmin = "tenant_admin"

	// RoleTenantMember is the baseline membership role.
	RoleTenantMember = "tenant_member"
)

// SystemRoles lists the per-tenant system roles in seniority order.
func SystemRoles() []string {
	return []string{RoleTenantOwner, RoleTenantAdmin, RoleTenantMember}
}

// SystemRoleDescription returns the seeded description of a system role.
func SystemRoleDescription(name string) string {
	switch name {
	case RoleTenantOwner:
		return "Full control over the tenant"
	case RoleTenantAdmin:
		return "Administers users and clients within the tenant"
	case RoleTenantMember:
		return "Baseline member access within the tenant"
	default:
		return ""
	}
}

// Seeded role IDs for the default tenant from the initial schema migration
// (001_initial_schema.up.sql). These UUIDs must remain stable; changing them
// requires a data migration.
const (
	// RoleIDDefaultOwner is the tenant_owner system role of the default tenant.
	RoleIDDefaultOwner = "20000000-0000-0000-0000-000000000001"

	// RoleIDDefaultAdmin is the tenant_admin system role of the default tenant.
	RoleIDDefaultAdmin = "20000000-0000-0000-0000-000000000002"

	// RoleIDDefaultMember is the tenant_member system role of the default tenant.
	RoleIDDefaultMember = "20000000-0000-0000-0000-000000000003"
)

// MaxPermissionsPerCheck caps the permission list accepted by a single
// batch check and the permission names embedded in issued tokens.
const MaxPermissionsPerCheck = 50
