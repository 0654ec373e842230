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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/meywd/openauth-sub002/internal/identity"
)

// UserRepository implements identity.Repository
type UserRepository struct {
	db *DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `
	id, tenant_id, email, name, metadata, status, password_reset_required,
	last_login_at, created_at, updated_at`

// Create creates a new user
func (r *UserRepository) Create(ctx context.Context, user *identity.User) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO users (
			id, tenant_id, email, name, metadata, status, password_reset_required,
			last_login_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		user.ID, user.TenantID, user.Email, user.Name, rawJSON(user.Metadata),
		user.Status, user.PasswordResetRequired,
		user.LastLoginAt, user.CreatedAt, user.UpdatedAt,
	)

	if err != nil {
		if uniqueViolation(err, "users_tenant_id_email_key") {
			return identity.ErrEmailTaken
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}

	return nil
}

// GetByID retrieves a user by ID within a tenant. Deleted users read as
// not found.
func (r *UserRepository) GetByID(ctx context.Context, tenantID, id string) (*identity.User, error) {
	row := r.db.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE tenant_id = $1 AND id = $2 AND status != 'deleted'`,
		tenantID, id)
	return scanUser(row)
}

// GetByEmail retrieves a user by normalized email within a tenant
func (r *UserRepository) GetByEmail(ctx context.Context, tenantID, email string) (*identity.User, error) {
	row := r.db.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE tenant_id = $1 AND email = $2 AND status != 'deleted'`,
		tenantID, email)
	return scanUser(row)
}

// Update updates user fields. Setting status to deleted here is the delete
// path; once a row reads deleted it stops matching.
func (r *UserRepository) Update(ctx context.Context, user *identity.User) error {
	result, err := r.db.pool.Exec(ctx, `
		UPDATE users SET
			email = $3,
			name = $4,
			metadata = $5,
			status = $6,
			password_reset_required = $7,
			updated_at = $8
		WHERE tenant_id = $1 AND id = $2 AND status != 'deleted'
	`,
		user.TenantID, user.ID, user.Email, user.Name, rawJSON(user.Metadata),
		user.Status, user.PasswordResetRequired, user.UpdatedAt,
	)

	if err != nil {
		if uniqueViolation(err, "users_tenant_id_email_key") {
			return identity.ErrEmailTaken
		}
		return fmt.Errorf("failed to update user: %w", err)
	}

	if result.RowsAffected() == 0 {
		return identity.ErrUserNotFound
	}

	return nil
}

// SetLastLogin records a successful authentication
func (r *UserRepository) SetLastLogin(ctx context.Context, tenantID, id string, at time.Time) error {
	result, err := r.db.pool.Exec(ctx, `
		UPDATE users SET last_login_at = $3, updated_at = $3
		WHERE tenant_id = $1 AND id = $2 AND status != 'deleted'
	`, tenantID, id, at)

	if err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}

	if result.RowsAffected() == 0 {
		return identity.ErrUserNotFound
	}

	return nil
}

// List retrieves users in a tenant ordered by creation time
func (r *UserRepository) List(ctx context.Context, tenantID string, opts identity.ListOptions) ([]*identity.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE tenant_id = $1`
	args := []any{tenantID}

	if opts.Status != "" {
		query += ` AND status = $2`
		args = append(args, opts.Status)
	} else {
		query += ` AND status != 'deleted'`
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC OFFSET %d`, opts.Offset)
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, opts.Limit)
	}

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []*identity.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return users, nil
}

// SetCredentials inserts or replaces the password hash for a user
func (r *UserRepository) SetCredentials(ctx context.Context, creds *identity.Credentials) error {
	now := time.Now()

	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO credentials (user_id, password_hash, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET password_hash = $2, updated_at = $3
	`, creds.UserID, creds.PasswordHash, now)

	if err != nil {
		return fmt.Errorf("failed to set credentials: %w", err)
	}

	creds.UpdatedAt = now

	return nil
}

// GetCredentials retrieves the password hash for a user
func (r *UserRepository) GetCredentials(ctx context.Context, userID string) (*identity.Credentials, error) {
	var creds identity.Credentials

	err := r.db.pool.QueryRow(ctx, `
		SELECT user_id, password_hash, updated_at
		FROM credentials
		WHERE user_id = $1
	`, userID).Scan(&creds.UserID, &creds.PasswordHash, &creds.UpdatedAt)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identity.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get credentials: %w", err)
	}

	return &creds, nil
}

// LinkIdentity attaches a provider identity to a user
func (r *UserRepository) LinkIdentity(ctx context.Context, ident *identity.UserIdentity) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO user_identities (
			id, user_id, tenant_id, provider, provider_user_id, provider_data,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		ident.ID, ident.UserID, ident.TenantID, ident.Provider, ident.ProviderUserID,
		rawJSON(ident.ProviderData), ident.CreatedAt, ident.UpdatedAt,
	)

	if err != nil {
		if uniqueViolation(err, "user_identities_tenant_provider_subject_key") {
			return identity.ErrIdentityExists
		}
		return fmt.Errorf("failed to link identity: %w", err)
	}

	return nil
}

// GetIdentity resolves a provider identity within a tenant
func (r *UserRepository) GetIdentity(ctx context.Context, tenantID, provider, providerUserID string) (*identity.UserIdentity, error) {
	row := r.db.pool.QueryRow(ctx, `
		SELECT id, user_id, tenant_id, provider, provider_user_id, provider_data, created_at, updated_at
		FROM user_identities
		WHERE tenant_id = $1 AND provider = $2 AND provider_user_id = $3
	`, tenantID, provider, providerUserID)
	return scanIdentity(row)
}

// UpdateIdentity refreshes the stored provider data
func (r *UserRepository) UpdateIdentity(ctx context.Context, ident *identity.UserIdentity) error {
	result, err := r.db.pool.Exec(ctx, `
		UPDATE user_identities SET provider_data = $2, updated_at = $3
		WHERE id = $1
	`, ident.ID, rawJSON(ident.ProviderData), ident.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to update identity: %w", err)
	}

	if result.RowsAffected() == 0 {
		return identity.ErrIdentityNotFound
	}

	return nil
}

// UnlinkIdentity removes a provider identity
func (r *UserRepository) UnlinkIdentity(ctx context.Context, tenantID, provider, providerUserID string) error {
	result, err := r.db.pool.Exec(ctx, `
		DELETE FROM user_identities
		WHERE tenant_id = $1 AND provider = $2 AND provider_user_id = $3
	`, tenantID, provider, providerUserID)

	if err != nil {
		return fmt.Errorf("failed to unlink identity: %w", err)
	}

	if result.RowsAffected() == 0 {
		return identity.ErrIdentityNotFound
	}

	return nil
}

// ListIdentities retrieves all identities linked to a user
func (r *UserRepository) ListIdentities(ctx context.Context, userID string) ([]*identity.UserIdentity, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, user_id, tenant_id, provider, provider_user_id, provider_data, created_at, updated_at
		FROM user_identities
		WHERE user_id = $1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query identities: %w", err)
	}
	defer rows.Close()

	var idents []*identity.UserIdentity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		idents = append(idents, ident)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return idents, nil
}

func scanUser(row rowScanner) (*identity.User, error) {
	var user identity.User
	var metadataJSON []byte
	var lastLogin sql.NullTime

	err := row.Scan(
		&user.ID, &user.TenantID, &user.Email, &user.Name, &metadataJSON,
		&user.Status, &user.PasswordResetRequired,
		&lastLogin, &user.CreatedAt, &user.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identity.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	if len(metadataJSON) > 0 {
		user.Metadata = json.RawMessage(metadataJSON)
	}
	if lastLogin.Valid {
		user.LastLoginAt = &lastLogin.Time
	}

	return &user, nil
}

func scanIdentity(row rowScanner) (*identity.UserIdentity, error) {
	var ident identity.UserIdentity
	var dataJSON []byte

	err := row.Scan(
		&ident.ID, &ident.UserID, &ident.TenantID, &ident.Provider, &ident.ProviderUserID,
		&dataJSON, &ident.CreatedAt, &ident.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identity.ErrIdentityNotFound
		}
		return nil, fmt.Errorf("failed to scan identity: %w", err)
	}

	if len(dataJSON) > 0 {
		ident.ProviderData = json.RawMessage(dataJSON)
	}

	return &ident, nil
}
