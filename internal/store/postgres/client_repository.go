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

	"github.com/jackc/pgx/v5"
	"github.com/meywd/openauth-sub002/internal/client"
)

// ClientRepository implements client.Repository
type ClientRepository struct {
	db *DB
}

// NewClientRepository creates a new client repository
func NewClientRepository(db *DB) *ClientRepository {
	return &ClientRepository{db: db}
}

const clientColumns = `
	id, tenant_id, name, secret_hash, previous_secret_hash, previous_secret_expires_at,
	grant_types, scopes, redirect_uris, metadata, public, enabled,
	created_at, updated_at, rotated_at`

// Create inserts a new OAuth2 client
func (r *ClientRepository) Create(ctx context.Context, c *client.Client) error {
	grantTypes, err := json.Marshal(c.GrantTypes)
	if err != nil {
		return fmt.Errorf("failed to marshal grant types: %w", err)
	}

	scopes, err := json.Marshal(c.Scopes)
	if err != nil {
		return fmt.Errorf("failed to marshal scopes: %w", err)
	}

	redirectURIs, err := json.Marshal(c.RedirectURIs)
	if err != nil {
		return fmt.Errorf("failed to marshal redirect URIs: %w", err)
	}

	var prevHash sql.NullString
	if c.PreviousSecretHash != "" {
		prevHash = sql.NullString{String: c.PreviousSecretHash, Valid: true}
	}

	_, err = r.db.pool.Exec(ctx, `
		INSERT INTO oauth_clients (
			id, tenant_id, name, secret_hash, previous_secret_hash, previous_secret_expires_at,
			grant_types, scopes, redirect_uris, metadata, public, enabled,
			created_at, updated_at, rotated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		c.ID, c.TenantID, c.Name, c.SecretHash, prevHash, c.PreviousSecretExpiresAt,
		grantTypes, scopes, redirectURIs, rawJSON(c.Metadata), c.Public, c.Enabled,
		c.CreatedAt, c.UpdatedAt, c.RotatedAt,
	)

	if err != nil {
		if uniqueViolation(err, "oauth_clients_tenant_id_name_key") {
			return client.ErrNameConflict
		}
		if uniqueViolation(err, "oauth_clients_pkey") {
			return client.ErrClientExists
		}
		return fmt.Errorf("failed to create client: %w", err)
	}

	return nil
}

// Get retrieves a client by ID within a tenant
func (r *ClientRepository) Get(ctx context.Context, tenantID, id string) (*client.Client, error) {
	row := r.db.pool.QueryRow(ctx,
		`SELECT `+clientColumns+` FROM oauth_clients WHERE tenant_id = $1 AND id = $2`,
		tenantID, id)
	return scanClient(row)
}

// GetByID retrieves a client by ID regardless of tenant. Replication apply
// paths use it because sync messages carry the tenant inside the record.
func (r *ClientRepository) GetByID(ctx context.Context, id string) (*client.Client, error) {
	row := r.db.pool.QueryRow(ctx,
		`SELECT `+clientColumns+` FROM oauth_clients WHERE id = $1`,
		id)
	return scanClient(row)
}

// Update replaces the stored record
func (r *ClientRepository) Update(ctx context.Context, c *client.Client) error {
	grantTypes, err := json.Marshal(c.GrantTypes)
	if err != nil {
		return fmt.Errorf("failed to marshal grant types: %w", err)
	}

	scopes, err := json.Marshal(c.Scopes)
	if err != nil {
		return fmt.Errorf("failed to marshal scopes: %w", err)
	}

	redirectURIs, err := json.Marshal(c.RedirectURIs)
	if err != nil {
		return fmt.Errorf("failed to marshal redirect URIs: %w", err)
	}

	var prevHash sql.NullString
	if c.PreviousSecretHash != "" {
		prevHash = sql.NullString{String: c.PreviousSecretHash, Valid: true}
	}

	result, err := r.db.pool.Exec(ctx, `
		UPDATE oauth_clients SET
			name = $3,
			secret_hash = $4,
			previous_secret_hash = $5,
			previous_secret_expires_at = $6,
			grant_types = $7,
			scopes = $8,
			redirect_uris = $9,
			metadata = $10,
			public = $11,
			enabled = $12,
			updated_at = $13,
			rotated_at = $14
		WHERE tenant_id = $1 AND id = $2
	`,
		c.TenantID, c.ID, c.Name, c.SecretHash, prevHash, c.PreviousSecretExpiresAt,
		grantTypes, scopes, redirectURIs, rawJSON(c.Metadata), c.Public, c.Enabled,
		c.UpdatedAt, c.RotatedAt,
	)

	if err != nil {
		if uniqueViolation(err, "oauth_clients_tenant_id_name_key") {
			return client.ErrNameConflict
		}
		return fmt.Errorf("failed to update client: %w", err)
	}

	if result.RowsAffected() == 0 {
		return client.ErrClientNotFound
	}

	return nil
}

// UpdateIfNewer applies the record only when its updated_at is newer than the
// stored row. Returns whether the write took effect.
func (r *ClientRepository) UpdateIfNewer(ctx context.Context, c *client.Client) (bool, error) {
	grantTypes, err := json.Marshal(c.GrantTypes)
	if err != nil {
		return false, fmt.Errorf("failed to marshal grant types: %w", err)
	}

	scopes, err := json.Marshal(c.Scopes)
	if err != nil {
		return false, fmt.Errorf("failed to marshal scopes: %w", err)
	}

	redirectURIs, err := json.Marshal(c.RedirectURIs)
	if err != nil {
		return false, fmt.Errorf("failed to marshal redirect URIs: %w", err)
	}

	var prevHash sql.NullString
	if c.PreviousSecretHash != "" {
		prevHash = sql.NullString{String: c.PreviousSecretHash, Valid: true}
	}

	result, err := r.db.pool.Exec(ctx, `
		UPDATE oauth_clients SET
			name = $3,
			secret_hash = $4,
			previous_secret_hash = $5,
			previous_secret_expires_at = $6,
			grant_types = $7,
			scopes = $8,
			redirect_uris = $9,
			metadata = $10,
			public = $11,
			enabled = $12,
			updated_at = $13,
			rotated_at = $14
		WHERE tenant_id = $1 AND id = $2 AND updated_at < $13
	`,
		c.TenantID, c.ID, c.Name, c.SecretHash, prevHash, c.PreviousSecretExpiresAt,
		grantTypes, scopes, redirectURIs, rawJSON(c.Metadata), c.Public, c.Enabled,
		c.UpdatedAt, c.RotatedAt,
	)

	if err != nil {
		if uniqueViolation(err, "oauth_clients_tenant_id_name_key") {
			return false, client.ErrNameConflict
		}
		return false, fmt.Errorf("failed to update client: %w", err)
	}

	if result.RowsAffected() > 0 {
		return true, nil
	}

	// Zero rows means either the row is missing or the incoming record is
	// stale. Callers need to tell the two apart.
	var exists bool
	err = r.db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM oauth_clients WHERE tenant_id = $1 AND id = $2)`,
		c.TenantID, c.ID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check client existence: %w", err)
	}
	if !exists {
		return false, client.ErrClientNotFound
	}

	return false, nil
}

// Delete removes a client. Registered permissions cascade away with it.
func (r *ClientRepository) Delete(ctx context.Context, tenantID, id string) error {
	result, err := r.db.pool.Exec(ctx,
		`DELETE FROM oauth_clients WHERE tenant_id = $1 AND id = $2`,
		tenantID, id)

	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}

	if result.RowsAffected() == 0 {
		return client.ErrClientNotFound
	}

	return nil
}

// List retrieves all clients for a tenant, newest first
func (r *ClientRepository) List(ctx context.Context, tenantID string) ([]*client.Client, error) {
	rows, err := r.db.pool.Query(ctx,
		`SELECT `+clientColumns+` FROM oauth_clients WHERE tenant_id = $1 ORDER BY created_at DESC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query clients: %w", err)
	}
	defer rows.Close()

	var clients []*client.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return clients, nil
}

// rawJSON converts an optional JSON blob to a driver value, mapping empty to
// NULL so the JSONB column stays clean.
func rawJSON(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return []byte(m)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*client.Client, error) {
	var c client.Client
	var grantTypesJSON, scopesJSON, redirectURIsJSON, metadataJSON []byte
	var prevHash sql.NullString
	var prevExpires, rotatedAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.TenantID, &c.Name, &c.SecretHash, &prevHash, &prevExpires,
		&grantTypesJSON, &scopesJSON, &redirectURIsJSON, &metadataJSON, &c.Public, &c.Enabled,
		&c.CreatedAt, &c.UpdatedAt, &rotatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, client.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to scan client: %w", err)
	}

	if err := json.Unmarshal(grantTypesJSON, &c.GrantTypes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal grant types: %w", err)
	}
	if err := json.Unmarshal(scopesJSON, &c.Scopes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scopes: %w", err)
	}
	if err := json.Unmarshal(redirectURIsJSON, &c.RedirectURIs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal redirect URIs: %w", err)
	}

	if len(metadataJSON) > 0 {
		c.Metadata = json.RawMessage(metadataJSON)
	}
	if prevHash.Valid {
		c.PreviousSecretHash = prevHash.String
	}
	if prevExpires.Valid {
		c.PreviousSecretExpiresAt = &prevExpires.Time
	}
	if rotatedAt.Valid {
		c.RotatedAt = &rotatedAt.Time
	}

	return &c, nil
}
