package client

import (
	"context"
	"errors"
)

var (
	ErrClientNotFound     = errors.New("client not found")
	ErrClientExists       = errors.New("client already exists")
	ErrNameConflict       = errors.New("client name already in use")
	ErrInvalidCredentials = errors.New("invalid client credentials")
	ErrClientDisabled     = errors.New("client is disabled")
	ErrClientPublic       = errors.New("public client has no secret")
)

// Repository defines the interface for client persistence
type Repository interface {
	Create(ctx context.Context, c *Client) error
	Get(ctx context.Context, tenantID, id string) (*Client, error)
	GetByID(ctx context.Context, id string) (*Client, error)
	Update(ctx context.Context, c *Client) error
	// UpdateIfNewer applies the record only when its updated_at is newer than
	// the stored row. Returns whether the write took effect.
	UpdateIfNewer(ctx context.Context, c *Client) (bool, error)
	Delete(ctx context.Context, tenantID, id string) error
	List(ctx context.Context, tenantID string) ([]*Client, error)
}
