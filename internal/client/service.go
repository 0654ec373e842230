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

package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/meywd/openauth-sub002/internal/crypto"
	"github.com/meywd/openauth-sub002/internal/id"
	"github.com/meywd/openauth-sub002/internal/observability/logger"
	"github.com/meywd/openauth-sub002/internal/resilience"
)

// Service provides client registry business logic. Every repository call
// runs inside the circuit breaker, with transient failures retried.
type Service struct {
	repo      Repository
	breaker   *resilience.Breaker
	retry     resilience.RetryConfig
	grace     time.Duration
	publisher Publisher
	region    string
	now       func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithPublisher enables replication sync messages after local writes
func WithPublisher(p Publisher, region string) Option {
	return func(s *Service) {
		s.publisher = p
		s.region = region
	}
}

// WithSecretGrace overrides the rotation grace period
func WithSecretGrace(grace time.Duration) Option {
	return func(s *Service) { s.grace = grace }
}

// NewService creates a new client service
func NewService(repo Repository, breaker *resilience.Breaker, retry resilience.RetryConfig, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		breaker: breaker,
		retry:   retry,
		grace:   24 * time.Hour,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) execute(ctx context.Context, op func(context.Context) error) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, s.retry, IsTransient, op)
	})
}

// IsTransient classifies repository errors for retry. Domain errors and
// not-found are never retried; constraint and syntax failures are permanent;
// timeouts, connection failures, and unknown errors are retried.
func IsTransient(err error) bool {
	switch {
	case errors.Is(err, ErrClientNotFound),
		errors.Is(err, ErrClientExists),
		errors.Is(err, ErrNameConflict),
		errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrClientDisabled),
		errors.Is(err, ErrClientPublic):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		// integrity violations, syntax and data errors
		case strings.HasPrefix(pgErr.Code, "23"),
			strings.HasPrefix(pgErr.Code, "42"),
			strings.HasPrefix(pgErr.Code, "22"):
			return false
		// connection failures, resource exhaustion, shutdown
		case strings.HasPrefix(pgErr.Code, "08"),
			strings.HasPrefix(pgErr.Code, "53"),
			strings.HasPrefix(pgErr.Code, "57"):
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Unknown errors are assumed transient
	return true
}

// CreateParams holds the fields accepted on client creation
type CreateParams struct {
	TenantID     string
	Name         string
	GrantTypes   []string
	Scopes       []string
	RedirectURIs []string
	Metadata     json.RawMessage
	Public       bool
}

// Create registers a client and returns it along with the plaintext secret.
// The secret is shown exactly once; only its hash is stored. Public clients
// get no secret and must prove possession with PKCE instead.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Client, string, error) {
	now := s.now().UTC()
	c := &Client{
		ID:           id.NewUUIDv7(),
		TenantID:     p.TenantID,
		Name:         strings.TrimSpace(p.Name),
		GrantTypes:   p.GrantTypes,
		Scopes:       p.Scopes,
		RedirectURIs: p.RedirectURIs,
		Metadata:     p.Metadata,
		Public:       p.Public,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if len(c.GrantTypes) == 0 {
		c.GrantTypes = []string{GrantAuthorizationCode, GrantRefreshToken}
	}
	if err := c.validate(); err != nil {
		return nil, "", err
	}

	var secret string
	if !c.Public {
		var err error
		secret, err = crypto.RandomSecret()
		if err != nil {
			return nil, "", err
		}
		hash, err := crypto.HashSecret(secret)
		if err != nil {
			return nil, "", err
		}
		c.SecretHash = hash
	}

	if err := s.execute(ctx, func(ctx context.Context) error {
		return s.repo.Create(ctx, c)
	}); err != nil {
		return nil, "", err
	}

	s.publish(ctx, SyncMessage{Op: SyncCreate, ClientID: c.ID, Data: newSyncData(c), Timestamp: c.UpdatedAt})
	return c, secret, nil
}

// Get retrieves a client within a tenant
func (s *Service) Get(ctx context.Context, tenantID, clientID string) (*Client, error) {
	var c *Client
	err := s.execute(ctx, func(ctx context.Context) error {
		var err error
		c, err = s.repo.Get(ctx, tenantID, clientID)
		return err
	})
	return c, err
}

// GetByID retrieves a client by its globally unique id
func (s *Service) GetByID(ctx context.Context, clientID string) (*Client, error) {
	var c *Client
	err := s.execute(ctx, func(ctx context.Context) error {
		var err error
		c, err = s.repo.GetByID(ctx, clientID)
		return err
	})
	return c, err
}

// Update holds optional client mutations; nil fields are left unchanged
type Update struct {
	Name         *string
	GrantTypes   *[]string
	Scopes       *[]string
	RedirectURIs *[]string
	Metadata     *json.RawMessage
	Enabled      *bool
}

// Update applies a partial update to a client
func (s *Service) Update(ctx context.Context, tenantID, clientID string, upd Update) (*Client, error) {
	c, err := s.Get(ctx, tenantID, clientID)
	if err != nil {
		return nil, err
	}

	if upd.Name != nil {
		c.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.GrantTypes != nil {
		c.GrantTypes = *upd.GrantTypes
	}
	if upd.Scopes != nil {
		c.Scopes = *upd.Scopes
	}
	if upd.RedirectURIs != nil {
		c.RedirectURIs = *upd.RedirectURIs
	}
	if upd.Metadata != nil {
		c.Metadata = *upd.Metadata
	}
	if upd.Enabled != nil {
		c.Enabled = *upd.Enabled
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	c.UpdatedAt = s.now().UTC()
	if err := s.execute(ctx, func(ctx context.Context) error {
		return s.repo.Update(ctx, c)
	}); err != nil {
		return nil, err
	}

	s.publish(ctx, SyncMessage{Op: SyncUpdate, ClientID: c.ID, Data: newSyncData(c), Timestamp: c.UpdatedAt})
	return c, nil
}

// Delete removes a client
func (s *Service) Delete(ctx context.Context, tenantID, clientID string) error {
	if err := s.execute(ctx, func(ctx context.Context) error {
		return s.repo.Delete(ctx, tenantID, clientID)
	}); err != nil {
		return err
	}
	s.publish(ctx, SyncMessage{Op: SyncDelete, ClientID: clientID, Timestamp: s.now().UTC()})
	return nil
}

// List retrieves all clients for a tenant
func (s *Service) List(ctx context.Context, tenantID string) ([]*Client, error) {
	var out []*Client
	err := s.execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.repo.List(ctx, tenantID)
		return err
	})
	return out, err
}

// RotateSecret issues a fresh secret and keeps the previous hash valid for
// the grace period. The new plaintext is returned exactly once.
func (s *Service) RotateSecret(ctx context.Context, tenantID, clientID string) (*Client, string, error) {
	c, err := s.Get(ctx, tenantID, clientID)
	if err != nil {
		return nil, "", err
	}
	if c.Public {
		return nil, "", ErrClientPublic
	}

	secret, err := crypto.RandomSecret()
	if err != nil {
		return nil, "", err
	}
	hash, err := crypto.HashSecret(secret)
	if err != nil {
		return nil, "", err
	}

	now := s.now().UTC()
	graceUntil := now.Add(s.grace)
	c.PreviousSecretHash = c.SecretHash
	c.PreviousSecretExpiresAt = &graceUntil
	c.SecretHash = hash
	c.RotatedAt = &now
	c.UpdatedAt = now

	if err := s.execute(ctx, func(ctx context.Context) error {
		return s.repo.Update(ctx, c)
	}); err != nil {
		return nil, "", err
	}

	slog.InfoContext(ctx, "client secret rotated",
		logger.ClientID(c.ID), logger.TenantID(c.TenantID))
	s.publish(ctx, SyncMessage{Op: SyncUpdate, ClientID: c.ID, Data: newSyncData(c), Timestamp: c.UpdatedAt})
	return c, secret, nil
}

// VerifyCredentials authenticates a client by id and plaintext secret,
// accepting the current secret or an unexpired previous one.
func (s *Service) VerifyCredentials(ctx context.Context, clientID, secret string) (*Client, error) {
	c, err := s.GetByID(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !c.Enabled {
		return nil, ErrClientDisabled
	}
	if c.Public {
		// Public clients hold no secret and cannot authenticate this way
		return nil, ErrInvalidCredentials
	}

	if ok, _ := crypto.VerifySecret(secret, c.SecretHash); ok {
		return c, nil
	}
	if c.PreviousSecretHash != "" && c.PreviousSecretExpiresAt != nil && s.now().Before(*c.PreviousSecretExpiresAt) {
		if ok, _ := crypto.VerifySecret(secret, c.PreviousSecretHash); ok {
			return c, nil
		}
	}
	return nil, ErrInvalidCredentials
}

func (s *Service) publish(ctx context.Context, msg SyncMessage) {
	if s.publisher == nil {
		return
	}
	msg.Region = s.region
	if err := s.publisher.Publish(ctx, msg); err != nil {
		// Local state is authoritative; replication lag is recoverable
		slog.ErrorContext(ctx, "failed to enqueue client sync message",
			logger.ClientID(msg.ClientID), logger.Error(err))
	}
}
