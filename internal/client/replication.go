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
	"errors"
	"log/slog"
	"time"

	"github.com/meywd/openauth-sub002/internal/id"
	"github.com/meywd/openauth-sub002/internal/observability/logger"
	"github.com/meywd/openauth-sub002/internal/storage"
)

// SyncOp enumerates replication operations
type SyncOp string

const (
	SyncCreate SyncOp = "create"
	SyncUpdate SyncOp = "update"
	SyncDelete SyncOp = "delete"
)

// SyncData is the replicated client record. Secret hashes travel explicitly
// since the Client type never serializes them.
type SyncData struct {
	Client
	SecretHash              string     `json:"secret_hash,omitempty"`
	PreviousSecretHash      string     `json:"previous_secret_hash,omitempty"`
	PreviousSecretExpiresAt *time.Time `json:"previous_secret_expires_at,omitempty"`
}

func newSyncData(c *Client) *SyncData {
	return &SyncData{
		Client:                  *c,
		SecretHash:              c.SecretHash,
		PreviousSecretHash:      c.PreviousSecretHash,
		PreviousSecretExpiresAt: c.PreviousSecretExpiresAt,
	}
}

// ToClient reassembles the full client record
func (d *SyncData) ToClient() *Client {
	c := d.Client
	c.SecretHash = d.SecretHash
	c.PreviousSecretHash = d.PreviousSecretHash
	c.PreviousSecretExpiresAt = d.PreviousSecretExpiresAt
	return &c
}

// SyncMessage is one replication queue entry
type SyncMessage struct {
	Op        SyncOp    `json:"op"`
	ClientID  string    `json:"client_id"`
	Data      *SyncData `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Region    string    `json:"region,omitempty"`
}

// Publisher enqueues sync messages after local writes
type Publisher interface {
	Publish(ctx context.Context, msg SyncMessage) error
}

func keySync(msgID string) storage.Key { return storage.Key{"sync", "clients", msgID} }

// QueuePublisher stores sync messages in global KV storage. UUIDv7 message
// ids keep the queue in enqueue order under scan.
type QueuePublisher struct {
	store storage.Adapter
}

// NewQueuePublisher creates a KV-backed publisher
func NewQueuePublisher(store storage.Adapter) *QueuePublisher {
	return &QueuePublisher{store: store}
}

// Publish appends a message to the queue
func (q *QueuePublisher) Publish(ctx context.Context, msg SyncMessage) error {
	return storage.SetJSON(ctx, q.store, keySync(id.NewUUIDv7()), msg, 0)
}

// Applier consumes sync messages and applies them to the local replica with
// last-write-wins semantics keyed on updated_at.
type Applier struct {
	repo  Repository
	store storage.Adapter
}

// NewApplier creates an applier over the local repository
func NewApplier(repo Repository, store storage.Adapter) *Applier {
	return &Applier{repo: repo, store: store}
}

// Apply processes one message idempotently
func (a *Applier) Apply(ctx context.Context, msg SyncMessage) error {
	switch msg.Op {
	case SyncCreate:
		if msg.Data == nil {
			return errors.New("create sync message missing data")
		}
		err := a.repo.Create(ctx, msg.Data.ToClient())
		if errors.Is(err, ErrClientExists) || errors.Is(err, ErrNameConflict) {
			// Redelivery or concurrent create in another region; fall back to
			// last-write-wins
			_, err = a.repo.UpdateIfNewer(ctx, msg.Data.ToClient())
		}
		return err

	case SyncUpdate:
		if msg.Data == nil {
			return errors.New("update sync message missing data")
		}
		applied, err := a.repo.UpdateIfNewer(ctx, msg.Data.ToClient())
		if errors.Is(err, ErrClientNotFound) {
			// The local replica may not have seen the create yet
			return a.repo.Create(ctx, msg.Data.ToClient())
		}
		if err == nil && !applied {
			slog.DebugContext(ctx, "stale client sync message skipped",
				logger.ClientID(msg.ClientID), logger.Region(msg.Region))
		}
		return err

	case SyncDelete:
		err := a.deleteByID(ctx, msg.ClientID)
		if errors.Is(err, ErrClientNotFound) {
			return nil
		}
		return err

	default:
		return errors.New("unknown sync op " + string(msg.Op))
	}
}

func (a *Applier) deleteByID(ctx context.Context, clientID string) error {
	c, err := a.repo.GetByID(ctx, clientID)
	if err != nil {
		return err
	}
	return a.repo.Delete(ctx, c.TenantID, c.ID)
}

// Drain applies and removes all queued messages, returning how many were
// processed. Failed messages stay queued for the next pass.
func (a *Applier) Drain(ctx context.Context) (int, error) {
	type queued struct {
		key storage.Key
		msg SyncMessage
	}
	var batch []queued
	err := a.store.Scan(ctx, storage.Key{"sync", "clients"}, func(key storage.Key, value []byte) error {
		var msg SyncMessage
		if err := storage.Unmarshal(value, &msg); err != nil {
			slog.WarnContext(ctx, "dropping malformed client sync message", logger.Error(err))
			return a.store.Remove(ctx, key)
		}
		batch = append(batch, queued{key: key, msg: msg})
		return nil
	})
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, item := range batch {
		if err := a.Apply(ctx, item.msg); err != nil {
			slog.ErrorContext(ctx, "failed to apply client sync message",
				logger.ClientID(item.msg.ClientID), logger.Error(err))
			continue
		}
		if err := a.store.Remove(ctx, item.key); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// Run drains the queue on an interval until the context ends
func (a *Applier) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Drain(ctx); err != nil {
				slog.ErrorContext(ctx, "client sync drain failed", logger.Error(err))
			}
		}
	}
}
