package client

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meywd/openauth-sub002/internal/storage"
)

func collectSync(t *testing.T, store storage.Adapter) []SyncMessage {
	t.Helper()
	type entry struct {
		id  string
		msg SyncMessage
	}
	var entries []entry
	err := store.Scan(context.Background(), storage.Key{"sync", "clients"}, func(key storage.Key, value []byte) error {
		var msg SyncMessage
		require.NoError(t, storage.Unmarshal(value, &msg))
		entries = append(entries, entry{id: key[len(key)-1], msg: msg})
		return nil
	})
	require.NoError(t, err)
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
	msgs := make([]SyncMessage, len(entries))
	for i, e := range entries {
		msgs[i] = e.msg
	}
	return msgs
}

// TestPurpose: Validates that local writes enqueue sync messages carrying the op, region, full record, and secret hashes.
// Scope: Unit Test
// Expected: Create, update, and delete produce one queue entry each in order; secret hashes survive serialization while the client JSON form omits them.
// Test Case ID: CLI-06
func TestClient_ReplicationPublish(t *testing.T) {
	repo := newFakeRepo()
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	svc := newTestService(repo, WithPublisher(NewQueuePublisher(store), "eu-west"))
	ctx := context.Background()

	created, _, err := svc.Create(ctx, CreateParams{
		TenantID:     "acme",
		Name:         "Synced App",
		RedirectURIs: []string{"https://a.com/cb"},
	})
	require.NoError(t, err)

	name := "Renamed App"
	_, err = svc.Update(ctx, "acme", created.ID, Update{Name: &name})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, "acme", created.ID))

	msgs := collectSync(t, store)
	require.Len(t, msgs, 3)
	assert.Equal(t, SyncCreate, msgs[0].Op)
	assert.Equal(t, SyncUpdate, msgs[1].Op)
	assert.Equal(t, SyncDelete, msgs[2].Op)

	for _, msg := range msgs {
		assert.Equal(t, created.ID, msg.ClientID)
		assert.Equal(t, "eu-west", msg.Region)
		assert.False(t, msg.Timestamp.IsZero())
	}

	require.NotNil(t, msgs[0].Data)
	assert.Equal(t, created.SecretHash, msgs[0].Data.SecretHash)
	assert.Equal(t, "Renamed App", msgs[1].Data.Name)
	assert.Nil(t, msgs[2].Data)
}

// TestPurpose: Validates last-write-wins application of sync messages by updated_at.
// Scope: Unit Test
// Expected: Stale updates are skipped, newer ones applied; redelivered creates fall back to conditional update; deletes are idempotent; updates arriving before their create materialize the record.
// Test Case ID: CLI-07
func TestClient_ApplierLastWriteWins(t *testing.T) {
	repo := newFakeRepo()
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	applier := NewApplier(repo, store)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	record := &Client{
		ID:         "c1",
		TenantID:   "acme",
		Name:       "Replica App",
		SecretHash: "$pbkdf2-sha256$100000$c2FsdA$aGFzaA",
		GrantTypes: []string{GrantClientCredentials},
		Enabled:    true,
		CreatedAt:  base,
		UpdatedAt:  base,
	}

	require.NoError(t, applier.Apply(ctx, SyncMessage{Op: SyncCreate, ClientID: "c1", Data: newSyncData(record), Timestamp: base}))
	stored, err := repo.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, record.SecretHash, stored.SecretHash)

	t.Run("newer update applies", func(t *testing.T) {
		newer := cloneClient(record)
		newer.Name = "Replica App v2"
		newer.UpdatedAt = base.Add(time.Minute)
		require.NoError(t, applier.Apply(ctx, SyncMessage{Op: SyncUpdate, ClientID: "c1", Data: newSyncData(newer), Timestamp: newer.UpdatedAt}))

		got, err := repo.GetByID(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "Replica App v2", got.Name)
	})

	t.Run("stale update skipped", func(t *testing.T) {
		stale := cloneClient(record)
		stale.Name = "Replica App v0"
		stale.UpdatedAt = base.Add(-time.Minute)
		require.NoError(t, applier.Apply(ctx, SyncMessage{Op: SyncUpdate, ClientID: "c1", Data: newSyncData(stale), Timestamp: stale.UpdatedAt}))

		got, err := repo.GetByID(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "Replica App v2", got.Name)
	})

	t.Run("redelivered create falls back to LWW", func(t *testing.T) {
		redelivered := cloneClient(record)
		redelivered.Name = "Replica App v3"
		redelivered.UpdatedAt = base.Add(2 * time.Minute)
		require.NoError(t, applier.Apply(ctx, SyncMessage{Op: SyncCreate, ClientID: "c1", Data: newSyncData(redelivered), Timestamp: redelivered.UpdatedAt}))

		got, err := repo.GetByID(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "Replica App v3", got.Name)
	})

	t.Run("update before create materializes record", func(t *testing.T) {
		orphan := &Client{
			ID:         "c2",
			TenantID:   "acme",
			Name:       "Orphan App",
			GrantTypes: []string{GrantClientCredentials},
			Enabled:    true,
			CreatedAt:  base,
			UpdatedAt:  base,
		}
		require.NoError(t, applier.Apply(ctx, SyncMessage{Op: SyncUpdate, ClientID: "c2", Data: newSyncData(orphan), Timestamp: base}))
		_, err := repo.GetByID(ctx, "c2")
		assert.NoError(t, err)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, applier.Apply(ctx, SyncMessage{Op: SyncDelete, ClientID: "c1", Timestamp: base.Add(3 * time.Minute)}))
		_, err := repo.GetByID(ctx, "c1")
		assert.ErrorIs(t, err, ErrClientNotFound)

		assert.NoError(t, applier.Apply(ctx, SyncMessage{Op: SyncDelete, ClientID: "c1", Timestamp: base.Add(4 * time.Minute)}))
	})
}

// TestPurpose: Validates queue draining: processed messages are removed, failing ones remain for the next pass.
// Scope: Unit Test
// Expected: Drain applies messages in enqueue order, returns the processed count, and leaves poisoned entries queued.
// Test Case ID: CLI-08
func TestClient_ApplierDrain(t *testing.T) {
	repo := newFakeRepo()
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	pub := NewQueuePublisher(store)
	applier := NewApplier(repo, store)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, name := range []string{"App One", "App Two"} {
		c := &Client{
			ID:         "drain-" + name[4:],
			TenantID:   "acme",
			Name:       name,
			GrantTypes: []string{GrantClientCredentials},
			Enabled:    true,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
			UpdatedAt:  base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, pub.Publish(ctx, SyncMessage{Op: SyncCreate, ClientID: c.ID, Data: newSyncData(c), Timestamp: c.UpdatedAt}))
	}

	applied, err := applier.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	assert.Empty(t, collectSync(t, store))

	clients, err := repo.List(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, clients, 2)

	t.Run("failing message stays queued", func(t *testing.T) {
		c := &Client{ID: "drain-fail", TenantID: "acme", Name: "Fail App", GrantTypes: []string{GrantClientCredentials}, UpdatedAt: base}
		require.NoError(t, pub.Publish(ctx, SyncMessage{Op: SyncCreate, ClientID: c.ID, Data: newSyncData(c), Timestamp: base}))
		repo.fail = func(op string) error {
			if op == "create" || op == "update_if_newer" {
				return errors.New("replica down")
			}
			return nil
		}

		applied, err := applier.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, applied)
		assert.Len(t, collectSync(t, store), 1)

		repo.fail = nil
		applied, err = applier.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, applied)
		assert.Empty(t, collectSync(t, store))
	})
}
