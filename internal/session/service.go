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

package session

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/meywd/openauth-sub002/internal/id"
	"github.com/meywd/openauth-sub002/internal/observability/logger"
	"github.com/meywd/openauth-sub002/internal/storage"
)

// Defaults applied by NewService when the corresponding Config field is zero.
const (
	DefaultLifetime      = 7 * 24 * time.Hour
	DefaultSlidingWindow = 24 * time.Hour
	DefaultMaxAccounts   = 3
)

const (
	lockStripes = 64
	// mutateAttempts bounds how often a mutation refetches after losing a
	// version race before giving up with ErrVersionConflict.
	mutateAttempts = 3
)

// Config tunes the session engine.
type Config struct {
	// Lifetime is the sliding browser-session lifetime.
	Lifetime time.Duration
	// SlidingWindow is how stale LastActivity may get before a request
	// refreshes it (and the cookie).
	SlidingWindow time.Duration
	// MaxAccounts caps concurrent accounts per browser session. Adding
	// beyond the cap evicts the least recently authenticated account.
	MaxAccounts int
}

// Service is the session engine. All state lives in tenant-scoped KV;
// per-session striped locks serialize in-process mutations, and a version
// check before each commit catches writers in other processes.
type Service struct {
	store storage.Adapter
	cfg   Config
	locks [lockStripes]sync.Mutex

	now func() time.Time
}

// NewService wires the engine over the shared storage adapter.
func NewService(store storage.Adapter, cfg Config) *Service {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.SlidingWindow <= 0 {
		cfg.SlidingWindow = DefaultSlidingWindow
	}
	if cfg.MaxAccounts == 0 {
		cfg.MaxAccounts = DefaultMaxAccounts
	}
	return &Service{store: store, cfg: cfg, now: time.Now}
}

// AddAccountParams carries everything a successful provider login binds to
// the browser session.
type AddAccountParams struct {
	UserID            string
	SubjectType       string
	SubjectProperties map[string]any
	RefreshToken      string
	ClientID          string
	// TTL bounds the account session, usually the refresh token lifetime.
	TTL time.Duration
}

func sessionKey(sid string) storage.Key            { return storage.Key{"session", sid} }
func accountKey(sid, userID string) storage.Key    { return storage.Key{"account", sid, userID} }
func accountPrefix(sid string) storage.Key         { return storage.Key{"account", sid} }
func userIndexKey(userID, sid string) storage.Key  { return storage.Key{"user_sessions", userID, sid} }
func userIndexPrefix(userID string) storage.Key    { return storage.Key{"user_sessions", userID} }

// userSessionRef is the value stored under the revocation index.
type userSessionRef struct {
	AccountID string `json:"account_id"`
}

func (s *Service) stripe(sid string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sid))
	return &s.locks[h.Sum32()%lockStripes]
}

// Create starts a new browser session. The ID is a 256-bit opaque token; it
// only ever travels inside the encrypted cookie.
func (s *Service) Create(ctx context.Context, tenantID, userAgent, ipAddress string) (*BrowserSession, error) {
	now := s.now()
	sess := &BrowserSession{
		ID:           id.NewToken(),
		TenantID:     tenantID,
		Version:      1,
		UserAgent:    userAgent,
		IPAddress:    ipAddress,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(s.cfg.Lifetime),
	}
	store := storage.ForTenant(s.store, tenantID)
	if err := storage.SetJSON(ctx, store, sessionKey(sess.ID), sess, s.cfg.Lifetime); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get loads a live browser session.
func (s *Service) Get(ctx context.Context, tenantID, sessionID string) (*BrowserSession, error) {
	return s.load(ctx, storage.ForTenant(s.store, tenantID), sessionID)
}

// Touch refreshes the sliding window when LastActivity is older than the
// configured window. It reports whether the session record changed, in which
// case the caller re-issues the cookie carrying the new version.
func (s *Service) Touch(ctx context.Context, tenantID, sessionID string) (*BrowserSession, bool, error) {
	sess, err := s.load(ctx, storage.ForTenant(s.store, tenantID), sessionID)
	if err != nil {
		return nil, false, err
	}
	if s.now().Sub(sess.LastActivity) < s.cfg.SlidingWindow {
		return sess, false, nil
	}
	sess, err = s.mutate(ctx, tenantID, sessionID, func(storage.Adapter, *BrowserSession) error {
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// AddAccount binds an authenticated user to the browser session and makes it
// the active account. Re-authenticating a user already in the session updates
// that account in place. When the session is full the least recently
// authenticated account is evicted to make room.
func (s *Service) AddAccount(ctx context.Context, tenantID, sessionID string, p AddAccountParams) (*AccountSession, error) {
	if p.TTL <= 0 {
		p.TTL = s.cfg.Lifetime
	}
	var account *AccountSession
	_, err := s.mutate(ctx, tenantID, sessionID, func(store storage.Adapter, sess *BrowserSession) error {
		now := s.now()
		accounts, err := s.accounts(ctx, store, sessionID)
		if err != nil {
			return err
		}

		account = findAccount(accounts, p.UserID)
		if account == nil && s.cfg.MaxAccounts > 0 && len(accounts) >= s.cfg.MaxAccounts {
			evict := accounts[len(accounts)-1] // sorted newest-first, so last is least recent
			if evict == nil {
				return ErrMaxAccountsExceeded
			}
			if err := store.Remove(ctx, accountKey(sessionID, evict.UserID)); err != nil {
				return err
			}
			if err := store.Remove(ctx, userIndexKey(evict.UserID, sessionID)); err != nil {
				return err
			}
			slog.DebugContext(ctx, "evicted least recently authenticated account",
				logger.TenantID(tenantID),
				logger.UserID(evict.UserID),
			)
			accounts = accounts[:len(accounts)-1]
			if sess.ActiveUserID == evict.UserID {
				sess.ActiveUserID = ""
			}
		}

		if account != nil {
			account.SubjectType = p.SubjectType
			account.SubjectProperties = p.SubjectProperties
			account.RefreshToken = p.RefreshToken
			account.ClientID = p.ClientID
			account.AuthenticatedAt = now
			account.ExpiresAt = now.Add(p.TTL)
		} else {
			account = &AccountSession{
				ID:                id.NewUUIDv7(),
				BrowserSessionID:  sessionID,
				UserID:            p.UserID,
				SubjectType:       p.SubjectType,
				SubjectProperties: p.SubjectProperties,
				RefreshToken:      p.RefreshToken,
				ClientID:          p.ClientID,
				AuthenticatedAt:   now,
				ExpiresAt:         now.Add(p.TTL),
			}
		}
		account.IsActive = true

		if prev := findAccount(accounts, sess.ActiveUserID); prev != nil && prev.UserID != p.UserID {
			prev.IsActive = false
			if err := s.putAccount(ctx, store, prev); err != nil {
				return err
			}
		}
		if err := s.putAccount(ctx, store, account); err != nil {
			return err
		}
		ref := userSessionRef{AccountID: account.ID}
		if err := storage.SetJSON(ctx, store, userIndexKey(p.UserID, sessionID), ref, p.TTL); err != nil {
			return err
		}
		sess.ActiveUserID = p.UserID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// SwitchActive makes the given user's account the active one.
func (s *Service) SwitchActive(ctx context.Context, tenantID, sessionID, userID string) (*AccountSession, error) {
	var target *AccountSession
	_, err := s.mutate(ctx, tenantID, sessionID, func(store storage.Adapter, sess *BrowserSession) error {
		accounts, err := s.accounts(ctx, store, sessionID)
		if err != nil {
			return err
		}
		target = findAccount(accounts, userID)
		if target == nil {
			return ErrAccountNotFound
		}
		for _, a := range accounts {
			want := a.UserID == userID
			if a.IsActive == want {
				continue
			}
			a.IsActive = want
			if err := s.putAccount(ctx, store, a); err != nil {
				return err
			}
		}
		sess.ActiveUserID = userID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return target, nil
}

// ListAccounts returns the session's live accounts, most recently
// authenticated first.
func (s *Service) ListAccounts(ctx context.Context, tenantID, sessionID string) ([]*AccountSession, error) {
	store := storage.ForTenant(s.store, tenantID)
	if _, err := s.load(ctx, store, sessionID); err != nil {
		return nil, err
	}
	return s.accounts(ctx, store, sessionID)
}

// ActiveAccount returns the session's active account, or ErrAccountNotFound
// when the session holds none.
func (s *Service) ActiveAccount(ctx context.Context, tenantID, sessionID string) (*AccountSession, error) {
	store := storage.ForTenant(s.store, tenantID)
	sess, err := s.load(ctx, store, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.ActiveUserID == "" {
		return nil, ErrAccountNotFound
	}
	account, err := storage.GetJSON[AccountSession](ctx, store, accountKey(sessionID, sess.ActiveUserID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	if account.Expired(s.now()) {
		return nil, ErrAccountNotFound
	}
	return account, nil
}

// RemoveAccount logs one user out of the browser session and returns the
// removed account so the caller can revoke its refresh-token family. When the
// active account is removed, the most recently authenticated survivor becomes
// active.
func (s *Service) RemoveAccount(ctx context.Context, tenantID, sessionID, userID string) (*AccountSession, error) {
	var removed *AccountSession
	_, err := s.mutate(ctx, tenantID, sessionID, func(store storage.Adapter, sess *BrowserSession) error {
		accounts, err := s.accounts(ctx, store, sessionID)
		if err != nil {
			return err
		}
		var rest []*AccountSession
		removed = nil
		for _, a := range accounts {
			if a.UserID == userID {
				removed = a
				continue
			}
			rest = append(rest, a)
		}
		if removed == nil {
			return ErrAccountNotFound
		}
		if err := store.Remove(ctx, accountKey(sessionID, userID)); err != nil {
			return err
		}
		if err := store.Remove(ctx, userIndexKey(userID, sessionID)); err != nil {
			return err
		}
		if sess.ActiveUserID == userID {
			sess.ActiveUserID = ""
			if len(rest) > 0 {
				next := rest[0]
				next.IsActive = true
				if err := s.putAccount(ctx, store, next); err != nil {
					return err
				}
				sess.ActiveUserID = next.UserID
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// RemoveAllAccounts logs every account out of the browser session. The
// session itself survives, empty. The removed accounts are returned for
// token-family revocation.
func (s *Service) RemoveAllAccounts(ctx context.Context, tenantID, sessionID string) ([]*AccountSession, error) {
	var removed []*AccountSession
	_, err := s.mutate(ctx, tenantID, sessionID, func(store storage.Adapter, sess *BrowserSession) error {
		accounts, err := s.accounts(ctx, store, sessionID)
		if err != nil {
			return err
		}
		for _, a := range accounts {
			if err := store.Remove(ctx, accountKey(sessionID, a.UserID)); err != nil {
				return err
			}
			if err := store.Remove(ctx, userIndexKey(a.UserID, sessionID)); err != nil {
				return err
			}
		}
		removed = accounts
		sess.ActiveUserID = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// RevokeUserSessions removes the user's account sessions from every browser
// session in the tenant and returns how many were removed. Suspending a user
// goes through here.
func (s *Service) RevokeUserSessions(ctx context.Context, tenantID, userID string) (int, error) {
	store := storage.ForTenant(s.store, tenantID)
	var sids []string
	err := store.Scan(ctx, userIndexPrefix(userID), func(key storage.Key, _ []byte) error {
		if len(key) == 3 {
			sids = append(sids, key[2])
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, sid := range sids {
		_, err := s.RemoveAccount(ctx, tenantID, sid, userID)
		switch {
		case err == nil:
			count++
		case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionExpired), errors.Is(err, ErrAccountNotFound):
			// The session outran its index entry; drop the stale marker.
			_ = store.Remove(ctx, userIndexKey(userID, sid))
		default:
			return count, err
		}
	}
	if count > 0 {
		slog.InfoContext(ctx, "revoked user sessions",
			logger.TenantID(tenantID),
			logger.UserID(userID),
			logger.Count(count),
		)
	}
	return count, nil
}

// Revoke deletes one browser session outright, accounts included.
func (s *Service) Revoke(ctx context.Context, tenantID, sessionID string) error {
	mu := s.stripe(sessionID)
	mu.Lock()
	defer mu.Unlock()

	store := storage.ForTenant(s.store, tenantID)
	if _, err := storage.GetJSON[BrowserSession](ctx, store, sessionKey(sessionID)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	accounts, err := s.accounts(ctx, store, sessionID)
	if err != nil {
		return err
	}
	for _, a := range accounts {
		if err := store.Remove(ctx, accountKey(sessionID, a.UserID)); err != nil {
			return err
		}
		if err := store.Remove(ctx, userIndexKey(a.UserID, sessionID)); err != nil {
			return err
		}
	}
	return store.Remove(ctx, sessionKey(sessionID))
}

// ReplaceRefreshToken swaps the rotated refresh token into whichever account
// session holds the consumed one. Rotation outside any browser session (M2M
// or direct grants) matches nothing, which is fine.
func (s *Service) ReplaceRefreshToken(ctx context.Context, tenantID, userID, oldToken, newToken string) error {
	store := storage.ForTenant(s.store, tenantID)
	var sids []string
	err := store.Scan(ctx, userIndexPrefix(userID), func(key storage.Key, _ []byte) error {
		if len(key) == 3 {
			sids = append(sids, key[2])
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, sid := range sids {
		mu := s.stripe(sid)
		mu.Lock()
		account, err := storage.GetJSON[AccountSession](ctx, store, accountKey(sid, userID))
		if err != nil || account.RefreshToken != oldToken {
			mu.Unlock()
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			continue
		}
		account.RefreshToken = newToken
		err = s.putAccount(ctx, store, account)
		mu.Unlock()
		return err
	}
	return nil
}

// bufferedWrites queues Set and Remove until flush so a mutation's account
// writes only land once the session version check has passed. Reads pass
// through; no session operation re-reads a key it wrote in the same mutation.
type bufferedWrites struct {
	storage.Adapter
	ops []func(ctx context.Context) error
}

func (b *bufferedWrites) Set(_ context.Context, key storage.Key, value []byte, ttl time.Duration) error {
	b.ops = append(b.ops, func(ctx context.Context) error {
		return b.Adapter.Set(ctx, key, value, ttl)
	})
	return nil
}

func (b *bufferedWrites) Remove(_ context.Context, key storage.Key) error {
	b.ops = append(b.ops, func(ctx context.Context) error {
		return b.Adapter.Remove(ctx, key)
	})
	return nil
}

func (b *bufferedWrites) flush(ctx context.Context) error {
	for _, op := range b.ops {
		if err := op(ctx); err != nil {
			return err
		}
	}
	return nil
}

// mutate runs fn against a freshly loaded session under the session's stripe
// lock, then commits with the version bumped and the sliding expiry advanced.
// fn reads and writes account records through store; the writes are buffered
// and only flushed after the commit-time version check. When a writer in
// another process advances the version between load and commit, fn is rerun
// against the fresh state. After mutateAttempts lost races the operation
// fails with ErrVersionConflict.
func (s *Service) mutate(ctx context.Context, tenantID, sessionID string, fn func(store storage.Adapter, sess *BrowserSession) error) (*BrowserSession, error) {
	mu := s.stripe(sessionID)
	mu.Lock()
	defer mu.Unlock()

	store := storage.ForTenant(s.store, tenantID)
	for attempt := 0; attempt < mutateAttempts; attempt++ {
		sess, err := s.load(ctx, store, sessionID)
		if err != nil {
			return nil, err
		}
		loaded := sess.Version

		buf := &bufferedWrites{Adapter: store}
		if err := fn(buf, sess); err != nil {
			return nil, err
		}

		current, err := storage.GetJSON[BrowserSession](ctx, store, sessionKey(sessionID))
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		if err != nil {
			return nil, err
		}
		if current.Version != loaded {
			continue
		}

		if err := buf.flush(ctx); err != nil {
			return nil, err
		}
		now := s.now()
		sess.Version = loaded + 1
		sess.LastActivity = now
		sess.ExpiresAt = now.Add(s.cfg.Lifetime)
		if err := storage.SetJSON(ctx, store, sessionKey(sessionID), sess, s.cfg.Lifetime); err != nil {
			return nil, err
		}
		return sess, nil
	}
	return nil, ErrVersionConflict
}

func (s *Service) load(ctx context.Context, store storage.Adapter, sessionID string) (*BrowserSession, error) {
	sess, err := storage.GetJSON[BrowserSession](ctx, store, sessionKey(sessionID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if sess.Expired(s.now()) {
		return nil, ErrSessionExpired
	}
	return sess, nil
}

// accounts returns the session's live accounts sorted most recently
// authenticated first.
func (s *Service) accounts(ctx context.Context, store storage.Adapter, sessionID string) ([]*AccountSession, error) {
	now := s.now()
	var out []*AccountSession
	err := store.Scan(ctx, accountPrefix(sessionID), func(_ storage.Key, value []byte) error {
		var a AccountSession
		if err := storage.Unmarshal(value, &a); err != nil {
			return err
		}
		if a.Expired(now) {
			return nil
		}
		out = append(out, &a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AuthenticatedAt.After(out[j].AuthenticatedAt)
	})
	return out, nil
}

func (s *Service) putAccount(ctx context.Context, store storage.Adapter, a *AccountSession) error {
	ttl := a.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	return storage.SetJSON(ctx, store, accountKey(a.BrowserSessionID, a.UserID), a, ttl)
}

func findAccount(accounts []*AccountSession, userID string) *AccountSession {
	if userID == "" {
		return nil
	}
	for _, a := range accounts {
		if a.UserID == userID {
			return a
		}
	}
	return nil
}
