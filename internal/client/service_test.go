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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meywd/openauth-sub002/internal/resilience"
)

// fakeRepo is a map-backed Repository with an injectable failure hook
type fakeRepo struct {
	mu    sync.Mutex
	byID  map[string]*Client
	calls int
	fail  func(op string) error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{byID: make(map[string]*Client)}
}

func (f *fakeRepo) hook(op string) error {
	f.calls++
	if f.fail != nil {
		return f.fail(op)
	}
	return nil
}

func cloneClient(c *Client) *Client {
	cp := *c
	return &cp
}

func (f *fakeRepo) Create(ctx context.Context, c *Client) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("create"); err != nil {
		return err
	}
	if _, ok := f.byID[c.ID]; ok {
		return ErrClientExists
	}
	for _, other := range f.byID {
		if other.TenantID == c.TenantID && other.Name == c.Name {
			return ErrNameConflict
		}
	}
	f.byID[c.ID] = cloneClient(c)
	return nil
}

func (f *fakeRepo) Get(ctx context.Context, tenantID, id string) (*Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("get"); err != nil {
		return nil, err
	}
	c, ok := f.byID[id]
	if !ok || c.TenantID != tenantID {
		return nil, ErrClientNotFound
	}
	return cloneClient(c), nil
}

func (f *fakeRepo) GetByID(ctx context.Context, id string) (*Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("get_by_id"); err != nil {
		return nil, err
	}
	c, ok := f.byID[id]
	if !ok {
		return nil, ErrClientNotFound
	}
	return cloneClient(c), nil
}

func (f *fakeRepo) Update(ctx context.Context, c *Client) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("update"); err != nil {
		return err
	}
	if _, ok := f.byID[c.ID]; !ok {
		return ErrClientNotFound
	}
	f.byID[c.ID] = cloneClient(c)
	return nil
}

func (f *fakeRepo) UpdateIfNewer(ctx context.Context, c *Client) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("update_if_newer"); err != nil {
		return false, err
	}
	existing, ok := f.byID[c.ID]
	if !ok {
		return false, ErrClientNotFound
	}
	if !c.UpdatedAt.After(existing.UpdatedAt) {
		return false, nil
	}
	f.byID[c.ID] = cloneClient(c)
	return true, nil
}

func (f *fakeRepo) Delete(ctx context.Context, tenantID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("delete"); err != nil {
		return err
	}
	c, ok := f.byID[id]
	if !ok || c.TenantID != tenantID {
		return ErrClientNotFound
	}
	delete(f.byID, id)
	return nil
}

func (f *fakeRepo) List(ctx context.Context, tenantID string) ([]*Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("list"); err != nil {
		return nil, err
	}
	var out []*Client
	for _, c := range f.byID {
		if c.TenantID == tenantID {
			out = append(out, cloneClient(c))
		}
	}
	return out, nil
}

func testBreaker() *resilience.Breaker {
	return resilience.NewBreaker("clients-test", resilience.BreakerConfig{
		FailureThreshold: 0.5,
		MinimumRequests:  3,
		WindowSize:       10,
		Cooldown:         20 * time.Millisecond,
		SuccessThreshold: 2,
	})
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2,
	}
}

func newTestService(repo Repository, opts ...Option) *Service {
	return NewService(repo, testBreaker(), fastRetry(), opts...)
}

// TestPurpose: Validates client creation: one-time plaintext secret, stored hash, grant type defaults, and the full validation matrix.
// Scope: Unit Test
// Security: Plaintext secrets must never be persisted.
// Expected: Valid params yield an enabled client whose stored hash verifies the returned secret; invalid params are rejected before any storage call.
// Test Case ID: CLI-01
func TestClient_Create(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	created, secret, err := svc.Create(ctx, CreateParams{
		TenantID:     "acme",
		Name:         "Web App",
		Scopes:       []string{"openid", "profile"},
		RedirectURIs: []string{"https://app.acme.com/callback"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.Enabled)
	assert.ElementsMatch(t, []string{GrantAuthorizationCode, GrantRefreshToken}, created.GrantTypes)
	assert.NotEmpty(t, secret)
	assert.NotContains(t, created.SecretHash, secret)
	assert.True(t, strings.HasPrefix(created.SecretHash, "$pbkdf2-sha256$"))

	stored, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.SecretHash, stored.SecretHash)

	invalid := []struct {
		name   string
		params CreateParams
	}{
		{"bad name charset", CreateParams{TenantID: "acme", Name: "bad/name"}},
		{"empty name", CreateParams{TenantID: "acme", Name: ""}},
		{"unknown grant", CreateParams{TenantID: "acme", Name: "X App", GrantTypes: []string{"implicit"}}},
		{"bad scope charset", CreateParams{TenantID: "acme", Name: "X App", Scopes: []string{"sp ace"}, GrantTypes: []string{GrantClientCredentials}}},
		{"http redirect on public host", CreateParams{TenantID: "acme", Name: "X App", RedirectURIs: []string{"http://evil.com/cb"}}},
		{"fragment in redirect", CreateParams{TenantID: "acme", Name: "X App", RedirectURIs: []string{"https://a.com/cb#frag"}}},
		{"auth code without redirect", CreateParams{TenantID: "acme", Name: "X App", GrantTypes: []string{GrantAuthorizationCode}}},
		{"metadata not json", CreateParams{TenantID: "acme", Name: "X App", GrantTypes: []string{GrantClientCredentials}, Metadata: json.RawMessage("{")}},
	}
	for _, tc := range invalid {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := svc.Create(ctx, tc.params)
			assert.Error(t, err)
		})
	}

	t.Run("scope count cap", func(t *testing.T) {
		scopes := make([]string, 51)
		for i := range scopes {
			scopes[i] = "s" + strings.Repeat("x", i%5+1)
		}
		err := ValidateScopes(scopes)
		assert.Error(t, err)
	})

	t.Run("redirect count cap", func(t *testing.T) {
		uris := make([]string, 11)
		for i := range uris {
			uris[i] = "https://a.com/cb"
		}
		assert.Error(t, ValidateRedirectURIs(uris))
	})

	t.Run("metadata size cap", func(t *testing.T) {
		big := json.RawMessage(`{"pad":"` + strings.Repeat("x", maxMetadataSize) + `"}`)
		assert.Error(t, ValidateMetadata(big))
	})

	t.Run("localhost http allowed", func(t *testing.T) {
		assert.NoError(t, ValidateRedirectURIs([]string{
			"http://localhost:3000/cb",
			"http://127.0.0.1:8080/cb",
			"https://prod.example.com/cb",
		}))
	})

	t.Run("duplicate name in tenant", func(t *testing.T) {
		_, _, err := svc.Create(ctx, CreateParams{
			TenantID:     "acme",
			Name:         "Web App",
			RedirectURIs: []string{"https://other.acme.com/cb"},
		})
		assert.ErrorIs(t, err, ErrNameConflict)
	})
}

// TestPurpose: Validates credential verification against current and disabled clients.
// Scope: Unit Test
// Security: Unknown clients and wrong secrets must be indistinguishable to callers.
// Expected: Correct secret authenticates; wrong secret and unknown id both fail with invalid credentials; disabled clients are refused.
// Test Case ID: CLI-02
func TestClient_VerifyCredentials(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	created, secret, err := svc.Create(ctx, CreateParams{
		TenantID:     "acme",
		Name:         "Verifier",
		RedirectURIs: []string{"https://a.com/cb"},
	})
	require.NoError(t, err)

	got, err := svc.VerifyCredentials(ctx, created.ID, secret)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = svc.VerifyCredentials(ctx, created.ID, "wrong-secret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.VerifyCredentials(ctx, "no-such-client", secret)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	disabled := false
	_, err = svc.Update(ctx, "acme", created.ID, Update{Enabled: &disabled})
	require.NoError(t, err)
	_, err = svc.VerifyCredentials(ctx, created.ID, secret)
	assert.ErrorIs(t, err, ErrClientDisabled)
}

// TestPurpose: Validates secret rotation: grace acceptance of the previous secret, expiry of the grace window, and one-time return of the new plaintext.
// Scope: Unit Test
// Security: At most one active and one grace secret may verify at any time.
// Expected: Both secrets verify inside the grace window; only the new one after expiry; a second rotation invalidates the oldest secret immediately.
// Test Case ID: CLI-03
func TestClient_RotateSecret(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, WithSecretGrace(24*time.Hour))
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	created, oldSecret, err := svc.Create(ctx, CreateParams{
		TenantID:     "acme",
		Name:         "Rotator",
		RedirectURIs: []string{"https://a.com/cb"},
	})
	require.NoError(t, err)

	rotated, newSecret, err := svc.RotateSecret(ctx, "acme", created.ID)
	require.NoError(t, err)
	assert.NotEqual(t, oldSecret, newSecret)
	require.NotNil(t, rotated.RotatedAt)
	require.NotNil(t, rotated.PreviousSecretExpiresAt)
	assert.Equal(t, base.Add(24*time.Hour), *rotated.PreviousSecretExpiresAt)

	// Inside the grace window both secrets authenticate
	_, err = svc.VerifyCredentials(ctx, created.ID, newSecret)
	assert.NoError(t, err)
	_, err = svc.VerifyCredentials(ctx, created.ID, oldSecret)
	assert.NoError(t, err)

	// Past the grace window only the new secret works
	svc.now = func() time.Time { return base.Add(24*time.Hour + time.Second) }
	_, err = svc.VerifyCredentials(ctx, created.ID, newSecret)
	assert.NoError(t, err)
	_, err = svc.VerifyCredentials(ctx, created.ID, oldSecret)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// A second rotation replaces the grace secret
	_, third, err := svc.RotateSecret(ctx, "acme", created.ID)
	require.NoError(t, err)
	_, err = svc.VerifyCredentials(ctx, created.ID, third)
	assert.NoError(t, err)
	_, err = svc.VerifyCredentials(ctx, created.ID, newSecret)
	assert.NoError(t, err) // now the grace secret
	_, err = svc.VerifyCredentials(ctx, created.ID, oldSecret)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

// TestPurpose: Validates public client handling: no secret issued, secret auth refused, rotation refused, client_credentials grant rejected.
// Scope: Unit Test
// Security: A public client must never acquire a usable secret through any path.
// Expected: Create returns an empty secret and empty hash; VerifyCredentials fails with invalid credentials even for an empty secret; RotateSecret returns ErrClientPublic.
// Test Case ID: CLI-09
func TestClient_PublicClient(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	created, secret, err := svc.Create(ctx, CreateParams{
		TenantID:     "acme",
		Name:         "SPA",
		Public:       true,
		RedirectURIs: []string{"https://spa.acme.com/cb"},
	})
	require.NoError(t, err)
	assert.True(t, created.Public)
	assert.Empty(t, secret)
	assert.Empty(t, created.SecretHash)

	_, err = svc.VerifyCredentials(ctx, created.ID, "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.VerifyCredentials(ctx, created.ID, "guess")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = svc.RotateSecret(ctx, "acme", created.ID)
	assert.ErrorIs(t, err, ErrClientPublic)

	_, _, err = svc.Create(ctx, CreateParams{
		TenantID:   "acme",
		Name:       "Public M2M",
		Public:     true,
		GrantTypes: []string{GrantClientCredentials},
	})
	assert.Error(t, err)
}

// TestPurpose: Validates retry classification around storage calls: transient errors retried with backoff, domain errors surfaced immediately.
// Scope: Unit Test
// Expected: Two transient failures then success completes in three attempts; a name conflict is attempted exactly once and never wrapped.
// Test Case ID: CLI-04
func TestClient_RetryClassification(t *testing.T) {
	ctx := context.Background()

	t.Run("transient retried", func(t *testing.T) {
		repo := newFakeRepo()
		svc := newTestService(repo)
		transient := errors.New("connection reset")
		failures := 0
		repo.fail = func(op string) error {
			if op == "create" && failures < 2 {
				failures++
				return transient
			}
			return nil
		}

		_, _, err := svc.Create(ctx, CreateParams{
			TenantID:     "acme",
			Name:         "Retry App",
			RedirectURIs: []string{"https://a.com/cb"},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, failures)
	})

	t.Run("domain error not retried", func(t *testing.T) {
		repo := newFakeRepo()
		svc := newTestService(repo)
		attempts := 0
		repo.fail = func(op string) error {
			if op == "create" {
				attempts++
				return ErrNameConflict
			}
			return nil
		}

		_, _, err := svc.Create(ctx, CreateParams{
			TenantID:     "acme",
			Name:         "Conflict App",
			RedirectURIs: []string{"https://a.com/cb"},
		})
		assert.ErrorIs(t, err, ErrNameConflict)
		assert.Equal(t, 1, attempts)
	})

	t.Run("exhaustion surfaces last error", func(t *testing.T) {
		repo := newFakeRepo()
		svc := newTestService(repo)
		transient := errors.New("timeout")
		attempts := 0
		repo.fail = func(op string) error {
			attempts++
			return transient
		}

		_, err := svc.GetByID(ctx, "whatever")
		assert.ErrorIs(t, err, transient)
		assert.Equal(t, 3, attempts)
	})
}

// TestPurpose: Validates that sustained storage failures open the circuit and reject fast without touching the repository.
// Scope: Unit Test
// Expected: After the failure window trips, calls fail with ErrCircuitOpen and the repository call count stops increasing.
// Test Case ID: CLI-05
func TestClient_BreakerIntegration(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	boom := errors.New("db down")
	repo.fail = func(op string) error { return boom }

	// Each service call burns up to 3 retry attempts, all failures recorded
	for i := 0; i < 3; i++ {
		_, err := svc.GetByID(ctx, "x")
		require.Error(t, err)
	}
	require.Equal(t, resilience.StateOpen, svc.breaker.State())

	before := repo.calls
	_, err := svc.GetByID(ctx, "x")
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, before, repo.calls)
}

func TestClient_IsTransient(t *testing.T) {
	assert.False(t, IsTransient(ErrClientNotFound))
	assert.False(t, IsTransient(ErrNameConflict))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(errors.New("weird unknown failure")))
}
