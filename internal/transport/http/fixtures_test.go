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

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meywd/openauth-sub002/internal/audit"
	"github.com/meywd/openauth-sub002/internal/client"
	"github.com/meywd/openauth-sub002/internal/crypto"
	"github.com/meywd/openauth-sub002/internal/identity"
	"github.com/meywd/openauth-sub002/internal/oauth2"
	"github.com/meywd/openauth-sub002/internal/oidc"
	"github.com/meywd/openauth-sub002/internal/provider"
	"github.com/meywd/openauth-sub002/internal/rbac"
	"github.com/meywd/openauth-sub002/internal/resilience"
	"github.com/meywd/openauth-sub002/internal/session"
	"github.com/meywd/openauth-sub002/internal/storage"
	"github.com/meywd/openauth-sub002/internal/tenant"
)

const testIssuer = "https://auth.example.test"

// fakeClientRepo is a map-backed client.Repository.
type fakeClientRepo struct {
	mu   sync.Mutex
	byID map[string]*client.Client
}

func newFakeClientRepo() *fakeClientRepo {
	return &fakeClientRepo{byID: make(map[string]*client.Client)}
}

func cloneClient(c *client.Client) *client.Client {
	cp := *c
	return &cp
}

func (f *fakeClientRepo) Create(_ context.Context, c *client.Client) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[c.ID]; ok {
		return client.ErrClientExists
	}
	for _, other := range f.byID {
		if other.TenantID == c.TenantID && other.Name == c.Name {
			return client.ErrNameConflict
		}
	}
	f.byID[c.ID] = cloneClient(c)
	return nil
}

func (f *fakeClientRepo) Get(_ context.Context, tenantID, id string) (*client.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok || c.TenantID != tenantID {
		return nil, client.ErrClientNotFound
	}
	return cloneClient(c), nil
}

func (f *fakeClientRepo) GetByID(_ context.Context, id string) (*client.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return nil, client.ErrClientNotFound
	}
	return cloneClient(c), nil
}

func (f *fakeClientRepo) Update(_ context.Context, c *client.Client) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[c.ID]; !ok {
		return client.ErrClientNotFound
	}
	f.byID[c.ID] = cloneClient(c)
	return nil
}

func (f *fakeClientRepo) UpdateIfNewer(_ context.Context, c *client.Client) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.byID[c.ID]
	if !ok {
		return false, client.ErrClientNotFound
	}
	if !c.UpdatedAt.After(existing.UpdatedAt) {
		return false, nil
	}
	f.byID[c.ID] = cloneClient(c)
	return true, nil
}

func (f *fakeClientRepo) Delete(_ context.Context, tenantID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok || c.TenantID != tenantID {
		return client.ErrClientNotFound
	}
	delete(f.byID, id)
	return nil
}

func (f *fakeClientRepo) List(_ context.Context, tenantID string) ([]*client.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*client.Client
	for _, c := range f.byID {
		if c.TenantID == tenantID {
			out = append(out, cloneClient(c))
		}
	}
	return out, nil
}

// fakeUserRepo is a map-backed identity.Repository.
type fakeUserRepo struct {
	mu          sync.Mutex
	users       map[string]*identity.User
	credentials map[string]*identity.Credentials
	identities  map[string]*identity.UserIdentity
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{
		users:       map[string]*identity.User{},
		credentials: map[string]*identity.Credentials{},
		identities:  map[string]*identity.UserIdentity{},
	}
}

func identKey(tenantID, prov, providerUserID string) string {
	return tenantID + "/" + prov + "/" + providerUserID
}

func (r *fakeUserRepo) Create(_ context.Context, user *identity.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.TenantID == user.TenantID && u.Email == user.Email {
			return identity.ErrEmailTaken
		}
	}
	cp := *user
	r.users[user.ID] = &cp
	return nil
}

func (r *fakeUserRepo) GetByID(_ context.Context, tenantID, id string) (*identity.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok || u.TenantID != tenantID || u.Status == identity.StatusDeleted {
		return nil, identity.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *fakeUserRepo) GetByEmail(_ context.Context, tenantID, email string) (*identity.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.TenantID == tenantID && u.Email == email && u.Status != identity.StatusDeleted {
			cp := *u
			return &cp, nil
		}
	}
	return nil, identity.ErrUserNotFound
}

func (r *fakeUserRepo) Update(_ context.Context, user *identity.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.users[user.ID]
	if !ok || existing.TenantID != user.TenantID || existing.Status == identity.StatusDeleted {
		return identity.ErrUserNotFound
	}
	for _, u := range r.users {
		if u.ID != user.ID && u.TenantID == user.TenantID && u.Email == user.Email {
			return identity.ErrEmailTaken
		}
	}
	cp := *user
	r.users[user.ID] = &cp
	return nil
}

func (r *fakeUserRepo) SetLastLogin(_ context.Context, tenantID, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok || u.TenantID != tenantID || u.Status == identity.StatusDeleted {
		return identity.ErrUserNotFound
	}
	u.LastLoginAt = &at
	return nil
}

func (r *fakeUserRepo) List(_ context.Context, tenantID string, opts identity.ListOptions) ([]*identity.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*identity.User
	for _, u := range r.users {
		if u.TenantID != tenantID {
			continue
		}
		if opts.Status != "" && u.Status != opts.Status {
			continue
		}
		if opts.Status == "" && u.Status == identity.StatusDeleted {
			continue
		}
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakeUserRepo) SetCredentials(_ context.Context, creds *identity.Credentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *creds
	r.credentials[creds.UserID] = &cp
	return nil
}

func (r *fakeUserRepo) GetCredentials(_ context.Context, userID string) (*identity.Credentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	creds, ok := r.credentials[userID]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	cp := *creds
	return &cp, nil
}

func (r *fakeUserRepo) LinkIdentity(_ context.Context, ident *identity.UserIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := identKey(ident.TenantID, ident.Provider, ident.ProviderUserID)
	if _, ok := r.identities[key]; ok {
		return identity.ErrIdentityExists
	}
	cp := *ident
	r.identities[key] = &cp
	return nil
}

func (r *fakeUserRepo) GetIdentity(_ context.Context, tenantID, prov, providerUserID string) (*identity.UserIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ident, ok := r.identities[identKey(tenantID, prov, providerUserID)]
	if !ok {
		return nil, identity.ErrIdentityNotFound
	}
	cp := *ident
	return &cp, nil
}

func (r *fakeUserRepo) UpdateIdentity(_ context.Context, ident *identity.UserIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, existing := range r.identities {
		if existing.ID == ident.ID {
			cp := *ident
			r.identities[key] = &cp
			return nil
		}
	}
	return identity.ErrIdentityNotFound
}

func (r *fakeUserRepo) UnlinkIdentity(_ context.Context, tenantID, prov, providerUserID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := identKey(tenantID, prov, providerUserID)
	if _, ok := r.identities[key]; !ok {
		return identity.ErrIdentityNotFound
	}
	delete(r.identities, key)
	return nil
}

func (r *fakeUserRepo) ListIdentities(_ context.Context, userID string) ([]*identity.UserIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*identity.UserIdentity
	for _, ident := range r.identities {
		if ident.UserID == userID {
			cp := *ident
			out = append(out, &cp)
		}
	}
	return out, nil
}

// fakeRBACRepo is a map-backed rbac.Repository.
type fakeRBACRepo struct {
	mu          sync.Mutex
	roles       map[string]*rbac.Role
	permissions map[string]*rbac.Permission
	grants      map[string]map[string]bool
	assignments map[string]map[string]*rbac.UserRole
}

func newFakeRBACRepo() *fakeRBACRepo {
	return &fakeRBACRepo{
		roles:       map[string]*rbac.Role{},
		permissions: map[string]*rbac.Permission{},
		grants:      map[string]map[string]bool{},
		assignments: map[string]map[string]*rbac.UserRole{},
	}
}

func (r *fakeRBACRepo) CreateRole(_ context.Context, role *rbac.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.roles {
		if existing.TenantID == role.TenantID && existing.Name == role.Name {
			return rbac.ErrRoleAlreadyExists
		}
	}
	cp := *role
	r.roles[role.ID] = &cp
	return nil
}

func (r *fakeRBACRepo) GetRole(_ context.Context, tenantID, roleID string) (*rbac.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.roles[roleID]
	if !ok || role.TenantID != tenantID {
		return nil, rbac.ErrRoleNotFound
	}
	cp := *role
	return &cp, nil
}

func (r *fakeRBACRepo) GetRoleByName(_ context.Context, tenantID, name string) (*rbac.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, role := range r.roles {
		if role.TenantID == tenantID && role.Name == name {
			cp := *role
			return &cp, nil
		}
	}
	return nil, rbac.ErrRoleNotFound
}

func (r *fakeRBACRepo) UpdateRole(_ context.Context, role *rbac.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.roles[role.ID]
	if !ok || existing.TenantID != role.TenantID {
		return rbac.ErrRoleNotFound
	}
	if existing.IsSystemRole {
		return rbac.ErrSystemRoleImmutable
	}
	cp := *role
	r.roles[role.ID] = &cp
	return nil
}

func (r *fakeRBACRepo) DeleteRole(_ context.Context, tenantID, roleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.roles[roleID]
	if !ok || role.TenantID != tenantID {
		return rbac.ErrRoleNotFound
	}
	if role.IsSystemRole {
		return rbac.ErrSystemRoleImmutable
	}
	delete(r.roles, roleID)
	delete(r.grants, roleID)
	for _, byRole := range r.assignments {
		delete(byRole, roleID)
	}
	return nil
}

func (r *fakeRBACRepo) ListRoles(_ context.Context, tenantID string) ([]*rbac.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*rbac.Role
	for _, role := range r.roles {
		if role.TenantID == tenantID {
			cp := *role
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *fakeRBACRepo) CreatePermission(_ context.Context, perm *rbac.Permission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.permissions {
		if existing.ClientID == perm.ClientID && existing.Name == perm.Name {
			return rbac.ErrPermissionExists
		}
	}
	cp := *perm
	r.permissions[perm.ID] = &cp
	return nil
}

func (r *fakeRBACRepo) GetPermission(_ context.Context, id string) (*rbac.Permission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	perm, ok := r.permissions[id]
	if !ok {
		return nil, rbac.ErrPermissionNotFound
	}
	cp := *perm
	return &cp, nil
}

func (r *fakeRBACRepo) DeletePermission(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.permissions[id]; !ok {
		return rbac.ErrPermissionNotFound
	}
	delete(r.permissions, id)
	for _, grants := range r.grants {
		delete(grants, id)
	}
	return nil
}

func (r *fakeRBACRepo) ListPermissions(_ context.Context, clientID string) ([]*rbac.Permission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*rbac.Permission
	for _, perm := range r.permissions {
		if perm.ClientID == clientID {
			cp := *perm
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *fakeRBACRepo) GrantPermission(_ context.Context, grant *rbac.RolePermission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.grants[grant.RoleID] == nil {
		r.grants[grant.RoleID] = map[string]bool{}
	}
	if r.grants[grant.RoleID][grant.PermissionID] {
		return rbac.ErrGrantAlreadyExists
	}
	r.grants[grant.RoleID][grant.PermissionID] = true
	return nil
}

func (r *fakeRBACRepo) RevokePermission(_ context.Context, roleID, permissionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.grants[roleID][permissionID] {
		return rbac.ErrGrantNotFound
	}
	delete(r.grants[roleID], permissionID)
	return nil
}

func (r *fakeRBACRepo) ListRolePermissions(_ context.Context, roleID string) ([]*rbac.Permission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*rbac.Permission
	for permID := range r.grants[roleID] {
		if perm, ok := r.permissions[permID]; ok {
			cp := *perm
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *fakeRBACRepo) AssignRole(_ context.Context, assignment *rbac.UserRole) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.assignments[assignment.UserID] == nil {
		r.assignments[assignment.UserID] = map[string]*rbac.UserRole{}
	}
	if _, ok := r.assignments[assignment.UserID][assignment.RoleID]; ok {
		return rbac.ErrAssignmentExists
	}
	cp := *assignment
	r.assignments[assignment.UserID][assignment.RoleID] = &cp
	return nil
}

func (r *fakeRBACRepo) RevokeRole(_ context.Context, userID, roleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.assignments[userID][roleID]; !ok {
		return rbac.ErrAssignmentNotFound
	}
	delete(r.assignments[userID], roleID)
	return nil
}

func (r *fakeRBACRepo) ListUserRoles(_ context.Context, tenantID, userID string) ([]*rbac.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var out []*rbac.Role
	for roleID, a := range r.assignments[userID] {
		if a.TenantID != tenantID || a.Expired(now) {
			continue
		}
		if role, ok := r.roles[roleID]; ok && role.TenantID == tenantID {
			cp := *role
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *fakeRBACRepo) ListUserAssignments(_ context.Context, tenantID, userID string) ([]*rbac.UserRole, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*rbac.UserRole
	for _, a := range r.assignments[userID] {
		if a.TenantID == tenantID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeRBACRepo) ListUserPermissions(_ context.Context, tenantID, userID, clientID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	seen := map[string]bool{}
	var out []string
	for roleID, a := range r.assignments[userID] {
		if a.TenantID != tenantID || a.Expired(now) {
			continue
		}
		role, ok := r.roles[roleID]
		if !ok || role.TenantID != tenantID {
			continue
		}
		for permID := range r.grants[roleID] {
			perm, ok := r.permissions[permID]
			if !ok || perm.ClientID != clientID || seen[perm.Name] {
				continue
			}
			seen[perm.Name] = true
			out = append(out, perm.Name)
		}
	}
	return out, nil
}

// captureSender stores verification codes instead of mailing them.
type captureSender struct {
	mu    sync.Mutex
	codes map[string]string
}

func (s *captureSender) SendCode(_ context.Context, _, email, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[email] = code
	return nil
}

func (s *captureSender) code(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes[email]
}

// testRig is the whole HTTP stack on in-memory storage: real services over
// fake repositories, served through httptest. The default tenant allows
// public registration without email verification; the acme tenant requires
// verification.
type testRig struct {
	srv      *httptest.Server
	store    *storage.Memory
	tenants  *tenant.Service
	clients  *client.Service
	users    *identity.Service
	sessions *session.Service
	rbac     *rbac.Service
	registry *provider.Registry
	engine   *oauth2.Service
	codec    *session.CookieCodec
	sender   *captureSender
	audits   *audit.Store
	userRepo *fakeUserRepo
}

func newRig(t testing.TB) *testRig {
	return newRigWith(t, nil)
}

// newRigWith builds the rig, letting a test adjust the handler wiring
// before the router is assembled.
func newRigWith(t testing.TB, tune func(deps *Deps, cfg *Config)) *testRig {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })

	aead, err := crypto.NewAEAD(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)
	keyring, err := oidc.NewKeyring(ctx, store, aead, oidc.AlgRS256)
	require.NoError(t, err)

	tenants := tenant.NewService(store)
	open := tenant.DefaultSettings()
	open.AllowPublicRegistration = true
	_, err = tenants.Create(ctx, tenant.CreateParams{
		ID: tenant.DefaultTenantID, Name: "Default", Settings: &open,
	})
	require.NoError(t, err)

	verified := open
	verified.RequireEmailVerification = true
	_, err = tenants.Create(ctx, tenant.CreateParams{
		ID: "acme", Name: "Acme Corp", Settings: &verified,
	})
	require.NoError(t, err)

	sessions := session.NewService(store, session.Config{
		Lifetime:      168 * time.Hour,
		SlidingWindow: 24 * time.Hour,
		MaxAccounts:   3,
	})
	codec, err := session.NewCookieCodec(session.CookieConfig{
		Secret: bytes.Repeat([]byte{0x24}, 32),
		MaxAge: 168 * time.Hour,
	})
	require.NoError(t, err)

	clientRepo := newFakeClientRepo()
	clients := client.NewService(clientRepo,
		resilience.NewBreaker("clients-test", resilience.BreakerConfig{
			FailureThreshold: 0.5,
			MinimumRequests:  3,
			WindowSize:       10,
			Cooldown:         20 * time.Millisecond,
			SuccessThreshold: 2,
		}),
		resilience.RetryConfig{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   2,
		})

	userRepo := newFakeUserRepo()
	users := identity.NewService(userRepo, sessions, nil)
	rbacSvc := rbac.NewService(newFakeRBACRepo(), nil, time.Minute)

	sender := &captureSender{codes: map[string]string{}}
	registry := provider.NewRegistry(ctx, store, aead, identity.ProviderAccounts{Users: users}, sender,
		func(ctx context.Context, tenantID string) (provider.Settings, error) {
			tn, err := tenants.Get(ctx, tenantID)
			if err != nil {
				return provider.Settings{}, err
			}
			return provider.Settings{
				AllowPublicRegistration:  tn.Settings.AllowPublicRegistration,
				RequireEmailVerification: tn.Settings.RequireEmailVerification,
			}, nil
		},
		provider.Config{CacheTTL: time.Minute})

	audits := audit.NewStore(store, "test-1")
	engine := oauth2.NewService(store, keyring, clients, rbacSvc, sessions, audit.NewRecorder(audits, nil), oauth2.Config{
		Issuer:        testIssuer,
		Introspection: true,
		Revocation:    true,
	})

	bearer, err := NewBearer(ctx, BearerConfig{Issuer: testIssuer, Keyfunc: keyring.Keyfunc})
	require.NoError(t, err)

	deps := Deps{
		Tenants:   tenants,
		Resolver:  tenant.NewResolver(tenants, store, "auth.example.test"),
		Clients:   clients,
		Providers: registry,
		Users:     users,
		Sessions:  sessions,
		RBAC:      rbacSvc,
		Engine:    engine,
		Keyring:   keyring,
		Cookies:   codec,
		Audit:     audits,
		Bearer:    bearer,
	}
	cfg := Config{
		Issuer:        testIssuer,
		Introspection: true,
		Revocation:    true,
		AccountTTL:    30 * 24 * time.Hour,
	}
	if tune != nil {
		tune(&deps, &cfg)
	}

	srv := httptest.NewServer(NewRouter(NewHandler(deps, cfg)))
	t.Cleanup(srv.Close)

	return &testRig{
		srv:      srv,
		store:    store,
		tenants:  tenants,
		clients:  clients,
		users:    users,
		sessions: sessions,
		rbac:     rbacSvc,
		registry: registry,
		engine:   engine,
		codec:    codec,
		sender:   sender,
		audits:   audits,
		userRepo: userRepo,
	}
}

func (rig *testRig) seedClient(t testing.TB, p client.CreateParams) (*client.Client, string) {
	t.Helper()
	if p.TenantID == "" {
		p.TenantID = tenant.DefaultTenantID
	}
	c, secret, err := rig.clients.Create(context.Background(), p)
	require.NoError(t, err)
	return c, secret
}

func (rig *testRig) seedWebClient(t testing.TB) (*client.Client, string) {
	return rig.seedClient(t, client.CreateParams{
		Name:         "Web App",
		GrantTypes:   []string{client.GrantAuthorizationCode, client.GrantRefreshToken},
		Scopes:       []string{"openid", "profile", "email"},
		RedirectURIs: []string{"https://app.example.test/cb"},
	})
}

func (rig *testRig) seedAdminClient(t testing.TB) (*client.Client, string) {
	return rig.seedClient(t, client.CreateParams{
		Name:       "Ops Automation",
		GrantTypes: []string{client.GrantClientCredentials},
		Scopes:     []string{"admin:read", "admin:write"},
	})
}

func (rig *testRig) seedPasswordProvider(t testing.TB, tenantID string) {
	t.Helper()
	_, err := rig.registry.Create(context.Background(), tenantID, provider.UpsertInput{
		Name: "password",
		Type: provider.TypePassword,
	})
	require.NoError(t, err)
}

// browser returns a cookie-carrying HTTP client that stops at redirects so
// tests can read Location headers.
func (rig *testRig) browser(t testing.TB) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (rig *testRig) do(t testing.TB, c *http.Client, req *http.Request) *http.Response {
	t.Helper()
	if c == nil {
		c = rig.srv.Client()
	}
	resp, err := c.Do(req)
	require.NoError(t, err)
	return resp
}

func (rig *testRig) get(t testing.TB, c *http.Client, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rig.srv.URL+path, nil)
	require.NoError(t, err)
	return rig.do(t, c, req)
}

func (rig *testRig) postForm(t testing.TB, c *http.Client, path string, form url.Values) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, rig.srv.URL+path, bytes.NewReader([]byte(form.Encode())))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return rig.do(t, c, req)
}

// jsonReq sends a JSON request through the given client, carrying its
// cookies.
func (rig *testRig) jsonReq(t testing.TB, c *http.Client, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(blob)
	}
	req, err := http.NewRequest(method, rig.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return rig.do(t, c, req)
}

// bearerReq sends a bearer-authenticated request with an optional JSON body.
func (rig *testRig) bearerReq(t testing.TB, token, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(blob)
	}
	req, err := http.NewRequest(method, rig.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return rig.do(t, nil, req)
}

// readJSON closes the body and decodes it into a generic map.
func readJSON(t testing.TB, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// tokenExchange posts to the token endpoint and returns status plus decoded
// body.
func (rig *testRig) tokenExchange(t testing.TB, form url.Values) (int, map[string]any) {
	t.Helper()
	resp := rig.postForm(t, nil, "/token", form)
	status := resp.StatusCode
	return status, readJSON(t, resp)
}

// clientCredentialsToken mints an access token by driving the token
// endpoint with the client credentials grant.
func (rig *testRig) clientCredentialsToken(t testing.TB, clientID, secret string) string {
	t.Helper()
	status, body := rig.tokenExchange(t, url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {clientID},
		"client_secret": {secret},
	})
	require.Equal(t, http.StatusOK, status)
	token, _ := body["access_token"].(string)
	require.NotEmpty(t, token)
	return token
}

// adminToken seeds an admin M2M client and mints a token for it.
func (rig *testRig) adminToken(t testing.TB) string {
	t.Helper()
	c, secret := rig.seedAdminClient(t)
	return rig.clientCredentialsToken(t, c.ID, secret)
}

// beginAuthorize drives GET /authorize for an anonymous browser and returns
// the parked request id from the hosted login payload.
func (rig *testRig) beginAuthorize(t testing.TB, c *http.Client, clientID, redirectURI, state string) string {
	t.Helper()
	q := url.Values{
		"client_id":     {clientID},
		"redirect_uri":  {redirectURI},
		"response_type": {"code"},
		"scope":         {"openid profile"},
		"state":         {state},
	}
	resp := rig.get(t, c, "/authorize?"+q.Encode())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := readJSON(t, resp)
	requestID, _ := body["request_id"].(string)
	require.NotEmpty(t, requestID)
	return requestID
}

// registerAndAuthorize runs the hosted password signup end to end on the
// default tenant and returns the authorization code sent to the client.
func (rig *testRig) registerAndAuthorize(t testing.TB, c *http.Client, clientID, redirectURI, email, password string) string {
	t.Helper()
	requestID := rig.beginAuthorize(t, c, clientID, redirectURI, "st-"+email)
	resp := rig.postForm(t, c, "/password/register", url.Values{
		"request_id": {requestID},
		"email":      {email},
		"password":   {password},
		"repeat":     {password},
	})
	defer drain(resp)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}
