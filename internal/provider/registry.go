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

package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/meywd/openauth-sub002/internal/cache"
	"github.com/meywd/openauth-sub002/internal/crypto"
	"github.com/meywd/openauth-sub002/internal/storage"
)

// Cache defaults for materialized provider instances.
const (
	DefaultCacheTTL     = 60 * time.Second
	DefaultCacheMaxSize = 500
)

// Config tunes the registry. Region and Domain feed the {region} and
// {domain} endpoint template placeholders.
type Config struct {
	Region       string
	Domain       string
	CacheTTL     time.Duration
	CacheMaxSize int
	// HTTPClient is used for token, userinfo, and JWKS requests. Defaults
	// to a client with a 10 s timeout.
	HTTPClient *http.Client
}

// Settings are the tenant policy knobs the local flows honor.
type Settings struct {
	AllowPublicRegistration  bool
	RequireEmailVerification bool
}

// SettingsFunc resolves per-tenant policy for the local flows. A nil func
// behaves as all-false settings.
type SettingsFunc func(ctx context.Context, tenantID string) (Settings, error)

// Instance is a materialized provider: the stored record joined with its
// catalog entry, decrypted client secret, interpolated endpoints, and a
// ready-to-run flow.
type Instance struct {
	Record       *Record
	Type         TypeInfo
	ClientSecret string
	Endpoints    Endpoints
	Flow         Flow
}

// Scopes returns the record's scopes, falling back to the catalog defaults.
func (i *Instance) Scopes() []string {
	if len(i.Record.Scopes) > 0 {
		return i.Record.Scopes
	}
	return i.Type.DefaultScopes
}

// Registry stores provider records in tenant-scoped KV, encrypts their
// secrets at rest, and hands out cached materialized instances to the
// authorization flow.
type Registry struct {
	store    storage.Adapter
	aead     *crypto.AEAD
	cache    *cache.Cache[*Instance]
	accounts Accounts
	sender   Sender
	settings SettingsFunc
	client   *http.Client
	cfg      Config

	jwks     *jwk.Cache
	jwksMu   sync.Mutex
	jwksURLs map[string]bool

	now func() time.Time
}

// NewRegistry wires the registry. ctx owns the background JWKS refresher;
// cancel it on shutdown. accounts backs the local flows and may be nil when
// only upstream providers are configured; sender defaults to LogSender.
func NewRegistry(ctx context.Context, store storage.Adapter, aead *crypto.AEAD, accounts Accounts, sender Sender, settings SettingsFunc, cfg Config) *Registry {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.CacheMaxSize <= 0 {
		cfg.CacheMaxSize = DefaultCacheMaxSize
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if sender == nil {
		sender = LogSender{}
	}
	return &Registry{
		store:    store,
		aead:     aead,
		cache:    cache.New[*Instance](cfg.CacheTTL, cfg.CacheMaxSize),
		accounts: accounts,
		sender:   sender,
		settings: settings,
		client:   cfg.HTTPClient,
		cfg:      cfg,
		jwks:     jwk.NewCache(ctx),
		jwksURLs: make(map[string]bool),
		now:      time.Now,
	}
}

// keySet returns the cached JWKS for url, registering it with the refresher
// on first use so startup never blocks on upstream fetches.
func (r *Registry) keySet(ctx context.Context, url string) (jwk.Set, error) {
	r.jwksMu.Lock()
	if !r.jwksURLs[url] {
		if err := r.jwks.Register(url, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
			r.jwksMu.Unlock()
			return nil, fmt.Errorf("register jwks %s: %w", url, err)
		}
		r.jwksURLs[url] = true
	}
	r.jwksMu.Unlock()
	return r.jwks.Get(ctx, url)
}

func providerKey(name string) storage.Key { return storage.Key{"provider", name} }

func cacheKey(tenantID, name string) string { return "provider:" + tenantID + ":" + name }

// UpsertInput carries the caller-supplied fields of a provider record. On
// update a zero field keeps the stored value; ClientSecret in particular is
// only re-encrypted when non-empty.
type UpsertInput struct {
	Name         string
	Type         string
	DisplayName  string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Config       map[string]string
	Enabled      *bool
}

// Create stores a new provider record with its secret encrypted.
func (r *Registry) Create(ctx context.Context, tenantID string, in UpsertInput) (*Record, error) {
	if !validName(in.Name) {
		return nil, fmt.Errorf("%w: name must match %s", ErrInvalidProvider, nameRe)
	}
	ti, ok := TypeByName(in.Type)
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidProvider, in.Type)
	}
	store := storage.ForTenant(r.store, tenantID)
	if _, err := store.Get(ctx, providerKey(in.Name)); err == nil {
		return nil, ErrProviderExists
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	now := r.now()
	rec := &Record{
		TenantID:    tenantID,
		Name:        in.Name,
		Type:        in.Type,
		DisplayName: in.DisplayName,
		ClientID:    in.ClientID,
		Scopes:      in.Scopes,
		Config:      in.Config,
		Enabled:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if rec.DisplayName == "" {
		rec.DisplayName = ti.DisplayName
	}
	if in.Enabled != nil {
		rec.Enabled = *in.Enabled
	}
	if in.ClientSecret != "" {
		if err := r.sealSecret(rec, in.ClientSecret); err != nil {
			return nil, err
		}
	}
	if err := r.validate(rec, ti); err != nil {
		return nil, err
	}
	if err := storage.SetJSON(ctx, store, providerKey(rec.Name), rec, 0); err != nil {
		return nil, err
	}
	r.cache.Delete(cacheKey(tenantID, rec.Name))
	return rec, nil
}

// Update applies partial changes to an existing record and invalidates the
// cached instance.
func (r *Registry) Update(ctx context.Context, tenantID, name string, in UpsertInput) (*Record, error) {
	store := storage.ForTenant(r.store, tenantID)
	rec, err := storage.GetJSON[Record](ctx, store, providerKey(name))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}
	if in.Type != "" && in.Type != rec.Type {
		if _, ok := TypeByName(in.Type); !ok {
			return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidProvider, in.Type)
		}
		rec.Type = in.Type
	}
	if in.DisplayName != "" {
		rec.DisplayName = in.DisplayName
	}
	if in.ClientID != "" {
		rec.ClientID = in.ClientID
	}
	if in.Scopes != nil {
		rec.Scopes = in.Scopes
	}
	if in.Config != nil {
		rec.Config = in.Config
	}
	if in.Enabled != nil {
		rec.Enabled = *in.Enabled
	}
	if in.ClientSecret != "" {
		if err := r.sealSecret(rec, in.ClientSecret); err != nil {
			return nil, err
		}
	}
	ti, _ := TypeByName(rec.Type)
	if err := r.validate(rec, ti); err != nil {
		return nil, err
	}
	rec.UpdatedAt = r.now()
	if err := storage.SetJSON(ctx, store, providerKey(name), rec, 0); err != nil {
		return nil, err
	}
	r.cache.Delete(cacheKey(tenantID, name))
	return rec, nil
}

// Delete removes a provider record.
func (r *Registry) Delete(ctx context.Context, tenantID, name string) error {
	store := storage.ForTenant(r.store, tenantID)
	if _, err := store.Get(ctx, providerKey(name)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrProviderNotFound
		}
		return err
	}
	if err := store.Remove(ctx, providerKey(name)); err != nil {
		return err
	}
	r.cache.Delete(cacheKey(tenantID, name))
	return nil
}

// Get returns the stored record, enabled or not. Admin read; the transport
// layer is responsible for masking before serialization.
func (r *Registry) Get(ctx context.Context, tenantID, name string) (*Record, error) {
	store := storage.ForTenant(r.store, tenantID)
	rec, err := storage.GetJSON[Record](ctx, store, providerKey(name))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrProviderNotFound
	}
	return rec, err
}

// List returns every record of the tenant sorted by name.
func (r *Registry) List(ctx context.Context, tenantID string) ([]*Record, error) {
	store := storage.ForTenant(r.store, tenantID)
	var out []*Record
	err := store.Scan(ctx, storage.Key{"provider"}, func(_ storage.Key, value []byte) error {
		var rec Record
		if err := storage.Unmarshal(value, &rec); err != nil {
			return err
		}
		out = append(out, &rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetProviders returns the enabled records of the tenant, the set a login
// page offers.
func (r *Registry) GetProviders(ctx context.Context, tenantID string) ([]*Record, error) {
	all, err := r.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	enabled := all[:0]
	for _, rec := range all {
		if rec.Enabled {
			enabled = append(enabled, rec)
		}
	}
	return enabled, nil
}

// GetProvider materializes the named provider, serving repeated lookups from
// the TTL+LRU cache. Disabled providers are indistinguishable from missing
// ones.
func (r *Registry) GetProvider(ctx context.Context, tenantID, name string) (*Instance, error) {
	key := cacheKey(tenantID, name)
	if inst, ok := r.cache.Get(key); ok {
		return inst, nil
	}
	store := storage.ForTenant(r.store, tenantID)
	rec, err := storage.GetJSON[Record](ctx, store, providerKey(name))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}
	if !rec.Enabled {
		return nil, ErrProviderNotFound
	}
	inst, err := r.materialize(rec)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, inst)
	return inst, nil
}

// InvalidateTenant drops every cached instance of the tenant. Called when
// tenant-level config that feeds endpoint interpolation changes.
func (r *Registry) InvalidateTenant(tenantID string) int {
	return r.cache.DeletePrefix("provider:" + tenantID + ":")
}

func (r *Registry) sealSecret(rec *Record, plaintext string) error {
	ct, iv, err := r.aead.EncryptString(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt provider secret: %w", err)
	}
	rec.SecretCiphertext = ct
	rec.SecretIV = iv
	rec.SecretMasked = crypto.MaskSecret(plaintext)
	return nil
}

// validate enforces the catalog's per-type requirements on a record about to
// be stored.
func (r *Registry) validate(rec *Record, ti TypeInfo) error {
	if ti.Local {
		return nil
	}
	if rec.ClientID == "" {
		return fmt.Errorf("%w: type %s requires client_id", ErrInvalidProvider, ti.Type)
	}
	if ti.RequiresSecret && rec.SecretCiphertext == "" {
		return fmt.Errorf("%w: type %s requires client_secret", ErrInvalidProvider, ti.Type)
	}
	switch ti.Type {
	case TypeOIDC:
		if rec.Config["base_url"] == "" {
			return fmt.Errorf("%w: type oidc requires config.base_url", ErrInvalidProvider)
		}
	case TypeCustomOAuth2:
		if rec.Config["authorization_endpoint"] == "" || rec.Config["token_endpoint"] == "" {
			return fmt.Errorf("%w: type custom_oauth2 requires config.authorization_endpoint and config.token_endpoint", ErrInvalidProvider)
		}
	}
	return nil
}

// materialize joins a record with its catalog entry and builds the flow.
func (r *Registry) materialize(rec *Record) (*Instance, error) {
	ti, ok := TypeByName(rec.Type)
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidProvider, rec.Type)
	}
	inst := &Instance{
		Record:    rec,
		Type:      ti,
		Endpoints: resolveEndpoints(rec, ti, r.cfg),
	}
	if rec.SecretCiphertext != "" {
		secret, err := r.aead.DecryptString(rec.SecretCiphertext, rec.SecretIV)
		if err != nil {
			return nil, fmt.Errorf("provider %s: decrypt secret: %w", rec.Name, err)
		}
		inst.ClientSecret = secret
	}
	flow, err := r.newFlow(inst)
	if err != nil {
		return nil, err
	}
	inst.Flow = flow
	return inst, nil
}

func (r *Registry) tenantSettings(ctx context.Context, tenantID string) (Settings, error) {
	if r.settings == nil {
		return Settings{}, nil
	}
	return r.settings(ctx, tenantID)
}
