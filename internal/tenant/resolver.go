package tenant

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/meywd/openauth-sub002/internal/storage"
)

// Resolver maps an inbound request to its tenant.
type Resolver struct {
	svc        *Service
	store      storage.Adapter
	baseDomain string
}

// NewResolver creates a resolver. baseDomain is the apex used for
// subdomain resolution and may be empty to disable that step.
func NewResolver(svc *Service, store storage.Adapter, baseDomain string) *Resolver {
	return &Resolver{
		svc:        svc,
		store:      store,
		baseDomain: normalizeHost(baseDomain),
	}
}

// Lookup finds the tenant for a request without applying the status gate.
// Sources are consulted in order: custom domain, subdomain of the base
// domain, /tenants/<slug>/ path prefix, X-Tenant-ID header, tenant query
// parameter, and finally the reserved default tenant. A request that names
// a tenant explicitly commits to it; only the ambient Host lookup falls
// through on a miss.
func (rs *Resolver) Lookup(ctx context.Context, r *http.Request) (*Tenant, error) {
	host := normalizeHost(r.Host)

	// 1. Exact custom-domain match
	if host != "" {
		t, err := rs.svc.GetByDomain(ctx, host)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ErrTenantNotFound) {
			return nil, err
		}
	}

	// 2. Subdomain against the configured base domain
	if rs.baseDomain != "" {
		if slug, ok := strings.CutSuffix(host, "."+rs.baseDomain); ok && slug != "" && !strings.Contains(slug, ".") {
			return rs.svc.Get(ctx, slug)
		}
	}

	// 3. Path prefix /tenants/<slug>/
	if slug := pathTenant(r.URL.Path); slug != "" {
		return rs.svc.Get(ctx, slug)
	}

	// 4. X-Tenant-ID header
	if id := strings.TrimSpace(r.Header.Get("X-Tenant-ID")); id != "" {
		return rs.svc.Get(ctx, id)
	}

	// 5. ?tenant= query parameter
	if id := strings.TrimSpace(r.URL.Query().Get("tenant")); id != "" {
		return rs.svc.Get(ctx, id)
	}

	// 6. Fallback
	return rs.svc.Get(ctx, DefaultTenantID)
}

// Resolve looks up the tenant, enforces that it accepts traffic, and
// returns a storage handle scoped to it.
func (rs *Resolver) Resolve(ctx context.Context, r *http.Request) (*Tenant, storage.Adapter, error) {
	t, err := rs.Lookup(ctx, r)
	if err != nil {
		return nil, nil, err
	}
	if err := GateStatus(t); err != nil {
		return nil, nil, err
	}
	return t, storage.ForTenant(rs.store, t.ID), nil
}

// Scoped returns a storage handle for an already-resolved tenant id.
func (rs *Resolver) Scoped(tenantID string) storage.Adapter {
	return storage.ForTenant(rs.store, tenantID)
}

// GateStatus rejects tenants that must not serve traffic. Pending tenants
// are indistinguishable from absent ones to callers.
func GateStatus(t *Tenant) error {
	switch t.Status {
	case StatusActive:
		return nil
	case StatusSuspended:
		return ErrTenantSuspended
	case StatusDeleted:
		return ErrTenantDeleted
	default:
		return ErrTenantNotFound
	}
}

func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

func pathTenant(path string) string {
	const prefix = "/tenants/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	rest := path[len(prefix):]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
