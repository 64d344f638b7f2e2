package tenant

import (
	"context"
	"errors"
)

// Context keys for tenant-related values.
type ctxKey int

const (
	tenantKey ctxKey = iota
	systemScopeKey
)

// ErrNoTenantInContext is returned when an operation requires an active
// tenant and none is set.
var ErrNoTenantInContext = errors.New("tenant not found in context")

// WithTenant stores the active tenant in context for one unit of work.
func WithTenant(ctx context.Context, t *Tenant) context.Context {
	return context.WithValue(ctx, tenantKey, t)
}

// Clear removes the active tenant. Worker loops that reuse a base context
// between tenants must call this at the end of each unit of work so a
// stale tenant never leaks into the next iteration.
func Clear(ctx context.Context) context.Context {
	return context.WithValue(ctx, tenantKey, (*Tenant)(nil))
}

// Current retrieves the active tenant from context.
func Current(ctx context.Context) (*Tenant, bool) {
	t, ok := ctx.Value(tenantKey).(*Tenant)
	if !ok || t == nil {
		return nil, false
	}
	return t, true
}

// CurrentID returns the active tenant ID or an error if none is set.
func CurrentID(ctx context.Context) (string, error) {
	t, ok := Current(ctx)
	if !ok {
		return "", ErrNoTenantInContext
	}
	return t.ID.String(), nil
}

// WithSystemScope marks the context as operating outside tenant scoping.
// This is the only supported override: it is used by bootstrap paths that
// must resolve a tenant before one is authenticated (server startup, the
// sweeper). Repositories log every use of it.
func WithSystemScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, systemScopeKey, true)
}

// IsSystemScope reports whether tenant scoping is overridden.
func IsSystemScope(ctx context.Context) bool {
	v, _ := ctx.Value(systemScopeKey).(bool)
	return v
}
