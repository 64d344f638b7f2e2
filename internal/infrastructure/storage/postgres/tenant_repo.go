package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"emisor/internal/core/apperror"
	"emisor/internal/core/id"
	"emisor/internal/core/tenant"
	"emisor/pkg/logger"
)

var tenantColumns = []string{
	"id", "fiscal_id", "legal_name", "credential_ref",
	"credential_password", "environment", "status", "created_at", "updated_at",
}

// TenantRepo resolves tenants. Resolution happens before a tenant is
// authenticated, so reads require system scope; this is the audited
// bootstrap override, not a bypass available to business code.
type TenantRepo struct {
	txManager *TxManager
}

// NewTenantRepo creates the repository.
func NewTenantRepo(txm *TxManager) *TenantRepo {
	return &TenantRepo{txManager: txm}
}

func (r *TenantRepo) builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

func (r *TenantRepo) guard(ctx context.Context, op string) error {
	if !tenant.IsSystemScope(ctx) {
		return apperror.NewForbidden("tenant resolution requires system scope")
	}
	logger.Debug(ctx, "system-scope repository access", "entity", "tenant", "op", op)
	return nil
}

// GetByID resolves one tenant. Retired and suspended tenants resolve but
// report not-active to the caller.
func (r *TenantRepo) GetByID(ctx context.Context, tenantID id.ID) (*tenant.Tenant, error) {
	if err := r.guard(ctx, "get_by_id"); err != nil {
		return nil, err
	}

	sql, args, err := r.builder().
		Select(tenantColumns...).
		From("tenants").
		Where(squirrel.Eq{"id": tenantID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var t tenant.Tenant
	err = pgxscan.Get(ctx, r.txManager.GetQuerier(ctx), &t, sql, args...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, tenant.ErrTenantNotFound
		}
		return nil, fmt.Errorf("select tenant: %w", err)
	}
	return &t, nil
}

// Create onboards a tenant.
func (r *TenantRepo) Create(ctx context.Context, t *tenant.Tenant) error {
	if err := r.guard(ctx, "create"); err != nil {
		return err
	}
	if err := t.Validate(); err != nil {
		return apperror.NewValidation(err.Error())
	}

	now := time.Now().UTC()
	sql, args, err := r.builder().
		Insert("tenants").
		SetMap(map[string]any{
			"id":                  t.ID,
			"fiscal_id":           t.FiscalID,
			"legal_name":          t.LegalName,
			"credential_ref":      t.CredentialRef,
			"credential_password": t.CredentialPassword,
			"environment":         string(t.Environment),
			"status":              string(t.Status),
			"created_at":          now,
			"updated_at":          now,
		}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

// Retire soft-retires a tenant. Rows are never physically deleted.
func (r *TenantRepo) Retire(ctx context.Context, tenantID id.ID) error {
	if err := r.guard(ctx, "retire"); err != nil {
		return err
	}

	sql, args, err := r.builder().
		Update("tenants").
		Set("status", string(tenant.StatusRetired)).
		Set("updated_at", time.Now().UTC()).
		Where(squirrel.Eq{"id": tenantID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	result, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("retire tenant: %w", err)
	}
	if result.RowsAffected() == 0 {
		return tenant.ErrTenantNotFound
	}
	return nil
}
