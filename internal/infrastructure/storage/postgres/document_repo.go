package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"emisor/internal/core/apperror"
	"emisor/internal/core/fiscal"
	"emisor/internal/core/id"
	"emisor/internal/core/tenant"
	"emisor/pkg/logger"
)

// documentColumns is the full column list of fiscal_documents.
var documentColumns = []string{
	"id", "tenant_id", "doc_type", "establishment", "emission_point",
	"sequential", "status", "access_key", "authorization_number",
	"authorized_at", "rejection_reasons", "customer_fiscal_id",
	"customer_name", "lines", "subtotal", "total", "environment",
	"issued_at", "version", "created_at", "updated_at",
}

// documentRow is the storage shape; line items and rejection reasons are
// JSONB snapshots.
type documentRow struct {
	ID                  id.ID           `db:"id"`
	TenantID            string          `db:"tenant_id"`
	DocType             string          `db:"doc_type"`
	Establishment       string          `db:"establishment"`
	EmissionPoint       string          `db:"emission_point"`
	Sequential          int64           `db:"sequential"`
	Status              string          `db:"status"`
	AccessKey           string          `db:"access_key"`
	AuthorizationNumber string          `db:"authorization_number"`
	AuthorizedAt        *time.Time      `db:"authorized_at"`
	RejectionReasons    []byte          `db:"rejection_reasons"`
	CustomerFiscalID    string          `db:"customer_fiscal_id"`
	CustomerName        string          `db:"customer_name"`
	Lines               []byte          `db:"lines"`
	Subtotal            decimal.Decimal `db:"subtotal"`
	Total               decimal.Decimal `db:"total"`
	Environment         string          `db:"environment"`
	IssuedAt            time.Time       `db:"issued_at"`
	Version             int             `db:"version"`
	CreatedAt           time.Time       `db:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at"`
}

func (r *documentRow) toEntity() (*fiscal.Document, error) {
	doc := &fiscal.Document{
		ID:                  r.ID,
		TenantID:            r.TenantID,
		DocType:             r.DocType,
		Establishment:       r.Establishment,
		EmissionPoint:       r.EmissionPoint,
		Sequential:          r.Sequential,
		Status:              fiscal.Status(r.Status),
		AccessKey:           r.AccessKey,
		AuthorizationNumber: r.AuthorizationNumber,
		AuthorizedAt:        r.AuthorizedAt,
		CustomerFiscalID:    r.CustomerFiscalID,
		CustomerName:        r.CustomerName,
		Subtotal:            r.Subtotal,
		Total:               r.Total,
		Environment:         tenant.Environment(r.Environment),
		IssuedAt:            r.IssuedAt,
		Version:             r.Version,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
	if len(r.Lines) > 0 {
		if err := json.Unmarshal(r.Lines, &doc.Lines); err != nil {
			return nil, fmt.Errorf("decode lines: %w", err)
		}
	}
	if len(r.RejectionReasons) > 0 {
		if err := json.Unmarshal(r.RejectionReasons, &doc.RejectionReasons); err != nil {
			return nil, fmt.Errorf("decode rejection reasons: %w", err)
		}
	}
	return doc, nil
}

func rowFromEntity(doc *fiscal.Document) (map[string]any, error) {
	lines, err := json.Marshal(doc.Lines)
	if err != nil {
		return nil, fmt.Errorf("encode lines: %w", err)
	}
	reasons, err := json.Marshal(doc.RejectionReasons)
	if err != nil {
		return nil, fmt.Errorf("encode rejection reasons: %w", err)
	}
	return map[string]any{
		"id":                   doc.ID,
		"tenant_id":            doc.TenantID,
		"doc_type":             doc.DocType,
		"establishment":        doc.Establishment,
		"emission_point":       doc.EmissionPoint,
		"sequential":           doc.Sequential,
		"status":               string(doc.Status),
		"access_key":           doc.AccessKey,
		"authorization_number": doc.AuthorizationNumber,
		"authorized_at":        doc.AuthorizedAt,
		"rejection_reasons":    reasons,
		"customer_fiscal_id":   doc.CustomerFiscalID,
		"customer_name":        doc.CustomerName,
		"lines":                lines,
		"subtotal":             doc.Subtotal,
		"total":                doc.Total,
		"environment":          string(doc.Environment),
		"issued_at":            doc.IssuedAt,
		"version":              doc.Version,
		"created_at":           doc.CreatedAt,
		"updated_at":           doc.UpdatedAt,
	}, nil
}

// DocumentRepo is the tenant-scoped repository for fiscal documents.
//
// Every method takes the tenant id in its signature and cross-checks it
// against the context tenant: a mismatch is an isolation violation, not a
// query miss. Point reads of a row owned by another tenant fail with an
// access-denied error; listing queries constrain by tenant_id and return
// empty result sets for foreign data, indistinguishable from "no rows".
type DocumentRepo struct {
	txManager *TxManager
}

// NewDocumentRepo creates the repository.
func NewDocumentRepo(txm *TxManager) *DocumentRepo {
	return &DocumentRepo{txManager: txm}
}

// Builder returns a squirrel builder with PostgreSQL placeholder format.
func (r *DocumentRepo) Builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// guard enforces the tenant scoping contract for a repository call.
// The system-scope override is permitted only for bootstrap/sweeper paths
// and every use of it is logged.
func (r *DocumentRepo) guard(ctx context.Context, tenantID string) error {
	if tenant.IsSystemScope(ctx) {
		logger.Warn(ctx, "system-scope repository access", "tenant_id", tenantID, "entity", "fiscal_document")
		return nil
	}
	current, ok := tenant.Current(ctx)
	if !ok {
		return apperror.NewUnauthorized("no tenant in context")
	}
	if current.ID.String() != tenantID {
		logger.Error(ctx, "tenant isolation violation denied",
			"requested_tenant", tenantID, "context_tenant", current.ID.String())
		return apperror.NewTenantIsolation("fiscal_document", tenantID)
	}
	return nil
}

// Create inserts a DRAFT document, injecting the tenant id if the entity
// omits it.
func (r *DocumentRepo) Create(ctx context.Context, tenantID string, doc *fiscal.Document) error {
	if err := r.guard(ctx, tenantID); err != nil {
		return err
	}
	if doc.TenantID == "" {
		doc.TenantID = tenantID
	}
	if doc.TenantID != tenantID {
		return apperror.NewTenantIsolation("fiscal_document", doc.ID.String())
	}

	data, err := rowFromEntity(doc)
	if err != nil {
		return err
	}

	sql, args, err := r.Builder().Insert("fiscal_documents").SetMap(data).ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert fiscal_document: %w", err)
	}
	return nil
}

// GetByID fetches one document. A row owned by another tenant yields an
// access-denied error even when its identifier is known and directly
// requested.
func (r *DocumentRepo) GetByID(ctx context.Context, tenantID string, docID id.ID) (*fiscal.Document, error) {
	return r.getByID(ctx, tenantID, docID, false)
}

// GetByIDForUpdate fetches one document holding its row lock until the
// surrounding transaction commits. The orchestrator uses it to serialize
// state transitions on a single document (single-writer ownership).
func (r *DocumentRepo) GetByIDForUpdate(ctx context.Context, tenantID string, docID id.ID) (*fiscal.Document, error) {
	return r.getByID(ctx, tenantID, docID, true)
}

func (r *DocumentRepo) getByID(ctx context.Context, tenantID string, docID id.ID, forUpdate bool) (*fiscal.Document, error) {
	if err := r.guard(ctx, tenantID); err != nil {
		return nil, err
	}

	q := r.Builder().
		Select(documentColumns...).
		From("fiscal_documents").
		Where(squirrel.Eq{"id": docID})
	if forUpdate {
		q = q.Suffix("FOR UPDATE")
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var row documentRow
	err = pgxscan.Get(ctx, r.txManager.GetQuerier(ctx), &row, sql, args...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.NewNotFound("fiscal_document", docID.String())
		}
		return nil, fmt.Errorf("select fiscal_document: %w", err)
	}

	// Ownership check after the point read: a known foreign id is denied,
	// not reported missing
	if row.TenantID != tenantID {
		logger.Error(ctx, "cross-tenant point read denied",
			"entity", "fiscal_document", "id", docID.String(), "requested_tenant", tenantID)
		return nil, apperror.NewAccessDenied("fiscal_document", docID.String())
	}

	return row.toEntity()
}

// ListByStatus returns the tenant's documents in the given statuses,
// newest first. Foreign rows are filtered out, never surfaced as errors.
func (r *DocumentRepo) ListByStatus(ctx context.Context, tenantID string, statuses ...fiscal.Status) ([]*fiscal.Document, error) {
	if err := r.guard(ctx, tenantID); err != nil {
		return nil, err
	}

	q := r.Builder().
		Select(documentColumns...).
		From("fiscal_documents").
		Where(squirrel.Eq{"tenant_id": tenantID}).
		OrderBy("created_at DESC")
	if len(statuses) > 0 {
		vals := make([]string, len(statuses))
		for i, s := range statuses {
			vals[i] = string(s)
		}
		q = q.Where(squirrel.Eq{"status": vals})
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var rows []documentRow
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("list fiscal_documents: %w", err)
	}

	docs := make([]*fiscal.Document, 0, len(rows))
	for i := range rows {
		doc, err := rows[i].toEntity()
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// ListStuck returns SUBMITTED/TIMED_OUT documents across all tenants for
// the reconciliation sweep. System scope only.
func (r *DocumentRepo) ListStuck(ctx context.Context, olderThan time.Time, limit uint64) ([]*fiscal.Document, error) {
	if !tenant.IsSystemScope(ctx) {
		return nil, apperror.NewForbidden("reconciliation sweep requires system scope")
	}
	logger.Warn(ctx, "system-scope repository access", "entity", "fiscal_document", "op", "list_stuck")

	q := r.Builder().
		Select(documentColumns...).
		From("fiscal_documents").
		Where(squirrel.Eq{"status": []string{string(fiscal.StatusSubmitted), string(fiscal.StatusTimedOut)}}).
		Where(squirrel.Lt{"updated_at": olderThan}).
		OrderBy("updated_at ASC").
		Limit(limit)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var rows []documentRow
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("list stuck documents: %w", err)
	}

	docs := make([]*fiscal.Document, 0, len(rows))
	for i := range rows {
		doc, err := rows[i].toEntity()
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Update persists the document's mutable lifecycle fields with optimistic
// locking. The updated_at/version discipline means a lost update surfaces
// as a concurrent-modification conflict instead of silently overwriting.
func (r *DocumentRepo) Update(ctx context.Context, tenantID string, doc *fiscal.Document) error {
	if err := r.guard(ctx, tenantID); err != nil {
		return err
	}
	if doc.TenantID != tenantID {
		return apperror.NewTenantIsolation("fiscal_document", doc.ID.String())
	}

	reasons, err := json.Marshal(doc.RejectionReasons)
	if err != nil {
		return fmt.Errorf("encode rejection reasons: %w", err)
	}

	q := r.Builder().
		Update("fiscal_documents").
		Set("sequential", doc.Sequential).
		Set("status", string(doc.Status)).
		Set("access_key", doc.AccessKey).
		Set("authorization_number", doc.AuthorizationNumber).
		Set("authorized_at", doc.AuthorizedAt).
		Set("rejection_reasons", reasons).
		Set("updated_at", time.Now().UTC()).
		Set("version", squirrel.Expr("version + 1")).
		Where(squirrel.Eq{"id": doc.ID}).
		Where(squirrel.Eq{"tenant_id": tenantID}).
		Where(squirrel.Eq{"version": doc.Version})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	result, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update fiscal_document: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperror.NewConcurrentModification("fiscal_document", doc.ID.String())
	}

	doc.Version++
	return nil
}
