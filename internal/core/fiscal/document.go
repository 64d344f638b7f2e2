// Package fiscal defines the fiscal document entity and its lifecycle.
// A document is numbered once, signed once, and driven through the external
// authorization protocol by the issuance orchestrator; its line items are an
// immutable snapshot taken at issuance.
package fiscal

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"emisor/internal/core/apperror"
	"emisor/internal/core/id"
	"emisor/internal/core/sequence"
	"emisor/internal/core/tenant"
)

// Document type codes as published by the tax authority.
const (
	TypeInvoice    = "01"
	TypeCreditNote = "04"
	TypeDebitNote  = "05"
	TypeSalesNote  = "03"
)

// KnownType reports whether code is a supported document type.
func KnownType(code string) bool {
	switch code {
	case TypeInvoice, TypeCreditNote, TypeDebitNote, TypeSalesNote:
		return true
	}
	return false
}

// Line is one immutable line item of a document.
type Line struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Discount    decimal.Decimal `json:"discount"`
}

// Total returns quantity*unitPrice - discount.
func (l Line) Total() decimal.Decimal {
	return l.Quantity.Mul(l.UnitPrice).Sub(l.Discount)
}

// Document is a fiscal document (invoice, sales note, credit/debit note).
type Document struct {
	ID       id.ID  `db:"id"`
	TenantID string `db:"tenant_id"`

	DocType       string `db:"doc_type"`
	Establishment string `db:"establishment"`
	EmissionPoint string `db:"emission_point"`

	// Sequential is the number issued by the allocator; zero while DRAFT.
	// Once set it is permanently attached, even if the document later fails.
	Sequential int64 `db:"sequential"`

	Status Status `db:"status"`

	// AccessKey is the 49-digit public identifier, set when signed
	AccessKey string `db:"access_key"`

	// AuthorizationNumber and AuthorizedAt are set only on AUTHORIZED
	AuthorizationNumber string     `db:"authorization_number"`
	AuthorizedAt        *time.Time `db:"authorized_at"`

	// RejectionReasons persisted for audit on REJECTED
	RejectionReasons []string `db:"rejection_reasons"`

	// CustomerFiscalID identifies the receiving party
	CustomerFiscalID string `db:"customer_fiscal_id"`
	CustomerName     string `db:"customer_name"`

	Lines    []Line          `db:"lines"`
	Subtotal decimal.Decimal `db:"subtotal"`
	Total    decimal.Decimal `db:"total"`

	Environment tenant.Environment `db:"environment"`
	IssuedAt    time.Time          `db:"issued_at"`

	// SignedPayload is held in memory for the current pipeline run only;
	// the transition trail keeps the persisted copy
	SignedPayload []byte `db:"-" json:"-"`

	// Version implements optimistic locking on status updates
	Version   int       `db:"version"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// NewDocument assembles a DRAFT for the given tenant. Totals are computed
// from the line snapshot; tax computation is the caller's concern and
// arrives folded into unit prices and discounts.
func NewDocument(t *tenant.Tenant, docType, establishment, emissionPoint string, lines []Line, customerFiscalID, customerName string, now time.Time) (*Document, error) {
	if !KnownType(docType) {
		return nil, apperror.NewValidation("unknown document type").WithDetail("doc_type", docType)
	}
	if len(lines) == 0 {
		return nil, apperror.NewValidation("document requires at least one line")
	}

	subtotal := decimal.Zero
	for _, l := range lines {
		subtotal = subtotal.Add(l.Total())
	}

	return &Document{
		ID:               id.New(),
		TenantID:         t.ID.String(),
		DocType:          docType,
		Establishment:    establishment,
		EmissionPoint:    emissionPoint,
		Status:           StatusDraft,
		CustomerFiscalID: customerFiscalID,
		CustomerName:     customerName,
		Lines:            lines,
		Subtotal:         subtotal,
		Total:            subtotal,
		Environment:      t.Environment,
		IssuedAt:         now.UTC(),
		CreatedAt:        now.UTC(),
		UpdatedAt:        now.UTC(),
	}, nil
}

// SequenceKey returns the counter key this document numbers against.
func (d *Document) SequenceKey() sequence.Key {
	return sequence.Key{
		TenantID:      d.TenantID,
		DocType:       d.DocType,
		Establishment: d.Establishment,
		EmissionPoint: d.EmissionPoint,
	}
}

// Number renders the full fiscal number, e.g. "001-001-000000042".
func (d *Document) Number() string {
	return fmt.Sprintf("%s-%s-%09d", d.Establishment, d.EmissionPoint, d.Sequential)
}

// Transition moves the document to a new status, enforcing the state
// machine. The caller persists the result; terminal documents are immutable.
func (d *Document) Transition(to Status) error {
	if err := d.Status.CheckTransition(to); err != nil {
		if appErr, ok := apperror.AsAppError(err); ok && appErr.Code == apperror.CodeDocumentTerminal {
			return apperror.NewDocumentTerminal(d.ID.String(), string(d.Status))
		}
		return err
	}
	d.Status = to
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// AttachNumber records an allocated sequence number. Allowed once, in DRAFT.
func (d *Document) AttachNumber(n int64) error {
	if d.Sequential != 0 {
		return apperror.NewValidation("document already numbered").
			WithDetail("sequential", d.Sequential)
	}
	if err := d.Transition(StatusNumbered); err != nil {
		return err
	}
	d.Sequential = n
	return nil
}

// MarkAuthorized records the authorization grant and enters the terminal state.
func (d *Document) MarkAuthorized(number string, at time.Time) error {
	if err := d.Transition(StatusAuthorized); err != nil {
		return err
	}
	d.AuthorizationNumber = number
	ts := at.UTC()
	d.AuthorizedAt = &ts
	return nil
}

// MarkRejected records rejection reasons and enters the terminal state.
func (d *Document) MarkRejected(reasons []string) error {
	if err := d.Transition(StatusRejected); err != nil {
		return err
	}
	d.RejectionReasons = reasons
	return nil
}

// Validate implements basic entity invariants.
func (d *Document) Validate(ctx context.Context) error {
	if d.TenantID == "" {
		return apperror.NewValidation("tenant is required")
	}
	if !KnownType(d.DocType) {
		return apperror.NewValidation("unknown document type").WithDetail("doc_type", d.DocType)
	}
	return d.SequenceKey().Validate()
}
