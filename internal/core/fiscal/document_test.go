package fiscal

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emisor/internal/core/apperror"
	"emisor/internal/core/id"
	"emisor/internal/core/tenant"
)

func testTenant() *tenant.Tenant {
	return &tenant.Tenant{
		ID:          id.New(),
		FiscalID:    "1790012345001",
		LegalName:   "ACME CIA LTDA",
		Environment: tenant.EnvTest,
		Status:      tenant.StatusActive,
	}
}

func testLines() []Line {
	return []Line{
		{
			Description: "widget",
			Quantity:    decimal.NewFromInt(3),
			UnitPrice:   decimal.RequireFromString("19.99"),
			Discount:    decimal.RequireFromString("5.00"),
		},
		{
			Description: "service fee",
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   decimal.RequireFromString("100.00"),
		},
	}
}

func TestLineTotal(t *testing.T) {
	l := Line{
		Quantity:  decimal.NewFromInt(3),
		UnitPrice: decimal.RequireFromString("19.99"),
		Discount:  decimal.RequireFromString("5.00"),
	}
	assert.True(t, l.Total().Equal(decimal.RequireFromString("54.97")))
}

func TestNewDocument(t *testing.T) {
	now := time.Date(2026, time.March, 15, 10, 0, 0, 0, time.UTC)
	doc, err := NewDocument(testTenant(), TypeInvoice, "001", "002", testLines(), "0912345678001", "Cliente SA", now)
	require.NoError(t, err)

	assert.Equal(t, StatusDraft, doc.Status)
	assert.Zero(t, doc.Sequential)
	assert.Empty(t, doc.AccessKey)
	assert.Equal(t, tenant.EnvTest, doc.Environment)
	assert.True(t, doc.Subtotal.Equal(decimal.RequireFromString("154.97")))
	assert.True(t, doc.Total.Equal(doc.Subtotal))
	assert.NoError(t, doc.Validate(context.Background()))
}

func TestNewDocumentRejectsUnknownType(t *testing.T) {
	_, err := NewDocument(testTenant(), "99", "001", "002", testLines(), "0912345678001", "Cliente SA", time.Now())
	assert.True(t, apperror.IsCode(err, apperror.CodeValidation))
}

func TestNewDocumentRequiresLines(t *testing.T) {
	_, err := NewDocument(testTenant(), TypeInvoice, "001", "002", nil, "0912345678001", "Cliente SA", time.Now())
	assert.True(t, apperror.IsCode(err, apperror.CodeValidation))
}

func TestDocumentNumber(t *testing.T) {
	doc := &Document{Establishment: "001", EmissionPoint: "002", Sequential: 42}
	assert.Equal(t, "001-002-000000042", doc.Number())
}

func TestAttachNumber(t *testing.T) {
	doc, err := NewDocument(testTenant(), TypeInvoice, "001", "002", testLines(), "0912345678001", "Cliente SA", time.Now())
	require.NoError(t, err)

	require.NoError(t, doc.AttachNumber(7))
	assert.Equal(t, int64(7), doc.Sequential)
	assert.Equal(t, StatusNumbered, doc.Status)

	// A number is attached exactly once.
	err = doc.AttachNumber(8)
	assert.Error(t, err)
	assert.Equal(t, int64(7), doc.Sequential)
}

func TestTransitionEnforcesStateMachine(t *testing.T) {
	doc, err := NewDocument(testTenant(), TypeInvoice, "001", "002", testLines(), "0912345678001", "Cliente SA", time.Now())
	require.NoError(t, err)

	err = doc.Transition(StatusSubmitted)
	assert.True(t, apperror.IsCode(err, apperror.CodeInvalidTransition))
	assert.Equal(t, StatusDraft, doc.Status, "status unchanged on rejected transition")
}

func TestTransitionTerminalIsImmutable(t *testing.T) {
	doc, err := NewDocument(testTenant(), TypeInvoice, "001", "002", testLines(), "0912345678001", "Cliente SA", time.Now())
	require.NoError(t, err)
	doc.Status = StatusAuthorized

	err = doc.Transition(StatusSubmitted)
	assert.True(t, apperror.IsCode(err, apperror.CodeDocumentTerminal))
}

func TestMarkAuthorized(t *testing.T) {
	doc, err := NewDocument(testTenant(), TypeInvoice, "001", "002", testLines(), "0912345678001", "Cliente SA", time.Now())
	require.NoError(t, err)
	doc.Status = StatusSubmitted

	at := time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)
	require.NoError(t, doc.MarkAuthorized("AUTH-123", at))

	assert.Equal(t, StatusAuthorized, doc.Status)
	assert.Equal(t, "AUTH-123", doc.AuthorizationNumber)
	require.NotNil(t, doc.AuthorizedAt)
	assert.Equal(t, at, *doc.AuthorizedAt)
}

func TestMarkRejected(t *testing.T) {
	doc, err := NewDocument(testTenant(), TypeInvoice, "001", "002", testLines(), "0912345678001", "Cliente SA", time.Now())
	require.NoError(t, err)
	doc.Status = StatusTimedOut

	reasons := []string{"ERROR 45: secuencial registrado"}
	require.NoError(t, doc.MarkRejected(reasons))

	assert.Equal(t, StatusRejected, doc.Status)
	assert.Equal(t, reasons, doc.RejectionReasons)
}

func TestSequenceKey(t *testing.T) {
	doc, err := NewDocument(testTenant(), TypeCreditNote, "003", "009", testLines(), "0912345678001", "Cliente SA", time.Now())
	require.NoError(t, err)

	key := doc.SequenceKey()
	assert.Equal(t, doc.TenantID, key.TenantID)
	assert.Equal(t, TypeCreditNote, key.DocType)
	assert.Equal(t, "003", key.Establishment)
	assert.Equal(t, "009", key.EmissionPoint)
	assert.NoError(t, key.Validate())
}
