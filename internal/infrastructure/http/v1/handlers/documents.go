package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"emisor/internal/core/apperror"
	"emisor/internal/core/fiscal"
	"emisor/internal/core/id"
	"emisor/internal/core/tenant"
	"emisor/internal/domain/issuance"
	"emisor/internal/infrastructure/storage/postgres"
)

// DocumentService is the orchestrator surface the handlers depend on.
type DocumentService interface {
	IssueDocument(ctx context.Context, in issuance.IssueInput) (*fiscal.Document, error)
	ResumeAuthorization(ctx context.Context, docID id.ID) (*fiscal.Document, error)
	Reissue(ctx context.Context, docID id.ID) (*fiscal.Document, error)
	GetStatus(ctx context.Context, docID id.ID) (*fiscal.Document, error)
}

// TransitionHistory reads the append-only transition trail for a document.
type TransitionHistory interface {
	History(ctx context.Context, tenantID string, documentID id.ID) ([]postgres.TransitionEntry, error)
}

type DocumentHandler struct {
	service DocumentService
	trail   TransitionHistory
}

func NewDocumentHandler(service DocumentService, trail TransitionHistory) *DocumentHandler {
	return &DocumentHandler{service: service, trail: trail}
}

type lineRequest struct {
	Description string          `json:"description" binding:"required"`
	Quantity    decimal.Decimal `json:"quantity" binding:"required"`
	UnitPrice   decimal.Decimal `json:"unit_price" binding:"required"`
	Discount    decimal.Decimal `json:"discount"`
}

type issueRequest struct {
	DocType          string        `json:"doc_type" binding:"required"`
	Establishment    string        `json:"establishment" binding:"required"`
	EmissionPoint    string        `json:"emission_point" binding:"required"`
	CustomerFiscalID string        `json:"customer_fiscal_id" binding:"required"`
	CustomerName     string        `json:"customer_name" binding:"required"`
	Lines            []lineRequest `json:"lines" binding:"required,min=1"`
}

type documentResponse struct {
	ID                  string          `json:"id"`
	Status              fiscal.Status   `json:"status"`
	DocType             string          `json:"doc_type"`
	Number              string          `json:"number,omitempty"`
	AccessKey           string          `json:"access_key,omitempty"`
	AuthorizationNumber string          `json:"authorization_number,omitempty"`
	AuthorizedAt        *time.Time      `json:"authorized_at,omitempty"`
	RejectionReasons    []string        `json:"rejection_reasons,omitempty"`
	Subtotal            decimal.Decimal `json:"subtotal"`
	Total               decimal.Decimal `json:"total"`
	Version             int             `json:"version"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func toResponse(d *fiscal.Document) documentResponse {
	resp := documentResponse{
		ID:                  d.ID.String(),
		Status:              d.Status,
		DocType:             d.DocType,
		AccessKey:           d.AccessKey,
		AuthorizationNumber: d.AuthorizationNumber,
		AuthorizedAt:        d.AuthorizedAt,
		RejectionReasons:    d.RejectionReasons,
		Subtotal:            d.Subtotal,
		Total:               d.Total,
		Version:             d.Version,
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
	}
	if d.Sequential > 0 {
		resp.Number = d.Number()
	}
	return resp
}

// Issue handles POST /documents. It runs the full issuance pipeline and
// returns the document in whatever state the pipeline reached; a
// non-terminal outcome is not an HTTP error.
func (h *DocumentHandler) Issue(c *gin.Context) {
	var req issueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperror.NewValidation("invalid request body").WithDetail("error", err.Error()))
		return
	}

	lines := make([]fiscal.Line, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, fiscal.Line{
			Description: l.Description,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			Discount:    l.Discount,
		})
	}

	doc, err := h.service.IssueDocument(c.Request.Context(), issuance.IssueInput{
		DocType:          req.DocType,
		Establishment:    req.Establishment,
		EmissionPoint:    req.EmissionPoint,
		CustomerFiscalID: req.CustomerFiscalID,
		CustomerName:     req.CustomerName,
		Lines:            lines,
	})
	if err != nil {
		if doc != nil {
			// The pipeline failed partway; surface the document state
			// alongside the error so the caller can resume later.
			c.JSON(errStatus(err), gin.H{
				"document": toResponse(doc),
				"error":    errMessage(err),
			})
			return
		}
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, toResponse(doc))
}

// Get handles GET /documents/:id.
func (h *DocumentHandler) Get(c *gin.Context) {
	docID, err := id.Parse(c.Param("id"))
	if err != nil {
		_ = c.Error(apperror.NewValidation("invalid document id"))
		return
	}

	doc, err := h.service.GetStatus(c.Request.Context(), docID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, toResponse(doc))
}

type transitionResponse struct {
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Detail     any       `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// History handles GET /documents/:id/transitions.
func (h *DocumentHandler) History(c *gin.Context) {
	docID, err := id.Parse(c.Param("id"))
	if err != nil {
		_ = c.Error(apperror.NewValidation("invalid document id"))
		return
	}

	tenantID, err := tenant.CurrentID(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}

	// Existence and ownership check before exposing the trail.
	if _, err := h.service.GetStatus(c.Request.Context(), docID); err != nil {
		_ = c.Error(err)
		return
	}

	entries, err := h.trail.History(c.Request.Context(), tenantID, docID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	out := make([]transitionResponse, 0, len(entries))
	for _, e := range entries {
		tr := transitionResponse{
			FromStatus: e.FromStatus,
			ToStatus:   e.ToStatus,
			CreatedAt:  e.CreatedAt,
		}
		if len(e.Detail) > 0 {
			tr.Detail = json.RawMessage(e.Detail)
		}
		out = append(out, tr)
	}

	c.JSON(http.StatusOK, gin.H{"transitions": out})
}

// Resume handles POST /documents/:id/resume. Idempotent for documents
// that already reached a final authorized state.
func (h *DocumentHandler) Resume(c *gin.Context) {
	docID, err := id.Parse(c.Param("id"))
	if err != nil {
		_ = c.Error(apperror.NewValidation("invalid document id"))
		return
	}

	doc, err := h.service.ResumeAuthorization(c.Request.Context(), docID)
	if err != nil {
		if doc != nil {
			c.JSON(errStatus(err), gin.H{
				"document": toResponse(doc),
				"error":    errMessage(err),
			})
			return
		}
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, toResponse(doc))
}

// Reissue handles POST /documents/:id/reissue. Only rejected or failed
// documents can be reissued; the reissue is a brand-new document with a
// fresh sequential.
func (h *DocumentHandler) Reissue(c *gin.Context) {
	docID, err := id.Parse(c.Param("id"))
	if err != nil {
		_ = c.Error(apperror.NewValidation("invalid document id"))
		return
	}

	doc, err := h.service.Reissue(c.Request.Context(), docID)
	if err != nil {
		if doc != nil {
			c.JSON(errStatus(err), gin.H{
				"document": toResponse(doc),
				"error":    errMessage(err),
			})
			return
		}
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, toResponse(doc))
}

func errStatus(err error) int {
	if appErr, ok := apperror.AsAppError(err); ok && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

func errMessage(err error) string {
	if appErr, ok := apperror.AsAppError(err); ok {
		return appErr.Message
	}
	return err.Error()
}
