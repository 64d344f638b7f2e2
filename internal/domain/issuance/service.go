// Package issuance drives fiscal documents through their lifecycle:
// compose, number, sign, submit, and await the authority's verdict.
// The service owns retry and idempotency policy; every step persists the
// document's state before surfacing an error, so a caller always observes
// the last good persisted state and never a document that disappeared.
package issuance

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"emisor/internal/core/apperror"
	"emisor/internal/core/authority"
	"emisor/internal/core/fiscal"
	"emisor/internal/core/id"
	"emisor/internal/core/sequence"
	"emisor/internal/core/signing"
	"emisor/internal/core/tenant"
	"emisor/internal/core/tx"
	"emisor/pkg/logger"
)

var tracer = otel.Tracer("emisor/issuance")

// Config bounds the retry and polling budgets.
type Config struct {
	// ContentionRetries bounds re-attempts of a contended allocation
	ContentionRetries uint64

	// SubmitAttempts bounds reception submissions per pipeline run
	SubmitAttempts int

	// SubmitBackoff is the initial backoff between submit attempts
	SubmitBackoff time.Duration

	// PollAttempts bounds authorization queries per pipeline run;
	// exhaustion parks the document in TIMED_OUT, never a fabricated verdict
	PollAttempts int

	// PollInterval is the wait between authorization queries
	PollInterval time.Duration
}

// DefaultConfig returns production-safe budgets.
func DefaultConfig() Config {
	return Config{
		ContentionRetries: 3,
		SubmitAttempts:    3,
		SubmitBackoff:     500 * time.Millisecond,
		PollAttempts:      5,
		PollInterval:      2 * time.Second,
	}
}

// DocumentStore is the persistence surface the orchestrator needs.
type DocumentStore interface {
	Create(ctx context.Context, tenantID string, doc *fiscal.Document) error
	GetByID(ctx context.Context, tenantID string, docID id.ID) (*fiscal.Document, error)
	GetByIDForUpdate(ctx context.Context, tenantID string, docID id.ID) (*fiscal.Document, error)
	Update(ctx context.Context, tenantID string, doc *fiscal.Document) error
}

// TransitionRecorder appends to the audit trail inside the active transaction.
type TransitionRecorder interface {
	Record(ctx context.Context, doc *fiscal.Document, from, to fiscal.Status, detail any) error
}

// IssueInput is the content of a document to issue.
type IssueInput struct {
	DocType          string
	Establishment    string
	EmissionPoint    string
	CustomerFiscalID string
	CustomerName     string
	Lines            []fiscal.Line
}

// Service is the document authorization orchestrator.
type Service struct {
	cfg       Config
	txManager tx.SerializableManager
	docs      DocumentStore
	trail     TransitionRecorder
	allocator sequence.Allocator
	signer    signing.Signer
	authority authority.Client

	// now is the clock; overridable in tests
	now func() time.Time
}

// NewService wires the orchestrator.
func NewService(
	cfg Config,
	txManager tx.SerializableManager,
	docs DocumentStore,
	trail TransitionRecorder,
	allocator sequence.Allocator,
	signer signing.Signer,
	client authority.Client,
) *Service {
	return &Service{
		cfg:       cfg,
		txManager: txManager,
		docs:      docs,
		trail:     trail,
		allocator: allocator,
		signer:    signer,
		authority: client,
		now:       time.Now,
	}
}

// WithClock overrides the clock. Use in tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// IssueDocument composes a DRAFT and drives it through the full pipeline.
// The returned document reflects its persisted state even when err is
// non-nil: a failed attempt still leaves an auditable record with its
// consumed sequence number.
func (s *Service) IssueDocument(ctx context.Context, in IssueInput) (*fiscal.Document, error) {
	ctx, span := tracer.Start(ctx, "issuance.issue")
	defer span.End()

	t, ok := tenant.Current(ctx)
	if !ok {
		return nil, apperror.NewUnauthorized("no tenant in context")
	}
	if !t.IsActive() {
		return nil, apperror.NewForbidden("tenant cannot issue documents").
			WithDetail("status", string(t.Status))
	}

	doc, err := fiscal.NewDocument(t, in.DocType, in.Establishment, in.EmissionPoint,
		in.Lines, in.CustomerFiscalID, in.CustomerName, s.now())
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("document.id", doc.ID.String()))

	// Persist the DRAFT first so every later failure leaves a record
	err = s.txManager.RunInTransaction(ctx, func(txCtx context.Context) error {
		if err := s.docs.Create(txCtx, t.ID.String(), doc); err != nil {
			return err
		}
		return s.trail.Record(txCtx, doc, "", fiscal.StatusDraft, nil)
	})
	if err != nil {
		return nil, err
	}

	return s.runLocked(ctx, t, doc.ID)
}

// ResumeAuthorization continues a document's pipeline from its persisted
// state. On an AUTHORIZED document it is an idempotent no-op returning the
// same authorization code without any network call; other terminal states
// surface a structured conflict.
func (s *Service) ResumeAuthorization(ctx context.Context, docID id.ID) (*fiscal.Document, error) {
	ctx, span := tracer.Start(ctx, "issuance.resume",
		trace.WithAttributes(attribute.String("document.id", docID.String())))
	defer span.End()

	t, ok := tenant.Current(ctx)
	if !ok {
		return nil, apperror.NewUnauthorized("no tenant in context")
	}

	return s.runLocked(ctx, t, docID)
}

// Reissue creates a brand-new DRAFT carrying the content of a rejected or
// failed document and runs the full pipeline. The original's number is
// never reused; the new document draws a fresh one.
func (s *Service) Reissue(ctx context.Context, docID id.ID) (*fiscal.Document, error) {
	t, ok := tenant.Current(ctx)
	if !ok {
		return nil, apperror.NewUnauthorized("no tenant in context")
	}

	old, err := s.docs.GetByID(ctx, t.ID.String(), docID)
	if err != nil {
		return nil, err
	}
	if old.Status != fiscal.StatusRejected && old.Status != fiscal.StatusFailed {
		return old, apperror.NewValidation("only rejected or failed documents can be reissued").
			WithDetail("status", string(old.Status))
	}

	return s.IssueDocument(ctx, IssueInput{
		DocType:          old.DocType,
		Establishment:    old.Establishment,
		EmissionPoint:    old.EmissionPoint,
		CustomerFiscalID: old.CustomerFiscalID,
		CustomerName:     old.CustomerName,
		Lines:            old.Lines,
	})
}

// GetStatus returns the document's current persisted state.
func (s *Service) GetStatus(ctx context.Context, docID id.ID) (*fiscal.Document, error) {
	t, ok := tenant.Current(ctx)
	if !ok {
		return nil, apperror.NewUnauthorized("no tenant in context")
	}
	return s.docs.GetByID(ctx, t.ID.String(), docID)
}

// runLocked re-reads the document under its row lock and drives the
// pipeline while holding it, so state transitions for one document are
// totally ordered: a racing caller blocks on the lock, then re-reads the
// already-advanced state instead of double-driving it (in particular,
// never submitting the same numbered document twice). On an AUTHORIZED
// document it is an idempotent no-op without any network call; other
// terminal states surface a structured conflict.
//
// A pipeline failure is carried out past the commit: the transaction must
// still commit so the last persisted state (a consumed number, FAILED,
// TIMED_OUT) survives the failed attempt.
func (s *Service) runLocked(ctx context.Context, t *tenant.Tenant, docID id.ID) (*fiscal.Document, error) {
	var doc *fiscal.Document
	var pipeErr error
	err := s.txManager.RunInTransaction(ctx, func(txCtx context.Context) error {
		fresh, err := s.docs.GetByIDForUpdate(txCtx, t.ID.String(), docID)
		if err != nil {
			return err
		}
		doc = fresh

		if doc.Status == fiscal.StatusAuthorized {
			return nil
		}
		if doc.Status.Terminal() {
			pipeErr = apperror.NewDocumentTerminal(doc.ID.String(), string(doc.Status))
			return nil
		}

		doc, pipeErr = s.advance(txCtx, t, doc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, pipeErr
}

// advance runs the pipeline from the document's current state. The caller
// holds the document row lock for the whole run; persisting steps open
// nested transactions, which reuse the one owning the lock.
func (s *Service) advance(ctx context.Context, t *tenant.Tenant, doc *fiscal.Document) (*fiscal.Document, error) {
	if doc.Status == fiscal.StatusDraft {
		if err := s.number(ctx, t, doc); err != nil {
			return doc, err
		}
	}
	if doc.Status == fiscal.StatusNumbered {
		if err := s.sign(ctx, t, doc); err != nil {
			return doc, err
		}
	}
	if doc.Status == fiscal.StatusSigned {
		if err := s.submit(ctx, t, doc); err != nil {
			return doc, err
		}
	}
	if doc.Status == fiscal.StatusSubmitted || doc.Status == fiscal.StatusTimedOut {
		if err := s.poll(ctx, t, doc); err != nil {
			return doc, err
		}
	}
	return doc, nil
}

// number allocates the document's sequence number. The counter row lock is
// held until the owning transaction commits; contention is retried with
// backoff up to the configured bound. Once this step commits
// the number is permanently attached: a later failure consumes it (gap
// allowed, reuse never).
func (s *Service) number(ctx context.Context, t *tenant.Tenant, doc *fiscal.Document) error {
	ctx, span := tracer.Start(ctx, "issuance.number")
	defer span.End()

	prevStatus := doc.Status
	prevVersion := doc.Version

	op := func() error {
		// Reset the in-memory entity on retry of a failed transaction
		doc.Sequential = 0
		doc.Status = prevStatus
		doc.Version = prevVersion

		return s.txManager.Serializable(ctx, func(txCtx context.Context) error {
			n, err := s.allocator.Allocate(txCtx, doc.SequenceKey())
			if err != nil {
				if apperror.IsCode(err, apperror.CodeSequenceContention) {
					return err // retryable
				}
				return backoff.Permanent(err)
			}
			if err := doc.AttachNumber(n); err != nil {
				return backoff.Permanent(err)
			}
			if err := s.docs.Update(txCtx, t.ID.String(), doc); err != nil {
				return backoff.Permanent(err)
			}
			if err := s.trail.Record(txCtx, doc, fiscal.StatusDraft, fiscal.StatusNumbered,
				map[string]any{"number": doc.Number()}); err != nil {
				return backoff.Permanent(err)
			}
			return nil
		})
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.cfg.ContentionRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		logger.Error(ctx, "sequence allocation failed",
			"document_id", doc.ID.String(), "key", doc.SequenceKey().String(), "error", err)
		return err
	}

	logger.Info(ctx, "document numbered",
		"document_id", doc.ID.String(), "number", doc.Number())
	return nil
}

// sign produces the access key and signed payload. Signer failures are
// terminal for the attempt: the document is parked in FAILED keeping its
// number, and a retry goes through ResumeAuthorization reusing that number
// only while still NUMBERED — a FAILED document is reissued instead.
func (s *Service) sign(ctx context.Context, t *tenant.Tenant, doc *fiscal.Document) error {
	ctx, span := tracer.Start(ctx, "issuance.sign")
	defer span.End()

	res, err := s.signer.Sign(ctx, t, doc)
	if err != nil {
		if apperror.IsCredentialError(err) {
			// Credential problems need tenant-admin remediation; keep the
			// document NUMBERED so a later resume reuses the number
			logger.Warn(ctx, "signing blocked on credentials",
				"document_id", doc.ID.String(), "error", err)
			return err
		}
		s.fail(ctx, t, doc, err)
		return err
	}

	from := doc.Status
	if err := doc.Transition(fiscal.StatusSigned); err != nil {
		return err
	}
	doc.AccessKey = res.AccessKey

	err = s.txManager.RunInTransaction(ctx, func(txCtx context.Context) error {
		if err := s.docs.Update(txCtx, t.ID.String(), doc); err != nil {
			return err
		}
		return s.trail.Record(txCtx, doc, from, fiscal.StatusSigned,
			map[string]any{"access_key": doc.AccessKey, "payload": string(res.Payload)})
	})
	if err != nil {
		return err
	}

	doc.SignedPayload = res.Payload
	return nil
}

// submit transmits the signed payload, retrying transient failures with
// exponential backoff up to the attempt budget. The document stays SIGNED
// across transient retries; only acknowledged reception moves it to
// SUBMITTED, and a permanent refusal parks it in FAILED.
func (s *Service) submit(ctx context.Context, t *tenant.Tenant, doc *fiscal.Document) error {
	ctx, span := tracer.Start(ctx, "issuance.submit")
	defer span.End()

	payload := doc.SignedPayload
	if len(payload) == 0 {
		// Resumed after a restart: re-sign deterministically, same access key
		res, err := s.signer.Sign(ctx, t, doc)
		if err != nil {
			return err
		}
		if res.AccessKey != doc.AccessKey {
			err := apperror.NewInternal(nil).WithDetail("reason", "access key drifted on re-sign")
			s.fail(ctx, t, doc, err)
			return err
		}
		payload = res.Payload
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.cfg.SubmitBackoff

	var lastErr error
	for attempt := 1; attempt <= s.cfg.SubmitAttempts; attempt++ {
		_, err := s.authority.Submit(ctx, payload)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err

		if !apperror.IsRetryable(err) {
			logger.Error(ctx, "submission refused",
				"document_id", doc.ID.String(), "error", err)
			s.fail(ctx, t, doc, err)
			return err
		}

		logger.Warn(ctx, "submission attempt failed",
			"document_id", doc.ID.String(), "attempt", attempt, "error", err)
		if attempt < s.cfg.SubmitAttempts {
			select {
			case <-time.After(expo.NextBackOff()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if lastErr != nil {
		s.fail(ctx, t, doc, lastErr)
		return lastErr
	}

	from := doc.Status
	if err := doc.Transition(fiscal.StatusSubmitted); err != nil {
		return err
	}
	return s.txManager.RunInTransaction(ctx, func(txCtx context.Context) error {
		if err := s.docs.Update(txCtx, t.ID.String(), doc); err != nil {
			return err
		}
		return s.trail.Record(txCtx, doc, from, fiscal.StatusSubmitted, nil)
	})
}

// poll queries the verdict until a final answer or the budget runs out.
// Budget exhaustion parks the document in TIMED_OUT: the system never
// fabricates a final status, and a later resume re-enters polling.
func (s *Service) poll(ctx context.Context, t *tenant.Tenant, doc *fiscal.Document) error {
	ctx, span := tracer.Start(ctx, "issuance.poll")
	defer span.End()

	from := doc.Status
	for attempt := 1; attempt <= s.cfg.PollAttempts; attempt++ {
		outcome, err := s.authority.Poll(ctx, doc.AccessKey)
		if err != nil {
			if !apperror.IsRetryable(err) {
				s.fail(ctx, t, doc, err)
				return err
			}
		} else {
			switch outcome.State {
			case authority.StateAuthorized:
				if err := doc.MarkAuthorized(outcome.AuthorizationNumber, outcome.AuthorizedAt); err != nil {
					return err
				}
				logger.Info(ctx, "document authorized",
					"document_id", doc.ID.String(), "authorization", outcome.AuthorizationNumber)
				return s.txManager.RunInTransaction(ctx, func(txCtx context.Context) error {
					if err := s.docs.Update(txCtx, t.ID.String(), doc); err != nil {
						return err
					}
					return s.trail.Record(txCtx, doc, from, fiscal.StatusAuthorized,
						map[string]any{"authorization_number": outcome.AuthorizationNumber})
				})

			case authority.StateRejected:
				if err := doc.MarkRejected(outcome.Reasons); err != nil {
					return err
				}
				logger.Info(ctx, "document rejected",
					"document_id", doc.ID.String(), "reasons", outcome.Reasons)
				return s.txManager.RunInTransaction(ctx, func(txCtx context.Context) error {
					if err := s.docs.Update(txCtx, t.ID.String(), doc); err != nil {
						return err
					}
					return s.trail.Record(txCtx, doc, from, fiscal.StatusRejected,
						map[string]any{"reasons": outcome.Reasons})
				})
			}
			// still pending
		}

		if attempt < s.cfg.PollAttempts {
			select {
			case <-time.After(s.cfg.PollInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if err := doc.Transition(fiscal.StatusTimedOut); err != nil {
		return err
	}
	logger.Warn(ctx, "authorization polling budget exhausted",
		"document_id", doc.ID.String(), "access_key", doc.AccessKey)
	return s.txManager.RunInTransaction(ctx, func(txCtx context.Context) error {
		if err := s.docs.Update(txCtx, t.ID.String(), doc); err != nil {
			return err
		}
		return s.trail.Record(txCtx, doc, from, fiscal.StatusTimedOut, nil)
	})
}

// fail parks the document in FAILED, best-effort: a storage failure here
// is logged, never masks the original error.
func (s *Service) fail(ctx context.Context, t *tenant.Tenant, doc *fiscal.Document, cause error) {
	from := doc.Status
	if err := doc.Transition(fiscal.StatusFailed); err != nil {
		logger.Error(ctx, "cannot mark document failed",
			"document_id", doc.ID.String(), "error", err)
		return
	}
	err := s.txManager.RunInTransaction(ctx, func(txCtx context.Context) error {
		if err := s.docs.Update(txCtx, t.ID.String(), doc); err != nil {
			return err
		}
		return s.trail.Record(txCtx, doc, from, fiscal.StatusFailed,
			map[string]any{"error": cause.Error()})
	})
	if err != nil {
		logger.Error(ctx, "persisting failed state",
			"document_id", doc.ID.String(), "error", err, "original_error", cause)
	}
}
