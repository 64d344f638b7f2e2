package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"emisor/internal/core/apperror"
	"emisor/internal/core/sequence"
)

// SQLSTATE codes that mean "the counter row is contended, try again".
const (
	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
	sqlstateLockNotAvailable     = "55P03"
	sqlstateQueryCanceled        = "57014" // statement_timeout hit while waiting
)

// RowQuerier is the minimal query surface the allocator needs.
type RowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SequenceAllocator issues fiscal sequence numbers from the
// sequence_counters table. A single upsert-and-increment statement holds
// the counter's row lock until the surrounding transaction commits, so
// allocation serializes per key across every service instance sharing the
// datastore. Distinct keys lock distinct rows and never block each other.
//
// The allocator must be called inside a transaction: the returned number
// is only safe to use once that transaction commits, and a number
// committed then orphaned by a later failure stays consumed (gap allowed,
// reuse never).
type SequenceAllocator struct {
	// staticQuerier is used in tests; production obtains the open
	// transaction from context via the TxManager
	staticQuerier RowQuerier
	txManager     *TxManager
}

// Ensure compile-time interface compliance.
var _ sequence.Allocator = (*SequenceAllocator)(nil)

// NewSequenceAllocator creates an allocator bound to a TxManager.
func NewSequenceAllocator(txm *TxManager) *SequenceAllocator {
	return &SequenceAllocator{txManager: txm}
}

// NewSequenceAllocatorWithQuerier creates an allocator with a fixed querier.
// Use for tests.
func NewSequenceAllocatorWithQuerier(q RowQuerier) *SequenceAllocator {
	return &SequenceAllocator{staticQuerier: q}
}

func (a *SequenceAllocator) querier(ctx context.Context) RowQuerier {
	if a.staticQuerier != nil {
		return a.staticQuerier
	}
	return a.txManager.GetQuerier(ctx)
}

// Allocate returns the next number for key. The create-if-absent case and
// the increment are one atomic statement, not check-then-act: the INSERT
// either creates the row at 1 or takes the conflict path and increments
// under the row lock.
func (a *SequenceAllocator) Allocate(ctx context.Context, key sequence.Key) (int64, error) {
	if err := key.Validate(); err != nil {
		return 0, apperror.NewValidation(err.Error())
	}

	var num int64
	err := a.querier(ctx).QueryRow(ctx, `
        INSERT INTO sequence_counters (tenant_id, doc_type, establishment, emission_point, current_val)
        VALUES ($1, $2, $3, $4, 1)
        ON CONFLICT (tenant_id, doc_type, establishment, emission_point)
        DO UPDATE SET current_val = sequence_counters.current_val + 1,
                      updated_at  = now()
        RETURNING current_val
	`, key.TenantID, key.DocType, key.Establishment, key.EmissionPoint).Scan(&num)

	if err != nil {
		if isContention(err) {
			return 0, apperror.NewSequenceContention(key.String()).WithCause(err)
		}
		return 0, fmt.Errorf("allocate %s: %w", key, err)
	}
	return num, nil
}

// isContention maps lock/serialization SQLSTATEs to the retryable class.
func isContention(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case sqlstateSerializationFailure, sqlstateDeadlockDetected,
		sqlstateLockNotAvailable, sqlstateQueryCanceled:
		return true
	}
	return false
}
