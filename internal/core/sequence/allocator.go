// Package sequence provides the domain contract for fiscal document numbering.
// Implementations live in the infrastructure layer.
package sequence

import (
	"context"
	"fmt"
)

// Key identifies one counter: a tenant, a document type, and the point of
// sale that emits the document. Numbers are strictly increasing per key;
// distinct keys never block each other.
type Key struct {
	TenantID      string
	DocType       string
	Establishment string
	EmissionPoint string
}

// String renders the key for logs and error details.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s-%s", k.TenantID, k.DocType, k.Establishment, k.EmissionPoint)
}

// Validate checks the fixed-width point-of-sale codes.
func (k Key) Validate() error {
	if k.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if len(k.DocType) != 2 {
		return fmt.Errorf("document type must be 2 digits, got %q", k.DocType)
	}
	if len(k.Establishment) != 3 {
		return fmt.Errorf("establishment must be 3 digits, got %q", k.Establishment)
	}
	if len(k.EmissionPoint) != 3 {
		return fmt.Errorf("emission point must be 3 digits, got %q", k.EmissionPoint)
	}
	return nil
}

// Allocator issues the next sequence number for a key.
//
// An allocation must run inside a unit of work that holds an exclusive lock
// on the counter row until commit; two concurrent allocations for the same
// key never observe the same number. A number committed and then orphaned
// by a later failure is consumed: gaps are legal, reuse is not.
type Allocator interface {
	// Allocate returns the next number for key, creating the counter
	// atomically on first use. Lock-wait timeouts surface as a retryable
	// contention error, never a hang.
	Allocate(ctx context.Context, key Key) (int64, error)
}
