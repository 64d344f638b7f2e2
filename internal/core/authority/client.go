// Package authority provides domain contracts for the external tax-authority
// protocol. The protocol is two-phase: reception acknowledges receipt of a
// submission (syntactic acceptance), authorization approves its content
// (semantic approval). A successful submit does NOT imply approval.
// Implementations live in the infrastructure layer.
package authority

import (
	"context"
	"time"
)

// State of an authorization query.
type State string

const (
	StatePending    State = "pending"
	StateAuthorized State = "authorized"
	StateRejected   State = "rejected"
)

// Receipt acknowledges reception of a submission.
type Receipt struct {
	ReceivedAt time.Time
}

// Outcome of polling the authorization endpoint.
type Outcome struct {
	State State

	// Set when State == StateAuthorized
	AuthorizationNumber string
	AuthorizedAt        time.Time

	// Set when State == StateRejected
	Reasons []string
}

// Client talks to the external tax-authority service.
//
// Failures are classified through apperror: network and service-unavailable
// conditions are transient (retryable with backoff), structurally invalid
// payloads are permanent and must not be retried unchanged. Calls are
// bounded by a timeout and stateless per call.
type Client interface {
	// Submit transmits a signed payload to the reception endpoint.
	Submit(ctx context.Context, payload []byte) (*Receipt, error)

	// Poll queries the authorization endpoint for an access key.
	Poll(ctx context.Context, accessKey string) (*Outcome, error)
}
