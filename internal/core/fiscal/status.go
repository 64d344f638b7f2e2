package fiscal

import "emisor/internal/core/apperror"

// Status is the lifecycle state of a fiscal document.
//
//	DRAFT → NUMBERED → SIGNED → SUBMITTED → AUTHORIZED | REJECTED | TIMED_OUT
//
// FAILED is reachable from any non-terminal state on unrecoverable local
// error. AUTHORIZED, REJECTED and FAILED are terminal; TIMED_OUT is not —
// the external submission is still pending and may be resumed.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusNumbered   Status = "numbered"
	StatusSigned     Status = "signed"
	StatusSubmitted  Status = "submitted"
	StatusAuthorized Status = "authorized"
	StatusRejected   Status = "rejected"
	StatusTimedOut   Status = "timed_out"
	StatusFailed     Status = "failed"
)

// transitions lists every legal edge of the state machine.
var transitions = map[Status][]Status{
	StatusDraft:     {StatusNumbered, StatusFailed},
	StatusNumbered:  {StatusSigned, StatusFailed},
	StatusSigned:    {StatusSubmitted, StatusFailed},
	StatusSubmitted: {StatusAuthorized, StatusRejected, StatusTimedOut, StatusFailed},
	// TIMED_OUT means still pending externally; resuming re-enters polling
	StatusTimedOut: {StatusAuthorized, StatusRejected, StatusTimedOut, StatusFailed},
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusAuthorized, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether the edge s → to is legal.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a structured error for an illegal edge.
func (s Status) CheckTransition(to Status) error {
	if s.Terminal() {
		return apperror.NewDocumentTerminal(nil, string(s))
	}
	if !s.CanTransition(to) {
		return apperror.NewInvalidTransition(string(s), string(to))
	}
	return nil
}
