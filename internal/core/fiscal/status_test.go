package fiscal

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"emisor/internal/core/apperror"
)

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusAuthorized.Terminal())
	assert.True(t, StatusRejected.Terminal())
	assert.True(t, StatusFailed.Terminal())

	assert.False(t, StatusDraft.Terminal())
	assert.False(t, StatusNumbered.Terminal())
	assert.False(t, StatusSigned.Terminal())
	assert.False(t, StatusSubmitted.Terminal())
	assert.False(t, StatusTimedOut.Terminal(), "timed out documents can be resumed")
}

func TestStatusCanTransition(t *testing.T) {
	// Happy path edges.
	assert.True(t, StatusDraft.CanTransition(StatusNumbered))
	assert.True(t, StatusNumbered.CanTransition(StatusSigned))
	assert.True(t, StatusSigned.CanTransition(StatusSubmitted))
	assert.True(t, StatusSubmitted.CanTransition(StatusAuthorized))
	assert.True(t, StatusSubmitted.CanTransition(StatusRejected))
	assert.True(t, StatusSubmitted.CanTransition(StatusTimedOut))

	// A resumed timed-out document re-enters polling and may time out again.
	assert.True(t, StatusTimedOut.CanTransition(StatusTimedOut))
	assert.True(t, StatusTimedOut.CanTransition(StatusAuthorized))
	assert.True(t, StatusTimedOut.CanTransition(StatusRejected))

	// Every non-terminal state can fail.
	for _, s := range []Status{StatusDraft, StatusNumbered, StatusSigned, StatusSubmitted, StatusTimedOut} {
		assert.True(t, s.CanTransition(StatusFailed), "%s -> failed", s)
	}

	// No skipping steps.
	assert.False(t, StatusDraft.CanTransition(StatusSigned))
	assert.False(t, StatusDraft.CanTransition(StatusSubmitted))
	assert.False(t, StatusNumbered.CanTransition(StatusSubmitted))
	assert.False(t, StatusSigned.CanTransition(StatusAuthorized))

	// No leaving terminal states.
	assert.False(t, StatusAuthorized.CanTransition(StatusSubmitted))
	assert.False(t, StatusRejected.CanTransition(StatusDraft))
	assert.False(t, StatusFailed.CanTransition(StatusDraft))
}

func TestStatusCheckTransition(t *testing.T) {
	assert.NoError(t, StatusDraft.CheckTransition(StatusNumbered))

	err := StatusAuthorized.CheckTransition(StatusSubmitted)
	assert.True(t, apperror.IsCode(err, apperror.CodeDocumentTerminal))

	err = StatusDraft.CheckTransition(StatusSubmitted)
	assert.True(t, apperror.IsCode(err, apperror.CodeInvalidTransition))
}
