package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Registry.Discover", ErrProtocol, `duplicate tool "read_data"`)
	want := `Registry.Discover: duplicate tool "read_data": tool provider protocol error`
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Agent.SubmitTurn", ErrMaxIterations, "")
	want := "Agent.SubmitTurn: agent reached max iterations"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewDomainError("LLM.Chat", ErrProviderNotFound, "groq"))
	var de *DomainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "LLM.Chat", de.Op)
	assert.True(t, errors.Is(err, ErrProviderNotFound))
}

func TestWrapOpNil(t *testing.T) {
	assert.NoError(t, WrapOp("op", nil))
	assert.ErrorIs(t, WrapOp("op", ErrTransport), ErrTransport)
}

func TestClassify(t *testing.T) {
	err := Classify(ErrDecision, ErrRateLimit)
	assert.ErrorIs(t, err, ErrDecision)
	assert.ErrorIs(t, err, ErrRateLimit)

	// Already classified errors are not wrapped twice.
	again := Classify(ErrDecision, err)
	assert.Same(t, err, again)

	assert.NoError(t, Classify(ErrDecision, nil))
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(ErrTransport))
	assert.True(t, IsRetryableError(fmt.Errorf("discover: %w", ErrProviderUnreachable)))
	assert.True(t, IsRetryableError(Classify(ErrDecision, ErrRateLimit)))
	assert.False(t, IsRetryableError(ErrProtocol))
	assert.False(t, IsRetryableError(ErrDecision))
}

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeToolNotFound, ErrorCodeOf(ErrToolNotFound))
	assert.Equal(t, CodeSessionNotFound, ErrorCodeOf(ErrSessionNotFound))
	assert.Equal(t, CodeTransport, ErrorCodeOf(ErrTransport))
	assert.Equal(t, CodeGatewayAuth, ErrorCodeOf(ErrGatewayAuthFailed))
}

func TestErrorCodeOf_ClassWinsOverCause(t *testing.T) {
	err := Classify(ErrDecision, fmt.Errorf("%w: %q", ErrToolNotFound, "drop_table"))
	assert.Equal(t, CodeDecision, ErrorCodeOf(err))

	err = Classify(ErrTransport, context.DeadlineExceeded)
	assert.Equal(t, CodeTransport, ErrorCodeOf(err))
}

func TestErrorCodeOf_DomainError(t *testing.T) {
	err := NewDomainError("SessionManager.Get", ErrSessionNotFound, "01J")
	assert.Equal(t, CodeSessionNotFound, ErrorCodeOf(err))
	assert.Equal(t, CodeSessionNotFound, err.Code())
}

func TestErrorCodeOf_Unknown(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(errors.New("something else")))
	assert.Equal(t, CodeCanceled, ErrorCodeOf(fmt.Errorf("turn: %w", context.Canceled)))
}
