package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeSurvivesWrapping(t *testing.T) {
	base := New(CodeNotFound, "butler health not registered")
	wrapped := fmt.Errorf("route: %w", base)

	fe, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, CodeNotFound, fe.Code)
	assert.True(t, Is(wrapped, CodeNotFound))
	assert.Equal(t, CodeNotFound, CodeOf(wrapped))
}

func TestUnknownErrorsClassifyInternal(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, CodeInternal, CodeOf(err))
	assert.True(t, Retryable(err))
}

func TestDefaultRetryability(t *testing.T) {
	assert.True(t, New(CodeQueueFull, "").Retryable)
	assert.True(t, New(CodeUnreachable, "").Retryable)
	assert.True(t, New(CodeDeadlineExceeded, "").Retryable)
	assert.False(t, New(CodeInvalidEnvelope, "").Retryable)
	assert.False(t, New(CodeNotPermitted, "").Retryable)
}

func TestApprovalRequiredCarriesHandle(t *testing.T) {
	err := ApprovalRequired("h-123", "transfer requires approval")
	fe, ok := As(error(err))
	require.True(t, ok)
	assert.Equal(t, "h-123", fe.Handle)
	assert.Equal(t, CodeApprovalRequired, fe.Code)
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodeUnreachable, "butler health", cause)
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "unreachable")
}

func TestWithDataDoesNotMutateOriginal(t *testing.T) {
	base := New(CodeToolError, "lookup failed")
	enriched := base.WithData("tool", "state.get")
	assert.Nil(t, base.Data)
	assert.Equal(t, "state.get", enriched.Data["tool"])
}
