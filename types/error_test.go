package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrAdapterFailed, "adapter failed").
		WithCause(root).
		WithHTTPStatus(502).
		WithRetryable(true).
		WithAdapter("codex")

	assert.Equal(t, ErrAdapterFailed, GetErrorCode(err))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, root)
	assert.Equal(t, "codex", err.Adapter)
	assert.Contains(t, err.Error(), "ADAPTER_FAILED")
	assert.Contains(t, err.Error(), "root")
}

func TestError_WrappedLookup(t *testing.T) {
	t.Parallel()

	inner := Errorf(ErrChainExhausted, "all %d adapters unavailable", 3)
	wrapped := fmt.Errorf("execute: %w", inner)

	assert.True(t, IsErrorCode(wrapped, ErrChainExhausted))
	e, ok := AsError(wrapped)
	assert.True(t, ok)
	assert.Equal(t, "all 3 adapters unavailable", e.Message)
	assert.False(t, IsRetryable(wrapped))
}

func TestIsFatal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code  ErrorCode
		fatal bool
	}{
		{ErrConfigInvalid, true},
		{ErrUnknownPlatform, true},
		{ErrChainExhausted, true},
		{ErrAdapterTimeout, false},
		{ErrPreservationFailed, false},
		{ErrCircuitOpen, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.fatal, IsFatal(NewError(tt.code, "x")))
		})
	}
	assert.False(t, IsFatal(errors.New("plain")))
	assert.Equal(t, ErrorCode(""), GetErrorCode(nil))
}
