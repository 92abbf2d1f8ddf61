package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSyncErrorMessage(t *testing.T) {
	cause := fmt.Errorf("boom")

	e := NewStorageError(OpApply, cause)
	assert.Contains(t, e.Error(), "apply operation failed")
	assert.Contains(t, e.Error(), "store")
	assert.Contains(t, e.Error(), "STORAGE_FAILURE")
	assert.Contains(t, e.Error(), "boom")

	bare := New(OpPush, cause)
	assert.Contains(t, bare.Error(), "push operation failed")
	assert.NotContains(t, bare.Error(), "[")
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("boom")
	e := NewTransportError(OpPull, cause)
	assert.True(t, stderrors.Is(e, cause))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewTransportError(OpPush, fmt.Errorf("x"))))
	assert.True(t, IsRetryable(NewStorageError(OpApply, fmt.Errorf("x"))))
	assert.False(t, IsRetryable(NewMappingError(OpMap, fmt.Errorf("x"))))
	assert.False(t, IsRetryable(NewConfigurationError(OpProvision, fmt.Errorf("x"))))
	assert.False(t, IsRetryable(fmt.Errorf("plain")))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrCodeMappingFailure, CodeOf(NewMappingError(OpMap, fmt.Errorf("x"))))
	assert.Equal(t, ErrorCode(""), CodeOf(fmt.Errorf("plain")))

	wrapped := fmt.Errorf("outer: %w", NewTransportError(OpPull, fmt.Errorf("x")))
	assert.Equal(t, ErrCodeTransportFailure, CodeOf(wrapped))
}

func TestIsMapping(t *testing.T) {
	assert.True(t, IsMapping(NewMappingError(OpMap, fmt.Errorf("x"))))
	assert.False(t, IsMapping(NewStorageError(OpApply, fmt.Errorf("x"))))
}

func TestWrapOpComponent(t *testing.T) {
	cause := fmt.Errorf("boom")

	wrapped := WrapOpComponent(cause, OpTrack, "changelog")
	var se *SyncError
	assert.True(t, stderrors.As(wrapped, &se))
	assert.Equal(t, OpTrack, se.Op)
	assert.Equal(t, "changelog", se.Component)

	assert.Nil(t, WrapOpComponent(nil, OpTrack, "changelog"))

	coded := WrapOpComponentCode(cause, OpApply, "store", ErrCodeStorageFailure)
	assert.True(t, IsRetryable(coded))
	assert.Equal(t, ErrCodeStorageFailure, CodeOf(coded))
}
