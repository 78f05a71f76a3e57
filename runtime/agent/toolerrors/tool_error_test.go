package toolerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDefaultsMessageWhenEmpty(t *testing.T) {
	err := New("")
	require.Equal(t, "tool error", err.Error())
}

func TestNewPreservesMessage(t *testing.T) {
	err := New("payload too large")
	require.Equal(t, "payload too large", err.Error())
	require.Nil(t, err.Unwrap())
}

func TestNewWithCauseWrapsUnderlyingError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewWithCause("tool call failed", cause)

	require.Equal(t, "tool call failed", err.Error())
	require.Equal(t, "connection refused", err.Unwrap().Error())
}

func TestNewWithCauseFillsMessageFromCauseWhenEmpty(t *testing.T) {
	cause := errors.New("timeout")
	err := NewWithCause("", cause)
	require.Equal(t, "timeout", err.Error())
}

func TestFromErrorReturnsNilForNil(t *testing.T) {
	require.Nil(t, FromError(nil))
}

func TestFromErrorPassesThroughExistingToolError(t *testing.T) {
	original := New("already structured")
	require.Same(t, original, FromError(original))
}

func TestFromErrorWrapsStandardErrorChain(t *testing.T) {
	inner := errors.New("inner failure")
	wrapped := fmt.Errorf("outer: %w", inner)

	te := FromError(wrapped)
	require.Equal(t, wrapped.Error(), te.Error())
	require.NotNil(t, te.Cause)
	require.Equal(t, inner.Error(), te.Cause.Error())
}

func TestErrorfFormatsMessage(t *testing.T) {
	err := Errorf("missing field %q", "name")
	require.Equal(t, `missing field "name"`, err.Error())
}

func TestErrorsIsTraversesCauseChain(t *testing.T) {
	root := New("root cause")
	wrapped := &ToolError{Message: "wrapper", Cause: root}

	require.ErrorIs(t, wrapped, root)
}

func TestNilToolErrorErrorAndUnwrapAreSafe(t *testing.T) {
	var err *ToolError
	require.Equal(t, "", err.Error())
	require.Nil(t, err.Unwrap())
}
