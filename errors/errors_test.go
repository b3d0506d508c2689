package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type claimError struct {
	code string
}

func (e *claimError) Error() string {
	return "claim " + e.code
}

func TestWrapPreservesIdentity(t *testing.T) {
	base := New("disk full")
	wrapped := Wrapf(base, "failed to insert task %s", "Q2026101512000012")

	assert.True(t, Is(wrapped, base))
	assert.Contains(t, wrapped.Error(), "failed to insert task Q2026101512000012")
	assert.Contains(t, wrapped.Error(), "disk full")
}

func TestAsFindsTypedError(t *testing.T) {
	wrapped := Wrap(&claimError{code: "Q1"}, "worker")

	var target *claimError
	require.True(t, As(wrapped, &target))
	assert.Equal(t, "Q1", target.code)
}

func TestHintsAndDetailsSurviveWrapping(t *testing.T) {
	err := New("spawn failed")
	err = WithDetail(err, "Task code: Q1")
	err = WithHint(err, "check queue.binary")
	err = Wrap(err, "dispatch")

	assert.Contains(t, GetAllDetails(err), "Task code: Q1")
	assert.Contains(t, GetAllHints(err), "check queue.binary")
}

func TestStackTraceIsRecorded(t *testing.T) {
	err := New("with stack")
	assert.Contains(t, fmt.Sprintf("%+v", err), "errors_test.go")
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, WithHint(nil, "hint"))
	assert.Nil(t, WithDetail(nil, "detail"))
}

func TestSentinelHelpers(t *testing.T) {
	notFound := Wrapf(ErrNotFound, "task %s", "Q1")
	assert.True(t, IsNotFoundError(notFound))
	assert.Contains(t, notFound.Error(), "task Q1")
	assert.False(t, IsConflictError(notFound))

	conflict := Wrap(ErrConflict, "title already queued")
	assert.True(t, IsConflictError(conflict))

	invalid := Wrap(ErrInvalidRequest, "empty command")
	assert.True(t, IsInvalidRequestError(invalid))

	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsConflictError(nil))
}

func ExampleWrap() {
	err := Wrap(New("connection refused"), "failed to open task store")
	fmt.Println(err)
	// Output: failed to open task store: connection refused
}
