package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrCodeNotFound, CodeOf(NotFound("template", "tpl-1")))
	assert.Equal(t, ErrCodeInvalidState, CodeOf(InvalidState("not draft")))
	assert.Equal(t, ErrCodeDuplicateVersion, CodeOf(DuplicateVersion("tt-5", "1.0")))
	assert.Equal(t, ErrCodeAlreadyProcessed, CodeOf(AlreadyProcessed("apr-1")))
	assert.Equal(t, ErrCodeForbidden, CodeOf(Forbidden("nope")))
	assert.Equal(t, ErrCodeValidation, CodeOf(InvalidInput("name", "required")))

	assert.Equal(t, ErrCodeInternal, CodeOf(fmt.Errorf("plain error")))
	assert.Equal(t, ErrCodeInternal, CodeOf(nil))
}

func TestCodeOf_Wrapped(t *testing.T) {
	inner := NotFound("approval", "apr-1")
	outer := fmt.Errorf("processing failed: %w", inner)

	assert.Equal(t, ErrCodeNotFound, CodeOf(outer))
	assert.True(t, IsCode(outer, ErrCodeNotFound))
	assert.False(t, IsCode(outer, ErrCodeForbidden))
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(cause, ErrCodeInternal, "failed to query templates")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "failed to query templates")
	assert.Contains(t, err.Error(), "connection refused")
}
