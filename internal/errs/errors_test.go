package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidation_ListsEveryProblem(t *testing.T) {
	err := Validation([]string{"title is required", "quantity must be greater than 0"})
	assert.True(t, errors.Is(err, ErrValidation))

	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))
	assert.Len(t, ve.Problems, 2)
	assert.Contains(t, err.Error(), "title is required")
	assert.Contains(t, err.Error(), "quantity must be greater than 0")
}

func TestValidation_NilWhenNoProblems(t *testing.T) {
	assert.NoError(t, Validation(nil))
}

func TestTransient(t *testing.T) {
	err := Transient("get listing", context.DeadlineExceeded)
	assert.True(t, IsTransient(err))
	assert.False(t, IsTerminal(err))

	wrapped := fmt.Errorf("accept: %w", err)
	assert.True(t, IsTransient(wrapped))
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(NotFound("listing", "x")))
	assert.True(t, IsTerminal(Forbidden("nope")))
	assert.True(t, IsTerminal(InvalidState("listing is claimed")))
	assert.True(t, IsTerminal(InvalidTransition("available", "completed")))
	assert.True(t, IsTerminal(DuplicateRequest("l", "r")))
	assert.False(t, IsTerminal(errors.New("boom")))
}
