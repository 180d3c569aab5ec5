package apperrors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKinds_MatchSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		kind     Kind
	}{
		{"validation", Validation("slot_ref", "bad"), ErrValidation, KindValidation},
		{"conflict", Conflict("slot", "taken"), ErrConflict, KindConflict},
		{"not found", NotFound("booking", "b1"), ErrNotFound, KindNotFound},
		{"unavailable", Unavailable("dispatch", errors.New("down")), ErrServiceUnavailable, KindServiceUnavailable},
		{"unauthorized", Unauthorized("dispatch", "bad key"), ErrUnauthorized, KindUnauthorized},
		{"internal", Internal("db", errors.New("boom")), ErrInternal, KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)
			assert.Equal(t, tt.kind, KindOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(Validation("f", "m")))
	assert.False(t, IsRetryable(Conflict("slot", "taken")))
	assert.False(t, IsRetryable(NotFound("booking", "1")))
	assert.False(t, IsRetryable(Unauthorized("op", "m")))
	assert.False(t, IsRetryable(Terminal("op", errors.New("x"))))
	assert.True(t, IsRetryable(Unavailable("op", nil)))
	assert.True(t, IsRetryable(Internal("op", errors.New("x"))))
	assert.True(t, IsRetryable(errors.New("unclassified")))
}

func TestIsRetryable_Wrapped(t *testing.T) {
	err := fmt.Errorf("worker: %w", NotFound("booking", "b1"))
	assert.False(t, IsRetryable(err))
	assert.True(t, IsNotFound(err))
}

func TestError_UnwrapsCause(t *testing.T) {
	cause := context.DeadlineExceeded
	err := Unavailable("scheduling.confirm_slot", cause)

	assert.True(t, IsTimeout(err))
	assert.True(t, IsUnavailable(err))
	assert.Contains(t, err.Error(), "scheduling.confirm_slot")
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t, "slot already booked", UserMessage(Conflict("slot", "slot already booked")))
	assert.Equal(t, "something went wrong, please try again", UserMessage(Internal("db", errors.New("password=secret"))))
	assert.Equal(t, "something went wrong, please try again", UserMessage(errors.New("raw")))
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "conflict", KindConflict.String())
	assert.Equal(t, "internal", Kind(99).String())
}
