package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockUnitOfWork struct {
	mock.Mock
}

func (m *mockUnitOfWork) Begin(ctx context.Context) (context.Context, error) {
	args := m.Called(ctx)
	return args.Get(0).(context.Context), args.Error(1)
}

func (m *mockUnitOfWork) Commit(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockUnitOfWork) Rollback(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type ctxKey struct{}

func TestWithUnitOfWork(t *testing.T) {
	t.Run("commits after fn succeeds", func(t *testing.T) {
		uow := new(mockUnitOfWork)
		ctx := context.Background()
		txCtx := context.WithValue(ctx, ctxKey{}, "tx")

		uow.On("Begin", ctx).Return(txCtx, nil)
		uow.On("Commit", txCtx).Return(nil)

		var seen context.Context
		err := WithUnitOfWork(ctx, uow, func(ctx context.Context) error {
			seen = ctx
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, txCtx, seen)
		uow.AssertExpectations(t)
	})

	t.Run("rolls back and returns the fn error", func(t *testing.T) {
		uow := new(mockUnitOfWork)
		ctx := context.Background()
		txCtx := context.WithValue(ctx, ctxKey{}, "tx")
		fnErr := errors.New("slot taken")

		uow.On("Begin", ctx).Return(txCtx, nil)
		uow.On("Rollback", txCtx).Return(errors.New("rollback failed"))

		err := WithUnitOfWork(ctx, uow, func(context.Context) error { return fnErr })

		assert.Equal(t, fnErr, err)
		uow.AssertNotCalled(t, "Commit", mock.Anything)
	})

	t.Run("begin failure skips fn", func(t *testing.T) {
		uow := new(mockUnitOfWork)
		ctx := context.Background()
		uow.On("Begin", ctx).Return(ctx, errors.New("pool exhausted"))

		called := false
		err := WithUnitOfWork(ctx, uow, func(context.Context) error {
			called = true
			return nil
		})

		assert.EqualError(t, err, "pool exhausted")
		assert.False(t, called)
	})
}

type passThroughUoW struct {
	rolledBack bool
}

func (u *passThroughUoW) Begin(ctx context.Context) (context.Context, error) { return ctx, nil }
func (u *passThroughUoW) Commit(context.Context) error                      { return nil }
func (u *passThroughUoW) Rollback(context.Context) error {
	u.rolledBack = true
	return nil
}

func TestWithUnitOfWorkTimeout_BoundsTheWork(t *testing.T) {
	uow := &passThroughUoW{}

	err := WithUnitOfWorkTimeout(context.Background(), uow, 20*time.Millisecond, func(ctx context.Context) error {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		<-ctx.Done()
		return ctx.Err()
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, uow.rolledBack)
}
