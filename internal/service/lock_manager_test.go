package service

import (
	"context"
	"testing"
	"time"

	"saga-server/internal/models"
	"saga-server/internal/repository/mocks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLockManager(sessionRepo *mocks.SessionRepositoryMock, pollInterval, waitTimeout time.Duration) *LockManager {
	return NewLockManager(nil, sessionRepo, pollInterval, waitTimeout, zap.NewNop())
}

func TestLockManager_TryLock(t *testing.T) {
	ctx := context.Background()

	t.Run("acquires and returns new epoch", func(t *testing.T) {
		sessionRepo := new(mocks.SessionRepositoryMock)
		sessionRepo.On("TryLock", ctx, nil, int64(7)).Return(int64(3), true, nil).Once()

		m := newTestLockManager(sessionRepo, 10*time.Millisecond, time.Second)
		epoch, acquired, err := m.TryLock(ctx, 7)

		require.NoError(t, err)
		assert.True(t, acquired)
		assert.Equal(t, int64(3), epoch)
		sessionRepo.AssertExpectations(t)
	})

	t.Run("reports busy without error", func(t *testing.T) {
		sessionRepo := new(mocks.SessionRepositoryMock)
		sessionRepo.On("TryLock", ctx, nil, int64(7)).Return(int64(0), false, nil).Once()

		m := newTestLockManager(sessionRepo, 10*time.Millisecond, time.Second)
		_, acquired, err := m.TryLock(ctx, 7)

		require.NoError(t, err)
		assert.False(t, acquired)
	})
}

func TestLockManager_LockUntilAcquired(t *testing.T) {
	ctx := context.Background()

	t.Run("returns immediately when free", func(t *testing.T) {
		sessionRepo := new(mocks.SessionRepositoryMock)
		sessionRepo.On("TryLock", ctx, nil, int64(1)).Return(int64(5), true, nil).Once()

		m := newTestLockManager(sessionRepo, 10*time.Millisecond, time.Second)
		epoch, err := m.LockUntilAcquired(ctx, 1)

		require.NoError(t, err)
		assert.Equal(t, int64(5), epoch)
		sessionRepo.AssertNumberOfCalls(t, "TryLock", 1)
	})

	t.Run("polls until the holder releases", func(t *testing.T) {
		sessionRepo := new(mocks.SessionRepositoryMock)
		sessionRepo.On("TryLock", ctx, nil, int64(1)).Return(int64(0), false, nil).Twice()
		sessionRepo.On("TryLock", ctx, nil, int64(1)).Return(int64(9), true, nil).Once()

		m := newTestLockManager(sessionRepo, 5*time.Millisecond, time.Second)
		epoch, err := m.LockUntilAcquired(ctx, 1)

		require.NoError(t, err)
		assert.Equal(t, int64(9), epoch)
		sessionRepo.AssertNumberOfCalls(t, "TryLock", 3)
	})

	t.Run("times out while held", func(t *testing.T) {
		sessionRepo := new(mocks.SessionRepositoryMock)
		sessionRepo.On("TryLock", ctx, nil, int64(1)).Return(int64(0), false, nil)

		m := newTestLockManager(sessionRepo, 5*time.Millisecond, 30*time.Millisecond)
		_, err := m.LockUntilAcquired(ctx, 1)

		assert.ErrorIs(t, err, models.ErrLockTimeout)
	})

	t.Run("stops when the context is cancelled", func(t *testing.T) {
		cancelCtx, cancel := context.WithCancel(ctx)
		sessionRepo := new(mocks.SessionRepositoryMock)
		sessionRepo.On("TryLock", cancelCtx, nil, int64(1)).
			Return(int64(0), false, nil).
			Run(func(args mock.Arguments) { cancel() })

		m := newTestLockManager(sessionRepo, 50*time.Millisecond, time.Second)
		_, err := m.LockUntilAcquired(cancelCtx, 1)

		assert.ErrorIs(t, err, context.Canceled)
	})
}
