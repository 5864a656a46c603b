package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"saga-server/internal/models"
	"saga-server/internal/repository/mocks"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type chainMocks struct {
	tx          *mocks.TxManagerMock
	sessionRepo *mocks.SessionRepositoryMock
	sceneRepo   *mocks.SceneRepositoryMock
}

func newTestChain() (*SceneChainService, *chainMocks) {
	m := &chainMocks{
		tx:          new(mocks.TxManagerMock),
		sessionRepo: new(mocks.SessionRepositoryMock),
		sceneRepo:   new(mocks.SceneRepositoryMock),
	}
	chain := NewSceneChainService(nil, m.tx, m.sessionRepo, m.sceneRepo, nil, zap.NewNop())
	return chain, m
}

func TestSceneChainService_AppendAt(t *testing.T) {
	ctx := context.Background()
	generated := models.GeneratedScene{
		Event:           "the bridge collapses",
		Narration:       "You hear a crack behind you.",
		ImagePath:       "scenes/abc.png",
		ProposedActions: []string{"run", "look back"},
	}
	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	t.Run("closes the tail and appends the new scene", func(t *testing.T) {
		chain, m := newTestChain()
		m.tx.On("WithTransaction", ctx, mock.Anything).Return(nil).Once()
		m.sceneRepo.On("GetTailForUpdate", ctx, nil, int64(1)).
			Return(&models.Scene{ID: 10, SessionID: 1, OrderInSession: 2}, nil).Once()
		m.sceneRepo.On("Close", ctx, nil, int64(10), "cross the bridge", at).Return(nil).Once()
		m.sceneRepo.On("Create", ctx, nil, mock.MatchedBy(func(s *models.Scene) bool {
			return s.SessionID == 1 && s.OrderInSession == 3 && s.Narration == generated.Narration
		})).Return(nil).Once()

		err := chain.AppendAt(ctx, 1, 3, "cross the bridge", generated, at)

		require.NoError(t, err)
		m.sceneRepo.AssertExpectations(t)
	})

	t.Run("reports already applied when the scene exists", func(t *testing.T) {
		chain, m := newTestChain()
		m.tx.On("WithTransaction", ctx, mock.Anything).Return(nil).Once()
		m.sceneRepo.On("GetTailForUpdate", ctx, nil, int64(1)).
			Return(&models.Scene{ID: 11, SessionID: 1, OrderInSession: 3}, nil).Once()

		err := chain.AppendAt(ctx, 1, 3, "cross the bridge", generated, at)

		assert.ErrorIs(t, err, models.ErrTurnAlreadyApplied)
		m.sceneRepo.AssertNotCalled(t, "Close", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		m.sceneRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("rejects an order gap", func(t *testing.T) {
		chain, m := newTestChain()
		m.tx.On("WithTransaction", ctx, mock.Anything).Return(nil).Once()
		m.sceneRepo.On("GetTailForUpdate", ctx, nil, int64(1)).
			Return(&models.Scene{ID: 10, SessionID: 1, OrderInSession: 1}, nil).Once()

		err := chain.AppendAt(ctx, 1, 3, "cross the bridge", generated, at)

		require.Error(t, err)
		assert.NotErrorIs(t, err, models.ErrTurnAlreadyApplied)
	})

	t.Run("appends the opening scene to an empty chain", func(t *testing.T) {
		chain, m := newTestChain()
		m.tx.On("WithTransaction", ctx, mock.Anything).Return(nil).Once()
		m.sceneRepo.On("GetTailForUpdate", ctx, nil, int64(1)).
			Return(nil, models.ErrSceneNotFound).Once()
		m.sceneRepo.On("Create", ctx, nil, mock.MatchedBy(func(s *models.Scene) bool {
			return s.OrderInSession == 0
		})).Return(nil).Once()

		err := chain.AppendAt(ctx, 1, 0, "", generated, at)

		require.NoError(t, err)
		m.sceneRepo.AssertNotCalled(t, "Close", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("treats a wrapped tail-not-found as an empty chain", func(t *testing.T) {
		chain, m := newTestChain()
		m.tx.On("WithTransaction", ctx, mock.Anything).Return(nil).Once()
		m.sceneRepo.On("GetTailForUpdate", ctx, nil, int64(1)).
			Return(nil, fmt.Errorf("tail of session 1: %w", models.ErrSceneNotFound)).Once()
		m.sceneRepo.On("Create", ctx, nil, mock.Anything).Return(nil).Once()

		err := chain.AppendAt(ctx, 1, 0, "", generated, at)

		require.NoError(t, err)
	})

	t.Run("rejects non-zero order on an empty chain", func(t *testing.T) {
		chain, m := newTestChain()
		m.tx.On("WithTransaction", ctx, mock.Anything).Return(nil).Once()
		m.sceneRepo.On("GetTailForUpdate", ctx, nil, int64(1)).
			Return(nil, models.ErrSceneNotFound).Once()

		err := chain.AppendAt(ctx, 1, 2, "go", generated, at)

		require.Error(t, err)
	})
}

func TestSceneChainService_Reads(t *testing.T) {
	ctx := context.Background()
	owner := uuid.New()
	stranger := uuid.New()

	t.Run("hides the chain from non-owners", func(t *testing.T) {
		chain, m := newTestChain()
		m.sessionRepo.On("GetByID", ctx, nil, int64(1)).
			Return(&models.GameSession{ID: 1, UserID: owner}, nil)

		_, err := chain.ReadAll(ctx, stranger, 1)
		assert.ErrorIs(t, err, models.ErrNotFound)

		_, err = chain.ReadAt(ctx, stranger, 1, 0)
		assert.ErrorIs(t, err, models.ErrNotFound)

		_, err = chain.Length(ctx, stranger, 1)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("rejects negative scene order", func(t *testing.T) {
		chain, m := newTestChain()
		m.sessionRepo.On("GetByID", ctx, nil, int64(1)).
			Return(&models.GameSession{ID: 1, UserID: owner}, nil)

		_, err := chain.ReadAt(ctx, owner, 1, -1)
		assert.ErrorIs(t, err, models.ErrSceneNotFound)
	})

	t.Run("projects scenes without the oracle event", func(t *testing.T) {
		chain, m := newTestChain()
		action := "open the door"
		m.sessionRepo.On("GetByID", ctx, nil, int64(1)).
			Return(&models.GameSession{ID: 1, UserID: owner}, nil)
		m.sceneRepo.On("ListBySession", ctx, nil, int64(1)).Return([]models.Scene{
			{ID: 1, SessionID: 1, OrderInSession: 0, Narration: "You wake up.", Event: "secret", Action: &action},
			{ID: 2, SessionID: 1, OrderInSession: 1, Narration: "The door creaks.", Event: "secret too"},
		}, nil)

		views, err := chain.ReadAll(ctx, owner, 1)

		require.NoError(t, err)
		require.Len(t, views, 2)
		assert.Equal(t, 0, views[0].OrderInSession)
		assert.Equal(t, &action, views[0].Action)
		assert.Nil(t, views[1].Action)
	})
}
