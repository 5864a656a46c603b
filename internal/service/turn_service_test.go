package service

import (
	"context"
	"errors"
	"testing"
	"time"

	aimocks "saga-server/internal/ai/mocks"
	"saga-server/internal/messaging"
	msgmocks "saga-server/internal/messaging/mocks"
	"saga-server/internal/models"
	"saga-server/internal/repository/mocks"
	"saga-server/internal/storage"
	"saga-server/internal/urlcache"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type turnMocks struct {
	sessionRepo *mocks.SessionRepositoryMock
	sceneRepo   *mocks.SceneRepositoryMock
	txManager   *mocks.TxManagerMock
	narrator    *aimocks.NarratorMock
	images      *aimocks.ImageGeneratorMock
	publisher   *msgmocks.TurnCommitPublisherMock
}

func newTestTurnService(t *testing.T) (*TurnService, *turnMocks) {
	t.Helper()
	m := &turnMocks{
		sessionRepo: new(mocks.SessionRepositoryMock),
		sceneRepo:   new(mocks.SceneRepositoryMock),
		txManager:   new(mocks.TxManagerMock),
		narrator:    new(aimocks.NarratorMock),
		images:      new(aimocks.ImageGeneratorMock),
		publisher:   new(msgmocks.TurnCommitPublisherMock),
	}
	blobs, err := storage.NewLocalStore(t.TempDir(), "http://localhost/blobs", "secret", zap.NewNop())
	require.NoError(t, err)
	urlCache := urlcache.New(nil, blobs, time.Hour, zap.NewNop())

	locks := NewLockManager(nil, m.sessionRepo, 5*time.Millisecond, 25*time.Millisecond, zap.NewNop())
	chain := NewSceneChainService(nil, m.txManager, m.sessionRepo, m.sceneRepo, urlCache, zap.NewNop())
	svc := NewTurnService(nil, m.sessionRepo, locks, chain,
		m.narrator, m.images, blobs, urlCache, m.publisher, nil, time.Second, zap.NewNop())
	return svc, m
}

func TestTurnService_AdvanceTurn(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	session := &models.GameSession{ID: 1, UserID: userID, Backstory: "a haunted lighthouse"}
	history := []models.Scene{{ID: 10, SessionID: 1, OrderInSession: 0, Narration: "You arrive."}}

	t.Run("schedules the commit and keeps the lock", func(t *testing.T) {
		svc, m := newTestTurnService(t)
		m.sessionRepo.On("GetByID", ctx, nil, int64(1)).Return(session, nil).Once()
		m.sessionRepo.On("TryLock", ctx, nil, int64(1)).Return(int64(4), true, nil).Once()
		m.sceneRepo.On("ListBySession", ctx, nil, int64(1)).Return(history, nil).Once()
		m.narrator.On("GenerateEvent", mock.Anything, userID.String(), session.Backstory, history, "climb the stairs").
			Return("the stairs give way", nil).Once()
		m.narrator.On("GenerateNarration", mock.Anything, userID.String(), session.Backstory, history, "climb the stairs", "the stairs give way").
			Return("The step splinters under your boot.", nil).Once()
		m.narrator.On("GenerateProposedActions", mock.Anything, userID.String(), "the stairs give way", "The step splinters under your boot.").
			Return([]string{"jump", "grab the rail"}, nil).Once()
		m.images.On("GenerateImage", mock.Anything, "the stairs give way").
			Return([]byte("png"), nil).Once()
		m.publisher.On("PublishTurnCommit", mock.Anything, mock.MatchedBy(func(p messaging.TurnCommitPayload) bool {
			return p.SessionID == 1 &&
				p.UserID == userID &&
				p.LockEpoch == 4 &&
				p.ExpectedOrder == 1 &&
				p.Action == "climb the stairs" &&
				p.Scene.Narration == "The step splinters under your boot." &&
				p.Scene.ImagePath != ""
		})).Return(nil).Once()

		result, err := svc.AdvanceTurn(ctx, userID, 1, "climb the stairs")

		require.NoError(t, err)
		assert.True(t, result.Scheduled)
		assert.Equal(t, "The step splinters under your boot.", result.Narration)
		assert.Equal(t, []string{"jump", "grab the rail"}, result.ProposedActions)
		assert.NotEmpty(t, result.ImageURL)
		m.sessionRepo.AssertNotCalled(t, "Unlock", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		m.publisher.AssertExpectations(t)
	})

	t.Run("unlocks when generation fails", func(t *testing.T) {
		svc, m := newTestTurnService(t)
		genErr := errors.New("model unavailable")
		m.sessionRepo.On("GetByID", ctx, nil, int64(1)).Return(session, nil).Once()
		m.sessionRepo.On("TryLock", ctx, nil, int64(1)).Return(int64(4), true, nil).Once()
		m.sceneRepo.On("ListBySession", ctx, nil, int64(1)).Return(history, nil).Once()
		m.narrator.On("GenerateEvent", mock.Anything, userID.String(), session.Backstory, history, "wait").
			Return("", genErr).Once()
		m.sessionRepo.On("Unlock", mock.Anything, nil, int64(1), int64(4)).Return(nil).Once()

		_, err := svc.AdvanceTurn(ctx, userID, 1, "wait")

		assert.ErrorIs(t, err, genErr)
		m.publisher.AssertNotCalled(t, "PublishTurnCommit", mock.Anything, mock.Anything)
		m.sessionRepo.AssertExpectations(t)
	})

	t.Run("releases the lock when the request is cancelled mid generation", func(t *testing.T) {
		svc, m := newTestTurnService(t)
		cancelCtx, cancel := context.WithCancel(ctx)
		m.sessionRepo.On("GetByID", cancelCtx, nil, int64(1)).Return(session, nil).Once()
		m.sessionRepo.On("TryLock", cancelCtx, nil, int64(1)).Return(int64(4), true, nil).Once()
		m.sceneRepo.On("ListBySession", cancelCtx, nil, int64(1)).Return(history, nil).Once()
		m.narrator.On("GenerateEvent", mock.Anything, userID.String(), session.Backstory, history, "wait").
			Run(func(args mock.Arguments) { cancel() }).
			Return("", context.Canceled).Once()
		m.sessionRepo.On("Unlock", mock.MatchedBy(func(c context.Context) bool {
			return c.Err() == nil
		}), nil, int64(1), int64(4)).Return(nil).Once()

		_, err := svc.AdvanceTurn(cancelCtx, userID, 1, "wait")

		assert.ErrorIs(t, err, context.Canceled)
		m.sessionRepo.AssertExpectations(t)
	})

	t.Run("unlocks when the commit cannot be scheduled", func(t *testing.T) {
		svc, m := newTestTurnService(t)
		pubErr := errors.New("broker unavailable")
		m.sessionRepo.On("GetByID", ctx, nil, int64(1)).Return(session, nil).Once()
		m.sessionRepo.On("TryLock", ctx, nil, int64(1)).Return(int64(4), true, nil).Once()
		m.sceneRepo.On("ListBySession", ctx, nil, int64(1)).Return(history, nil).Once()
		m.narrator.On("GenerateEvent", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return("evt", nil).Once()
		m.narrator.On("GenerateNarration", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return("narr", nil).Once()
		m.narrator.On("GenerateProposedActions", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return([]string{"go"}, nil).Once()
		m.images.On("GenerateImage", mock.Anything, "evt").Return([]byte("png"), nil).Once()
		m.publisher.On("PublishTurnCommit", mock.Anything, mock.Anything).Return(pubErr).Once()
		m.sessionRepo.On("Unlock", mock.Anything, nil, int64(1), int64(4)).Return(nil).Once()

		_, err := svc.AdvanceTurn(ctx, userID, 1, "wait")

		assert.ErrorIs(t, err, pubErr)
		m.sessionRepo.AssertExpectations(t)
	})

	t.Run("reports busy when the lock never frees", func(t *testing.T) {
		svc, m := newTestTurnService(t)
		m.sessionRepo.On("GetByID", ctx, nil, int64(1)).Return(session, nil).Once()
		m.sessionRepo.On("TryLock", ctx, nil, int64(1)).Return(int64(0), false, nil)

		_, err := svc.AdvanceTurn(ctx, userID, 1, "wait")

		assert.ErrorIs(t, err, models.ErrLockTimeout)
		m.narrator.AssertNotCalled(t, "GenerateEvent", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("rejects non-owners before touching the lock", func(t *testing.T) {
		svc, m := newTestTurnService(t)
		m.sessionRepo.On("GetByID", ctx, nil, int64(1)).Return(session, nil).Once()

		_, err := svc.AdvanceTurn(ctx, uuid.New(), 1, "wait")

		assert.ErrorIs(t, err, models.ErrUnauthorized)
		m.sessionRepo.AssertNotCalled(t, "TryLock", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("rejects an empty action", func(t *testing.T) {
		svc, m := newTestTurnService(t)

		_, err := svc.AdvanceTurn(ctx, userID, 1, "")

		assert.ErrorIs(t, err, models.ErrInvalidInput)
		m.sessionRepo.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything, mock.Anything)
	})
}
