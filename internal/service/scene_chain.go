package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"saga-server/internal/models"
	"saga-server/internal/repository"
	"saga-server/internal/urlcache"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SceneChainService owns the append-only scene chain of a session. Orders are
// dense from zero; exactly one live scene per session has a NULL action (the
// open tail). Appending closes the tail and inserts the new tail in one
// transaction, so readers never observe a half-applied turn.
type SceneChainService struct {
	db          repository.DBTX
	txManager   repository.TxManager
	sessionRepo repository.SessionRepository
	sceneRepo   repository.SceneRepository
	urlCache    *urlcache.Cache
	logger      *zap.Logger
}

func NewSceneChainService(
	db repository.DBTX,
	txManager repository.TxManager,
	sessionRepo repository.SessionRepository,
	sceneRepo repository.SceneRepository,
	urlCache *urlcache.Cache,
	logger *zap.Logger,
) *SceneChainService {
	return &SceneChainService{
		db:          db,
		txManager:   txManager,
		sessionRepo: sessionRepo,
		sceneRepo:   sceneRepo,
		urlCache:    urlCache,
		logger:      logger.Named("SceneChainService"),
	}
}

// AppendAt appends a generated scene at expectedOrder, closing the current
// tail with action. models.ErrTurnAlreadyApplied means a scene at or past
// expectedOrder already exists, which a redelivered commit treats as success.
// For the opening scene expectedOrder is zero and action is empty.
func (s *SceneChainService) AppendAt(ctx context.Context, sessionID int64, expectedOrder int, action string, generated models.GeneratedScene, at time.Time) error {
	return s.txManager.WithTransaction(ctx, func(ctx context.Context, tx repository.DBTX) error {
		querier := s.querier(tx)

		tail, err := s.sceneRepo.GetTailForUpdate(ctx, querier, sessionID)
		switch {
		case err == nil:
			if tail.OrderInSession >= expectedOrder {
				return models.ErrTurnAlreadyApplied
			}
			if tail.OrderInSession != expectedOrder-1 {
				return fmt.Errorf("scene chain of session %d has tail order %d, cannot append at %d",
					sessionID, tail.OrderInSession, expectedOrder)
			}
			if err := s.sceneRepo.Close(ctx, querier, tail.ID, action, at); err != nil {
				return err
			}
		case errors.Is(err, models.ErrSceneNotFound):
			if expectedOrder != 0 {
				return fmt.Errorf("scene chain of session %d is empty, cannot append at %d", sessionID, expectedOrder)
			}
		default:
			return err
		}

		return s.sceneRepo.Create(ctx, querier, &models.Scene{
			SessionID:       sessionID,
			OrderInSession:  expectedOrder,
			Narration:       generated.Narration,
			Event:           generated.Event,
			ImagePath:       generated.ImagePath,
			ProposedActions: generated.ProposedActions,
		})
	})
}

// ReadAll returns the caller's view of the whole chain in order.
func (s *SceneChainService) ReadAll(ctx context.Context, userID uuid.UUID, sessionID int64) ([]models.SceneView, error) {
	if _, err := s.ownedSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	scenes, err := s.sceneRepo.ListBySession(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}
	views := make([]models.SceneView, 0, len(scenes))
	for i := range scenes {
		views = append(views, s.toView(ctx, &scenes[i]))
	}
	return views, nil
}

// ReadAt returns the caller's view of the scene at the given order.
func (s *SceneChainService) ReadAt(ctx context.Context, userID uuid.UUID, sessionID int64, order int) (*models.SceneView, error) {
	if _, err := s.ownedSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	if order < 0 {
		return nil, models.ErrSceneNotFound
	}
	scene, err := s.sceneRepo.GetByOrder(ctx, s.db, sessionID, order)
	if err != nil {
		return nil, err
	}
	view := s.toView(ctx, scene)
	return &view, nil
}

// Length returns the number of live scenes in the chain.
func (s *SceneChainService) Length(ctx context.Context, userID uuid.UUID, sessionID int64) (int, error) {
	if _, err := s.ownedSession(ctx, userID, sessionID); err != nil {
		return 0, err
	}
	return s.sceneRepo.CountBySession(ctx, s.db, sessionID)
}

// History returns the raw chain, bypassing the view projection. Used by the
// orchestrator, which needs the oracle events as generation context.
func (s *SceneChainService) History(ctx context.Context, sessionID int64) ([]models.Scene, error) {
	return s.sceneRepo.ListBySession(ctx, s.db, sessionID)
}

// ownedSession resolves the session and hides its existence from non-owners.
func (s *SceneChainService) ownedSession(ctx context.Context, userID uuid.UUID, sessionID int64) (*models.GameSession, error) {
	session, err := s.sessionRepo.GetByID(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, models.ErrNotFound
	}
	return session, nil
}

// toView projects a scene for the client, refreshing its signed image URL.
// URL resolution failures degrade to an empty URL rather than failing the
// read; the image is decoration, the narration is the data.
func (s *SceneChainService) toView(ctx context.Context, scene *models.Scene) models.SceneView {
	var imageURL string
	if s.urlCache != nil && scene.ImagePath != "" {
		sceneID := scene.ID
		url, err := s.urlCache.Resolve(ctx, scene.ImagePath, scene.ImageURL, scene.ImageURLExpiresAt,
			func(ctx context.Context, url string, expiresAt time.Time) error {
				return s.sceneRepo.UpdateImageURL(ctx, s.db, sceneID, url, expiresAt)
			})
		if err != nil {
			s.logger.Warn("Failed to resolve scene image URL",
				zap.Int64("sceneID", scene.ID),
				zap.Error(err))
		} else {
			imageURL = url
		}
	}
	return models.SceneView{
		OrderInSession:  scene.OrderInSession,
		Narration:       scene.Narration,
		ImageURL:        imageURL,
		ProposedActions: scene.ProposedActions,
		Action:          scene.Action,
		ActionAt:        scene.ActionAt,
	}
}

// querier prefers the transaction when one is supplied; unit tests drive the
// transaction manager with a nil tx and fall back to the pool.
func (s *SceneChainService) querier(tx repository.DBTX) repository.DBTX {
	if tx != nil {
		return tx
	}
	return s.db
}
