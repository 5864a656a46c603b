package service

import (
	"context"
	"fmt"
	"time"

	"saga-server/internal/ai"
	"saga-server/internal/messaging"
	"saga-server/internal/models"
	"saga-server/internal/repository"
	"saga-server/internal/storage"
	"saga-server/internal/urlcache"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TurnNotifier pushes turn progress events to the session owner's open
// websocket connections. Delivery is best effort.
type TurnNotifier interface {
	NotifyTurnProgress(userID uuid.UUID, sessionID int64, stage string)
}

// TurnService orchestrates one turn advancement: acquire the session lock,
// run the generation pipeline, schedule the deferred commit, reply. The new
// scene is not persisted on this path; the session stays locked until the
// commit consumer applies it. Generation failure releases the lock so the
// player can retry.
type TurnService struct {
	db                repository.DBTX
	sessionRepo       repository.SessionRepository
	locks             *LockManager
	chain             *SceneChainService
	narrator          ai.Narrator
	images            ai.ImageGenerator
	blobs             storage.BlobStore
	urlCache          *urlcache.Cache
	publisher         messaging.TurnCommitPublisher
	notifier          TurnNotifier
	generationTimeout time.Duration
	logger            *zap.Logger
}

func NewTurnService(
	db repository.DBTX,
	sessionRepo repository.SessionRepository,
	locks *LockManager,
	chain *SceneChainService,
	narrator ai.Narrator,
	images ai.ImageGenerator,
	blobs storage.BlobStore,
	urlCache *urlcache.Cache,
	publisher messaging.TurnCommitPublisher,
	notifier TurnNotifier,
	generationTimeout time.Duration,
	logger *zap.Logger,
) *TurnService {
	return &TurnService{
		db:                db,
		sessionRepo:       sessionRepo,
		locks:             locks,
		chain:             chain,
		narrator:          narrator,
		images:            images,
		blobs:             blobs,
		urlCache:          urlCache,
		publisher:         publisher,
		notifier:          notifier,
		generationTimeout: generationTimeout,
		logger:            logger.Named("TurnService"),
	}
}

// AdvanceTurn runs one turn for the session owner. On success the returned
// result reflects the generated scene with Scheduled set; the caller must not
// assume the scene is readable yet.
func (s *TurnService) AdvanceTurn(ctx context.Context, userID uuid.UUID, sessionID int64, action string) (*models.TurnResult, error) {
	if action == "" {
		return nil, fmt.Errorf("%w: action must not be empty", models.ErrInvalidInput)
	}

	session, err := s.sessionRepo.GetByID(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, models.ErrUnauthorized
	}

	epoch, err := s.locks.LockUntilAcquired(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Turn started",
		zap.Int64("sessionID", sessionID),
		zap.String("userID", userID.String()),
		zap.Int64("lockEpoch", epoch))

	history, err := s.chain.History(ctx, sessionID)
	if err != nil {
		s.abort(ctx, sessionID, epoch, "failed to load history", err)
		return nil, err
	}
	if len(history) == 0 {
		err := fmt.Errorf("session %d has no opening scene", sessionID)
		s.abort(ctx, sessionID, epoch, "empty scene chain", err)
		return nil, err
	}
	expectedOrder := history[len(history)-1].OrderInSession + 1

	generated, err := s.generate(ctx, userID, session.Backstory, history, action)
	if err != nil {
		// Generation produced nothing durable; releasing the lock lets the
		// player retry immediately.
		s.abort(ctx, sessionID, epoch, "generation failed", err)
		return nil, err
	}

	payload := messaging.TurnCommitPayload{
		TaskID:        uuid.NewString(),
		UserID:        userID,
		SessionID:     sessionID,
		LockEpoch:     epoch,
		ExpectedOrder: expectedOrder,
		Action:        action,
		Scene:         *generated,
		EnqueuedAt:    time.Now().UTC(),
	}
	if err := s.publisher.PublishTurnCommit(ctx, payload); err != nil {
		// The commit was never scheduled, so nothing will ever apply it;
		// unlocking is safe and required.
		s.abort(ctx, sessionID, epoch, "commit publish failed", err)
		return nil, err
	}

	s.notify(userID, sessionID, "scheduled")
	s.logger.Info("Turn generation complete, commit scheduled",
		zap.Int64("sessionID", sessionID),
		zap.String("taskID", payload.TaskID),
		zap.Int("expectedOrder", expectedOrder))

	var imageURL string
	if s.urlCache != nil && generated.ImagePath != "" {
		if url, err := s.urlCache.Resolve(ctx, generated.ImagePath, nil, nil, nil); err == nil {
			imageURL = url
		} else {
			s.logger.Warn("Failed to sign fresh scene image URL", zap.Error(err))
		}
	}

	return &models.TurnResult{
		SessionID:       sessionID,
		Narration:       generated.Narration,
		ImageURL:        imageURL,
		ProposedActions: generated.ProposedActions,
		Scheduled:       true,
	}, nil
}

// generate runs the full pipeline under the generation deadline: the oracle
// event first, then the narration chain and the illustration in parallel.
func (s *TurnService) generate(ctx context.Context, userID uuid.UUID, backstory string, history []models.Scene, action string) (*models.GeneratedScene, error) {
	genCtx, cancel := context.WithTimeout(ctx, s.generationTimeout)
	defer cancel()

	s.notify(userID, history[0].SessionID, "generating_event")
	event, err := s.narrator.GenerateEvent(genCtx, userID.String(), backstory, history, action)
	if err != nil {
		return nil, err
	}

	var narration string
	var proposedActions []string
	var imagePath string

	g, gCtx := errgroup.WithContext(genCtx)
	g.Go(func() error {
		s.notify(userID, history[0].SessionID, "generating_narration")
		n, err := s.narrator.GenerateNarration(gCtx, userID.String(), backstory, history, action, event)
		if err != nil {
			return err
		}
		narration = n
		actions, err := s.narrator.GenerateProposedActions(gCtx, userID.String(), event, n)
		if err != nil {
			return err
		}
		proposedActions = actions
		return nil
	})
	g.Go(func() error {
		s.notify(userID, history[0].SessionID, "generating_image")
		data, err := s.images.GenerateImage(gCtx, event)
		if err != nil {
			return err
		}
		path, err := s.blobs.Upload(gCtx, "scenes", data)
		if err != nil {
			return err
		}
		imagePath = path
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &models.GeneratedScene{
		Event:           event,
		Narration:       narration,
		ImagePath:       imagePath,
		ProposedActions: proposedActions,
	}, nil
}

const abortUnlockTimeout = 5 * time.Second

// abort releases the lock after a failed turn. An unlock failure here is only
// logged: the original error is what the caller needs, and a session stuck
// locked surfaces through the lock state endpoint. The unlock runs on a
// detached context: a cancelled request is itself a common cause of the
// failure, and the lock must be released even then.
func (s *TurnService) abort(ctx context.Context, sessionID, epoch int64, reason string, cause error) {
	s.logger.Error("Turn aborted",
		zap.Int64("sessionID", sessionID),
		zap.Int64("lockEpoch", epoch),
		zap.String("reason", reason),
		zap.Error(cause))
	unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortUnlockTimeout)
	defer cancel()
	if err := s.locks.Unlock(unlockCtx, sessionID, epoch); err != nil {
		s.logger.Error("Failed to release lock after aborted turn",
			zap.Int64("sessionID", sessionID),
			zap.Int64("lockEpoch", epoch),
			zap.Error(err))
	}
}

func (s *TurnService) notify(userID uuid.UUID, sessionID int64, stage string) {
	if s.notifier != nil {
		s.notifier.NotifyTurnProgress(userID, sessionID, stage)
	}
}
