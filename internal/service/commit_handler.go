package service

import (
	"context"
	"errors"

	"saga-server/internal/messaging"
	"saga-server/internal/models"
	"saga-server/internal/repository"

	"go.uber.org/zap"
)

// DeferredCommitHandler applies turn commit tasks from the queue. Deliveries
// are at-least-once, so every decision here must be safe to repeat:
//   - a task whose fencing epoch no longer matches the lock is stale and is
//     dropped without touching the chain;
//   - an append that finds the scene already present unlocks and settles,
//     covering redelivery after a crash between commit and ack;
//   - an append failure propagates, which dead-letters the task and leaves
//     the session locked for the operator alert path.
type DeferredCommitHandler struct {
	db          repository.DBTX
	sessionRepo repository.SessionRepository
	chain       *SceneChainService
	locks       *LockManager
	notifier    TurnNotifier
	logger      *zap.Logger
}

var _ messaging.TurnCommitHandler = (*DeferredCommitHandler)(nil)

func NewDeferredCommitHandler(
	db repository.DBTX,
	sessionRepo repository.SessionRepository,
	chain *SceneChainService,
	locks *LockManager,
	notifier TurnNotifier,
	logger *zap.Logger,
) *DeferredCommitHandler {
	return &DeferredCommitHandler{
		db:          db,
		sessionRepo: sessionRepo,
		chain:       chain,
		locks:       locks,
		notifier:    notifier,
		logger:      logger.Named("DeferredCommitHandler"),
	}
}

func (h *DeferredCommitHandler) HandleTurnCommit(ctx context.Context, payload messaging.TurnCommitPayload) error {
	session, err := h.sessionRepo.GetByID(ctx, h.db, payload.SessionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// The session was deleted while the task was in flight; there is
			// nothing left to commit to.
			h.logger.Warn("Dropping commit for deleted session",
				zap.String("taskID", payload.TaskID),
				zap.Int64("sessionID", payload.SessionID))
			return nil
		}
		return err
	}

	if !session.IsLocked || session.LockEpoch != payload.LockEpoch {
		h.logger.Warn("Dropping stale commit task",
			zap.String("taskID", payload.TaskID),
			zap.Int64("sessionID", payload.SessionID),
			zap.Int64("taskEpoch", payload.LockEpoch),
			zap.Int64("currentEpoch", session.LockEpoch),
			zap.Bool("isLocked", session.IsLocked))
		return nil
	}

	err = h.chain.AppendAt(ctx, payload.SessionID, payload.ExpectedOrder, payload.Action, payload.Scene, payload.EnqueuedAt)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrTurnAlreadyApplied):
		h.logger.Info("Commit already applied, releasing lock",
			zap.String("taskID", payload.TaskID),
			zap.Int64("sessionID", payload.SessionID),
			zap.Int("expectedOrder", payload.ExpectedOrder))
	default:
		return err
	}

	if err := h.locks.Unlock(ctx, payload.SessionID, payload.LockEpoch); err != nil {
		if errors.Is(err, models.ErrBadRequest) {
			// Already unlocked, nothing left to do for this delivery.
			h.logger.Warn("Lock already released at commit time",
				zap.String("taskID", payload.TaskID),
				zap.Int64("sessionID", payload.SessionID))
			return nil
		}
		// The scene is committed but the session is still locked; the
		// redelivery path resolves this through ErrTurnAlreadyApplied.
		return err
	}

	if h.notifier != nil {
		h.notifier.NotifyTurnProgress(payload.UserID, payload.SessionID, "committed")
	}
	h.logger.Info("Turn commit applied",
		zap.String("taskID", payload.TaskID),
		zap.Int64("sessionID", payload.SessionID),
		zap.Int("order", payload.ExpectedOrder))
	return nil
}
